package policy

import "strings"

var controlCommands = map[string]struct{}{
	"help":     {},
	"commands": {},
	"status":   {},
	"whoami":   {},
	"reset":    {},
	"new":      {},
	"stop":     {},
	"model":    {},
	"think":    {},
	"verbose":  {},
}

// IsControlCommand reports whether text starts with a known slash command,
// e.g. "/status" or "/model@mybot gpt".
func IsControlCommand(text string) bool {
	name, ok := ControlCommandName(text)
	if !ok {
		return false
	}
	_, known := controlCommands[name]
	return known
}

// ControlCommandName extracts the lowercased command name from "/name args".
func ControlCommandName(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", false
	}
	name, _, _ := strings.Cut(fields[0], "@")
	name = strings.ToLower(name)
	if name == "" {
		return "", false
	}
	return name, true
}
