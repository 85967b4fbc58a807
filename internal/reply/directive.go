package reply

import (
	"regexp"
	"strings"
)

var (
	replyToPattern      = regexp.MustCompile(`\[\[\s*reply_to\s*:\s*([^\]\s]+)\s*\]\]`)
	replyToCurrentToken = regexp.MustCompile(`\[\[\s*reply_to_current\s*\]\]`)
	collapseSpaces      = regexp.MustCompile(`[ \t]{2,}`)
)

// replyDirective is what a reply chunk asked for.
type replyDirective struct {
	// Ref is the explicit [[reply_to:<ref>]] argument, short or full.
	Ref string
	// Current is set by [[reply_to_current]].
	Current bool
}

// extractReplyDirective strips every reply directive from text. The first
// explicit reference wins over reply_to_current.
func extractReplyDirective(text string) (string, replyDirective) {
	var dir replyDirective
	if m := replyToPattern.FindStringSubmatch(text); m != nil {
		dir.Ref = m[1]
	}
	if replyToCurrentToken.MatchString(text) {
		dir.Current = true
	}
	if dir.Ref == "" && !dir.Current {
		return text, dir
	}
	text = replyToPattern.ReplaceAllString(text, "")
	text = replyToCurrentToken.ReplaceAllString(text, "")
	text = collapseSpaces.ReplaceAllString(text, " ")
	return strings.TrimSpace(text), dir
}
