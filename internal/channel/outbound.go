package channel

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// DefaultTextChunkLimit applies when a channel does not declare its own.
const DefaultTextChunkLimit = 2000

// LengthUnit is how a provider measures message length.
type LengthUnit string

const (
	UnitRunes LengthUnit = "runes"
	// UnitUTF16 counts UTF-16 code units, so characters outside the BMP count twice.
	UnitUTF16 LengthUnit = "utf16"
)

func (u LengthUnit) width(r rune) int {
	if u == UnitUTF16 {
		if n := utf16.RuneLen(r); n > 0 {
			return n
		}
	}
	return 1
}

// Len measures s in this unit.
func (u LengthUnit) Len(s string) int {
	if u != UnitUTF16 {
		return utf8.RuneCountInString(s)
	}
	n := 0
	for _, r := range s {
		n += u.width(r)
	}
	return n
}

// OutboundPolicy describes the message size a channel accepts.
type OutboundPolicy struct {
	TextChunkLimit int        `json:"text_chunk_limit,omitempty"`
	Unit           LengthUnit `json:"length_unit,omitempty"`
}

// NormalizeOutboundPolicy fills zero-value fields.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.TextChunkLimit <= 0 {
		policy.TextChunkLimit = DefaultTextChunkLimit
	}
	if policy.Unit == "" {
		policy.Unit = UnitRunes
	}
	return policy
}

// Split breaks text into chunks no longer than limit, measured in the policy's
// unit. A non-positive limit uses the policy's own. Cuts prefer a paragraph
// break, then a line break, then a space.
func (p OutboundPolicy) Split(text string, limit int) []string {
	p = NormalizeOutboundPolicy(p)
	if limit <= 0 {
		limit = p.TextChunkLimit
	}
	rest := strings.TrimSpace(text)
	var chunks []string
	for rest != "" {
		if p.Unit.Len(rest) <= limit {
			chunks = append(chunks, rest)
			break
		}
		cut := p.cutIndex(rest, limit)
		if head := strings.TrimSpace(rest[:cut]); head != "" {
			chunks = append(chunks, head)
		}
		rest = strings.TrimSpace(rest[cut:])
	}
	return chunks
}

// cutIndex returns the byte offset at which to end the next chunk of s.
func (p OutboundPolicy) cutIndex(s string, limit int) int {
	fit, used := 0, 0
	for i, r := range s {
		w := p.Unit.width(r)
		if used+w > limit {
			break
		}
		used += w
		fit = i + utf8.RuneLen(r)
	}
	if fit == 0 {
		// A single character wider than the limit still has to go somewhere.
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	for _, sep := range []string{"\n\n", "\n", " "} {
		window := s[:min(len(s), fit+len(sep))]
		if idx := strings.LastIndex(window, sep); idx > 0 && idx <= fit {
			return idx
		}
	}
	return fit
}
