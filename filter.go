package agentsocket

import (
	"regexp"
	"strings"
)

// Length limits below which a greeting-looking text is treated as noise.
const (
	StreamingGreetingLimit = 100
	TerminalGreetingLimit  = 150
)

var (
	greetingWord = regexp.MustCompile(`(?i)\b(hello|hi|hey|greetings)\b`)
	helpWord     = regexp.MustCompile(`(?i)\b(help|assist)`)
	contextWord  = regexp.MustCompile(`(?i)(\btoday\b|feel free|how can i|what can i|\banything\b)`)
)

// DefaultPlaceholders are backend sentinels that never reach the transcript.
var DefaultPlaceholders = []string{
	"NO_CONTENT",
	"SALES_ROUTED",
	"[NO_CONTENT]",
	"[SALES_ROUTED]",
}

// IsGreeting reports whether text looks like a proactive greeting such as
// "Hello! How can I assist you today?".
func IsGreeting(text string) bool {
	return greetingWord.MatchString(text) &&
		helpWord.MatchString(text) &&
		contextWord.MatchString(text)
}

// Filter separates real assistant content from placeholders and greetings the
// backend may emit before the user has said anything.
type Filter struct {
	placeholders map[string]struct{}
}

// NewFilter creates a filter suppressing DefaultPlaceholders plus extra.
func NewFilter(extra ...string) *Filter {
	f := &Filter{placeholders: make(map[string]struct{})}
	for _, p := range DefaultPlaceholders {
		f.placeholders[p] = struct{}{}
	}
	for _, p := range extra {
		f.placeholders[strings.TrimSpace(p)] = struct{}{}
	}
	return f
}

// IsPlaceholder reports whether text is an exact system placeholder.
func (f *Filter) IsPlaceholder(text string) bool {
	_, ok := f.placeholders[strings.TrimSpace(text)]
	return ok
}

// Suppress reports whether text must not be shown. Placeholders are always
// suppressed; short greetings only until the user has spoken.
func (f *Filter) Suppress(text string, hasUserSpoken bool, limit int) bool {
	if f.IsPlaceholder(text) {
		return true
	}
	if hasUserSpoken {
		return false
	}
	return len(text) < limit && IsGreeting(text)
}

// Clean returns text, or "" when it is empty or suppressed.
func (f *Filter) Clean(text string, hasUserSpoken bool, limit int) string {
	if strings.TrimSpace(text) == "" || f.Suppress(text, hasUserSpoken, limit) {
		return ""
	}
	return text
}
