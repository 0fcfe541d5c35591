package status

import "strings"

// Chinese status labels seen in agent transcripts, mapped to their
// canonical equivalents.
var chineseLabels = map[string]Status{
	"草稿":    Draft,
	"待开发":   ReadyForDevelopment,
	"准备开发":  ReadyForDevelopment,
	"进行中":   InProgress,
	"开发中":   InProgress,
	"待审查":   ReadyForReview,
	"准备审查":  ReadyForReview,
	"待完成":   ReadyForDone,
	"准备完成":  ReadyForDone,
	"完成":    Done,
	"已完成":   Done,
	"失败":    Failed,
	"已失败":   Failed,
}

// keywordLabels maps lowercase short keywords to canonical statuses.
// Checked only after exact and Chinese matching fails; longest keys
// are matched first so "ready for done" is not swallowed by "done".
var keywordLabels = []struct {
	key string
	s   Status
}{
	{"ready for development", ReadyForDevelopment},
	{"ready for review", ReadyForReview},
	{"ready for done", ReadyForDone},
	{"in progress", InProgress},
	{"in_progress", InProgress},
	{"completed", Done},
	{"complete", Done},
	{"approved", ReadyForDone},
	{"failed", Failed},
	{"failure", Failed},
	{"review", ReadyForReview},
	{"draft", Draft},
	{"done", Done},
	{"dev", ReadyForDevelopment},
}

// Normalize converts a free-form string (agent output, user input,
// legacy label) into a canonical status. It never errors; anything
// unrecognizable comes back as Unknown, which callers treat as
// "do not transition". Normalize is idempotent: feeding a canonical
// label back in returns the same label.
func Normalize(text string) Status {
	s := stripDecorations(text)
	if s == "" {
		return Unknown
	}
	if c, ok := Parse(s); ok {
		return c
	}
	// Case-insensitive exact match on canonical forms.
	lower := strings.ToLower(s)
	for _, c := range All {
		if strings.ToLower(string(c)) == lower {
			return c
		}
	}
	if c, ok := chineseLabels[s]; ok {
		return c
	}
	// Keyword containment, longest keywords first. Chinese keywords
	// are substring-checked too since transcripts interleave scripts.
	for zh, c := range chineseLabels {
		if len(zh) >= 6 && strings.Contains(s, zh) { // >= 2 runes
			return c
		}
	}
	for _, kw := range keywordLabels {
		if strings.Contains(lower, kw.key) {
			return kw.s
		}
	}
	if strings.Contains(s, "完成") {
		return Done
	}
	if strings.Contains(s, "审查") {
		return ReadyForReview
	}
	return Unknown
}

// stripDecorations removes the noise agents wrap around status labels:
// bracketed log prefixes ("[SUCCESS]", "[Thinking]", "[Tool result]"),
// colon-separated preambles ("Status: Result: Ready for Review"),
// markdown emphasis markers, and surrounding whitespace.
func stripDecorations(text string) string {
	s := strings.TrimSpace(text)

	// Bracketed log prefixes, possibly stacked.
	for strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			break
		}
		s = strings.TrimSpace(s[end+1:])
	}

	// Multi-level colon preambles: keep the text after the last colon
	// unless the result would be empty (a bare "Status:" line).
	if idx := strings.LastIndexAny(s, ":："); idx >= 0 {
		tail := strings.TrimSpace(s[idx+1:])
		if tail != "" {
			s = tail
		}
	}

	// Markdown emphasis and stray quoting.
	s = strings.Trim(s, "*_`\"' \t")

	// Only the first line of a multi-line answer carries the label.
	if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
		s = strings.TrimSpace(s[:idx])
	}
	return s
}
