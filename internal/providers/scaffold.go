package providers

import (
	"regexp"
	"strings"
)

// Some models leak raw tool-call markup into text deltas instead of (or in
// addition to) structured tool_use events. The markup is never meant for the
// user and would confuse the next round if replayed.
var scaffoldPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`),
	regexp.MustCompile(`(?s)<function_calls>.*?</function_calls>`),
	regexp.MustCompile(`(?s)<invoke\s[^>]*>.*?</invoke>`),
	regexp.MustCompile(`(?s)<tool_use>.*?</tool_use>`),
	regexp.MustCompile(`<\|tool_calls?[a-z_]*\|>`),
}

// unterminated opener at the tail of the buffer, e.g. a stream that ended mid-markup
var scaffoldTail = regexp.MustCompile(`(?s)<(tool_call|function_calls|invoke|tool_use)[\s>].*$`)

// StripScaffold removes leaked tool-call markup from model text.
func StripScaffold(text string) string {
	if !strings.Contains(text, "<") {
		return text
	}
	out := text
	for _, re := range scaffoldPatterns {
		out = re.ReplaceAllString(out, "")
	}
	out = scaffoldTail.ReplaceAllString(out, "")
	if out == text {
		return text
	}
	return strings.TrimSpace(out)
}
