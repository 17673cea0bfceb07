package util

import (
	"encoding/json"
	"strings"
)

// TruncateString truncates s to maxLen runes and appends "..." if
// truncated (UTF-8 safe). If preserveWords is true, truncates at the
// last space before maxLen when possible. Used for evidence bullets,
// citation previews, and subject fallbacks.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	cut := maxLen - 3
	if preserveWords {
		if idx := lastSpaceBeforeRune(runes, cut); idx > 0 {
			cut = idx
		}
	}
	return string(runes[:cut]) + "..."
}

func lastSpaceBeforeRune(runes []rune, pos int) int {
	if pos > len(runes) {
		pos = len(runes)
	}
	for i := pos - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			return i
		}
	}
	return -1
}

// CompactJSON renders v as single-line JSON, truncated to maxLen runes.
// Tool payloads summarized for diagnose bullets go through this.
func CompactJSON(v interface{}, maxLen int) string {
	b, err := json.Marshal(v)
	if err != nil {
		s, _ := v.(string)
		return TruncateString(strings.TrimSpace(s), maxLen, false)
	}
	return TruncateString(string(b), maxLen, false)
}

// StripCodeFence removes a leading/trailing markdown code fence from
// LLM output so JSON bodies parse whether or not the model fenced them.
func StripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	// drop an optional language tag on the fence line
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		first := strings.TrimSpace(trimmed[:idx])
		if first == "json" || first == "JSON" || first == "" {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
