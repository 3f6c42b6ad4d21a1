package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santiagomed/kiln/logger"
)

// ExtractJSON trims model output down to its outermost JSON object or array.
// Models sometimes surround the payload with prose or code fences.
func ExtractJSON(s string) string {
	raw := strings.TrimSpace(StripCodeFences(s))
	if raw == "" {
		return raw
	}

	objStart := strings.Index(raw, "{")
	arrStart := strings.Index(raw, "[")
	start, end := -1, -1
	switch {
	case objStart >= 0 && (arrStart < 0 || objStart < arrStart):
		start = objStart
		end = strings.LastIndex(raw, "}")
	case arrStart >= 0:
		start = arrStart
		end = strings.LastIndex(raw, "]")
	}
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

// ParseOrDefault decodes the JSON payload in raw into a T. Any failure returns
// def and false, and the raw text is logged so the bad output can be inspected.
func ParseOrDefault[T any](l logger.Logger, label, raw string, def T) (T, bool) {
	var v T
	payload := ExtractJSON(raw)
	if payload == "" {
		l.WithField("label", label).Warn("structured output was empty")
		return def, false
	}
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		l.WithField("label", label).WithField("raw", raw).Warn(fmt.Sprintf("failed to parse structured output: %v", err))
		return def, false
	}
	return v, true
}

// StripCodeFences removes a leading ```lang line and a trailing ``` line,
// then trims surrounding whitespace.
func StripCodeFences(s string) string {
	out := strings.TrimSpace(s)
	if strings.HasPrefix(out, "```") {
		if nl := strings.IndexByte(out, '\n'); nl >= 0 {
			out = out[nl+1:]
		} else {
			out = strings.TrimPrefix(out, "```")
		}
	}
	out = strings.TrimRight(out, " \t\r\n")
	if strings.HasSuffix(out, "```") {
		out = strings.TrimSuffix(out, "```")
	}
	return strings.TrimSpace(out)
}
