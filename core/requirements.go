package core

import (
	"bytes"
	"encoding/json"
	"path"
	"strings"
)

// DefaultMockupPrompt is used for image files when no usable mockup prompt exists.
const DefaultMockupPrompt = "A clean, modern user interface mockup for a web application"

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// IsImagePath reports whether p should be produced by image generation.
func IsImagePath(p string) bool {
	return imageExtensions[strings.ToLower(path.Ext(p))]
}

// RequirementsDocument describes the target project. It is produced once per
// project and reused as context for every later run.
type RequirementsDocument struct {
	ProjectName   Text            `json:"projectName"`
	Description   Text            `json:"description"`
	Inspiration   InspirationList `json:"inspiration"`
	CoreFeatures  StringList      `json:"coreFeatures"`
	TechStack     StringList      `json:"techStack"`
	MockupPrompts MockupList      `json:"mockupPrompts,omitempty"`
}

type Inspiration struct {
	ProductName Text       `json:"productName"`
	KeyFeatures StringList `json:"keyFeatures"`
}

// Empty reports whether the document carries nothing a later stage can use.
func (d *RequirementsDocument) Empty() bool {
	return strings.TrimSpace(string(d.ProjectName)) == "" &&
		strings.TrimSpace(string(d.Description)) == "" &&
		len(d.CoreFeatures) == 0
}

// MockupPrompt picks the prompt for the i-th image file, cycling through the
// available prompts.
func (d *RequirementsDocument) MockupPrompt(i int) string {
	if len(d.MockupPrompts) == 0 {
		return DefaultMockupPrompt
	}
	if p := firstString(d.MockupPrompts[i%len(d.MockupPrompts)]); p != "" {
		return p
	}
	return DefaultMockupPrompt
}

// StringList decodes a JSON array of strings, a single string, or an array
// whose entries are objects (their first string value is used).
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if b[0] != '[' {
		if s := firstString(b); s != "" {
			*l = StringList{s}
			return nil
		}
		*l = nil
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	out := make(StringList, 0, len(items))
	for _, item := range items {
		if s := firstString(item); s != "" {
			out = append(out, s)
		}
	}
	*l = out
	return nil
}

// Text decodes a JSON string. Numbers and booleans keep their literal text,
// objects and arrays yield their first string value, anything else is "".
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*t = ""
	case b[0] == '"' || b[0] == '{':
		*t = Text(firstString(b))
	case b[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*t = ""
		for _, item := range items {
			if s := firstString(item); s != "" {
				*t = Text(s)
				break
			}
		}
	default:
		*t = Text(b)
	}
	return nil
}

// InspirationList decodes an array of inspiration entries, or a single entry.
// An entry may be an object with productName and keyFeatures, a bare product
// name, or an object whose first string value is taken as the product name.
type InspirationList []Inspiration

func (l *InspirationList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	items := []json.RawMessage{b}
	if b[0] == '[' {
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
	}

	out := make(InspirationList, 0, len(items))
	for _, item := range items {
		if in, ok := decodeInspiration(item); ok {
			out = append(out, in)
		}
	}
	*l = out
	return nil
}

func decodeInspiration(raw json.RawMessage) (Inspiration, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var in Inspiration
		if err := json.Unmarshal(raw, &in); err == nil && (in.ProductName != "" || len(in.KeyFeatures) > 0) {
			return in, true
		}
	}
	if s := firstString(raw); s != "" {
		return Inspiration{ProductName: Text(s)}, true
	}
	return Inspiration{}, false
}

// MockupList keeps each mockup prompt entry as raw JSON; entries may be plain
// strings or objects.
type MockupList []json.RawMessage

func (l *MockupList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*l = nil
	case b[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*l = items
	default:
		*l = MockupList{json.RawMessage(append([]byte(nil), b...))}
	}
	return nil
}

// firstString returns a trimmed JSON string, or for an object the first value
// in document order when that value is a string. Anything else yields "".
func firstString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case '{':
		dec := json.NewDecoder(bytes.NewReader(raw))
		if _, err := dec.Token(); err != nil { // {
			return ""
		}
		if !dec.More() {
			return ""
		}
		if _, err := dec.Token(); err != nil { // key
			return ""
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return ""
		}
		v = bytes.TrimSpace(v)
		if len(v) == 0 || v[0] != '"' {
			return ""
		}
		return firstString(v)
	}
	return ""
}
