package llm

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// argumentKeys are the field names flat tool-call shapes use for the
// argument object, in lookup order.
var argumentKeys = []string{"arguments", "args", "parameters", "input"}

// NormalizeToolCall converts one provider tool-call payload into the
// canonical form. Recognized shapes:
//
//	OpenAI:    {"id", "type":"function", "function":{"name", "arguments":"<json string>"}}
//	Ollama:    {"function":{"name", "arguments":{...}}}
//	flat:      {"name", "arguments"|"args"|"parameters"|"input":{...}}
//	Anthropic: {"id", "type":"tool_use", "name", "input":{...}}
//
// The boolean is false when no tool name can be found. Arguments that
// cannot be read as a JSON object become {} and the original payload is
// kept in Raw.
func NormalizeToolCall(raw json.RawMessage) (ToolCall, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ToolCall{Raw: raw}, false
	}

	tc := ToolCall{ID: stringField(fields, "id")}

	var args json.RawMessage
	if fn, ok := fields["function"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(fn, &inner); err != nil {
			return ToolCall{Raw: raw}, false
		}
		tc.Name = stringField(inner, "name")
		args = firstPresent(inner)
	} else {
		tc.Name = stringField(fields, "name")
		args = firstPresent(fields)
	}

	if tc.Name == "" {
		return ToolCall{Raw: raw}, false
	}
	if tc.ID == "" {
		tc.ID = newCallID()
	}

	obj, ok := argumentObject(args)
	tc.Arguments = obj
	if !ok {
		tc.Raw = raw
	}
	return tc, true
}

// NormalizeToolCalls normalizes a batch, dropping entries without a name.
func NormalizeToolCalls(raws []json.RawMessage) []ToolCall {
	var out []ToolCall
	for _, r := range raws {
		if tc, ok := NormalizeToolCall(r); ok {
			out = append(out, tc)
		}
	}
	return out
}

// ParseTextToolCalls extracts tool calls a model wrote into its text
// content instead of the structured field: a <tool_call>...</tool_call>
// block (closing tag optional), a bare JSON object, or a JSON array.
func ParseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		body := content[start+len("<tool_call>"):]
		if end := strings.Index(body, "</tool_call>"); end != -1 {
			body = body[:end]
		}
		content = strings.TrimSpace(body)
	}

	switch {
	case strings.HasPrefix(content, "["):
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(content), &items); err != nil {
			return nil
		}
		return NormalizeToolCalls(items)
	case strings.HasPrefix(content, "{"):
		if tc, ok := NormalizeToolCall(json.RawMessage(content)); ok {
			return []ToolCall{tc}
		}
	}
	return nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

func firstPresent(fields map[string]json.RawMessage) json.RawMessage {
	for _, k := range argumentKeys {
		if v, ok := fields[k]; ok {
			return v
		}
	}
	return nil
}

// argumentObject accepts an object or a string holding an object.
// Missing or null arguments are an empty object and count as success.
func argumentObject(v json.RawMessage) (json.RawMessage, bool) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return json.RawMessage("{}"), true
	}

	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return json.RawMessage("{}"), false
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return json.RawMessage("{}"), true
		}
		v = json.RawMessage(s)
	}

	var obj map[string]any
	if err := json.Unmarshal(v, &obj); err != nil {
		return json.RawMessage("{}"), false
	}
	compact := new(bytes.Buffer)
	if err := json.Compact(compact, v); err != nil {
		return json.RawMessage("{}"), false
	}
	return json.RawMessage(compact.Bytes()), true
}

func newCallID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "call_" + uuid.NewString()
	}
	return "call_" + id.String()
}
