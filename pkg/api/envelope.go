package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Envelope is the backend's response wrapper {content, status, timestamp, messages}.
type Envelope[T any] struct {
	Content   T               `json:"content"`
	Status    json.RawMessage `json:"status,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
	Messages  []Message       `json:"messages,omitempty"`
}

// Texts returns the readable text of every message.
func (e Envelope[T]) Texts() []string {
	out := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		if m.Text != "" {
			out = append(out, m.Text)
		}
	}
	return out
}

// Message is one entry of Envelope.Messages. The backend sends either plain
// strings or {code, text} objects.
type Message struct {
	Code string `json:"code,omitempty"`
	Text string `json:"text"`
}

func (m *Message) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &m.Text)
	}
	var obj struct {
		Code    string `json:"code"`
		Text    string `json:"text"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	m.Code, m.Text = obj.Code, obj.Text
	if m.Text == "" {
		m.Text = obj.Message
	}
	return nil
}

// ErrNoContent is returned when a wrapped object response has no content.
var ErrNoContent = errors.New("api: response has no content")

// UnwrapList extracts a list from a bare array, {content: [...]} or
// {items: [...]}. Any other shape yields an empty list.
func UnwrapList(raw json.RawMessage) []json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []json.RawMessage{}
	}
	var list []json.RawMessage
	if raw[0] == '[' {
		if json.Unmarshal(raw, &list) == nil {
			return list
		}
		return []json.RawMessage{}
	}
	var obj struct {
		Content json.RawMessage `json:"content"`
		Items   json.RawMessage `json:"items"`
	}
	if raw[0] != '{' || json.Unmarshal(raw, &obj) != nil {
		return []json.RawMessage{}
	}
	for _, candidate := range []json.RawMessage{obj.Content, obj.Items} {
		candidate = bytes.TrimSpace(candidate)
		if len(candidate) > 0 && candidate[0] == '[' && json.Unmarshal(candidate, &list) == nil {
			return list
		}
	}
	return []json.RawMessage{}
}

// UnwrapObject returns the content of an enveloped object, or raw itself when
// it is not enveloped.
func UnwrapObject(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, ErrNoContent
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	content, wrapped := obj["content"]
	if !wrapped || !hasEnvelopeKey(obj) {
		return raw, nil
	}
	content = bytes.TrimSpace(content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return nil, ErrNoContent
	}
	return content, nil
}

func hasEnvelopeKey(obj map[string]json.RawMessage) bool {
	for _, k := range []string{"status", "timestamp", "messages"} {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

// decodeList decodes each element of an unwrapped list into T, skipping
// elements that do not fit.
func decodeList[T any](raw json.RawMessage) []T {
	items := UnwrapList(raw)
	out := make([]T, 0, len(items))
	for _, it := range items {
		var v T
		if json.Unmarshal(it, &v) == nil {
			out = append(out, v)
		}
	}
	return out
}
