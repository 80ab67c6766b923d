// Package intake holds the questionnaire answers a report is generated from.
package intake

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Value is a questionnaire answer: either a single string or a list of strings.
type Value struct {
	single    string
	list      []string
	isList    bool
	malformed bool
}

// String returns a single-valued answer, or the first element of a list.
func (v Value) String() string {
	if v.isList {
		if len(v.list) == 0 {
			return ""
		}
		return v.list[0]
	}
	return v.single
}

// List returns the answer as a list. A single value becomes a one-element list.
func (v Value) List() []string {
	if v.isList {
		out := make([]string, len(v.list))
		copy(out, v.list)
		return out
	}
	if v.single == "" {
		return nil
	}
	return []string{v.single}
}

// Malformed reports whether the answer had a shape other than a string, a
// list of strings, a number or a boolean. Such answers read as absent.
func (v Value) Malformed() bool { return v.malformed }

// IsList reports whether the answer was given as a list.
func (v Value) IsList() bool { return v.isList }

// Text renders the answer for display, joining list values with ", ".
func (v Value) Text() string {
	if v.isList {
		return strings.Join(v.list, ", ")
	}
	return v.single
}

// Single builds a single-string answer.
func Single(s string) Value { return Value{single: s} }

// Multi builds a list answer.
func Multi(items ...string) Value {
	l := make([]string, len(items))
	copy(l, items)
	return Value{list: l, isList: true}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.isList {
		return json.Marshal(v.list)
	}
	return json.Marshal(v.single)
}

// UnmarshalJSON accepts a string, a list of strings, a number or a boolean.
// Numbers and booleans are kept in their literal text form. Any other shape
// decodes to an absent, malformed answer.
func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Single(s)
		return nil
	}
	var l []string
	if err := json.Unmarshal(data, &l); err == nil {
		*v = Multi(l...)
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.(type) {
	case nil:
		*v = Value{}
	case float64, bool:
		*v = Single(strings.TrimSpace(string(data)))
	default:
		*v = Value{malformed: true}
	}
	return nil
}

// Answer pairs a question id with its answer.
type Answer struct {
	QuestionID string `json:"question_id"`
	Value      Value  `json:"answer"`
}

// Answers is one received questionnaire. It is treated as immutable once
// decoded; derivation and composition only read from it.
type Answers struct {
	SessionID string            `json:"session_id"`
	Timestamp time.Time         `json:"timestamp"`
	Items     []Answer          `json:"answers"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Get returns the first answer recorded for a question.
func (a *Answers) Get(questionID string) (Value, bool) {
	for _, item := range a.Items {
		if item.QuestionID == questionID {
			return item.Value, true
		}
	}
	return Value{}, false
}

// Malformed returns the ids of questions whose answer could not be read.
func (a *Answers) Malformed() []string {
	var ids []string
	for _, item := range a.Items {
		if item.Value.malformed {
			ids = append(ids, item.QuestionID)
		}
	}
	return ids
}

// Code returns the normalized (trimmed, lower-cased) single value of an answer,
// or "" when the question was not answered.
func (a *Answers) Code(questionID string) string {
	v, ok := a.Get(questionID)
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(v.String()))
}

// Codes returns the normalized list form of an answer.
func (a *Answers) Codes(questionID string) []string {
	v, ok := a.Get(questionID)
	if !ok {
		return nil
	}
	var out []string
	for _, s := range v.List() {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Meta returns a metadata value or "".
func (a *Answers) Meta(key string) string {
	if a.Metadata == nil {
		return ""
	}
	return a.Metadata[key]
}

// Validate checks the fields every pipeline stage depends on.
func (a *Answers) Validate() error {
	if strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("intake: session_id is required")
	}
	for i, item := range a.Items {
		if strings.TrimSpace(item.QuestionID) == "" {
			return fmt.Errorf("intake: answer %d has no question_id", i)
		}
	}
	return nil
}

// Decode reads an intake JSON document.
func Decode(r io.Reader) (*Answers, error) {
	var a Answers
	dec := json.NewDecoder(r)
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("decoding intake: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// LoadFile reads an intake JSON file.
func LoadFile(path string) (*Answers, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening intake: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
