// Package prompt assembles prompts from ordered, conditionally included parts and wraps the result in
// the prompt format a model was trained on.
package prompt

import (
	"encoding/json"
	"strings"
)

// Part is one fragment of a prompt. A part contributes Prefix+Text+Suffix to the prompt unless it is
// skipped or its Text is empty.
type Part struct {
	Text   string
	Prefix string
	Suffix string

	// Skip excludes the part regardless of its content. The zero value includes the part.
	Skip bool
}

// P returns an included part.
func P(text string) Part {
	return Part{Text: text}
}

// If returns a part that is only included when cond holds.
func If(cond bool, text string) Part {
	return Part{Text: text, Skip: !cond}
}

// Pre returns a copy of p with the given prefix.
func (p Part) Pre(prefix string) Part {
	p.Prefix = prefix
	return p
}

// Suf returns a copy of p with the given suffix.
func (p Part) Suf(suffix string) Part {
	p.Suffix = suffix
	return p
}

// Included reports whether the part contributes to a prompt.
func (p Part) Included() bool {
	return !p.Skip && p.Text != ""
}

// Join concatenates the included parts in order.
func Join(parts []Part) string {
	var sb strings.Builder
	for _, part := range parts {
		if !part.Included() {
			continue
		}
		sb.WriteString(part.Prefix)
		sb.WriteString(part.Text)
		sb.WriteString(part.Suffix)
	}
	return sb.String()
}

type wirePart struct {
	Str *string `json:"str,omitempty" yaml:"str,omitempty"`
	Val *string `json:"val,omitempty" yaml:"val,omitempty"`
	If  *bool   `json:"if,omitempty" yaml:"if,omitempty"`
	Use *bool   `json:"use,omitempty" yaml:"use,omitempty"`
	Pre string  `json:"pre,omitempty" yaml:"pre,omitempty"`
	Suf string  `json:"suf,omitempty" yaml:"suf,omitempty"`
}

// UnmarshalJSON accepts both {str, if} and {val, use} spellings used by the browser demos. A missing
// condition means the part is included.
func (p *Part) UnmarshalJSON(data []byte) error {
	var w wirePart
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = w.part()
	return nil
}

// MarshalJSON writes the {str, if, pre, suf} spelling.
func (p Part) MarshalJSON() ([]byte, error) {
	w := wirePart{Str: &p.Text, Pre: p.Prefix, Suf: p.Suffix}
	if p.Skip {
		f := false
		w.If = &f
	}
	return json.Marshal(w)
}

func (w wirePart) part() Part {
	var p Part
	switch {
	case w.Str != nil:
		p.Text = *w.Str
	case w.Val != nil:
		p.Text = *w.Val
	}
	if w.If != nil && !*w.If {
		p.Skip = true
	}
	if w.Use != nil && !*w.Use {
		p.Skip = true
	}
	p.Prefix = w.Pre
	p.Suffix = w.Suf
	return p
}
