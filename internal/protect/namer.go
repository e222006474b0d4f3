package protect

import (
	"bytes"
	"fmt"
	"text/template"
)

// NameData holds variables available in the exclusion resource name template.
type NameData struct {
	UserID      string // platform user id
	DisplayName string // platform display name, may be empty
}

// Namer renders the exclusion resource name from a Go template.
type Namer struct {
	tmpl        *template.Template
	description string
}

// NewNamer parses and validates the name template.
func NewNamer(nameTmpl, description string) (*Namer, error) {
	t, err := template.New("exclusion").Option("missingkey=error").Parse(nameTmpl)
	if err != nil {
		return nil, fmt.Errorf("EXCLUSION_NAME_TEMPLATE: %w", err)
	}
	return &Namer{tmpl: t, description: description}, nil
}

// Name renders the exclusion resource name for d.
func (n *Namer) Name(d NameData) (string, error) {
	var buf bytes.Buffer
	if err := n.tmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render template %q: %w", n.tmpl.Name(), err)
	}
	if buf.Len() == 0 {
		return "", fmt.Errorf("render template %q: empty name", n.tmpl.Name())
	}
	return buf.String(), nil
}

// Description returns the static resource description.
func (n *Namer) Description() string {
	return n.description
}
