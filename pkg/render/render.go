// Package render produces the files committed into freshly bootstrapped
// repositories.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// ReadmeTemplate is the initial README committed into empty repositories.
const ReadmeTemplate = "readme.md.tmpl"

// Readme is the data passed to ReadmeTemplate.
type Readme struct {
	Name      string
	ProjectID string
	Branch    string
}

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New parses all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(template.FuncMap{
		"lower": strings.ToLower,
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with data.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// Readme renders the initial README.
func (e *Engine) Readme(data Readme) (string, error) {
	if data.Branch == "" {
		data.Branch = "main"
	}
	return e.Render(ReadmeTemplate, data)
}
