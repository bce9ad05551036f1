package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Alarm {{.EventLabel}}] {{.Priority}} {{.Level}}
Sensor: {{.Sensor}}{{ if .Tag }} ({{.Tag}}){{ end }}
{{ if .Site }}Site: {{.Site}}{{ if .Block }} / {{.Block}}{{ end }}
{{ end }}Value: {{.Value}}
Threshold: {{.Threshold}}
Raised: {{.RaisedAt}}
State: {{.State}}
{{ if .Operator }}Operator: {{.Operator}}
{{ end }}{{ if .Reason }}Reason: {{.Reason}}
{{ end }}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Sensor     string
	Tag        string
	Site       string
	Block      string
	Subsystem  string
	Priority   string
	Level      string
	State      string
	Value      string
	Threshold  string
	RaisedAt   string
	Operator   string
	Reason     string
	Event      string
	EventLabel string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alarm-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alarm template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
