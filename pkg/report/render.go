package report

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/Masterminds/sprig"
)

const documentTemplate = `<html>
<head><title>{{ .Title }}</title></head>
<body>
<h1>{{ .Title }}</h1>
<p>Database: <b>{{ .Database }}</b> &mdash; {{ len .Entries }} item{{ if ne (len .Entries) 1 }}s{{ end }} to review.</p>
{{- range .Sections }}
<h2>{{ .Category | title }}</h2>
<ul>
{{- range .Items }}
  <li>{{ . }}</li>
{{- end }}
</ul>
{{- end }}
</body>
</html>
`

type section struct {
	Category string
	Items    []interface{}
}

type document struct {
	Title    string
	Database string
	Entries  []Entry
	Sections []section
}

// Render produces the HTML review document for a run against database.
func (c *Collector) Render(database string) (string, error) {
	tmpl, err := template.New("report").Funcs(sprig.FuncMap()).Parse(documentTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing report template: %w", err)
	}

	entries := c.Entries()
	doc := document{
		Title:    "Migration report",
		Database: database,
		Entries:  entries,
	}
	for _, cat := range c.Categories() {
		s := section{Category: cat}
		for _, e := range entries {
			if e.Category != cat {
				continue
			}
			if e.HTML {
				s.Items = append(s.Items, template.HTML(e.Message))
			} else {
				s.Items = append(s.Items, e.Message)
			}
		}
		doc.Sections = append(doc.Sections, s)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, doc); err != nil {
		return "", fmt.Errorf("rendering report: %w", err)
	}
	return buf.String(), nil
}
