package export

import (
	"bytes"
	"html/template"
	"strings"

	"hanwrite/api/internal/changeset"
)

var documentTemplate = template.Must(template.New("document").Parse(documentHTML))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title      string
	Paragraphs []Paragraph
}

type Paragraph []Segment

// Segment is a run of plain text, or a single annotated cell when Pinyin is
// set.
type Segment struct {
	Text   string
	Pinyin string
}

// Paragraphs splits text on newlines and groups unannotated cells into
// plain runs.
func Paragraphs(text []changeset.Char) []Paragraph {
	paragraphs := []Paragraph{{}}
	var plain strings.Builder
	flush := func() {
		if plain.Len() == 0 {
			return
		}
		last := len(paragraphs) - 1
		paragraphs[last] = append(paragraphs[last], Segment{Text: plain.String()})
		plain.Reset()
	}
	for _, c := range text {
		switch {
		case c.Hanzi == "\n":
			flush()
			paragraphs = append(paragraphs, Paragraph{})
		case c.Pinyin != "":
			flush()
			last := len(paragraphs) - 1
			paragraphs[last] = append(paragraphs[last], Segment{Text: c.Hanzi, Pinyin: c.Pinyin})
		default:
			plain.WriteString(c.Hanzi)
		}
	}
	flush()
	return paragraphs
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentHTML = `<!DOCTYPE html>
<html lang="zh">
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: "Noto Serif CJK SC", "Songti SC", serif; line-height: 2.2; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    p { margin: 0 0 0.8rem; min-height: 1em; }
    rt { font-size: 0.55em; color: #555; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
{{- range .Paragraphs}}
  <p>{{range .}}{{if .Pinyin}}<ruby>{{.Text}}<rt>{{.Pinyin}}</rt></ruby>{{else}}{{.Text}}{{end}}{{end}}</p>
{{- end}}
</body>
</html>`
