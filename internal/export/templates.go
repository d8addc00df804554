package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate = template.Must(template.New("transcript.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/transcript.html"))

// RenderTranscriptHTML renders the transcript template for a bundle.
// User content is escaped by html/template.
func RenderTranscriptHTML(bundle Bundle) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, bundle); err != nil {
		return "", err
	}
	return buf.String(), nil
}
