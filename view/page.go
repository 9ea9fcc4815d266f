package view

import (
	"embed"
	"html/template"

	"github.com/gomithril/embeddinglab/session"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// PageTemplate is the name the index page is registered under.
const PageTemplate = "index.tmpl"

// Templates parses the embedded page templates.
func Templates() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.tmpl")
}

// Page is the data the index template is executed with.
type Page struct {
	Title     string
	ModelURL  string
	Text      string
	UploadExt string
	State     State
}

func NewPage(modelURL, text, uploadExt string, s session.Snapshot) Page {
	return Page{
		Title:     "Embedding Gemma",
		ModelURL:  modelURL,
		Text:      text,
		UploadExt: uploadExt,
		State:     Render(s),
	}
}
