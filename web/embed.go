// Package web serves the landing page at the site root.
package web

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
)

//go:embed templates/index.html.tmpl
var templates embed.FS

var index = template.Must(template.ParseFS(templates, "templates/index.html.tmpl")) //nolint:gochecknoglobals // parsed once

// Landing renders the endpoint overview for the proxy talking to mcpURL.
func Landing(mcpURL string) http.Handler {
	var buf bytes.Buffer
	if err := index.Execute(&buf, struct{ MCPURL string }{MCPURL: mcpURL}); err != nil {
		panic("web: render landing page: " + err.Error())
	}
	page := buf.Bytes()

	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	})
}
