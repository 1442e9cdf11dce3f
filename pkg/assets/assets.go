// Package assets holds the embedded admin pages.
package assets

import (
	"embed"
	"fmt"
	"html/template"
)

//go:embed files/*.html
var FS embed.FS

// ParseTemplates loads the embedded page templates.
func ParseTemplates() (*template.Template, error) {
	t, err := template.ParseFS(FS, "files/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}
	return t, nil
}
