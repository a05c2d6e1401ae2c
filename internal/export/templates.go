package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"

	"labmapa/internal/mapa"
)

//go:embed templates/*.html
var templateFS embed.FS

var mapaTemplate = template.Must(template.New("mapa.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatTime": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"signed": func(state mapa.RowState) bool {
		return state == mapa.StateSigned
	},
}).ParseFS(templateFS, "templates/mapa.html"))

// RenderHTML renders the sheet as a standalone HTML page.
func RenderHTML(sheet Sheet) (string, error) {
	var buf bytes.Buffer
	if err := mapaTemplate.Execute(&buf, sheet); err != nil {
		return "", err
	}
	return buf.String(), nil
}
