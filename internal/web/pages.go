package web

import (
	"html/template"
	"net/http"

	"github.com/samcm/ts-companion/internal/steamgroups"
)

const layout = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>TeamSpeak Companion</title>
<style>
body { font-family: monospace; max-width: 40em; margin: 2em auto; }
fieldset { border: 1px #000 solid; }
button { border: 3px #000 solid; background: #fff; padding: 3px 10px; font-family: monospace; }
button:hover { background: #000; color: #fff; cursor: pointer; }
.notice { margin: 1em 0; font-weight: bold; }
</style>
</head>
<body>
{{template "content" .}}
</body>
</html>`

var messageTemplate = template.Must(template.Must(template.New("message").Parse(layout)).Parse(
	`{{define "content"}}<p class="notice">{{.}}</p>{{end}}`))

var selectTemplate = template.Must(template.Must(template.New("select").Parse(layout)).Parse(
	`{{define "content"}}
<form method="post" action="/select">
<fieldset>
<legend>Choose which games are shown as groups{{if .Max}} (max {{.Max}}){{end}}</legend>
{{range .Games}}
<label><input type="checkbox" name="game" value="{{.Game.AppID}}"{{if .Selected}} checked{{end}}> {{.Game.Name}}</label><br>
{{else}}
<p>None of your games has a group on this server.</p>
{{end}}
</fieldset>
{{if .Notice}}<p class="notice">{{.Notice}}</p>{{end}}
<button type="submit">Save</button>
</form>
{{end}}`))

type selectPage struct {
	Games  []steamgroups.Selectable
	Max    int
	Notice string
}

func (s *Server) render(w http.ResponseWriter, status int, tmpl *template.Template, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	if err := tmpl.Execute(w, data); err != nil {
		s.log.WithError(err).Warn("Failed to render page")
	}
}

func (s *Server) renderMessage(w http.ResponseWriter, status int, msg string) {
	s.render(w, status, messageTemplate, msg)
}
