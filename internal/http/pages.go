package httpx

import (
	"bytes"
	"html/template"
	"net/http"
)

type pageData struct {
	RunID   string
	Status  string
	Refresh int
}

const pageLayout = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
{{if .Refresh}}<meta http-equiv="refresh" content="{{.Refresh}}">{{end}}
<title>{{template "title" .}}</title>
<style>
body{font-family:system-ui,-apple-system,sans-serif;background:#0b0d12;color:#e6e8ee;display:flex;min-height:100vh;align-items:center;justify-content:center;margin:0}
main{max-width:32rem;padding:2rem;text-align:center}
h1{font-size:1.5rem;margin:0 0 .75rem}
p{color:#9aa3b2;line-height:1.5}
code{background:#1a1e27;padding:.15rem .4rem;border-radius:4px}
</style>
</head>
<body><main>{{template "body" .}}</main></body>
</html>`

var (
	notFoundPage = mustPage(`{{define "title"}}Preview not found{{end}}
{{define "body"}}<h1>Preview not found</h1>
<p>{{if .RunID}}No run <code>{{.RunID}}</code> exists.{{else}}No run was specified.{{end}} It may have been deleted or expired.</p>{{end}}`)

	notReadyPage = mustPage(`{{define "title"}}Preview not ready{{end}}
{{define "body"}}{{if eq .Status "failed"}}<h1>Preview failed</h1>
<p>Run <code>{{.RunID}}</code> failed. Check the run status for details.</p>{{else}}<h1>Preview is being prepared</h1>
<p>Run <code>{{.RunID}}</code> is <strong>{{.Status}}</strong>. This page refreshes automatically.</p>{{end}}{{end}}`)

	upstreamErrorPage = mustPage(`{{define "title"}}Preview unavailable{{end}}
{{define "body"}}<h1>Preview unavailable</h1>
<p>The worker for run <code>{{.RunID}}</code> did not answer. Try again shortly.</p>{{end}}`)
)

func mustPage(body string) *template.Template {
	return template.Must(template.Must(template.New("layout").Parse(pageLayout)).Parse(body))
}

func (r *Router) renderPage(w http.ResponseWriter, status int, page *template.Template, data pageData) {
	var buf bytes.Buffer
	if err := page.ExecuteTemplate(&buf, "layout", data); err != nil {
		r.logger.Error("render page", "error", err)
		r.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
