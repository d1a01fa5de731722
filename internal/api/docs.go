package api

import (
	"bytes"
	"html/template"
)

// docsLink is one entry of the docs page toolbar.
type docsLink struct {
	Href  string
	Label string
}

type docsPage struct {
	Title    string
	SpecURL  string
	Sections []string
	Links    []docsLink
}

// newDocsPage describes the docs landing page for the routes NewServer
// actually mounts.
func newDocsPage(opts Options) docsPage {
	p := docsPage{
		Title:    apiTitle,
		SpecURL:  "/openapi.json",
		Sections: []string{"Tabs", "Capture", "Records"},
		Links:    []docsLink{{Href: "/docs/events", Label: "Events & Relay"}, {Href: "/health", Label: "Health"}},
	}
	if opts.Exports != nil {
		p.Sections = append(p.Sections, "Exports")
	}
	if opts.Pages != nil {
		p.Sections = append(p.Sections, "Pages")
	}
	if opts.Broker != nil {
		p.Links = append(p.Links, docsLink{Href: "/events", Label: "Live events"})
	}
	return p
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Title}}</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    body { height: 100vh; margin: 0; display: flex; flex-direction: column; background: #0d1117; }
    nav { display: flex; gap: 8px; align-items: center; padding: 8px 16px; border-bottom: 1px solid #30363d;
      font: 500 12px -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; color: #8b949e; }
    nav strong { color: #c9d1d9; margin-right: 8px; }
    nav .sections { flex: 1; }
    nav a { color: #58a6ff; text-decoration: none; background: #161b22; border: 1px solid #30363d;
      border-radius: 6px; padding: 4px 10px; }
    elements-api { flex: 1; min-height: 0; }
  </style>
</head>
<body>
  <nav>
    <strong>{{.Title}}</strong>
    <span class="sections">{{range $i, $s := .Sections}}{{if $i}} · {{end}}{{$s}}{{end}}</span>
    {{range .Links}}<a href="{{.Href}}">{{.Label}}</a>
    {{end}}
  </nav>
  <elements-api
    apiDescriptionUrl="{{.SpecURL}}"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
    darkMode
  />
</body>
</html>`))

func renderDocs(opts Options) []byte {
	var buf bytes.Buffer
	if err := docsTemplate.Execute(&buf, newDocsPage(opts)); err != nil {
		panic("api: docs template: " + err.Error())
	}
	return buf.Bytes()
}
