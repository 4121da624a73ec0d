package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/daemon"
	"github.com/morezero/action-gateway/pkg/params"
)

const pagesLogPrefix = "server:pages"

// homePageTemplate is the HTML for the gateway home page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Action Gateway</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Action Gateway</h1>
  <p class="meta">Gateway health, connected workers and callable collections.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    {{range $name, $state := .Health.Checks}}<p>{{$name}}: {{if eq $state "ok"}}<span class="stat">OK</span>{{else}}<span class="error">{{$state}}</span>{{end}}</p>{{end}}
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Statistics</h2>
    <p>Collections: <span class="stat">{{.Health.Collections}}</span>, actions: <span class="stat">{{.Health.Actions}}</span></p>
    <p>Workers: <span class="stat">{{.Health.Workers}}</span>, clients: <span class="stat">{{.Health.Clients}}</span></p>
  </section>

  <section>
    <h2>Workers</h2>
    {{if not .Workers}}
    <p>No workers connected.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Name</th><th>Protocol</th><th>Collections</th><th>Functions</th><th>Connected</th></tr>
      </thead>
      <tbody>
        {{range .Workers}}
        <tr>
          <td>{{.Name}}</td>
          <td>{{.ProtocolVersion}}</td>
          <td>{{range .Collections}}{{.}} {{end}}</td>
          <td>{{.Functions}}</td>
          <td>{{.ConnectedAt.Format "2006-01-02T15:04:05Z07:00"}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Collections</h2>
    {{if not .Collections}}
    <p>No collections registered.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Collection</th><th>Description</th><th>Owner</th><th>Actions</th><th>Status</th></tr>
      </thead>
      <tbody>
        {{range .Collections}}
        <tr>
          <td><a href="/collection/{{.ID}}">{{.ID}}</a></td>
          <td>{{.Description}}</td>
          <td>{{if .Owner}}{{.Owner}}{{else}}local{{end}}</td>
          <td>{{len .Actions}}</td>
          <td>{{if .Disabled}}disabled{{else}}active{{end}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// collectionDetailPageTemplate is the HTML for a single collection.
const collectionDetailPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.ID}} – Action Gateway</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; vertical-align: top; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 0.5rem; }
    section { margin-bottom: 2rem; }
    pre { background: #f5f5f5; padding: 0.75rem; overflow-x: auto; font-size: 0.85rem; margin: 0.25rem 0; border: 1px solid #eee; }
    .back { margin-bottom: 1rem; }
    .actions { margin: 1rem 0; }
    .btn { display: inline-block; padding: 0.5rem 1rem; background: #0066cc; color: #fff; text-decoration: none; border-radius: 4px; }
    .btn:hover { background: #0052a3; }
  </style>
</head>
<body>
  <p class="back"><a href="/">← Back to gateway</a></p>
  <h1>{{.ID}}</h1>
  {{if .Description}}<p class="meta">{{.Description}}</p>{{end}}
  <p class="actions"><a href="/collection/{{.ID}}/docs" class="btn">View API (Swagger)</a></p>

  <section>
    <h2>Details</h2>
    <table>
      <tr><th>Collection</th><td>{{.ID}}</td></tr>
      <tr><th>Visibility</th><td>{{.Visibility}}</td></tr>
      <tr><th>Owner</th><td>{{if .Owner}}{{.Owner}}{{else}}local{{end}}</td></tr>
      <tr><th>Status</th><td>{{if .Disabled}}disabled{{else}}active{{end}}</td></tr>
    </table>
  </section>

  <section>
    <h2>Actions</h2>
    {{if not .Actions}}
    <p>No actions defined.</p>
    {{else}}
    {{range .Actions}}
    <h3>{{.ID}}{{if .Disabled}} (disabled){{end}}</h3>
    {{if .Description}}<p>{{.Description}}</p>{{end}}
    <p><strong>Permission:</strong> {{if .Permission}}{{.Permission}}{{else}}public{{end}}{{if .Remote}}, served by worker{{end}}</p>
    {{if .Parameters}}
    <details>
      <summary>Parameters</summary>
      <pre>{{json .Parameters}}</pre>
    </details>
    {{end}}
    {{end}}
    {{end}}
  </section>
</body>
</html>
`

// swaggerUIPage is the HTML that embeds Swagger UI from CDN and loads the OpenAPI spec.
const swaggerUIPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>API – {{.ID}}</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({
        url: "{{.SpecURL}}",
        dom_id: "#swagger-ui",
        presets: [
          SwaggerUIBundle.presets.apis,
          SwaggerUIBundle.SwaggerUIStandalonePreset
        ]
      });
    };
  </script>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Health      *HealthOutput
	Workers     []daemon.WorkerInfo
	Collections []action.CollectionInfo
}

// handleHome returns an HTTP handler for the gateway home page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{
			Health:      s.health(ctx),
			Collections: action.DescribeAll(s.actions.Collections(action.VisibilityPublic)),
		}
		if s.workers != nil {
			data.Workers = s.workers.Workers()
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", pagesLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

// openAPI3 types for generating specs from a collection listing.
type openAPI3Spec struct {
	OpenAPI string                      `json:"openapi"`
	Info    openAPI3Info                `json:"info"`
	Paths   map[string]openAPI3PathItem `json:"paths"`
}

type openAPI3Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

type openAPI3PathItem struct {
	Post *openAPI3Operation `json:"post,omitempty"`
}

type openAPI3Operation struct {
	Summary     string                      `json:"summary"`
	Description string                      `json:"description,omitempty"`
	OperationID string                      `json:"operationId"`
	Deprecated  bool                        `json:"deprecated,omitempty"`
	RequestBody *openAPI3RequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]openAPI3Response `json:"responses"`
}

type openAPI3RequestBody struct {
	Content map[string]openAPI3MediaType `json:"content"`
}

type openAPI3Response struct {
	Description string                       `json:"description"`
	Content     map[string]openAPI3MediaType `json:"content,omitempty"`
}

type openAPI3MediaType struct {
	Schema map[string]any `json:"schema,omitempty"`
}

// openAPIVersion is the API version reported for every collection.
const openAPIVersion = "1.0.0"

// envelopeSchema describes the response envelope.
var envelopeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"status": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code":    map[string]any{"type": "integer"},
				"name":    map[string]any{"type": "string"},
				"message": map[string]any{"type": "string"},
			},
		},
		"tag":  map[string]any{"type": "string"},
		"data": map[string]any{},
	},
}

// buildOpenAPISpec builds an OpenAPI 3.0 spec for a collection (one REST path per action).
func buildOpenAPISpec(c action.CollectionInfo) *openAPI3Spec {
	paths := make(map[string]openAPI3PathItem)
	for _, a := range c.Actions {
		path := "/api/" + url.PathEscape(c.ID) + "/" + url.PathEscape(a.ID)
		paths[path] = openAPI3PathItem{
			Post: &openAPI3Operation{
				Summary:     a.ID,
				Description: a.Description,
				OperationID: c.ID + "." + a.ID,
				Deprecated:  a.Disabled,
				RequestBody: &openAPI3RequestBody{
					Content: map[string]openAPI3MediaType{
						"application/json": {Schema: objectSchema(a.Parameters)},
					},
				},
				Responses: map[string]openAPI3Response{
					"200": {
						Description: "Success",
						Content: map[string]openAPI3MediaType{
							"application/json": {Schema: envelopeSchema},
						},
					},
					"default": {
						Description: "Failure envelope",
						Content: map[string]openAPI3MediaType{
							"application/json": {Schema: envelopeSchema},
						},
					},
				},
			},
		}
	}
	desc := c.Description
	if desc == "" {
		desc = "Collection " + c.ID
	}
	return &openAPI3Spec{
		OpenAPI: "3.0.0",
		Info: openAPI3Info{
			Title:       c.ID,
			Description: desc,
			Version:     openAPIVersion,
		},
		Paths: paths,
	}
}

// objectSchema converts declared parameters into a JSON Schema object.
func objectSchema(specs []params.Spec) map[string]any {
	props := make(map[string]any, len(specs))
	var required []string
	for _, s := range specs {
		props[s.Key] = paramSchema(s)
		if !s.Optional {
			required = append(required, s.Key)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func paramSchema(s params.Spec) map[string]any {
	switch s.Type {
	case params.TypeUUID:
		return map[string]any{"type": "string", "format": "uuid"}
	case params.TypeObject:
		if len(s.Parameters) > 0 {
			return objectSchema(s.Parameters)
		}
		return map[string]any{"type": "object"}
	case params.TypeAny:
		return map[string]any{}
	default:
		return map[string]any{"type": string(s.Type)}
	}
}

// handleCollectionDetail returns an HTTP handler for the collection page, its OpenAPI spec and Swagger docs.
func (s *Server) handleCollectionDetail() http.HandlerFunc {
	tmpl := template.Must(template.New("collectionDetail").Funcs(template.FuncMap{
		"json": func(v any) string {
			if v == nil {
				return ""
			}
			b, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return fmt.Sprintf("%v", v)
			}
			return string(b)
		},
	}).Parse(collectionDetailPageTemplate))
	swaggerTmpl := template.Must(template.New("swagger").Parse(swaggerUIPage))
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		c, ok := s.actions.Collection(id)
		if !ok || !c.Visibility.VisibleOn(action.VisibilityPublic) {
			http.NotFound(w, r)
			return
		}
		info := action.Describe(c)

		switch r.PathValue("page") {
		case "openapi.json":
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "no-cache")
			if err := json.NewEncoder(w).Encode(buildOpenAPISpec(info)); err != nil {
				slog.Error(fmt.Sprintf("%s - openapi json encode: %v", pagesLogPrefix, err))
			}
			return
		case "docs":
			scheme := "https"
			if r.TLS == nil {
				scheme = "http"
			}
			specURL := scheme + "://" + r.Host + "/collection/" + url.PathEscape(info.ID) + "/openapi.json"
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			swaggerTmpl.Execute(w, map[string]string{"ID": info.ID, "SpecURL": specURL})
			return
		case "":
		default:
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, info); err != nil {
			slog.Error(fmt.Sprintf("%s - collection detail template execute: %v", pagesLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

