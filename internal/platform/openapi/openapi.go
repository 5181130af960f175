package openapi

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Param describes a path or query parameter.
type Param struct {
	Name        string
	In          string // "path" or "query"
	Type        string
	Format      string
	Required    bool
	Description string
}

// Response describes one status code of an operation. Schema names a
// component schema and may be empty for bodiless responses.
type Response struct {
	Description string
	Schema      string
	Paged       bool
}

// Operation is one route in the document.
type Operation struct {
	Method      string
	Path        string // echo style, e.g. /bookings/:id
	Summary     string
	Tag         string
	Roles       []string
	Params      []Param
	RequestBody string
	Responses   map[int]Response
}

// Generator builds an OpenAPI 3.0 document from registered operations and
// component schemas.
type Generator struct {
	title   string
	version string
	baseURL string
	ops     []Operation
	schemas map[string]map[string]interface{}
}

// NewGenerator creates a new OpenAPI spec generator.
func NewGenerator(title, version, baseURL string) *Generator {
	return &Generator{
		title:   title,
		version: version,
		baseURL: baseURL,
		schemas: make(map[string]map[string]interface{}),
	}
}

// AddOperation appends op to the document.
func (g *Generator) AddOperation(op Operation) {
	g.ops = append(g.ops, op)
}

// AddSchema registers a component schema under name.
func (g *Generator) AddSchema(name string, schema map[string]interface{}) {
	g.schemas[name] = schema
}

// GenerateSpec creates an OpenAPI 3.0 spec map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	paths := make(map[string]interface{})
	secured := false

	for _, op := range g.ops {
		p := toOpenAPIPath(op.Path)
		item, ok := paths[p].(map[string]interface{})
		if !ok {
			item = make(map[string]interface{})
			paths[p] = item
		}

		entry := map[string]interface{}{
			"summary":     op.Summary,
			"operationId": operationID(op),
			"responses":   g.buildResponses(op.Responses),
		}
		if op.Tag != "" {
			entry["tags"] = []string{op.Tag}
		}
		if params := buildParameters(op.Params); len(params) > 0 {
			entry["parameters"] = params
		}
		if op.RequestBody != "" {
			entry["requestBody"] = buildRequestBody(op.RequestBody)
		}
		if len(op.Roles) > 0 {
			secured = true
			entry["security"] = []map[string][]string{{"bearerAuth": {}}}
			entry["x-roles"] = op.Roles
		}
		item[strings.ToLower(op.Method)] = entry
	}

	components := map[string]interface{}{
		"schemas": g.componentSchemas(),
	}
	if secured {
		components["securitySchemes"] = map[string]interface{}{
			"bearerAuth": map[string]interface{}{
				"type":         "http",
				"scheme":       "bearer",
				"bearerFormat": "JWT",
			},
		}
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   g.title,
			"version": g.version,
		},
		"servers": []map[string]string{
			{"url": g.baseURL},
		},
		"paths":      paths,
		"components": components,
	}
}

// toOpenAPIPath rewrites echo path params (:id) to OpenAPI templates ({id}).
func toOpenAPIPath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			segs[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segs, "/")
}

func operationID(op Operation) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(op.Method))
	for _, s := range strings.Split(op.Path, "/") {
		s = strings.TrimPrefix(s, ":")
		if s == "" {
			continue
		}
		b.WriteString(strings.ToUpper(s[:1]))
		b.WriteString(s[1:])
	}
	return b.String()
}

func buildParameters(params []Param) []map[string]interface{} {
	result := make([]map[string]interface{}, 0, len(params))
	for _, p := range params {
		schema := map[string]interface{}{"type": p.Type}
		if p.Format != "" {
			schema["format"] = p.Format
		}
		param := map[string]interface{}{
			"name":     p.Name,
			"in":       p.In,
			"required": p.Required || p.In == "path",
			"schema":   schema,
		}
		if p.Description != "" {
			param["description"] = p.Description
		}
		result = append(result, param)
	}
	return result
}

// buildRequestBody creates the OpenAPI requestBody for POST/PATCH operations.
func buildRequestBody(schema string) map[string]interface{} {
	return map[string]interface{}{
		"required": true,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": ref(schema),
			},
		},
	}
}

func (g *Generator) buildResponses(rs map[int]Response) map[string]interface{} {
	out := make(map[string]interface{}, len(rs))
	codes := make([]int, 0, len(rs))
	for code := range rs {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	for _, code := range codes {
		r := rs[code]
		resp := map[string]interface{}{"description": r.Description}
		if r.Schema != "" {
			schema := ref(r.Schema)
			if r.Paged {
				schema = pageSchema(r.Schema)
			}
			resp["content"] = map[string]interface{}{
				"application/json": map[string]interface{}{"schema": schema},
			}
		}
		out[strconv.Itoa(code)] = resp
	}
	return out
}

func ref(name string) map[string]interface{} {
	return map[string]interface{}{"$ref": "#/components/schemas/" + name}
}

// pageSchema wraps item in the paged list envelope.
func pageSchema(item string) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"data":     map[string]interface{}{"type": "array", "items": ref(item)},
			"limit":    map[string]interface{}{"type": "integer"},
			"offset":   map[string]interface{}{"type": "integer"},
			"has_more": map[string]interface{}{"type": "boolean"},
			"links": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"relation": map[string]interface{}{"type": "string"},
						"url":      map[string]interface{}{"type": "string"},
					},
				},
			},
		},
	}
}

func (g *Generator) componentSchemas() map[string]interface{} {
	out := make(map[string]interface{}, len(g.schemas))
	for name, s := range g.schemas {
		out[name] = s
	}
	return out
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>API - Swagger UI</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" >
  <style>
    html { box-sizing: border-box; overflow-y: scroll; }
    *, *:before, *:after { box-sizing: inherit; }
    body { margin: 0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "openapi.json",
      dom_id: '#swagger-ui',
      deepLinking: true,
      presets: [
        SwaggerUIBundle.presets.apis,
        SwaggerUIBundle.SwaggerUIStandalonePreset
      ],
      layout: "BaseLayout"
    })
  </script>
</body>
</html>`

// RegisterRoutes registers the OpenAPI endpoints.
func (g *Generator) RegisterRoutes(apiGroup *echo.Group) {
	apiGroup.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
	apiGroup.GET("/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, swaggerUIHTML)
	})
}
