// Package tools turns OpenAPI schemas into invocable answer-engine
// tools backed by the rate-limited HTTP pool.
package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Param is one path or query parameter of a method.
type Param struct {
	Name     string
	Required bool
	Schema   map[string]any
}

// MethodSpec is one path+method of an OpenAPI schema, flattened into
// what invocation needs.
type MethodSpec struct {
	Name        string
	Summary     string
	Method      string
	Path        string
	PathParams  []Param
	QueryParams []Param
	BodySchema  map[string]any
}

type openAPIDoc struct {
	Servers []struct {
		URL string `yaml:"url" json:"url"`
	} `yaml:"servers" json:"servers"`
	Paths map[string]map[string]openAPIOperation `yaml:"paths" json:"paths"`
}

type openAPIOperation struct {
	OperationID string             `yaml:"operationId" json:"operationId"`
	Summary     string             `yaml:"summary" json:"summary"`
	Description string             `yaml:"description" json:"description"`
	Parameters  []openAPIParameter `yaml:"parameters" json:"parameters"`
	RequestBody *struct {
		Content map[string]struct {
			Schema map[string]any `yaml:"schema" json:"schema"`
		} `yaml:"content" json:"content"`
	} `yaml:"requestBody" json:"requestBody"`
}

type openAPIParameter struct {
	Name     string         `yaml:"name" json:"name"`
	In       string         `yaml:"in" json:"in"`
	Required bool           `yaml:"required" json:"required"`
	Schema   map[string]any `yaml:"schema" json:"schema"`
}

var httpMethods = map[string]bool{
	"get": true, "post": true, "put": true, "patch": true, "delete": true,
}

// ParseOpenAPI accepts a YAML or JSON OpenAPI document and returns the
// server base URL plus one MethodSpec per path+method, sorted by name.
// Unknown fields are dropped here; argument validation happens against
// the extracted schemas at invocation time.
func ParseOpenAPI(raw []byte) (string, []MethodSpec, error) {
	var doc openAPIDoc
	// YAML is a superset of JSON for our purposes, but try JSON first so
	// JSON-specific errors surface cleanly.
	if err := json.Unmarshal(raw, &doc); err != nil {
		if yerr := yaml.Unmarshal(raw, &doc); yerr != nil {
			return "", nil, fmt.Errorf("parse openapi schema: %w", yerr)
		}
	}
	if len(doc.Paths) == 0 {
		return "", nil, fmt.Errorf("openapi schema has no paths")
	}

	baseURL := ""
	if len(doc.Servers) > 0 {
		baseURL = strings.TrimRight(doc.Servers[0].URL, "/")
	}

	var specs []MethodSpec
	for path, ops := range doc.Paths {
		for method, op := range ops {
			method = strings.ToLower(method)
			if !httpMethods[method] {
				continue
			}
			spec := MethodSpec{
				Name:    methodName(op.OperationID, method, path),
				Summary: firstNonEmpty(op.Summary, op.Description),
				Method:  strings.ToUpper(method),
				Path:    path,
			}
			for _, p := range op.Parameters {
				param := Param{Name: p.Name, Required: p.Required, Schema: p.Schema}
				switch p.In {
				case "path":
					param.Required = true
					spec.PathParams = append(spec.PathParams, param)
				case "query":
					spec.QueryParams = append(spec.QueryParams, param)
				}
			}
			if op.RequestBody != nil {
				if content, ok := op.RequestBody.Content["application/json"]; ok {
					spec.BodySchema = content.Schema
				}
			}
			specs = append(specs, spec)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return baseURL, specs, nil
}

// methodName prefers the schema's operationId and falls back to a
// sanitized method_path identifier.
func methodName(operationID, method, path string) string {
	if operationID != "" {
		return sanitizeName(operationID)
	}
	return sanitizeName(method + "_" + strings.Trim(path, "/"))
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
