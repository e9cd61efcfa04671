package providers

import "strings"

// schemaRules describe what a backend accepts in tool parameter schemas.
type schemaRules struct {
	drop       []string // keys removed at every level
	objectRoot bool     // root must be {"type":"object","properties":{...}}
}

// Every provider listed here also gets local $ref targets inlined and its
// $defs/definitions blocks removed.
var providerSchemaRules = map[string]schemaRules{
	"anthropic": {drop: []string{"$schema", "$id"}},
	"openai":    {drop: []string{"$schema", "$id"}, objectRoot: true},
	"dashscope": {drop: []string{"$schema", "$id"}, objectRoot: true},
	"gemini":    {drop: []string{"$schema", "$id", "examples", "default", "additionalProperties"}},
}

// maxRefDepth bounds inlining of recursive definitions; deeper references
// become a bare object schema.
const maxRefDepth = 8

func rulesFor(provider string) (schemaRules, bool) {
	if strings.HasPrefix(provider, "gemini") {
		provider = "gemini"
	}
	r, ok := providerSchemaRules[provider]
	return r, ok
}

// CleanToolSchemas returns copies of tools with parameters rewritten for
// provider. Tools are returned as-is for providers without rules.
func CleanToolSchemas(provider string, tools []ToolDefinition) []ToolDefinition {
	rules, ok := rulesFor(provider)
	if !ok || len(tools) == 0 {
		return tools
	}
	out := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = t
		out[i].Function.Parameters = cleanRoot(t.Function.Parameters, rules)
	}
	return out
}

// CleanSchemaForProvider rewrites a single parameters map.
func CleanSchemaForProvider(provider string, params map[string]any) map[string]any {
	rules, ok := rulesFor(provider)
	if !ok {
		return params
	}
	return cleanRoot(params, rules)
}

type schemaWalker struct {
	defs  map[string]any
	drop  map[string]bool
	stack []string
}

func cleanRoot(schema map[string]any, rules schemaRules) map[string]any {
	w := &schemaWalker{defs: map[string]any{}, drop: map[string]bool{"$defs": true, "definitions": true}}
	for _, k := range rules.drop {
		w.drop[k] = true
	}
	for _, key := range []string{"$defs", "definitions"} {
		if defs, ok := schema[key].(map[string]any); ok {
			for name, def := range defs {
				w.defs["#/"+key+"/"+name] = def
			}
		}
	}

	var out map[string]any
	if schema != nil {
		out = w.object(schema)
	}
	if rules.objectRoot {
		if out == nil {
			out = map[string]any{}
		}
		if _, ok := out["type"]; !ok {
			out["type"] = "object"
		}
		if _, ok := out["properties"]; !ok {
			out["properties"] = map[string]any{}
		}
	}
	return out
}

func (w *schemaWalker) object(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	if ref, ok := m["$ref"].(string); ok {
		for k, v := range w.resolve(ref) {
			out[k] = v
		}
	}
	for k, v := range m {
		if k == "$ref" || w.drop[k] {
			continue
		}
		out[k] = w.value(v)
	}
	return out
}

func (w *schemaWalker) value(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return w.object(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = w.value(item)
		}
		return out
	default:
		return v
	}
}

// resolve returns the cleaned target of a local reference. Unknown or
// external references resolve to nothing; cycles to a bare object.
func (w *schemaWalker) resolve(ref string) map[string]any {
	def, ok := w.defs[ref].(map[string]any)
	if !ok {
		return nil
	}
	for _, seen := range w.stack {
		if seen == ref {
			return map[string]any{"type": "object"}
		}
	}
	if len(w.stack) >= maxRefDepth {
		return map[string]any{"type": "object"}
	}
	w.stack = append(w.stack, ref)
	defer func() { w.stack = w.stack[:len(w.stack)-1] }()
	return w.object(def)
}
