package soar

import (
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// templateCacheSize bounds the compiled template cache.
const templateCacheSize = 4096

// segment is one piece of a compiled template string: either a literal
// run of characters or a context path to substitute.
type segment struct {
	literal string
	path    []string
	isPath  bool
}

// compiledTemplate is a parsed template string. A template whose entire
// body is a single placeholder resolves to the raw context value with
// its type preserved; anything else renders to a string.
type compiledTemplate struct {
	segments []segment
	whole    bool // exactly one placeholder and nothing else
}

// TemplateResolver substitutes {{dotted.path}} placeholders in step
// params with values from the execution context. Substituted values are
// treated as data: placeholder syntax inside a resolved value is never
// re-expanded, so resolution is a single pass regardless of input.
type TemplateResolver struct {
	cache *lru.Cache[string, *compiledTemplate]
}

// NewTemplateResolver returns a resolver with an empty template cache.
func NewTemplateResolver() *TemplateResolver {
	c, _ := lru.New[string, *compiledTemplate](templateCacheSize)
	return &TemplateResolver{cache: c}
}

// Resolve walks an arbitrary params value and substitutes every
// placeholder from ctx. Maps and slices are copied, never mutated.
func (r *TemplateResolver) Resolve(value interface{}, ctx map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			out[k] = r.Resolve(elem, ctx)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = r.Resolve(elem, ctx)
		}
		return out
	default:
		return value
	}
}

// ResolveParams resolves a step's param map against the execution context.
func (r *TemplateResolver) ResolveParams(params map[string]interface{}, ctx map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	return r.Resolve(params, ctx).(map[string]interface{})
}

func (r *TemplateResolver) resolveString(s string, ctx map[string]interface{}) interface{} {
	if !strings.Contains(s, "{{") {
		return s
	}
	tpl := r.compile(s)
	if tpl.whole {
		v, ok := LookupPath(ctx, tpl.segments[0].path)
		if !ok {
			return nil
		}
		return v
	}
	var b strings.Builder
	for _, seg := range tpl.segments {
		if !seg.isPath {
			b.WriteString(seg.literal)
			continue
		}
		v, ok := LookupPath(ctx, seg.path)
		if !ok || v == nil {
			continue // unresolved paths render as empty
		}
		b.WriteString(stringify(v))
	}
	return b.String()
}

func (r *TemplateResolver) compile(s string) *compiledTemplate {
	if tpl, ok := r.cache.Get(s); ok {
		return tpl
	}
	tpl := parseTemplate(s)
	r.cache.Add(s, tpl)
	return tpl
}

func parseTemplate(s string) *compiledTemplate {
	tpl := &compiledTemplate{}
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			break
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			break
		}
		close += open
		if open > 0 {
			tpl.segments = append(tpl.segments, segment{literal: rest[:open]})
		}
		path := strings.TrimSpace(rest[open+2 : close])
		if path == "" {
			tpl.segments = append(tpl.segments, segment{literal: rest[open : close+2]})
		} else {
			tpl.segments = append(tpl.segments, segment{path: strings.Split(path, "."), isPath: true})
		}
		rest = rest[close+2:]
	}
	if rest != "" {
		tpl.segments = append(tpl.segments, segment{literal: rest})
	}
	tpl.whole = len(tpl.segments) == 1 && tpl.segments[0].isPath
	return tpl
}

// LookupPath descends a dotted path through nested maps. List elements
// are addressable by numeric index. A path whose first segment is not a
// root key is retried against the trigger payload, so playbooks write
// alert.severity rather than trigger.alert.severity. The boolean is
// false when any hop is missing or not traversable.
func LookupPath(ctx map[string]interface{}, path []string) (interface{}, bool) {
	if v, ok := descendPath(ctx, path); ok {
		return v, true
	}
	if len(path) == 0 {
		return nil, false
	}
	if _, rooted := ctx[path[0]]; rooted {
		return nil, false
	}
	payload, ok := ctx[ContextKeyTrigger].(map[string]interface{})
	if !ok {
		return nil, false
	}
	return descendPath(payload, path)
}

func descendPath(root map[string]interface{}, path []string) (interface{}, bool) {
	var cur interface{} = root
	for _, key := range path {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
