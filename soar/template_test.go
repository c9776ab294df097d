package soar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func templateContext() map[string]interface{} {
	return map[string]interface{}{
		"trigger": map[string]interface{}{
			"source_ip": "10.0.0.8",
			"severity":  "high",
			"score":     85.0,
			"active":    true,
			"tags":      []interface{}{"malware", "c2"},
			"nested": map[string]interface{}{
				"user": "jdoe",
			},
		},
		"steps": map[string]interface{}{
			"lookup": map[string]interface{}{
				"verdict": "malicious",
				"hits":    3,
			},
		},
	}
}

func TestResolveWholePlaceholderPreservesType(t *testing.T) {
	r := NewTemplateResolver()
	ctx := templateContext()

	assert.Equal(t, 85.0, r.Resolve("{{trigger.score}}", ctx))
	assert.Equal(t, true, r.Resolve("{{trigger.active}}", ctx))
	assert.Equal(t, []interface{}{"malware", "c2"}, r.Resolve("{{trigger.tags}}", ctx))
	assert.Equal(t, map[string]interface{}{"user": "jdoe"}, r.Resolve("{{trigger.nested}}", ctx))
}

func TestResolveWholePlaceholderMissingIsNil(t *testing.T) {
	r := NewTemplateResolver()
	assert.Nil(t, r.Resolve("{{trigger.no_such_key}}", templateContext()))
}

func TestResolveInterpolation(t *testing.T) {
	r := NewTemplateResolver()
	ctx := templateContext()

	got := r.Resolve("blocking {{trigger.source_ip}} (score {{trigger.score}})", ctx)
	assert.Equal(t, "blocking 10.0.0.8 (score 85)", got)

	// Missing paths interpolate to nothing.
	got = r.Resolve("user={{trigger.missing}}!", ctx)
	assert.Equal(t, "user=!", got)
}

func TestResolveBarePathReadsTriggerPayload(t *testing.T) {
	r := NewTemplateResolver()
	ctx := templateContext()

	assert.Equal(t, "10.0.0.8", r.Resolve("{{source_ip}}", ctx))
	assert.Equal(t, "severity high", r.Resolve("severity {{severity}}", ctx))
	assert.Equal(t, "jdoe", r.Resolve("{{nested.user}}", ctx))
}

func TestResolveRecursesIntoMapsAndSlices(t *testing.T) {
	r := NewTemplateResolver()
	ctx := templateContext()

	params := map[string]interface{}{
		"ip":      "{{trigger.source_ip}}",
		"comment": "verdict was {{steps.lookup.verdict}}",
		"meta": map[string]interface{}{
			"severity": "{{trigger.severity}}",
		},
		"targets": []interface{}{"{{trigger.source_ip}}", "static"},
		"count":   7,
	}

	got := r.ResolveParams(params, ctx)
	assert.Equal(t, "10.0.0.8", got["ip"])
	assert.Equal(t, "verdict was malicious", got["comment"])
	assert.Equal(t, map[string]interface{}{"severity": "high"}, got["meta"])
	assert.Equal(t, []interface{}{"10.0.0.8", "static"}, got["targets"])
	assert.Equal(t, 7, got["count"])

	// The input map is never mutated.
	assert.Equal(t, "{{trigger.source_ip}}", params["ip"])
}

func TestResolveParamsNil(t *testing.T) {
	r := NewTemplateResolver()
	assert.Nil(t, r.ResolveParams(nil, templateContext()))
}

func TestResolveLeavesPlainStringsAlone(t *testing.T) {
	r := NewTemplateResolver()
	assert.Equal(t, "no placeholders here", r.Resolve("no placeholders here", templateContext()))
	// Unterminated and empty placeholders pass through as literals.
	assert.Equal(t, "open {{trigger.x", r.Resolve("open {{trigger.x", templateContext()))
	assert.Equal(t, "{{}}", r.Resolve("{{}}", templateContext()))
}

func TestResolvedValuesAreNotReExpanded(t *testing.T) {
	r := NewTemplateResolver()
	ctx := map[string]interface{}{
		"trigger": map[string]interface{}{
			"payload": "{{steps.lookup.verdict}}",
		},
		"steps": map[string]interface{}{
			"lookup": map[string]interface{}{"verdict": "malicious"},
		},
	}
	// The substituted value contains placeholder syntax and stays verbatim.
	assert.Equal(t, "{{steps.lookup.verdict}}", r.Resolve("{{trigger.payload}}", ctx))
}

func TestLookupPath(t *testing.T) {
	ctx := map[string]interface{}{
		"a": map[string]interface{}{
			"list": []interface{}{
				map[string]interface{}{"name": "first"},
				map[string]interface{}{"name": "second"},
			},
			"null": nil,
		},
	}

	v, ok := LookupPath(ctx, []string{"a", "list", "1", "name"})
	require.True(t, ok)
	assert.Equal(t, "second", v)

	// Present keys with nil values are found.
	v, ok = LookupPath(ctx, []string{"a", "null"})
	require.True(t, ok)
	assert.Nil(t, v)

	_, ok = LookupPath(ctx, []string{"a", "list", "5"})
	assert.False(t, ok)
	_, ok = LookupPath(ctx, []string{"a", "list", "-1"})
	assert.False(t, ok)
	_, ok = LookupPath(ctx, []string{"a", "list", "x"})
	assert.False(t, ok)
	_, ok = LookupPath(ctx, []string{"a", "missing", "deep"})
	assert.False(t, ok)
	_, ok = LookupPath(ctx, []string{"a", "null", "deep"})
	assert.False(t, ok)
}

func TestLookupPathFallsBackToTriggerPayload(t *testing.T) {
	ctx := map[string]interface{}{
		"trigger": map[string]interface{}{
			"alert": map[string]interface{}{"severity": "critical"},
		},
		"steps": map[string]interface{}{},
	}

	v, ok := LookupPath(ctx, []string{"alert", "severity"})
	require.True(t, ok)
	assert.Equal(t, "critical", v)

	// Rooted paths never fall through to the payload on a missing tail.
	_, ok = LookupPath(ctx, []string{"trigger", "missing"})
	assert.False(t, ok)

	_, ok = LookupPath(ctx, []string{"absent", "everywhere"})
	assert.False(t, ok)
}
