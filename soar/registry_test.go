package soar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&MockAction{id: "block_ip"}))

	assert.True(t, r.Has("block_ip"))
	assert.False(t, r.Has("Block_IP"), "lookups are case-sensitive")

	a, err := r.Get("block_ip")
	require.NoError(t, err)
	assert.Equal(t, "block_ip", a.ID())
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("ghost")
	assert.ErrorIs(t, err, ErrActionNotFound)
	assert.Contains(t, err.Error(), "ghost")
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&MockAction{id: "block_ip"}))
	assert.Error(t, r.Register(&MockAction{id: "block_ip"}))
}

func TestRegistryRejectsEmptyID(t *testing.T) {
	r := NewRegistry(nil)
	assert.Error(t, r.Register(&MockAction{id: ""}))
}

func TestRegistryRejectsBrokenSchema(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&MockAction{id: "bad", schema: map[string]interface{}{
		"type": 42,
	}})
	assert.Error(t, err)
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry(nil)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(&MockAction{id: id}))
	}
	var ids []string
	for _, a := range r.List() {
		ids = append(ids, a.ID())
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func TestRegistryValidateInput(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&MockAction{id: "typed", schema: map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"ip"},
		"properties": map[string]interface{}{
			"ip":   map[string]interface{}{"type": "string"},
			"note": map[string]interface{}{"type": "string"},
		},
	}}))
	require.NoError(t, r.Register(&MockAction{id: "untyped"}))

	assert.NoError(t, r.ValidateInput("typed", map[string]interface{}{"ip": "10.0.0.1"}))

	err := r.ValidateInput("typed", map[string]interface{}{"note": "no ip"})
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "typed", schemaErr.ActionID)
	assert.NotEmpty(t, schemaErr.Causes)

	// Nil input validates as an empty object.
	err = r.ValidateInput("typed", nil)
	require.ErrorAs(t, err, &schemaErr)

	// Actions without a schema accept anything.
	assert.NoError(t, r.ValidateInput("untyped", map[string]interface{}{"whatever": 1}))
	assert.NoError(t, r.ValidateInput("unregistered", nil))
}

func TestRegistryMustRegisterPanics(t *testing.T) {
	r := NewRegistry(nil)
	r.MustRegister(&MockAction{id: "ok"})
	assert.Panics(t, func() { r.MustRegister(&MockAction{id: "ok"}) })
}
