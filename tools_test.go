package stepchat_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inspirepan/stepchat"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := stepchat.NewRegistry()
	require.NoError(t, reg.Register(echoTool("b", "")))
	require.NoError(t, reg.Register(echoTool("a", "")))

	tool, ok := reg.Resolve("a")
	require.True(t, ok)
	assert.Equal(t, "a", tool.Spec().Name)

	_, ok = reg.Resolve("c")
	assert.False(t, ok)

	specs := reg.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "a", specs[0].Name)
	assert.Equal(t, "b", specs[1].Name)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := stepchat.NewRegistry()
	require.NoError(t, reg.Register(echoTool("a", "")))
	assert.ErrorIs(t, reg.Register(echoTool("a", "")), stepchat.ErrDuplicateTool)
	assert.Panics(t, func() { reg.MustRegister(echoTool("a", "")) })
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	bad := stepchat.FuncTool{ToolSpec: stepchat.ToolSpec{
		Name:       "bad",
		Parameters: map[string]any{"type": 12},
	}}
	assert.Error(t, stepchat.NewRegistry().Register(bad))
}

func TestRegistryValidate(t *testing.T) {
	reg := stepchat.NewRegistry()
	require.NoError(t, reg.Register(weatherTool(nil)))

	assert.NoError(t, reg.Validate("get_weather", json.RawMessage(`{"location":"Oslo"}`)))
	assert.ErrorIs(t, reg.Validate("get_weather", json.RawMessage(`{}`)), stepchat.ErrInvalidArguments)
	assert.ErrorIs(t, reg.Validate("get_weather", json.RawMessage(`nope`)), stepchat.ErrInvalidArguments)
	assert.ErrorIs(t, reg.Validate("missing", json.RawMessage(`{}`)), stepchat.ErrToolNotFound)
}
