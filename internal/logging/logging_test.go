package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_RejectsUnknownLevel(t *testing.T) {
	err := Initialize("loud", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}

func TestGet_CachesPerCategory(t *testing.T) {
	require.NoError(t, Initialize("debug", false))

	a := Get(CategoryChain)
	b := Get(CategoryChain)
	assert.Same(t, a, b)

	other := Get(CategoryDispatch)
	assert.NotSame(t, a, other)
}

func TestInitialize_InvalidatesCachedLoggers(t *testing.T) {
	require.NoError(t, Initialize("info", false))
	before := Get(CategoryRegistry)

	require.NoError(t, Initialize("debug", true))
	after := Get(CategoryRegistry)

	assert.NotSame(t, before, after)
}

func TestConvenienceWrappers_DoNotPanic(t *testing.T) {
	require.NoError(t, Initialize("debug", false))

	Boot("boot %d", 1)
	Server("server")
	Registry("registry")
	Process("process")
	Chain("chain")
	Assembler("assembler")
	ToolDispatch("tooldispatch")
	Dispatch("dispatch")
	Rules("rules")

	Get(CategoryWorkspace).With("path", "/tmp/x").Info("provisioned")
	CloseAll()
}
