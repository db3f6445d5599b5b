package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedSystem(t *testing.T) {
	blocks := CachedSystem("few-shot examples")
	require.Len(t, blocks, 1)
	assert.Equal(t, "few-shot examples", blocks[0].Text)
	require.NotNil(t, blocks[0].CacheControl)
	assert.Equal(t, "5m", blocks[0].CacheControl.TTL)
}

func TestPlainSystem(t *testing.T) {
	blocks := PlainSystem("triage")
	require.Len(t, blocks, 1)
	assert.Nil(t, blocks[0].CacheControl)
}

func TestSystem_Empty(t *testing.T) {
	assert.Nil(t, CachedSystem(""))
	assert.Nil(t, PlainSystem(""))
}
