package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashIsDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.True(t, Equal(got, again))
}

func TestHashRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := New().Hash(nil)
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	t.Parallel()

	require.False(t, Equal("", ""))
	require.False(t, Equal("abc", "abd"))
	require.False(t, Equal("abc", "ab"))
	require.True(t, Equal("abc", "abc"))
}
