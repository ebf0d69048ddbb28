package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsUnique(t *testing.T) {
	t.Parallel()

	gen := New("")
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	_, err = goUUID.Parse(id1)
	require.NoError(t, err)
}

func TestNewIDPrefix(t *testing.T) {
	t.Parallel()

	id, err := New("worker").NewID()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "worker-"))
	_, err = goUUID.Parse(strings.TrimPrefix(id, "worker-"))
	require.NoError(t, err)
	require.Len(t, Short(id), len("worker-")+8)
}

func TestShortLeavesForeignIDs(t *testing.T) {
	t.Parallel()

	require.Equal(t, "w1", Short("w1"))
}
