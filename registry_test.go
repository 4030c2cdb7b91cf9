package rtcore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeNameRoundTrip(t *testing.T) {
	for _, name := range []string{"A", "TASK1", "WORKER", "a_b2"} {
		code, err := encodeName(name)
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(name), decodeName(code))
	}
}

func TestEncodeNameRejectsTooLongOrInvalid(t *testing.T) {
	_, err := encodeName("TOOLONGNAME")
	assert.Error(t, err)

	_, err = encodeName("BAD!")
	assert.Error(t, err)

	_, err = encodeName("")
	assert.Error(t, err)
}

func TestEncodeNameFoldsCase(t *testing.T) {
	lower, err := encodeName("task1")
	require.NoError(t, err)
	upper, err := encodeName("TASK1")
	require.NoError(t, err)
	assert.Equal(t, upper, lower)
}

func TestRegistryBindLookupUnbind(t *testing.T) {
	r := NewRegistry(4)

	require.NoError(t, r.Bind("WORKER", "task", Index(7)))
	info, ok := r.Lookup("worker")
	require.True(t, ok)
	assert.Equal(t, "WORKER", info.Name)
	assert.Equal(t, "task", info.Kind)
	assert.Equal(t, Index(7), info.Idx)

	assert.ErrorIs(t, r.Bind("WORKER", "task", Index(8)), ErrBusy)

	r.Unbind("WORKER")
	_, ok = r.Lookup("WORKER")
	assert.False(t, ok)
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(1)
	require.NoError(t, r.Bind("A", "task", Index(1)))
	assert.ErrorIs(t, r.Bind("B", "task", Index(2)), ErrNoResource)
}

func TestRegistryUnbindIdxRemovesAllNames(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Bind("ALIAS1", "task", Index(3)))
	r.UnbindIdx("task", Index(3))
	_, ok := r.Lookup("ALIAS1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

// TestRegistryUnbindIdxRespectsKind guards against the cross-arena index
// collision a task and a semaphore sharing the same numeric Idx would
// otherwise cause: deleting one must never unbind the other.
func TestRegistryUnbindIdxRespectsKind(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Bind("TASK1", "task", Index(1)))
	require.NoError(t, r.Bind("SEM1", "counting_sem", Index(1)))
	r.UnbindIdx("counting_sem", Index(1))
	_, ok := r.Lookup("SEM1")
	assert.False(t, ok)
	_, ok = r.Lookup("TASK1")
	assert.True(t, ok, "unbinding a counting_sem must not remove a task sharing the same index")
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Bind("ZEBRA", "task", Index(1)))
	require.NoError(t, r.Bind("ALPHA", "task", Index(2)))
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "ALPHA", list[0].Name)
	assert.Equal(t, "ZEBRA", list[1].Name)
}
