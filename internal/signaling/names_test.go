package signaling

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultNamePool(t *testing.T) {
	pool := DefaultNamePool()
	assert.Len(t, pool, len(adjectives)*len(animals))
	assert.Contains(t, pool, "Tiny Kitten")

	seen := make(map[string]bool, len(pool))
	for _, name := range pool {
		assert.False(t, seen[name], "duplicate name %q", name)
		seen[name] = true
	}
}

func TestAllocateGivesDistinctNames(t *testing.T) {
	a := NewNameAllocator(DefaultNamePool())

	names := make(map[string]string)
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("device-%d", i)
		name, err := a.Allocate(id)
		require.NoError(t, err)
		other, dup := names[name]
		require.False(t, dup, "%s and %s both got %q", id, other, name)
		names[name] = id
	}
	assert.Equal(t, len(DefaultNamePool())-500, a.Available())
}

func TestAllocateIsStablePerDevice(t *testing.T) {
	a := NewNameAllocator(DefaultNamePool())

	first, err := a.Allocate("phone")
	require.NoError(t, err)
	again, err := a.Allocate("phone")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	name, ok := a.NameOf("phone")
	assert.True(t, ok)
	assert.Equal(t, first, name)
}

func TestAllocateExhaustsPool(t *testing.T) {
	a := NewNameAllocator([]string{"Red Fox", "Blue Whale", "Red Fox", ""})

	n1, err := a.Allocate("a")
	require.NoError(t, err)
	n2, err := a.Allocate("b")
	require.NoError(t, err)
	assert.NotEqual(t, n1, n2)
	assert.ElementsMatch(t, []string{"Red Fox", "Blue Whale"}, []string{n1, n2})

	_, err = a.Allocate("c")
	require.ErrorIs(t, err, ErrPoolExhausted)

	a.Release("a")
	n3, err := a.Allocate("c")
	require.NoError(t, err)
	assert.Equal(t, n1, n3, "released name is reusable")
}

func TestAllocateFallsBackToScan(t *testing.T) {
	a := NewNameAllocator([]string{"One", "Two", "Three"})
	// Random draws always land on the first name.
	a.randIdx = func(int) int { return 0 }

	n1, err := a.Allocate("a")
	require.NoError(t, err)
	n2, err := a.Allocate("b")
	require.NoError(t, err)
	n3, err := a.Allocate("c")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"One", "Two", "Three"}, []string{n1, n2, n3})
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	a := NewNameAllocator([]string{"Only"})
	a.Release("ghost")
	assert.Equal(t, 1, a.Available())
}

func TestAllocateConcurrent(t *testing.T) {
	a := NewNameAllocator(DefaultNamePool())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		names = make(map[string]bool)
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name, err := a.Allocate(fmt.Sprintf("d%d", i))
			assert.NoError(t, err)
			mu.Lock()
			names[name] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Len(t, names, 200)
}
