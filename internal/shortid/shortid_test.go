package shortid

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignIsDeterministic(t *testing.T) {
	t.Parallel()

	c := New(0)
	first := c.Assign("guid-a")
	second := c.Assign("guid-b")
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.Equal(t, first, c.Assign("guid-a"))
	assert.Equal(t, int64(0), c.Assign("  "))

	full, err := c.Resolve(fmt.Sprint(first), ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "guid-a", full)
}

func TestResolvePassThrough(t *testing.T) {
	t.Parallel()

	c := New(10)
	c.Assign("guid-a")

	got, err := c.Resolve("p:0/ABC-123", ResolveOptions{RequireKnownShortID: true})
	require.NoError(t, err)
	assert.Equal(t, "p:0/ABC-123", got)

	got, err = c.Resolve("999", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "999", got)

	_, err = c.Resolve("999", ResolveOptions{RequireKnownShortID: true})
	assert.True(t, errors.Is(err, ErrShortIDNotFound))
}

func TestEvictionForgetsOldestOnly(t *testing.T) {
	t.Parallel()

	c := New(2)
	a := c.Assign("a")
	c.Assign("b")
	c.Assign("c")

	assert.Equal(t, 2, c.Len())
	_, ok := c.Lookup("a")
	assert.False(t, ok)
	_, err := c.Resolve(fmt.Sprint(a), ResolveOptions{RequireKnownShortID: true})
	assert.ErrorIs(t, err, ErrShortIDNotFound)

	// a re-seen id gets a fresh number rather than its old one.
	assert.Equal(t, int64(4), c.Assign("a"))
}

func TestAssignConcurrentUnique(t *testing.T) {
	t.Parallel()

	c := New(1000)
	var wg sync.WaitGroup
	ids := make([]int64, 100)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = c.Assign(fmt.Sprintf("guid-%d", i))
		}(i)
	}
	wg.Wait()
	seen := map[int64]bool{}
	for _, id := range ids {
		require.False(t, seen[id], "duplicate short id %d", id)
		seen[id] = true
	}
}

func TestResolveNonPositiveNumbers(t *testing.T) {
	t.Parallel()

	c := New(10)
	c.Assign("guid-a")

	for _, ref := range []string{"0", "-1"} {
		got, err := c.Resolve(ref, ResolveOptions{})
		require.NoError(t, err)
		assert.Equal(t, ref, got)

		_, err = c.Resolve(ref, ResolveOptions{RequireKnownShortID: true})
		assert.True(t, errors.Is(err, ErrShortIDNotFound), "ref %q", ref)
	}
}
