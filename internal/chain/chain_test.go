package chain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfile/mailfile/internal/wire"
)

func rev(id string, parents ...string) *wire.Revision {
	return &wire.Revision{
		Path:      "/a",
		ID:        id,
		Parents:   parents,
		Author:    "test",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Nonce:     "n-" + id,
	}
}

func TestChain_SingleLinearHistory(t *testing.T) {
	c := New()
	c.Add(rev("r1"))
	c.Add(rev("r2", "r1"))
	c.Add(rev("r3", "r2"))

	assert.Equal(t, []string{"r3"}, c.Heads())
	assert.False(t, c.Conflicted())

	head, ok := c.Head()
	require.True(t, ok)
	assert.Equal(t, "r3", head.ID)

	assert.ElementsMatch(t, []string{"r2", "r1"}, c.Ancestors("r3"))
}

func TestChain_InsertionOrderIrrelevant(t *testing.T) {
	forward := New()
	forward.Add(rev("r1"))
	forward.Add(rev("r2", "r1"))
	forward.Add(rev("r3", "r2"))

	backward := New()
	backward.Add(rev("r3", "r2"))
	backward.Add(rev("r1"))
	backward.Add(rev("r2", "r1"))

	assert.Equal(t, forward.Heads(), backward.Heads())
	assert.Equal(t, forward.Conflicted(), backward.Conflicted())
}

func TestChain_ForkSameParent(t *testing.T) {
	c := New()
	c.Add(rev("r1"))
	c.Add(rev("r2a", "r1"))
	c.Add(rev("r2b", "r1"))

	assert.Equal(t, []string{"r2a", "r2b"}, c.Heads())
	assert.True(t, c.Conflicted())

	_, ok := c.Head()
	assert.False(t, ok)
}

func TestChain_DisjointRoots(t *testing.T) {
	c := New()
	c.Add(rev("x"))
	c.Add(rev("y"))

	assert.True(t, c.Conflicted())
	assert.Len(t, c.Heads(), 2)
}

func TestChain_MergeResolvesFork(t *testing.T) {
	c := New()
	c.Add(rev("r1"))
	c.Add(rev("r2a", "r1"))
	c.Add(rev("r2b", "r1"))
	require.True(t, c.Conflicted())

	c.Add(rev("m", "r2a", "r2b"))
	assert.Equal(t, []string{"m"}, c.Heads())
	assert.False(t, c.Conflicted())
	assert.ElementsMatch(t, []string{"r1", "r2a", "r2b"}, c.Ancestors("m"))
}

func TestChain_MissingParentIsNotAHead(t *testing.T) {
	// Parent was garbage collected: the orphan is still the head.
	c := New()
	c.Add(rev("r2", "r1-gone"))

	assert.Equal(t, []string{"r2"}, c.Heads())
	assert.False(t, c.Conflicted())
	assert.Empty(t, c.Ancestors("r2"))
}

func TestChain_AddIdempotent(t *testing.T) {
	c := New()
	r := rev("r1")
	c.Add(r)
	c.Add(r)
	assert.Equal(t, 1, c.Len())
}

func TestChain_IsAncestor(t *testing.T) {
	c := New()
	c.Add(rev("r1"))
	c.Add(rev("r2", "r1"))
	c.Add(rev("r3", "r2"))

	assert.True(t, c.IsAncestor("r1", "r3"))
	assert.False(t, c.IsAncestor("r3", "r1"))
	assert.False(t, c.IsAncestor("r3", "r3"))
}

func TestChain_DeepHistory(t *testing.T) {
	c := New()
	c.Add(rev("r0"))
	for i := 1; i < 50; i++ {
		c.Add(rev(fmt.Sprintf("r%d", i), fmt.Sprintf("r%d", i-1)))
	}
	assert.Equal(t, []string{"r49"}, c.Heads())
	assert.Len(t, c.Ancestors("r49"), 49)
}
