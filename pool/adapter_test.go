package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stackNode struct {
	value int
	next  *stackNode
}

// nodeStack is a minimal node-based container that knows nothing about pools: it allocates
// its nodes through the Allocator surface.
type nodeStack struct {
	alloc Allocator[stackNode]
	top   *stackNode
}

func (s *nodeStack) push(value int) error {
	node, err := s.alloc.NewElement(stackNode{value: value, next: s.top})
	if err != nil {
		return err
	}
	s.top = node
	return nil
}

func (s *nodeStack) pop() (int, bool) {
	if s.top == nil {
		return 0, false
	}
	node := s.top
	s.top = node.next
	value := node.value
	s.alloc.DeleteElement(node)
	return value, true
}

func TestPoolBacksNodeContainer(t *testing.T) {
	p, err := NewPool[stackNode](PoolCreateInfo{AllowGoPointers: true})
	require.NoError(t, err)

	stack := &nodeStack{alloc: p}
	for i := 0; i < 500; i++ {
		require.NoError(t, stack.push(i))
	}
	require.Equal(t, 500, p.AllocationCount())

	for i := 499; i >= 0; i-- {
		value, ok := stack.pop()
		require.True(t, ok)
		require.Equal(t, i, value)
	}

	_, ok := stack.pop()
	require.False(t, ok)
	require.Equal(t, 0, p.AllocationCount())
	require.Equal(t, 0, p.BlockCount())
}

func TestRebindSharesConfiguration(t *testing.T) {
	p, err := NewPool[uint64](PoolCreateInfo{BlockSize: 8192, AllowGoPointers: true})
	require.NoError(t, err)

	rebound, err := Rebind[stackNode](p)
	require.NoError(t, err)
	require.Equal(t, 8192, rebound.list.blockSize)
	require.Equal(t, 0, rebound.BlockCount())

	node, err := rebound.NewElement(stackNode{value: 3})
	require.NoError(t, err)
	require.Equal(t, 3, node.value)
	rebound.DeleteElement(node)
}

func TestAllocatorTraits(t *testing.T) {
	p, err := NewPool[uint64](PoolCreateInfo{})
	require.NoError(t, err)

	traits := p.Traits()
	require.False(t, traits.PropagateOnContainerCopy)
	require.True(t, traits.PropagateOnContainerMove)
	require.True(t, traits.PropagateOnContainerSwap)
}
