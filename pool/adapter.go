package pool

// Allocator is the single-element allocation surface a node-based container consumes: a
// linked list, tree set, or similar structure that allocates one node at a time can take
// an Allocator for its node type and never know whether a Pool or something else backs it.
//
// *Pool[T] satisfies Allocator[T].
type Allocator[T any] interface {
	Allocate() (*T, error)
	Deallocate(elem *T)
	NewElement(value T) (*T, error)
	DeleteElement(elem *T)
	Address(elem *T) *T
	MaxSize() int
}

var _ Allocator[int] = (*Pool[int])(nil)

// AllocatorTraits reports how a container framework should treat a pool when the container
// itself is copied, moved, or swapped.
type AllocatorTraits struct {
	// PropagateOnContainerCopy is false: copying a container must not alias the source's
	// blocks, so the copy gets a fresh empty pool (see Pool.Clone).
	PropagateOnContainerCopy bool
	// PropagateOnContainerMove is true: moving a container transfers its pool along with
	// the nodes the pool owns (see Pool.MoveFrom).
	PropagateOnContainerMove bool
	// PropagateOnContainerSwap is true: swapping two containers swaps their pools.
	PropagateOnContainerSwap bool
}

// Traits returns the propagation markers for this pool.
func (p *Pool[T]) Traits() AllocatorTraits {
	return AllocatorTraits{
		PropagateOnContainerCopy: false,
		PropagateOnContainerMove: true,
		PropagateOnContainerSwap: true,
	}
}

// Rebind creates an empty pool for element type U sharing the configuration of an existing
// pool for element type T: same block size, host allocator, logger, and flags. It is how a
// container parameterized on one element type obtains an allocator for its private node
// type.
func Rebind[U any, T any](p *Pool[T]) (*Pool[U], error) {
	return NewPool[U](p.createInfo)
}
