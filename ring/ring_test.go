package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/lightos/internal/xerror"
)

func TestRingRejectsNonPowerOfTwo(t *testing.T) {
	_, err := New[int](3)
	require.Error(t, err)
}

func TestRingEmptyFullInvariants(t *testing.T) {
	r := xerror.Unwrap(New[int](4))
	require.True(t, r.IsEmpty())
	require.False(t, r.IsFull())

	for i := range 4 {
		require.True(t, r.TryEnqueue(i))
	}
	require.True(t, r.IsFull())
	require.False(t, r.TryEnqueue(99), "enqueue must fail once full")

	for i := range 4 {
		v, ok := r.TryDequeue()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.True(t, r.IsEmpty())
	_, ok := r.TryDequeue()
	require.False(t, ok)
}

func TestRingSPSCOrderingUnderConcurrency(t *testing.T) {
	const n = 200_000
	r := xerror.Unwrap(New[int](256))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := range n {
			r.Enqueue(i)
		}
	}()

	received := make([]int, 0, n)
	go func() {
		defer wg.Done()
		for range n {
			received = append(received, r.Dequeue())
		}
	}()

	wg.Wait()

	require.Len(t, received, n)
	for i, v := range received {
		require.Equal(t, i, v, "messages must be delivered in order and exactly once")
	}
}
