package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPopOrdersByPriority(t *testing.T) {
	q := New(0)
	ctx := context.Background()

	_, err := q.Push(Request{Style: "a", X: 0, Y: 0, Z: 1, Priority: PriorityLow})
	require.NoError(t, err)
	_, err = q.Push(Request{Style: "b", X: 0, Y: 0, Z: 2, Priority: PriorityBulk})
	require.NoError(t, err)
	_, err = q.Push(Request{Style: "c", X: 0, Y: 0, Z: 3, Priority: PriorityPrio})
	require.NoError(t, err)
	_, err = q.Push(Request{Style: "d", X: 0, Y: 0, Z: 4, Priority: PriorityNormal})
	require.NoError(t, err)

	var order []Priority
	for i := 0; i < 4; i++ {
		req, _, err := q.Pop(ctx)
		require.NoError(t, err)
		order = append(order, req.Priority)
	}

	require.Equal(t, []Priority{PriorityPrio, PriorityNormal, PriorityLow, PriorityBulk}, order)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(0)
	ctx := context.Background()

	for z := uint32(0); z < 3; z++ {
		_, err := q.Push(Request{Style: "s", X: z, Y: 0, Z: z, Priority: PriorityNormal})
		require.NoError(t, err)
	}

	for z := uint32(0); z < 3; z++ {
		req, _, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, z, req.X)
	}
}

func TestCoalescingSharesOneRender(t *testing.T) {
	q := New(0)
	ctx := context.Background()

	ch1, err := q.Push(Request{Style: "s", X: 1, Y: 1, Z: 5, Priority: PriorityLow})
	require.NoError(t, err)
	ch2, err := q.Push(Request{Style: "s", X: 1, Y: 1, Z: 5, Priority: PriorityLow})
	require.NoError(t, err)

	require.Equal(t, 1, q.Len(), "coalesced request must not add a second queue entry")

	req, fp, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), req.X)

	q.Done(fp, nil)

	select {
	case r := <-ch1:
		require.NoError(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("waiter 1 never notified")
	}
	select {
	case r := <-ch2:
		require.NoError(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("waiter 2 never notified")
	}
}

func TestCoalescingPromotesPriority(t *testing.T) {
	q := New(0)
	ctx := context.Background()

	_, err := q.Push(Request{Style: "s", X: 1, Y: 1, Z: 5, Priority: PriorityBulk})
	require.NoError(t, err)
	_, err = q.Push(Request{Style: "other", X: 2, Y: 2, Z: 5, Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = q.Push(Request{Style: "s", X: 1, Y: 1, Z: 5, Priority: PriorityPrio})
	require.NoError(t, err)

	req, _, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "s", req.Style)
	require.Equal(t, PriorityPrio, req.Priority, "coalesced request must promote to the better priority")
}

func TestCoalescingAlignsToMetatileGrid(t *testing.T) {
	q := New(0)

	// (3,5) and (4,2) both fall inside the metatile aligned at (0,0).
	ch1, err := q.Push(Request{Style: "s", X: 3, Y: 5, Z: 10, Priority: PriorityNormal})
	require.NoError(t, err)
	ch2, err := q.Push(Request{Style: "s", X: 4, Y: 2, Z: 10, Priority: PriorityNormal})
	require.NoError(t, err)

	require.Equal(t, 1, q.Len(), "tiles of the same metatile must coalesce onto one render")

	_, fp, err := q.Pop(context.Background())
	require.NoError(t, err)
	q.Done(fp, nil)

	for _, ch := range []<-chan Result{ch1, ch2} {
		select {
		case r := <-ch:
			require.NoError(t, r.Err)
		case <-time.After(time.Second):
			t.Fatal("waiter never notified")
		}
	}
}

func TestPrioRatioPreventsNormalStarvation(t *testing.T) {
	q := New(0)
	q.SetPrioRatio(2)
	ctx := context.Background()

	for i := uint32(0); i < 4; i++ {
		_, err := q.Push(Request{Style: "p", X: i * 8, Y: 0, Z: 10, Priority: PriorityPrio})
		require.NoError(t, err)
	}
	_, err := q.Push(Request{Style: "n", X: 0, Y: 0, Z: 10, Priority: PriorityNormal})
	require.NoError(t, err)

	// With a ratio of 2, the Normal entry must surface after at most two
	// Prio pops rather than waiting out the whole Prio backlog.
	var styles []string
	for i := 0; i < 3; i++ {
		req, _, err := q.Pop(ctx)
		require.NoError(t, err)
		styles = append(styles, req.Style)
	}
	require.Equal(t, []string{"p", "p", "n"}, styles)
}

func TestBulkBoundRejectsOverflow(t *testing.T) {
	q := New(1)

	_, err := q.Push(Request{Style: "a", X: 0, Y: 0, Z: 1, Priority: PriorityBulk})
	require.NoError(t, err)
	_, err = q.Push(Request{Style: "b", X: 1, Y: 0, Z: 1, Priority: PriorityBulk})
	require.Error(t, err)
}

func TestPopRespectsContextCancellation(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := q.Pop(ctx)
	require.Error(t, err)
}

func TestCloseUnblocksPop(t *testing.T) {
	q := New(0)
	done := make(chan error, 1)
	go func() {
		_, _, err := q.Pop(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Close")
	}
}
