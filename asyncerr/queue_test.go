package asyncerr_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cortexlab/instrclient/asyncerr"
)

func TestDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	q := asyncerr.New(func(desc string) {
		mu.Lock()
		got = append(got, desc)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	q.Start()
	defer q.Stop()

	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestDedupSuppressesRepeats(t *testing.T) {
	var mu sync.Mutex
	count := 0
	q := asyncerr.New(func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	q.Start()
	defer q.Stop()

	for i := 0; i < 5; i++ {
		q.Enqueue("bad sync")
	}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}
