package syncclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduplicatorSharesInFlightCall(t *testing.T) {
	d := NewDeduplicator()
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := func(ctx context.Context) ([]string, error) {
		calls.Add(1)
		<-release
		return []string{"cl-1"}, nil
	}

	var wg sync.WaitGroup
	results := make([][]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := Fetch(context.Background(), d, "my-checklists", fetch)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, got := range results {
		assert.Equal(t, []string{"cl-1"}, got)
	}
}

func TestDeduplicatorClearsKeyAfterCompletion(t *testing.T) {
	d := NewDeduplicator()
	var calls atomic.Int32
	failing := true

	fetch := func(ctx context.Context) (int, error) {
		calls.Add(1)
		if failing {
			return 0, errors.New("boom")
		}
		return 7, nil
	}

	_, err := Fetch(context.Background(), d, "k", fetch)
	require.Error(t, err)

	failing = false
	got, err := Fetch(context.Background(), d, "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeduplicatorCallerCancellation(t *testing.T) {
	d := NewDeduplicator()
	release := make(chan struct{})
	started := make(chan struct{})

	done := make(chan string, 1)
	go func() {
		got, err := Fetch(context.Background(), d, "k", func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "value", ctx.Err()
		})
		assert.NoError(t, err)
		done <- got
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fetch(ctx, d, "k", func(context.Context) (string, error) {
		return "unused", nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	select {
	case got := <-done:
		assert.Equal(t, "value", got)
	case <-time.After(time.Second):
		t.Fatal("first caller never finished")
	}
}
