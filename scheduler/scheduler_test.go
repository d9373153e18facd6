// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunOnce_RunsJobsInOrder(t *testing.T) {
	s := New(time.Hour)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"polls", "timers", "cleanup"} {
		s.Add(name, func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}

	s.RunOnce(context.Background())
	assert.Equal(t, []string{"polls", "timers", "cleanup"}, order)
}

func TestRunOnce_ContinuesAfterFailure(t *testing.T) {
	s := New(time.Hour)

	ran := false
	s.Add("broken", func(ctx context.Context) error { return errors.New("boom") })
	s.Add("healthy", func(ctx context.Context) error {
		ran = true
		return nil
	})

	s.RunOnce(context.Background())
	assert.True(t, ran, "a failing job must not stop later jobs")
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	s := New(5 * time.Millisecond)

	var ticks atomic.Int32
	s.Add("count", func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_DefaultsInterval(t *testing.T) {
	s := New(0)
	assert.Equal(t, time.Second, s.interval)
}
