package connectivity

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_TransitionsOnly(t *testing.T) {
	m := NewMonitor(false, zerolog.New(io.Discard))
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Set(false) // no change, nothing emitted
	select {
	case v := <-ch:
		t.Fatalf("unexpected emission %v", v)
	default:
	}

	m.Set(true)
	assert.True(t, m.Online())
	select {
	case v := <-ch:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("expected transition")
	}
}

func TestMonitor_LatestValueWins(t *testing.T) {
	m := NewMonitor(false, zerolog.New(io.Discard))
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Set(true)
	m.Set(false)
	m.Set(true)

	v := <-ch
	assert.True(t, v, "unread values are replaced by the newest state")
	select {
	case extra := <-ch:
		t.Fatalf("only one value should be buffered, got %v", extra)
	default:
	}
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(true, zerolog.New(io.Discard))
	ch, cancel := m.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.NotPanics(t, func() { m.Set(false) })
}

type fakeChecker struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakeChecker) HealthCheck(ctx context.Context) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func TestProber_ProbeOnce(t *testing.T) {
	checker := &fakeChecker{}
	m := NewMonitor(false, zerolog.New(io.Discard))
	var results []bool
	p := NewProber(checker, m, ProberConfig{}, func(online bool) { results = append(results, online) }, zerolog.New(io.Discard))

	assert.True(t, p.ProbeOnce(context.Background()))
	assert.True(t, m.Online())

	checker.fail.Store(true)
	assert.False(t, p.ProbeOnce(context.Background()))
	assert.False(t, m.Online())
	assert.Equal(t, []bool{true, false}, results)
}

func TestProber_Run(t *testing.T) {
	checker := &fakeChecker{}
	m := NewMonitor(false, zerolog.New(io.Discard))
	p := NewProber(checker, m, ProberConfig{Interval: 10 * time.Millisecond}, nil, zerolog.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.GreaterOrEqual(t, checker.calls.Load(), int32(1))
}
