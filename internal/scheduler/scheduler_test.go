package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-updates-feed/internal/domain"
	"github.com/tbourn/go-updates-feed/internal/services"
)

type fakeSyncer struct {
	calls    atomic.Int32
	triggers chan string
	err      error
}

func (f *fakeSyncer) Backfill(_ context.Context, trigger string) (*domain.SyncRun, error) {
	f.calls.Add(1)
	if f.triggers != nil {
		select {
		case f.triggers <- trigger:
		default:
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &domain.SyncRun{ID: "r1", Trigger: trigger}, nil
}

func TestNew_EmptyScheduleDisables(t *testing.T) {
	s, err := New("  ", &fakeSyncer{})
	require.NoError(t, err)
	require.Nil(t, s)

	// nil scheduler is safe to drive
	s.Start(context.Background())
	s.Stop(time.Second)
	require.True(t, s.Next().IsZero())
}

func TestNew_Errors(t *testing.T) {
	_, err := New("not a schedule", &fakeSyncer{})
	require.Error(t, err)

	_, err = New("@every 1m", nil)
	require.Error(t, err)
}

func TestTick_UsesScheduleTrigger(t *testing.T) {
	f := &fakeSyncer{triggers: make(chan string, 1)}
	s, err := New("@every 1h", f)
	require.NoError(t, err)

	s.tick()
	require.Equal(t, services.TriggerSchedule, <-f.triggers)

	f.err = errors.New("upstream down")
	s.tick() // logged, not fatal
	require.EqualValues(t, 2, f.calls.Load())
}

func TestTick_SkippedAfterStop(t *testing.T) {
	f := &fakeSyncer{}
	s, err := New("@every 1h", f)
	require.NoError(t, err)

	s.Start(context.Background())
	require.False(t, s.Next().IsZero())
	s.Stop(time.Second)

	s.tick()
	require.EqualValues(t, 0, f.calls.Load())
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real tick")
	}
	f := &fakeSyncer{triggers: make(chan string, 1)}
	s, err := New("@every 1s", f)
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop(time.Second)

	select {
	case trig := <-f.triggers:
		require.Equal(t, services.TriggerSchedule, trig)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled backfill did not run")
	}
}
