package core

import (
	"context"
	"testing"
	"time"

	"github.com/santiagomed/kiln/lock"
	"github.com/santiagomed/kiln/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(h *harness, locker lock.Locker, workers, queue int) *Engine {
	return NewEngine(h.pipeline, locker, workers, queue, logger.NewNullLogger())
}

func TestEngine_RunsSubmittedRequest(t *testing.T) {
	h := newHarness()
	e := newTestEngine(h, nil, 2, 4)
	e.Start(context.Background())
	defer e.Shutdown(time.Second)

	run, err := e.Submit(context.Background(), NewRequest("Build a todo app", "p1"))
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)

	var last ProgressEvent
	for ev := range run.Events() {
		last = ev
	}
	assert.Equal(t, "Build complete!", last.Message)

	out := run.Wait()
	require.NoError(t, out.Err)
	assert.Len(t, out.Written, 3)
}

func TestEngine_RejectsInvalidRequest(t *testing.T) {
	h := newHarness()
	e := newTestEngine(h, nil, 1, 1)

	_, err := e.Submit(context.Background(), NewRequest("", "p1"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEngine_Conflict(t *testing.T) {
	h := newHarness()
	h.model.gate = make(chan struct{})
	e := newTestEngine(h, lock.NewMemoryLocker(), 2, 4)
	e.Start(context.Background())
	defer e.Shutdown(time.Second)

	first, err := e.Submit(context.Background(), NewRequest("Build a todo app", "p1"))
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), NewRequest("Build it again", "p1"))
	assert.ErrorIs(t, err, ErrConflict)

	other, err := e.Submit(context.Background(), NewRequest("Build a blog", "p2"))
	require.NoError(t, err, "other projects are not blocked")

	close(h.model.gate)
	require.NoError(t, first.Wait().Err)
	require.NoError(t, other.Wait().Err)

	again, err := e.Submit(context.Background(), NewRequest("Add dark mode", "p1"))
	require.NoError(t, err, "lock is released when the run ends")
	require.NoError(t, again.Wait().Err)
}

func TestEngine_QueueFull(t *testing.T) {
	h := newHarness()
	locker := lock.NewMemoryLocker()
	e := newTestEngine(h, locker, 1, 1)

	queued, err := e.Submit(context.Background(), NewRequest("Build a todo app", "p1"))
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), NewRequest("Build a blog", "p2"))
	assert.ErrorIs(t, err, ErrQueueFull)

	release, ok, err := locker.TryLock(context.Background(), "p2")
	require.NoError(t, err)
	assert.True(t, ok, "rejected run must not keep its lock")
	release()

	e.Shutdown(time.Second)
	out := queued.Wait()
	assert.ErrorIs(t, out.Err, ErrShuttingDown)

	var events []ProgressEvent
	for ev := range queued.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, LevelError, events[0].Level)
	assert.Equal(t, "Error: "+ErrShuttingDown.Error(), events[0].Message)

	_, err = e.Submit(context.Background(), NewRequest("Build a todo app", "p1"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestEngine_ShutdownCancelsRuns(t *testing.T) {
	h := newHarness()
	h.model.gate = make(chan struct{})
	e := newTestEngine(h, nil, 1, 1)
	e.Start(context.Background())

	run, err := e.Submit(context.Background(), NewRequest("Build a todo app", "p1"))
	require.NoError(t, err)

	e.Shutdown(time.Second)
	out := run.Wait()
	assert.Error(t, out.Err)
	assert.Equal(t, Failed, out.Stage)
}

func TestEngine_DetachedRunContinues(t *testing.T) {
	h := newHarness()
	h.model.gate = make(chan struct{})
	e := newTestEngine(h, nil, 1, 1)
	e.Start(context.Background())
	defer e.Shutdown(time.Second)

	run, err := e.Submit(context.Background(), NewRequest("Build a todo app", "p1"))
	require.NoError(t, err)

	first := <-run.Events()
	assert.Equal(t, ResearchQuerying, first.Stage)
	run.Detach()
	close(h.model.gate)

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("detached run did not finish")
	}
	out := run.Wait()
	require.NoError(t, out.Err)
	assert.True(t, fileExists(h.store, "p1", "app.js"))
}
