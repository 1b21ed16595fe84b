package patch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// silent unless GlobalLogLevel is raised while debugging a scenario
var testLog = LogFn(LogLevelDebug, "coord_test")

func waitForBatch(t *testing.T, batches chan []*GraphInstruction, timeout time.Duration) []*GraphInstruction {
	t.Helper()
	select {
	case batch := <-batches:
		return batch
	case <-time.After(timeout):
		t.Fatal("timeout waiting for batch")
		return nil
	}
}

func expectNoBatch(t *testing.T, batches chan []*GraphInstruction, window time.Duration) {
	t.Helper()
	select {
	case batch := <-batches:
		t.Fatalf("unexpected batch of %d instructions", len(batch))
	case <-time.After(window):
	}
}

func fieldValue(t *testing.T, coordinator *Coordinator, ref EntityRef, field string) any {
	t.Helper()
	value, ok := coordinator.Entity(ref)
	assert.Equal(t, ok, true)
	return value.(map[string]any)[field]
}

func TestCoordinatorOptimisticApply(t *testing.T) {
	ctx := context.Background()

	batches := make(chan []*GraphInstruction, 16)
	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		batches <- batch
		return &SendResult{Status: true}, nil
	}

	settings := DefaultCoordinatorSettings()
	settings.DebounceTimeout = 20 * time.Millisecond
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := PositionEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{
		"posX": float64(0),
		"posY": float64(0),
	})

	err := coordinator.SubmitEdit(ref, At(Field("posX")).Set(float64(10)), EditFlags{})
	assert.Equal(t, err, nil)

	// the edit is visible with no network latency
	assert.Equal(t, fieldValue(t, coordinator, ref, "posX"), float64(10))

	batch := waitForBatch(t, batches, 2*time.Second)
	assert.Equal(t, len(batch), 1)
	assert.Equal(t, batch[0].Target, ref)
	assert.Equal(t, batch[0].Instruction.Op(), OpSet)
}

func TestCoordinatorDebounceCoalescesDrag(t *testing.T) {
	ctx := context.Background()

	batches := make(chan []*GraphInstruction, 16)
	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		batches <- batch
		return &SendResult{Status: true}, nil
	}

	settings := DefaultCoordinatorSettings()
	settings.DebounceTimeout = 100 * time.Millisecond
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := PositionEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{
		"posX": float64(0),
		"posY": float64(0),
	})

	// two drag ticks inside the debounce window
	coordinator.SubmitEdit(ref, At(Field("posX")).Set(float64(10)), EditFlags{})
	coordinator.SubmitEdit(ref, At(Field("posY")).Set(float64(20)), EditFlags{})
	coordinator.SubmitEdit(ref, At(Field("posX")).Set(float64(30)), EditFlags{})
	coordinator.SubmitEdit(ref, At(Field("posY")).Set(float64(40)), EditFlags{})

	// exactly one batch, carrying only the final posX/posY
	batch := waitForBatch(t, batches, 2*time.Second)
	assert.Equal(t, len(batch), 2)
	assert.Equal(t, batch[0].Instruction.Value(), float64(30))
	assert.Equal(t, batch[1].Instruction.Value(), float64(40))
	expectNoBatch(t, batches, 300*time.Millisecond)

	assert.Equal(t, fieldValue(t, coordinator, ref, "posX"), float64(30))
	assert.Equal(t, fieldValue(t, coordinator, ref, "posY"), float64(40))
}

func TestCoordinatorRollback(t *testing.T) {
	ctx := context.Background()

	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		return &SendResult{Status: false, Reason: "permission denied"}, nil
	}

	settings := DefaultCoordinatorSettings()
	settings.DebounceTimeout = 20 * time.Millisecond
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := SizeEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{
		"size": map[string]any{
			"width": float64(100),
		},
	})

	result, err := coordinator.SubmitEditAwait(ctx, ref, []*Instruction{
		At(Field("size"), Field("width")).Set(float64(150)),
	})
	assert.NotEqual(t, err, nil)
	var rejection *RejectionError
	assert.Equal(t, errors.As(err, &rejection), true)
	assert.Equal(t, result.Status, false)
	assert.Equal(t, result.Reason, "permission denied")

	// the post-rollback value is the value before the edit began
	value, _ := coordinator.Entity(ref)
	assert.Equal(t, value.(map[string]any)["size"].(map[string]any)["width"], float64(100))

	// a rejected batch records no undo history
	assert.Equal(t, coordinator.UndoSize(), 0)
}

func TestCoordinatorTransportErrorRollback(t *testing.T) {
	ctx := context.Background()

	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		return nil, errors.New("connection reset")
	}

	settings := DefaultCoordinatorSettings()
	settings.DebounceTimeout = 20 * time.Millisecond
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := GenericEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{"title": "hello"})

	_, err := coordinator.SubmitEditAwait(ctx, ref, []*Instruction{
		At(Field("title")).TextAppend(" world"),
	})
	var transportErr *TransportError
	assert.Equal(t, errors.As(err, &transportErr), true)
	assert.Equal(t, fieldValue(t, coordinator, ref, "title"), "hello")
}

func TestCoordinatorQueuedBatchSendsImmediately(t *testing.T) {
	ctx := context.Background()

	batches := make(chan []*GraphInstruction, 16)
	release := make(chan *SendResult)
	var sendCount int32
	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		n := atomic.AddInt32(&sendCount, 1)
		batches <- batch
		if n == 1 {
			return <-release, nil
		}
		return &SendResult{Status: true}, nil
	}

	settings := DefaultCoordinatorSettings()
	// long enough that a debounced second flush would fail the test below
	settings.DebounceTimeout = 2 * time.Second
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := SizeEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{
		"width":  float64(100),
		"height": float64(60),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		coordinator.SubmitEditAwait(ctx, ref, []*Instruction{
			At(Field("width")).Set(float64(150)),
		})
	}()
	batch1 := waitForBatch(t, batches, 2*time.Second)
	assert.Equal(t, len(batch1), 1)
	testLog("first batch of %d in flight", len(batch1))

	// accumulates into the queued batch, never a concurrent send
	err := coordinator.SubmitEdit(ref, At(Field("height")).Set(float64(80)), EditFlags{})
	assert.Equal(t, err, nil)
	expectNoBatch(t, batches, 100*time.Millisecond)

	release <- &SendResult{Status: true}
	<-done

	// the queued batch goes out without an additional debounce delay
	batch2 := waitForBatch(t, batches, time.Second)
	assert.Equal(t, len(batch2), 1)
	assert.Equal(t, batch2[0].Instruction.Op(), OpSet)

	assert.Equal(t, fieldValue(t, coordinator, ref, "width"), float64(150))
	assert.Equal(t, fieldValue(t, coordinator, ref, "height"), float64(80))
}

func TestCoordinatorFailureDropsQueuedBatch(t *testing.T) {
	ctx := context.Background()

	batches := make(chan []*GraphInstruction, 16)
	release := make(chan *SendResult)
	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		batches <- batch
		return <-release, nil
	}

	settings := DefaultCoordinatorSettings()
	settings.DebounceTimeout = 20 * time.Millisecond
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := SizeEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{
		"width": float64(100),
	})

	queuedErr := make(chan error, 1)
	go func() {
		_, err := coordinator.SubmitEditAwait(ctx, ref, []*Instruction{
			At(Field("width")).Set(float64(150)),
		})
		queuedErr <- err
	}()
	waitForBatch(t, batches, 2*time.Second)

	// queued during the failed attempt
	coordinator.SubmitEdit(ref, At(Field("width")).Set(float64(200)), EditFlags{})

	release <- &SendResult{Status: false, Reason: "stale target"}
	err := <-queuedErr
	assert.NotEqual(t, err, nil)

	// rollback to the last known good value and drop the queue
	assert.Equal(t, fieldValue(t, coordinator, ref, "width"), float64(100))
	expectNoBatch(t, batches, 300*time.Millisecond)
}

func TestCoordinatorSendTimeoutRollback(t *testing.T) {
	ctx := context.Background()

	sendLog := SubLogFn(LogLevelDebug, testLog, "send")
	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		// an acknowledgement never arrives
		sendLog("holding %d instructions", len(batch))
		<-ctx.Done()
		return nil, ctx.Err()
	}

	settings := DefaultCoordinatorSettings()
	settings.DebounceTimeout = 20 * time.Millisecond
	settings.SendTimeout = 200 * time.Millisecond
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := PositionEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{"posX": float64(0)})

	start := time.Now()
	_, err := coordinator.SubmitEditAwait(ctx, ref, []*Instruction{
		At(Field("posX")).Set(float64(10)),
	})
	// the hung send fails at the send timeout, not at the caller's deadline
	var transportErr *TransportError
	assert.Equal(t, errors.As(err, &transportErr), true)
	assert.Equal(t, time.Since(start) < 2*time.Second, true)

	assert.Equal(t, fieldValue(t, coordinator, ref, "posX"), float64(0))
	assert.Equal(t, coordinator.UndoSize(), 0)
}

func TestCoordinatorAwaitRejectsWholeBatch(t *testing.T) {
	ctx := context.Background()

	batches := make(chan []*GraphInstruction, 16)
	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		batches <- batch
		return &SendResult{Status: true}, nil
	}

	settings := DefaultCoordinatorSettings()
	settings.DebounceTimeout = 20 * time.Millisecond
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := GenericEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{"title": "hello"})

	_, err := coordinator.SubmitEditAwait(ctx, ref, []*Instruction{
		At(Field("title")).TextAppend(" world"),
		At(Field("missing"), Field("x")).Set(float64(1)),
	})
	var pathErr *PathError
	assert.Equal(t, errors.As(err, &pathErr), true)

	// the valid prefix was neither applied nor queued
	assert.Equal(t, fieldValue(t, coordinator, ref, "title"), "hello")
	expectNoBatch(t, batches, 200*time.Millisecond)
}

func TestCoordinatorUndoRedo(t *testing.T) {
	ctx := context.Background()

	batches := make(chan []*GraphInstruction, 16)
	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		batches <- batch
		return &SendResult{Status: true}, nil
	}

	settings := DefaultCoordinatorSettings()
	settings.DebounceTimeout = 20 * time.Millisecond
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := SizeEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{
		"width": float64(100),
	})

	_, err := coordinator.SubmitEditAwait(ctx, ref, []*Instruction{
		At(Field("width")).Set(float64(150)),
	})
	assert.Equal(t, err, nil)
	waitForBatch(t, batches, 2*time.Second)
	assert.Equal(t, coordinator.UndoSize(), 1)
	assert.Equal(t, coordinator.RedoSize(), 0)

	// undo applies optimistically like a fresh local edit
	assert.Equal(t, coordinator.Undo(), true)
	assert.Equal(t, fieldValue(t, coordinator, ref, "width"), float64(100))
	backward := waitForBatch(t, batches, 2*time.Second)
	assert.Equal(t, len(backward), 1)
	assert.Equal(t, backward[0].Instruction.Op(), OpSet)
	assert.Equal(t, backward[0].Instruction.Value(), float64(100))
	assert.Equal(t, coordinator.UndoSize(), 0)
	assert.Equal(t, coordinator.RedoSize(), 1)

	assert.Equal(t, coordinator.Redo(), true)
	assert.Equal(t, fieldValue(t, coordinator, ref, "width"), float64(150))
	forward := waitForBatch(t, batches, 2*time.Second)
	assert.Equal(t, forward[0].Instruction.Value(), float64(150))
	assert.Equal(t, coordinator.UndoSize(), 1)
	assert.Equal(t, coordinator.RedoSize(), 0)

	// undo and redo do not record themselves
	assert.Equal(t, coordinator.Undo(), true)
	waitForBatch(t, batches, 2*time.Second)
	assert.Equal(t, coordinator.UndoSize(), 0)
	assert.Equal(t, coordinator.RedoSize(), 1)
}

func TestCoordinatorSuppressUndoRecording(t *testing.T) {
	ctx := context.Background()

	batches := make(chan []*GraphInstruction, 16)
	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		batches <- batch
		return &SendResult{Status: true}, nil
	}

	settings := DefaultCoordinatorSettings()
	settings.DebounceTimeout = 20 * time.Millisecond
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := PositionEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{"posX": float64(0)})

	// animation-only instruction
	coordinator.SubmitEdit(ref, At(Field("posX")).Set(float64(5)), EditFlags{
		SuppressUndoRecording: true,
		AnimateHint:           true,
	})
	waitForBatch(t, batches, 2*time.Second)

	// give the acknowledgement time to reconcile
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, coordinator.UndoSize(), 0)
}

func TestCoordinatorReleaseWhileSending(t *testing.T) {
	ctx := context.Background()

	batches := make(chan []*GraphInstruction, 16)
	release := make(chan *SendResult)
	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		batches <- batch
		return <-release, nil
	}

	settings := DefaultCoordinatorSettings()
	settings.DebounceTimeout = 20 * time.Millisecond
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := GenericEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{"title": "hello"})

	acked := make(chan error, 1)
	go func() {
		_, err := coordinator.SubmitEditAwait(ctx, ref, []*Instruction{
			At(Field("title")).TextAppend("!"),
		})
		acked <- err
	}()
	waitForBatch(t, batches, 2*time.Second)

	coordinator.ReleaseEntity(ref)
	_, ok := coordinator.Entity(ref)
	assert.Equal(t, ok, false)

	// the in-flight round trip completes but is not reconciled
	release <- &SendResult{Status: true}
	err := <-acked
	assert.Equal(t, err, nil)
	_, ok = coordinator.Entity(ref)
	assert.Equal(t, ok, false)
}

func TestCoordinatorObserver(t *testing.T) {
	ctx := context.Background()

	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		return &SendResult{Status: false, Reason: "rejected"}, nil
	}

	settings := DefaultCoordinatorSettings()
	settings.DebounceTimeout = 20 * time.Millisecond
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := SizeEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{"width": float64(100)})

	changes := make(chan any, 16)
	remove := coordinator.Observers().AddChangeListener(ref, func(ref EntityRef, value any) {
		changes <- value
	})
	defer remove()

	_, err := coordinator.SubmitEditAwait(ctx, ref, []*Instruction{
		At(Field("width")).Set(float64(150)),
	})
	assert.NotEqual(t, err, nil)

	// optimistic apply notification
	optimistic := <-changes
	assert.Equal(t, optimistic.(map[string]any)["width"], float64(150))
	// rollback notification
	select {
	case rolledBack := <-changes:
		assert.Equal(t, rolledBack.(map[string]any)["width"], float64(100))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for rollback notification")
	}
}

func TestCoordinatorClose(t *testing.T) {
	ctx := context.Background()

	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		return &SendResult{Status: true}, nil
	}

	coordinator := NewCoordinatorWithDefaults(ctx, send)
	ref := GenericEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{"title": "hello"})
	coordinator.Close()

	err := coordinator.SubmitEdit(ref, At(Field("title")).TextAppend("!"), EditFlags{})
	assert.NotEqual(t, err, nil)
}

func TestCoordinatorPathErrorSurfacesSynchronously(t *testing.T) {
	ctx := context.Background()

	batches := make(chan []*GraphInstruction, 16)
	send := func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error) {
		batches <- batch
		return &SendResult{Status: true}, nil
	}

	settings := DefaultCoordinatorSettings()
	settings.DebounceTimeout = 20 * time.Millisecond
	coordinator := NewCoordinator(ctx, send, settings)
	defer coordinator.Close()

	ref := GenericEntity(NewId())
	coordinator.SetEntity(ref, map[string]any{"title": "hello"})

	err := coordinator.SubmitEdit(ref, At(Field("missing"), Field("x")).Set(float64(1)), EditFlags{})
	var pathErr *PathError
	assert.Equal(t, errors.As(err, &pathErr), true)

	// nothing was queued or transmitted
	expectNoBatch(t, batches, 200*time.Millisecond)
}
