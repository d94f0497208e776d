package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub, err := NewHub(context.Background(), HubConfig{Backend: NewMemoryBackend()})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	return hub
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestSessionWriteReadAndChildren(t *testing.T) {
	hub := newTestHub(t)
	session := hub.Connect("session-1")
	ctx := context.Background()

	if err := session.Write(ctx, "documents/doc-1/transform-locks/a", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := session.Write(ctx, "documents/doc-1/transform-locks/b", []byte(`{"b":1}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := session.Write(ctx, "documents/doc-1/transform-locks/b/nested", []byte(`{}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	entry, ok, err := session.Read(ctx, "documents/doc-1/transform-locks/a")
	if err != nil || !ok {
		t.Fatalf("expected entry, ok=%v err=%v", ok, err)
	}
	if string(entry.Value) != `{"a":1}` {
		t.Fatalf("unexpected value %s", entry.Value)
	}
	if entry.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", entry.Revision)
	}

	children, err := session.Children(ctx, "documents/doc-1/transform-locks")
	if err != nil {
		t.Fatalf("children failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 direct children, got %d", len(children))
	}
	if _, ok := children["a"]; !ok {
		t.Fatalf("expected child keyed by base name")
	}
}

func TestSessionRejectsInvalidPaths(t *testing.T) {
	hub := newTestHub(t)
	session := hub.Connect("session-1")

	for _, path := range []string{"", "documents//a", "documents/ /a"} {
		if err := session.Write(context.Background(), path, []byte(`{}`)); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("expected ErrInvalidPath for %q, got %v", path, err)
		}
	}
}

func TestSubscribeReceivesDescendantEvents(t *testing.T) {
	hub := newTestHub(t)
	writer := hub.Connect("writer")
	reader := hub.Connect("reader")
	recorder := &eventRecorder{}

	unsubscribe, err := reader.Subscribe("documents/doc-1", recorder.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = writer.Write(ctx, "documents/doc-1/presence/user-1", []byte(`{"online":true}`))
	_ = writer.Write(ctx, "documents/doc-2/presence/user-1", []byte(`{"online":true}`))
	_ = writer.Delete(ctx, "documents/doc-1/presence/user-1")

	events := recorder.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Deleted() || !events[1].Deleted() {
		t.Fatalf("expected write then delete, got %+v", events)
	}
	if events[1].Revision <= events[0].Revision {
		t.Fatalf("expected increasing revisions")
	}

	unsubscribe()
	_ = writer.Write(ctx, "documents/doc-1/presence/user-2", []byte(`{}`))
	if len(recorder.snapshot()) != 2 {
		t.Fatalf("expected no events after unsubscribe")
	}
}

func TestAtomicWriteAppliesAllMutations(t *testing.T) {
	hub := newTestHub(t)
	session := hub.Connect("session-1")
	ctx := context.Background()
	_ = session.Write(ctx, "documents/doc-1/x", []byte(`1`))

	err := session.AtomicWrite(ctx, map[string][]byte{
		"documents/doc-1/x": nil,
		"documents/doc-1/y": []byte(`2`),
		"documents/doc-1/z": []byte(`3`),
	})
	if err != nil {
		t.Fatalf("atomic write failed: %v", err)
	}

	children, _ := session.Children(ctx, "documents/doc-1")
	if len(children) != 2 {
		t.Fatalf("expected y and z only, got %v", children)
	}
	if _, ok := children["x"]; ok {
		t.Fatalf("expected x to be deleted")
	}
}

func TestAtomicWriteRejectsBatchWithInvalidPath(t *testing.T) {
	hub := newTestHub(t)
	session := hub.Connect("session-1")
	ctx := context.Background()

	err := session.AtomicWrite(ctx, map[string][]byte{
		"documents/doc-1/ok": []byte(`1`),
		"documents//broken":  []byte(`2`),
	})
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if _, ok, _ := session.Read(ctx, "documents/doc-1/ok"); ok {
		t.Fatalf("expected no partial write")
	}
}

func TestCloseRunsDisconnectHooksInOrder(t *testing.T) {
	hub := newTestHub(t)
	owner := hub.Connect("owner")
	observer := hub.Connect("observer")
	ctx := context.Background()

	_ = owner.Write(ctx, "documents/doc-1/transform-locks/a", []byte(`{}`))
	_ = owner.Write(ctx, "documents/doc-1/presence/user-1", []byte(`{"online":true}`))
	if err := owner.OnDisconnect("documents/doc-1/transform-locks/a").Remove(ctx); err != nil {
		t.Fatalf("arm remove failed: %v", err)
	}
	if err := owner.OnDisconnect("documents/doc-1/presence/user-1").Set(ctx, []byte(`{"online":false}`)); err != nil {
		t.Fatalf("arm set failed: %v", err)
	}

	if err := owner.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if _, ok, _ := observer.Read(ctx, "documents/doc-1/transform-locks/a"); ok {
		t.Fatalf("expected lock to be removed on disconnect")
	}
	entry, ok, _ := observer.Read(ctx, "documents/doc-1/presence/user-1")
	if !ok || string(entry.Value) != `{"online":false}` {
		t.Fatalf("expected presence rewritten on disconnect, got %s", entry.Value)
	}
	if err := owner.Write(ctx, "documents/doc-1/x", []byte(`{}`)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if hub.SessionCount() != 1 {
		t.Fatalf("expected only observer to remain connected")
	}
}

func TestCancelDisarmsEveryHookOnPath(t *testing.T) {
	hub := newTestHub(t)
	owner := hub.Connect("owner")
	ctx := context.Background()
	path := "documents/doc-1/transform-locks/a"

	_ = owner.OnDisconnect(path).Remove(ctx)
	_ = owner.OnDisconnect(path).Remove(ctx)
	if owner.ArmedHooks(path) != 2 {
		t.Fatalf("expected hooks to stack, got %d", owner.ArmedHooks(path))
	}
	if err := owner.OnDisconnect(path).Cancel(ctx); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if owner.ArmedHooks(path) != 0 {
		t.Fatalf("expected no armed hooks after cancel")
	}

	other := hub.Connect("other")
	_ = other.Write(ctx, path, []byte(`{"holder":"other"}`))
	_ = owner.Close(ctx)
	if _, ok, _ := other.Read(ctx, path); !ok {
		t.Fatalf("cancelled hook must not delete another session's entry")
	}
}

func TestSubscriberPanicDoesNotBlockOthers(t *testing.T) {
	hub := newTestHub(t)
	session := hub.Connect("session-1")
	recorder := &eventRecorder{}

	_, _ = session.Subscribe("documents", func(Event) { panic("boom") })
	_, _ = session.Subscribe("documents", recorder.handle)

	if err := session.Write(context.Background(), "documents/doc-1/a", []byte(`{}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if len(recorder.snapshot()) != 1 {
		t.Fatalf("expected healthy subscriber to receive the event")
	}
}

func TestSetStampedRendersAtDisconnectTime(t *testing.T) {
	armedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	now := armedAt
	hub, err := NewHub(context.Background(), HubConfig{
		Backend: NewMemoryBackend(),
		Clock:   func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to create hub: %v", err)
	}
	owner := hub.Connect("owner")
	observer := hub.Connect("observer")
	ctx := context.Background()
	stamped := "documents/doc-1/presence/user-1"
	dropped := "documents/doc-1/presence/user-2"

	_ = owner.Write(ctx, dropped, []byte(`{}`))
	render := func(at time.Time) ([]byte, error) {
		return []byte(at.Format(time.RFC3339)), nil
	}
	if err := owner.OnDisconnect(stamped).SetStamped(ctx, render); err != nil {
		t.Fatalf("arm stamped failed: %v", err)
	}
	if err := owner.OnDisconnect(dropped).SetStamped(ctx, func(time.Time) ([]byte, error) { return nil, nil }); err != nil {
		t.Fatalf("arm stamped delete failed: %v", err)
	}
	if err := owner.OnDisconnect("documents/doc-1/x").SetStamped(ctx, nil); err == nil {
		t.Fatalf("expected a missing render func to be rejected")
	}

	now = armedAt.Add(2 * time.Hour)
	if err := owner.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	entry, ok, _ := observer.Read(ctx, stamped)
	if !ok || string(entry.Value) != "2024-05-01T12:00:00Z" {
		t.Fatalf("expected the disconnect time, got %q", entry.Value)
	}
	if _, ok, _ := observer.Read(ctx, dropped); ok {
		t.Fatalf("expected a nil render result to delete the key")
	}
}

func TestSetStampedRenderFailureSkipsOnlyThatOperation(t *testing.T) {
	hub := newTestHub(t)
	owner := hub.Connect("owner")
	observer := hub.Connect("observer")
	ctx := context.Background()

	_ = owner.OnDisconnect("documents/doc-1/a").SetStamped(ctx, func(time.Time) ([]byte, error) {
		return nil, errors.New("render failed")
	})
	_ = owner.OnDisconnect("documents/doc-1/b").Set(ctx, []byte(`{}`))
	if err := owner.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, ok, _ := observer.Read(ctx, "documents/doc-1/a"); ok {
		t.Fatalf("expected the failed render to write nothing")
	}
	if _, ok, _ := observer.Read(ctx, "documents/doc-1/b"); !ok {
		t.Fatalf("expected the remaining operation to run")
	}
}
