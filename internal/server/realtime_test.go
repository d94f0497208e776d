package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andepants/figma-clone-sub001/internal/auth"
	"github.com/andepants/figma-clone-sub001/internal/lease"
	"github.com/andepants/figma-clone-sub001/internal/presence"
	"github.com/andepants/figma-clone-sub001/internal/users"
	"github.com/gorilla/websocket"
)

const realtimeTestDeadline = 5 * time.Second

type realtimeFrame struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Command  string            `json:"command"`
	Granted  *bool             `json:"granted"`
	Lock     json.RawMessage   `json:"lock"`
	Locks    []json.RawMessage `json:"locks"`
	Error    string            `json:"error"`
	Class    string            `json:"class"`
	EntityID string            `json:"entity_id"`
	Path     string            `json:"path"`
	Value    json.RawMessage   `json:"value"`
	Deleted  bool              `json:"deleted"`
	Revision uint64            `json:"revision"`
}

func dialRealtime(t *testing.T, h *testHarness, httpServer *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	ticket, _, err := h.tickets.Issue(auth.Principal{
		UserID:      userID,
		DisplayName: "User " + userID,
		Color:       users.ColorFor(userID),
	})
	if err != nil {
		t.Fatalf("failed to issue ticket: %v", err)
	}
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/documents/doc-1/realtime?ticket=" + ticket
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial realtime socket: %v", err)
	}
	_ = response.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, command map[string]any) realtimeFrame {
	t.Helper()
	if err := conn.WriteJSON(command); err != nil {
		t.Fatalf("failed to send command: %v", err)
	}
	id, _ := command["id"].(string)
	return awaitFrame(t, conn, func(frame realtimeFrame) bool {
		return frame.Type == realtimeFrameResult && frame.ID == id
	})
}

func awaitFrame(t *testing.T, conn *websocket.Conn, match func(realtimeFrame) bool) realtimeFrame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(realtimeTestDeadline)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	for {
		var frame realtimeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("failed to read frame: %v", err)
		}
		if match(frame) {
			return frame
		}
	}
}

func eventually(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(realtimeTestDeadline)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

func TestRealtimeRejectsMissingTicket(t *testing.T) {
	harness := newTestHarness(t, nil)

	recorder := harness.do(t, http.MethodGet, "/documents/doc-1/realtime", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a ticket, got %d", recorder.Code)
	}
	recorder = harness.do(t, http.MethodGet, "/documents/doc-1/realtime?ticket=forged", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a forged ticket, got %d", recorder.Code)
	}
}

func TestRealtimeLockExclusionAndDisconnectRelease(t *testing.T) {
	harness := newTestHarness(t, nil)
	httpServer := httptest.NewServer(harness.server)
	t.Cleanup(httpServer.Close)

	alice := dialRealtime(t, harness, httpServer, "alice")
	bob := dialRealtime(t, harness, httpServer, "bob")

	acquire := map[string]any{
		"id": "1", "type": "acquire", "entity_id": "rect-1", "kind": "drag",
		"drag": map[string]any{"position": map[string]float64{"x": 1, "y": 2}},
	}
	result := sendCommand(t, alice, acquire)
	if result.Error != "" || result.Granted == nil || !*result.Granted {
		t.Fatalf("expected alice to acquire, got %+v", result)
	}

	result = sendCommand(t, bob, acquire)
	if result.Error != "" || result.Granted == nil || *result.Granted {
		t.Fatalf("expected bob to be denied, got %+v", result)
	}

	result = sendCommand(t, bob, map[string]any{"id": "2", "type": "check", "entity_id": "rect-1", "kind": "resize"})
	if result.Error != "" || len(result.Lock) == 0 {
		t.Fatalf("expected bob to see alice's lock, got %+v", result)
	}
	held, err := lease.Decode(result.Lock)
	if err != nil || held.Holder.UserID != "alice" {
		t.Fatalf("expected alice's lease, got %+v err=%v", held, err)
	}

	if err := alice.Close(); err != nil {
		t.Fatalf("failed to close alice: %v", err)
	}

	observer := harness.hub.Connect("test-observer")
	namespace, _ := lease.NewNamespace("doc-1")
	eventually(t, func() bool {
		_, found, err := observer.Read(context.Background(), namespace.Path(lease.ClassTransform, "rect-1"))
		return err == nil && !found
	}, "expected the disconnect hook to release alice's lease")

	acquire["id"] = "3"
	result = sendCommand(t, bob, acquire)
	if result.Granted == nil || !*result.Granted {
		t.Fatalf("expected bob to acquire after alice disconnected, got %+v", result)
	}
}

func TestRealtimeBroadcastsLeaseEvents(t *testing.T) {
	harness := newTestHarness(t, nil)
	httpServer := httptest.NewServer(harness.server)
	t.Cleanup(httpServer.Close)

	alice := dialRealtime(t, harness, httpServer, "alice")
	bob := dialRealtime(t, harness, httpServer, "bob")
	// A reply proves bob's subscription is in place before alice writes.
	if result := sendCommand(t, bob, map[string]any{"id": "0", "type": "check", "entity_id": "note-1", "kind": "edit"}); result.Error != "" {
		t.Fatalf("check failed: %+v", result)
	}

	result := sendCommand(t, alice, map[string]any{
		"id": "1", "type": "acquire", "entity_id": "note-1", "kind": "edit",
		"edit": map[string]string{"text": "draft"},
	})
	if result.Granted == nil || !*result.Granted {
		t.Fatalf("expected edit acquire, got %+v", result)
	}

	event := awaitFrame(t, bob, func(frame realtimeFrame) bool {
		return frame.Type == realtimeFrameLock && frame.EntityID == "note-1" && len(frame.Lock) > 0
	})
	if event.Class != string(lease.ClassEdit) {
		t.Fatalf("expected an edit lock frame, got %+v", event)
	}
	broadcast, err := lease.Decode(event.Lock)
	if err != nil {
		t.Fatalf("failed to decode broadcast lease: %v", err)
	}
	if edit, _ := broadcast.Payload.(lease.EditPayload); edit.Text != "draft" || broadcast.Holder.Color != users.ColorFor("alice") {
		t.Fatalf("unexpected broadcast %+v", broadcast)
	}

	result = sendCommand(t, alice, map[string]any{"id": "2", "type": "release", "entity_id": "note-1", "kind": "edit"})
	if result.Error != "" {
		t.Fatalf("release failed: %+v", result)
	}
	unlocked := awaitFrame(t, bob, func(frame realtimeFrame) bool {
		return frame.Type == realtimeFrameLock && frame.EntityID == "note-1" && len(frame.Lock) == 0
	})
	if unlocked.Revision <= event.Revision {
		t.Fatalf("expected the unlock to carry a later revision, got %d after %d", unlocked.Revision, event.Revision)
	}
}

func TestRealtimePresenceSurvivesDisconnectAsOffline(t *testing.T) {
	harness := newTestHarness(t, nil)
	httpServer := httptest.NewServer(harness.server)
	t.Cleanup(httpServer.Close)

	alice := dialRealtime(t, harness, httpServer, "alice")
	if result := sendCommand(t, alice, map[string]any{"id": "1", "type": "set_online"}); result.Error != "" {
		t.Fatalf("set_online failed: %+v", result)
	}
	if result := sendCommand(t, alice, map[string]any{"id": "2", "type": "selection", "entity_ids": []string{"b", "a"}}); result.Error != "" {
		t.Fatalf("selection failed: %+v", result)
	}

	reader, err := presence.NewService(presence.ServiceConfig{Store: harness.hub.Connect("presence-reader"), Document: "doc-1"})
	if err != nil {
		t.Fatalf("failed to create presence reader: %v", err)
	}
	ctx := context.Background()
	selections, err := reader.ListSelections(ctx)
	if err != nil || len(selections) != 1 || len(selections[0].EntityIDs) != 2 {
		t.Fatalf("expected alice's selection, got %+v err=%v", selections, err)
	}

	if err := alice.Close(); err != nil {
		t.Fatalf("failed to close alice: %v", err)
	}
	eventually(t, func() bool {
		members, err := reader.ListPresence(ctx)
		return err == nil && len(members) == 1 && !members[0].Online
	}, "expected alice to be recorded offline")
	selections, err = reader.ListSelections(ctx)
	if err != nil || len(selections) != 0 {
		t.Fatalf("expected selection to vanish on disconnect, got %+v err=%v", selections, err)
	}
}

func TestRealtimeReportsUnknownCommand(t *testing.T) {
	harness := newTestHarness(t, nil)
	httpServer := httptest.NewServer(harness.server)
	t.Cleanup(httpServer.Close)

	conn := dialRealtime(t, harness, httpServer, "alice")
	result := sendCommand(t, conn, map[string]any{"id": "1", "type": "teleport"})
	if result.Error != "unknown_command" {
		t.Fatalf("expected unknown_command, got %+v", result)
	}
	result = sendCommand(t, conn, map[string]any{"id": "2", "type": "acquire", "entity_id": "rect-1", "kind": "drag"})
	if result.Error != "missing_payload" {
		t.Fatalf("expected missing_payload, got %+v", result)
	}
}

func TestRealtimeForwardsNonLeaseEventsRaw(t *testing.T) {
	harness := newTestHarness(t, nil)
	httpServer := httptest.NewServer(harness.server)
	t.Cleanup(httpServer.Close)

	alice := dialRealtime(t, harness, httpServer, "alice")
	bob := dialRealtime(t, harness, httpServer, "bob")
	if result := sendCommand(t, bob, map[string]any{"id": "0", "type": "locks"}); result.Error != "" {
		t.Fatalf("locks failed: %+v", result)
	}
	if result := sendCommand(t, alice, map[string]any{"id": "1", "type": "set_online"}); result.Error != "" {
		t.Fatalf("set_online failed: %+v", result)
	}
	event := awaitFrame(t, bob, func(frame realtimeFrame) bool {
		return frame.Type == realtimeFrameEvent && strings.HasSuffix(frame.Path, "/alice")
	})
	if !strings.HasPrefix(event.Path, "documents/doc-1/") || len(event.Value) == 0 {
		t.Fatalf("expected alice's presence record, got %+v", event)
	}
}

func TestRealtimeLocksListsFreshLeases(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	harness := newTestHarness(t, clock.Now)
	httpServer := httptest.NewServer(harness.server)
	t.Cleanup(httpServer.Close)

	alice := dialRealtime(t, harness, httpServer, "alice")
	result := sendCommand(t, alice, map[string]any{
		"id": "1", "type": "acquire_group", "entity_ids": []string{"b", "a"},
		"positions": map[string]any{"a": map[string]float64{"x": 1}, "b": map[string]float64{"x": 2}},
	})
	if result.Granted == nil || !*result.Granted {
		t.Fatalf("expected group acquire, got %+v", result)
	}

	bob := dialRealtime(t, harness, httpServer, "bob")
	result = sendCommand(t, bob, map[string]any{"id": "2", "type": "locks"})
	if result.Error != "" || len(result.Locks) != 2 {
		t.Fatalf("expected two locks, got %+v", result)
	}
	first, err := lease.Decode(result.Locks[0])
	if err != nil || first.EntityID != "a" || first.Holder.UserID != "alice" || first.GroupID == "" {
		t.Fatalf("unexpected first lock %+v err=%v", first, err)
	}

	clock.Advance(lease.DefaultTransformStaleAfter)
	result = sendCommand(t, bob, map[string]any{"id": "3", "type": "locks"})
	if result.Error != "" || len(result.Locks) != 0 {
		t.Fatalf("expected stale locks to be omitted, got %+v", result)
	}
}

func TestRealtimeSecondTabOfSameUserIsExcluded(t *testing.T) {
	harness := newTestHarness(t, nil)
	httpServer := httptest.NewServer(harness.server)
	t.Cleanup(httpServer.Close)

	tabA := dialRealtime(t, harness, httpServer, "alice")
	tabB := dialRealtime(t, harness, httpServer, "alice")
	acquire := map[string]any{
		"id": "1", "type": "acquire", "entity_id": "rect-1", "kind": "drag",
		"drag": map[string]any{"position": map[string]float64{"x": 1}},
	}
	if result := sendCommand(t, tabA, acquire); result.Granted == nil || !*result.Granted {
		t.Fatalf("expected the first tab to acquire, got %+v", result)
	}
	if result := sendCommand(t, tabB, acquire); result.Granted == nil || *result.Granted {
		t.Fatalf("expected the second tab to be denied, got %+v", result)
	}
}

func TestCloseRealtimeRunsDisconnectHooks(t *testing.T) {
	harness := newTestHarness(t, nil)
	httpServer := httptest.NewServer(harness.server)
	t.Cleanup(httpServer.Close)

	alice := dialRealtime(t, harness, httpServer, "alice")
	if result := sendCommand(t, alice, map[string]any{"id": "1", "type": "set_online"}); result.Error != "" {
		t.Fatalf("set_online failed: %+v", result)
	}
	result := sendCommand(t, alice, map[string]any{
		"id": "2", "type": "acquire", "entity_id": "rect-1", "kind": "drag",
		"drag": map[string]any{"position": map[string]float64{"x": 1}},
	})
	if result.Granted == nil || !*result.Granted {
		t.Fatalf("expected acquire, got %+v", result)
	}

	ctx := context.Background()
	if err := harness.server.CloseRealtime(ctx); err != nil {
		t.Fatalf("close realtime failed: %v", err)
	}

	observer := harness.hub.Connect("test-observer")
	namespace, _ := lease.NewNamespace("doc-1")
	if _, found, err := observer.Read(ctx, namespace.Path(lease.ClassTransform, "rect-1")); err != nil || found {
		t.Fatalf("expected shutdown to release alice's lease, found=%v err=%v", found, err)
	}
	reader, err := presence.NewService(presence.ServiceConfig{Store: observer, Document: "doc-1"})
	if err != nil {
		t.Fatalf("failed to create presence reader: %v", err)
	}
	members, err := reader.ListPresence(ctx)
	if err != nil || len(members) != 1 || members[0].Online {
		t.Fatalf("expected alice offline after shutdown, got %+v err=%v", members, err)
	}
	if namespaces := harness.server.realtime.activeNamespaces(); len(namespaces) != 0 {
		t.Fatalf("expected no tracked connections, got %v", namespaces)
	}
}
