package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/andepants/figma-clone-sub001/internal/auth"
	"github.com/andepants/figma-clone-sub001/internal/lease"
	"github.com/andepants/figma-clone-sub001/internal/presence"
	"github.com/andepants/figma-clone-sub001/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	realtimeFrameResult = "result"
	realtimeFrameEvent  = "event"
	realtimeFrameLock   = "lock"

	realtimeOutboundBuffer = 256
	realtimeWriteWait      = 10 * time.Second
	realtimePongWait       = 60 * time.Second
	realtimePingPeriod     = (realtimePongWait * 9) / 10
	realtimeMaxFrameBytes  = 64 << 10
	realtimeCloseTimeout   = 5 * time.Second
)

var (
	errUnknownCommand  = errors.New("unknown command")
	errMissingEntityID = errors.New("entity_id required")
)

type realtimeConfig struct {
	hub            *store.Hub
	tickets        TicketManager
	clock          *lease.Clock
	reaper         *lease.Reaper
	allowedOrigins []string
	logger         *zap.Logger
}

// realtimeHandler turns every WebSocket connection into one store session. Commands drive
// the lease protocol and presence service bound to that session; closing the socket closes
// the session, which fires its disconnect hooks.
type realtimeHandler struct {
	hub      *store.Hub
	tickets  TicketManager
	clock    *lease.Clock
	reaper   *lease.Reaper
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	connections map[*realtimeConnection]struct{}
}

func newRealtimeHandler(cfg realtimeConfig) *realtimeHandler {
	handler := &realtimeHandler{
		hub:         cfg.hub,
		tickets:     cfg.tickets,
		clock:       cfg.clock,
		reaper:      cfg.reaper,
		logger:      cfg.logger,
		connections: make(map[*realtimeConnection]struct{}),
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.allowedOrigins),
	}
	return handler
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowedOrigins, origin)
	}
}

// activeNamespaces returns the lease roots of every document with an open connection.
func (h *realtimeHandler) activeNamespaces() []string {
	h.mu.Lock()
	documents := make([]string, 0, len(h.connections))
	for connection := range h.connections {
		documents = append(documents, connection.namespace.DocumentID())
	}
	h.mu.Unlock()
	slices.Sort(documents)
	documents = slices.Compact(documents)

	roots := make([]string, 0, len(documents)*2)
	for _, documentID := range documents {
		namespace, err := lease.NewNamespace(documentID)
		if err != nil {
			continue
		}
		roots = append(roots, namespace.Roots()...)
	}
	return roots
}

func (h *realtimeHandler) track(connection *realtimeConnection) {
	h.mu.Lock()
	h.connections[connection] = struct{}{}
	h.mu.Unlock()
}

func (h *realtimeHandler) forget(connection *realtimeConnection) {
	h.mu.Lock()
	delete(h.connections, connection)
	h.mu.Unlock()
}

// closeAll closes every open connection so its disconnect hooks run before the process
// exits. Hijacked sockets are not closed by http.Server.Shutdown.
func (h *realtimeHandler) closeAll(ctx context.Context) error {
	h.mu.Lock()
	connections := make([]*realtimeConnection, 0, len(h.connections))
	for connection := range h.connections {
		connections = append(connections, connection)
	}
	h.mu.Unlock()

	for _, connection := range connections {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = connection.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server_shutdown"),
			time.Now().Add(realtimeWriteWait))
		connection.close()
	}
	h.logger.Info("realtime connections closed", zap.Int("count", len(connections)))
	return nil
}

func (h *realtimeHandler) handleUpgrade(c *gin.Context) {
	ticket := strings.TrimSpace(c.Query("ticket"))
	if ticket == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	principal, err := h.tickets.Validate(ticket)
	if err != nil {
		h.logger.Info("realtime ticket rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	namespace, ok := namespaceParam(c)
	if !ok {
		return
	}
	sessionUUID, err := uuid.NewV7()
	if err != nil {
		h.logger.Error("failed to allocate realtime session id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("realtime upgrade failed", zap.Error(err))
		return
	}

	connection, err := h.open(conn, namespace, principal, sessionUUID.String())
	if err != nil {
		h.logger.Error("failed to open realtime session", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session_failed"),
			time.Now().Add(realtimeWriteWait))
		_ = conn.Close()
		return
	}
	connection.serve()
}

func (h *realtimeHandler) open(conn *websocket.Conn, namespace lease.Namespace, principal auth.Principal, sessionID string) (*realtimeConnection, error) {
	logger := h.logger.With(
		zap.String("session_id", sessionID),
		zap.String("document_id", namespace.DocumentID()),
		zap.String("user_id", principal.UserID))

	session := h.hub.Connect(sessionID)
	protocol, err := lease.NewProtocol(lease.Config{
		Store:    session,
		Document: namespace.DocumentID(),
		Holder: lease.Holder{
			UserID:      principal.UserID,
			DisplayName: principal.DisplayName,
			Color:       principal.Color,
		},
		SessionID: sessionID,
		Clock:     h.clock,
		Reaper:    h.reaper,
		Logger:    logger,
	})
	if err != nil {
		_ = session.Close(context.Background())
		return nil, err
	}
	presenceService, err := presence.NewService(presence.ServiceConfig{
		Store:    session,
		Document: namespace.DocumentID(),
		Clock:    h.clock.Now,
		Logger:   logger,
	})
	if err != nil {
		protocol.Close()
		_ = session.Close(context.Background())
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	connection := &realtimeConnection{
		conn:      conn,
		session:   session,
		protocol:  protocol,
		presence:  presenceService,
		namespace: namespace,
		member: presence.Member{
			UserID:      principal.UserID,
			DisplayName: principal.DisplayName,
			Color:       principal.Color,
		},
		logger:   logger,
		outbound: make(chan any, realtimeOutboundBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	connection.untrack = func() { h.forget(connection) }

	view, err := lease.NewView(ctx, lease.ViewConfig{
		Store:     session,
		Namespace: namespace,
		Reaper:    h.reaper,
		Logger:    logger,
		OnChange:  connection.forwardLock,
	})
	if err != nil {
		connection.close()
		return nil, err
	}
	connection.view = view
	if _, err := session.Subscribe(store.Join("documents", namespace.DocumentID()), connection.forward); err != nil {
		connection.close()
		return nil, err
	}
	h.track(connection)
	return connection, nil
}

type realtimeConnection struct {
	conn      *websocket.Conn
	session   *store.Session
	protocol  *lease.Protocol
	presence  *presence.Service
	view      *lease.View
	namespace lease.Namespace
	member    presence.Member
	logger    *zap.Logger
	outbound  chan any
	ctx       context.Context
	cancel    context.CancelFunc
	untrack   func()
	closeOnce sync.Once
}

type commandFrame struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	EntityID  string                 `json:"entity_id"`
	EntityIDs []string               `json:"entity_ids"`
	Kind      string                 `json:"kind"`
	Drag      *lease.DragPayload     `json:"drag"`
	Resize    *lease.ResizePayload   `json:"resize"`
	Edit      *lease.EditPayload     `json:"edit"`
	Positions map[string]lease.Point `json:"positions"`
}

type resultFrame struct {
	ID      string            `json:"id,omitempty"`
	Type    string            `json:"type"`
	Command string            `json:"command"`
	Granted *bool             `json:"granted,omitempty"`
	Lock    json.RawMessage   `json:"lock,omitempty"`
	Locks   []json.RawMessage `json:"locks,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type eventFrame struct {
	Type     string          `json:"type"`
	Path     string          `json:"path"`
	Value    json.RawMessage `json:"value"`
	Deleted  bool            `json:"deleted"`
	Revision uint64          `json:"revision"`
}

type lockFrame struct {
	Type     string          `json:"type"`
	Class    lease.Class     `json:"class"`
	EntityID string          `json:"entity_id"`
	Lock     json.RawMessage `json:"lock,omitempty"`
	Revision uint64          `json:"revision"`
}

// forward queues a store event for the socket. Events are dropped when the client falls
// behind; the revision lets it detect the gap and re-read. Lease keys are left to the
// view, which sends them as lock frames.
func (rc *realtimeConnection) forward(event store.Event) {
	if rc.isLeasePath(event.Path) {
		return
	}
	frame := eventFrame{
		Type:     realtimeFrameEvent,
		Path:     event.Path,
		Deleted:  event.Deleted(),
		Revision: event.Revision,
	}
	if !event.Deleted() && json.Valid(event.Value) {
		frame.Value = json.RawMessage(event.Value)
	}
	rc.enqueue(frame)
}

// forwardLock queues a lock frame for a lease change the view accepted. A nil lease means
// the entity is unlocked.
func (rc *realtimeConnection) forwardLock(change lease.Change) {
	frame := lockFrame{
		Type:     realtimeFrameLock,
		Class:    change.Class,
		EntityID: change.EntityID,
		Revision: change.Revision,
	}
	if change.Lease != nil {
		encoded, err := lease.Encode(*change.Lease)
		if err != nil {
			rc.logger.Debug("realtime lock not encodable", zap.String("entity_id", change.EntityID), zap.Error(err))
			return
		}
		frame.Lock = encoded
	}
	rc.enqueue(frame)
}

func (rc *realtimeConnection) enqueue(frame any) {
	select {
	case rc.outbound <- frame:
	default:
		rc.logger.Debug("realtime frame dropped", zap.Any("frame", frame))
	}
}

func (rc *realtimeConnection) isLeasePath(path string) bool {
	for _, root := range rc.namespace.Roots() {
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

// locks encodes the fresh leases of both classes as the view sees them.
func (rc *realtimeConnection) locks(ctx context.Context) ([]json.RawMessage, error) {
	var encoded []json.RawMessage
	for _, class := range []lease.Class{lease.ClassTransform, lease.ClassEdit} {
		for _, held := range rc.view.Leases(ctx, class) {
			value, err := lease.Encode(held)
			if err != nil {
				return nil, err
			}
			encoded = append(encoded, value)
		}
	}
	return encoded, nil
}

func (rc *realtimeConnection) serve() {
	defer rc.close()
	go rc.writeLoop()

	rc.conn.SetReadLimit(realtimeMaxFrameBytes)
	_ = rc.conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	rc.conn.SetPongHandler(func(string) error {
		return rc.conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	})

	for {
		var command commandFrame
		if err := rc.conn.ReadJSON(&command); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rc.logger.Info("realtime connection dropped", zap.Error(err))
			}
			return
		}
		result := rc.dispatch(command)
		if command.ID == "" {
			continue
		}
		select {
		case rc.outbound <- result:
		case <-rc.ctx.Done():
			return
		}
	}
}

func (rc *realtimeConnection) writeLoop() {
	ticker := time.NewTicker(realtimePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-rc.ctx.Done():
			return
		case frame := <-rc.outbound:
			_ = rc.conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if err := rc.conn.WriteJSON(frame); err != nil {
				rc.logger.Debug("realtime write failed", zap.Error(err))
				rc.cancel()
				_ = rc.conn.Close()
				return
			}
		case <-ticker.C:
			if err := rc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(realtimeWriteWait)); err != nil {
				rc.cancel()
				_ = rc.conn.Close()
				return
			}
		}
	}
}

// close ends the store session. Leases and selections of this connection are removed and
// its presence flips to offline through the armed disconnect hooks.
func (rc *realtimeConnection) close() {
	rc.closeOnce.Do(func() {
		rc.cancel()
		if rc.view != nil {
			rc.view.Close()
		}
		rc.protocol.Close()
		ctx, cancel := context.WithTimeout(context.Background(), realtimeCloseTimeout)
		defer cancel()
		if err := rc.session.Close(ctx); err != nil {
			rc.logger.Warn("failed to run disconnect hooks", zap.Error(err))
		}
		rc.untrack()
		_ = rc.conn.Close()
	})
}

func (rc *realtimeConnection) dispatch(command commandFrame) resultFrame {
	result := resultFrame{ID: command.ID, Type: realtimeFrameResult, Command: command.Type}
	ctx := rc.ctx
	var err error

	switch command.Type {
	case "acquire":
		var payload lease.Payload
		if payload, err = command.payload(); err == nil {
			var granted bool
			granted, err = rc.protocol.Acquire(ctx, command.EntityID, payload)
			result.Granted = &granted
		}
	case "renew":
		var payload lease.Payload
		if payload, err = command.payload(); err == nil {
			err = requireEntity(command.EntityID)
		}
		if err == nil {
			rc.protocol.RenewThrottled(command.EntityID, payload)
		}
	case "heartbeat":
		var kind lease.Kind
		if kind, err = lease.ParseKind(command.Kind); err == nil {
			err = requireEntity(command.EntityID)
		}
		if err == nil {
			rc.protocol.HeartbeatBestEffort(command.EntityID, kind)
		}
	case "release":
		var kind lease.Kind
		if kind, err = lease.ParseKind(command.Kind); err == nil {
			err = rc.protocol.Release(ctx, command.EntityID, kind)
		}
	case "check":
		var kind lease.Kind
		if kind, err = lease.ParseKind(command.Kind); err == nil {
			var held *lease.Lease
			held, err = rc.protocol.CheckLock(ctx, command.EntityID, kind)
			if err == nil && held != nil {
				result.Lock, err = lease.Encode(*held)
			}
		}
	case "locks":
		result.Locks, err = rc.locks(ctx)
	case "acquire_group":
		var granted bool
		granted, err = rc.protocol.AcquireGroup(ctx, command.EntityIDs, command.Positions)
		result.Granted = &granted
	case "update_group":
		rc.protocol.UpdateGroup(command.Positions)
	case "release_group":
		err = rc.protocol.ReleaseGroup(ctx, command.EntityIDs)
	case "set_online":
		err = rc.presence.SetOnline(ctx, rc.member)
	case "set_offline":
		err = rc.presence.SetOffline(ctx, rc.member)
	case "selection":
		err = rc.presence.UpdateSelection(ctx, rc.member.UserID, command.EntityIDs)
	default:
		err = errUnknownCommand
	}

	if err != nil {
		rc.logger.Debug("realtime command failed", zap.String("command", command.Type), zap.Error(err))
		result.Error = commandErrorCode(err)
	}
	return result
}

func (command commandFrame) payload() (lease.Payload, error) {
	kind, err := lease.ParseKind(command.Kind)
	if err != nil {
		return nil, err
	}
	switch {
	case kind == lease.KindDrag && command.Drag != nil:
		return *command.Drag, nil
	case kind == lease.KindResize && command.Resize != nil:
		return *command.Resize, nil
	case kind == lease.KindEdit && command.Edit != nil:
		return *command.Edit, nil
	}
	return nil, lease.ErrMissingPayload
}

func requireEntity(entityID string) error {
	if strings.TrimSpace(entityID) == "" {
		return errMissingEntityID
	}
	return nil
}

func commandErrorCode(err error) string {
	switch {
	case errors.Is(err, errUnknownCommand):
		return "unknown_command"
	case errors.Is(err, lease.ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, lease.ErrMissingPayload):
		return "missing_payload"
	case errors.Is(err, errMissingEntityID), errors.Is(err, lease.ErrInvalidEntityID):
		return "invalid_entity_id"
	case errors.Is(err, lease.ErrEmptyGroup):
		return "empty_group"
	case errors.Is(err, presence.ErrInvalidUserID):
		return "invalid_user_id"
	case errors.Is(err, store.ErrSessionClosed):
		return "session_closed"
	default:
		return "command_failed"
	}
}
