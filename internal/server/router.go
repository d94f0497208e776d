package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andepants/figma-clone-sub001/internal/auth"
	"github.com/andepants/figma-clone-sub001/internal/entities"
	"github.com/andepants/figma-clone-sub001/internal/lease"
	"github.com/andepants/figma-clone-sub001/internal/store"
	"github.com/andepants/figma-clone-sub001/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const profileContextKey = "canvas_profile"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfileResolver  = errors.New("profile resolver dependency required")
	errMissingTicketManager    = errors.New("ticket manager dependency required")
	errMissingEntitiesService  = errors.New("entities service dependency required")
	errMissingHub              = errors.New("store hub dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type ProfileResolver interface {
	Resolve(claims auth.SessionClaims) (users.Profile, error)
}

type TicketManager interface {
	Issue(principal auth.Principal) (string, time.Time, error)
	Validate(ticket string) (auth.Principal, error)
}

type Dependencies struct {
	Sessions       SessionValidator
	Profiles       ProfileResolver
	Tickets        TicketManager
	Entities       *entities.Service
	Hub            *store.Hub
	LeaseClock     *lease.Clock
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server serves the REST API and the realtime socket of the coordination backend.
type Server struct {
	router   *gin.Engine
	handler  *httpHandler
	realtime *realtimeHandler
}

func NewServer(deps Dependencies) (*Server, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileResolver
	}
	if deps.Tickets == nil {
		return nil, errMissingTicketManager
	}
	if deps.Entities == nil {
		return nil, errMissingEntitiesService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.LeaseClock
	if clock == nil {
		clock = lease.NewClock(lease.ClockConfig{})
	}

	observer := deps.Hub.Connect("server-observer")
	reaper, err := lease.NewReaper(observer, clock, logger)
	if err != nil {
		return nil, err
	}

	handler := &httpHandler{
		sessions: deps.Sessions,
		profiles: deps.Profiles,
		tickets:  deps.Tickets,
		entities: deps.Entities,
		observer: observer,
		reaper:   reaper,
		logger:   logger,
	}
	realtime := newRealtimeHandler(realtimeConfig{
		hub:            deps.Hub,
		tickets:        deps.Tickets,
		clock:          clock,
		reaper:         reaper,
		allowedOrigins: deps.AllowedOrigins,
		logger:         logger,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/documents/:documentId/realtime", realtime.handleUpgrade)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/realtime/ticket", handler.handleIssueTicket)
	protected.GET("/documents/:documentId/entities", handler.handleListEntities)
	protected.POST("/documents/:documentId/entities", handler.handleUpsertEntities)
	protected.GET("/documents/:documentId/tree", handler.handleTree)
	protected.POST("/documents/:documentId/entities/:entityId/parent", handler.handleReparent)
	protected.POST("/documents/:documentId/entities/:entityId/collapse", handler.handleCollapse)
	protected.GET("/documents/:documentId/locks", handler.handleListLocks)
	protected.POST("/documents/:documentId/locks/sweep", handler.handleSweepLocks)
	protected.GET("/documents/:documentId/presence", handler.handlePresence)

	return &Server{router: router, handler: handler, realtime: realtime}, nil
}

// RunReaper sweeps the lease namespaces of every document with an open realtime connection
// each interval until ctx is cancelled.
func (s *Server) RunReaper(ctx context.Context, interval time.Duration) {
	s.handler.reaper.RunWith(ctx, interval, s.realtime.activeNamespaces)
}

// CloseRealtime closes every open realtime connection. Each connection's store session
// runs its disconnect hooks, so leases are released and presence flips offline.
func (s *Server) CloseRealtime(ctx context.Context) error {
	return s.realtime.closeAll(ctx)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	sessions SessionValidator
	profiles ProfileResolver
	tickets  TicketManager
	entities *entities.Service
	observer *store.Session
	reaper   *lease.Reaper
	logger   *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.profiles.Resolve(claims)
	if err != nil {
		h.logger.Warn("profile resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func currentProfile(c *gin.Context) (users.Profile, bool) {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return users.Profile{}, false
	}
	profile, ok := value.(users.Profile)
	return profile, ok
}

type ticketResponsePayload struct {
	Ticket      string `json:"ticket"`
	ExpiresAt   int64  `json:"expires_at"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

func (h *httpHandler) handleIssueTicket(c *gin.Context) {
	profile, ok := currentProfile(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ticket, expiresAt, err := h.tickets.Issue(auth.Principal{
		UserID:      profile.UserID,
		DisplayName: profile.DisplayName,
		Color:       profile.Color,
	})
	if err != nil {
		h.logger.Error("failed to issue realtime ticket", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ticket_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, ticketResponsePayload{
		Ticket:      ticket,
		ExpiresAt:   expiresAt.Unix(),
		UserID:      profile.UserID,
		DisplayName: profile.DisplayName,
		Color:       profile.Color,
	})
}

type entityPayload struct {
	EntityID    string `json:"entity_id"`
	ParentID    string `json:"parent_id,omitempty"`
	OrderIndex  int    `json:"order_index"`
	IsCollapsed bool   `json:"is_collapsed"`
	Version     int64  `json:"version"`
	UpdatedAt   int64  `json:"updated_at_s"`
}

func toEntityPayload(entity entities.Entity) entityPayload {
	projected := entity.Hierarchy()
	return entityPayload{
		EntityID:    entity.EntityID,
		ParentID:    projected.ParentID,
		OrderIndex:  entity.OrderIndex,
		IsCollapsed: entity.IsCollapsed,
		Version:     entity.Version,
		UpdatedAt:   entity.UpdatedAtSeconds,
	}
}

func toEntityPayloads(rows []entities.Entity) []entityPayload {
	payloads := make([]entityPayload, 0, len(rows))
	for _, row := range rows {
		payloads = append(payloads, toEntityPayload(row))
	}
	return payloads
}

func documentParam(c *gin.Context) (entities.DocumentID, bool) {
	documentID, err := entities.NewDocumentID(c.Param("documentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}

func entityParam(c *gin.Context) (entities.EntityID, bool) {
	entityID, err := entities.NewEntityID(c.Param("entityId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_id"})
		return "", false
	}
	return entityID, true
}

func (h *httpHandler) handleListEntities(c *gin.Context) {
	documentID, ok := documentParam(c)
	if !ok {
		return
	}
	rows, err := h.entities.List(c.Request.Context(), documentID)
	if err != nil {
		h.respondEntityError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": toEntityPayloads(rows)})
}

type upsertRequestPayload struct {
	Entities []struct {
		EntityID   string `json:"entity_id"`
		ParentID   string `json:"parent_id"`
		OrderIndex int    `json:"order_index"`
	} `json:"entities"`
}

func (h *httpHandler) handleUpsertEntities(c *gin.Context) {
	documentID, ok := documentParam(c)
	if !ok {
		return
	}
	profile, _ := currentProfile(c)
	var request upsertRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Entities) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	registrations := make([]entities.Registration, 0, len(request.Entities))
	for _, item := range request.Entities {
		entityID, err := entities.NewEntityID(item.EntityID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_id"})
			return
		}
		registrations = append(registrations, entities.Registration{
			EntityID:   entityID,
			ParentID:   strings.TrimSpace(item.ParentID),
			OrderIndex: item.OrderIndex,
		})
	}
	changed, err := h.entities.Upsert(c.Request.Context(), documentID, profile.UserID, registrations)
	if err != nil {
		h.respondEntityError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": toEntityPayloads(changed)})
}

func (h *httpHandler) handleTree(c *gin.Context) {
	documentID, ok := documentParam(c)
	if !ok {
		return
	}
	includeCollapsed, _ := strconv.ParseBool(c.DefaultQuery("include_collapsed", "false"))
	rows, err := h.entities.Tree(c.Request.Context(), documentID, includeCollapsed)
	if err != nil {
		h.respondEntityError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

type reparentRequestPayload struct {
	ParentID string `json:"parent_id"`
}

func (h *httpHandler) handleReparent(c *gin.Context) {
	documentID, ok := documentParam(c)
	if !ok {
		return
	}
	entityID, ok := entityParam(c)
	if !ok {
		return
	}
	profile, _ := currentProfile(c)
	var request reparentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.entities.Reparent(c.Request.Context(), documentID, profile.UserID, entityID, strings.TrimSpace(request.ParentID))
	if err != nil {
		h.respondEntityError(c, err)
		return
	}
	c.JSON(http.StatusOK, toEntityPayload(updated))
}

type collapseRequestPayload struct {
	Collapsed bool `json:"collapsed"`
}

func (h *httpHandler) handleCollapse(c *gin.Context) {
	documentID, ok := documentParam(c)
	if !ok {
		return
	}
	entityID, ok := entityParam(c)
	if !ok {
		return
	}
	profile, _ := currentProfile(c)
	var request collapseRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.entities.SetCollapsed(c.Request.Context(), documentID, profile.UserID, entityID, request.Collapsed)
	if err != nil {
		h.respondEntityError(c, err)
		return
	}
	c.JSON(http.StatusOK, toEntityPayload(updated))
}

func (h *httpHandler) respondEntityError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, entities.ErrCycle):
		c.JSON(http.StatusConflict, gin.H{"error": "cycle"})
	case errors.Is(err, entities.ErrUnknownEntity):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_entity"})
	case errors.Is(err, entities.ErrUnknownParent):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown_parent"})
	default:
		h.logger.Error("entity request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "entities_failed"})
	}
}
