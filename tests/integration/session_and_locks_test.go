package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andepants/figma-clone-sub001/internal/auth"
	"github.com/andepants/figma-clone-sub001/internal/database"
	"github.com/andepants/figma-clone-sub001/internal/entities"
	"github.com/andepants/figma-clone-sub001/internal/server"
	"github.com/andepants/figma-clone-sub001/internal/store"
	"github.com/andepants/figma-clone-sub001/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "app_session"
	sessionUserID        = "user-abc"
	documentID           = "board-1"
)

type commandResult struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Granted *bool  `json:"granted"`
	Error   string `json:"error"`
}

func TestSessionTicketAndGroupLockFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite("file:integration?mode=memory&cache=shared", zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	backend, err := store.NewSQLiteBackend(db, time.Now)
	if err != nil {
		testContext.Fatalf("failed to build store backend: %v", err)
	}
	hub, err := store.NewHub(context.Background(), store.HubConfig{Backend: backend})
	if err != nil {
		testContext.Fatalf("failed to build hub: %v", err)
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}
	ticketIssuer, err := auth.NewTicketIssuer(auth.TicketIssuerConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        "canvas-coord",
	})
	if err != nil {
		testContext.Fatalf("failed to construct ticket issuer: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}
	entityService, err := entities.NewService(entities.ServiceConfig{
		Database:   db,
		IDProvider: entities.NewUUIDProvider(),
		Publisher:  hub.Connect("entities-publisher"),
	})
	if err != nil {
		testContext.Fatalf("failed to build entities service: %v", err)
	}

	handler, err := server.NewServer(server.Dependencies{
		Sessions: sessionValidator,
		Profiles: userService,
		Tickets:  ticketIssuer,
		Entities: entityService,
		Hub:      hub,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	sessionCookie := &http.Cookie{
		Name:  sessionCookieName,
		Value: mustMintSessionToken(testContext, sessionSigningSecret, sessionUserID, time.Now()),
	}

	ticketRequest, _ := http.NewRequest(http.MethodPost, testServer.URL+"/realtime/ticket", http.NoBody)
	ticketRequest.AddCookie(sessionCookie)
	ticketResponse, err := http.DefaultClient.Do(ticketRequest)
	if err != nil {
		testContext.Fatalf("ticket request failed: %v", err)
	}
	defer ticketResponse.Body.Close()
	if ticketResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected ticket status: %d", ticketResponse.StatusCode)
	}
	var ticketPayload struct {
		Ticket string `json:"ticket"`
		UserID string `json:"user_id"`
		Color  string `json:"color"`
	}
	if err := json.NewDecoder(ticketResponse.Body).Decode(&ticketPayload); err != nil {
		testContext.Fatalf("failed to decode ticket response: %v", err)
	}
	if ticketPayload.UserID != sessionUserID || ticketPayload.Color != users.ColorFor(sessionUserID) {
		testContext.Fatalf("unexpected ticket payload %#v", ticketPayload)
	}

	socketURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/documents/" + documentID + "/realtime?ticket=" + ticketPayload.Ticket
	conn, socketResponse, err := websocket.DefaultDialer.Dial(socketURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial realtime socket: %v", err)
	}
	_ = socketResponse.Body.Close()
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{
		"id":         "group-1",
		"type":       "acquire_group",
		"entity_ids": []string{"shape-a", "shape-b"},
		"positions":  map[string]any{"shape-a": map[string]float64{"x": 10, "y": 10}},
	}); err != nil {
		testContext.Fatalf("failed to send acquire_group: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var result commandResult
		if err := conn.ReadJSON(&result); err != nil {
			testContext.Fatalf("failed to read result: %v", err)
		}
		if result.Type != "result" || result.ID != "group-1" {
			continue
		}
		if result.Error != "" || result.Granted == nil || !*result.Granted {
			testContext.Fatalf("expected group acquire to be granted, got %#v", result)
		}
		break
	}

	locksRequest, _ := http.NewRequest(http.MethodGet, testServer.URL+"/documents/"+documentID+"/locks", http.NoBody)
	locksRequest.AddCookie(sessionCookie)
	locksResponse, err := http.DefaultClient.Do(locksRequest)
	if err != nil {
		testContext.Fatalf("locks request failed: %v", err)
	}
	defer locksResponse.Body.Close()
	var locksPayload struct {
		Locks []struct {
			EntityID     string `json:"entityId"`
			HolderUserID string `json:"holderUserId"`
			GroupID      string `json:"groupId"`
		} `json:"locks"`
	}
	if err := json.NewDecoder(locksResponse.Body).Decode(&locksPayload); err != nil {
		testContext.Fatalf("failed to decode locks response: %v", err)
	}
	if len(locksPayload.Locks) != 2 {
		testContext.Fatalf("expected two group locks, got %#v", locksPayload.Locks)
	}
	for _, lock := range locksPayload.Locks {
		if lock.HolderUserID != sessionUserID || lock.GroupID == "" || lock.GroupID != locksPayload.Locks[0].GroupID {
			testContext.Fatalf("unexpected group lock %#v", lock)
		}
	}
}

func mustMintSessionToken(testContext *testing.T, signingSecret, userID string, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.DefaultSessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
