package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/andepants/figma-clone-sub001/internal/lease"
	"github.com/andepants/figma-clone-sub001/internal/presence"
	"github.com/andepants/figma-clone-sub001/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func namespaceParam(c *gin.Context) (lease.Namespace, bool) {
	namespace, err := lease.NewNamespace(c.Param("documentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return lease.Namespace{}, false
	}
	return namespace, true
}

// freshLeases lists the live leases of a document. Stale and unreadable entries are
// pruned on the way.
func freshLeases(ctx context.Context, client store.Client, reaper *lease.Reaper, namespace lease.Namespace) ([]json.RawMessage, error) {
	var (
		keys    []string
		records = map[string]json.RawMessage{}
	)
	for _, root := range namespace.Roots() {
		entries, err := client.Children(ctx, root)
		if err != nil {
			return nil, err
		}
		for entityID, entry := range entries {
			path := store.Join(root, entityID)
			current, err := lease.Decode(entry.Value)
			if err != nil {
				continue
			}
			if reaper.Prune(ctx, path, current) {
				continue
			}
			keys = append(keys, path)
			records[path] = json.RawMessage(entry.Value)
		}
	}
	sort.Strings(keys)
	result := make([]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		result = append(result, records[key])
	}
	return result, nil
}

func (h *httpHandler) handleListLocks(c *gin.Context) {
	namespace, ok := namespaceParam(c)
	if !ok {
		return
	}
	locks, err := freshLeases(c.Request.Context(), h.observer, h.reaper, namespace)
	if err != nil {
		h.logger.Error("failed to list locks", zap.String("document_id", namespace.DocumentID()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "locks_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": locks})
}

func (h *httpHandler) handleSweepLocks(c *gin.Context) {
	namespace, ok := namespaceParam(c)
	if !ok {
		return
	}
	total := 0
	for _, root := range namespace.Roots() {
		removed, err := h.reaper.Sweep(c.Request.Context(), root)
		if err != nil {
			h.logger.Error("lock sweep failed", zap.String("namespace", root), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed"})
			return
		}
		total += removed
	}
	c.JSON(http.StatusOK, gin.H{"removed": total})
}

type presencePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"last_seen_ms"`
}

type selectionPayload struct {
	UserID    string   `json:"user_id"`
	EntityIDs []string `json:"entity_ids"`
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	service, err := presence.NewService(presence.ServiceConfig{
		Store:    h.observer,
		Document: c.Param("documentId"),
		Logger:   h.logger,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	members, err := service.ListPresence(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list presence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
		return
	}
	selections, err := service.ListSelections(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list selections", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
		return
	}

	response := struct {
		Presence   []presencePayload  `json:"presence"`
		Selections []selectionPayload `json:"selections"`
	}{
		Presence:   make([]presencePayload, 0, len(members)),
		Selections: make([]selectionPayload, 0, len(selections)),
	}
	for _, member := range members {
		response.Presence = append(response.Presence, presencePayload{
			UserID:      member.UserID,
			DisplayName: member.DisplayName,
			Color:       member.Color,
			Online:      member.Online,
			LastSeen:    member.LastSeen.UnixMilli(),
		})
	}
	for _, selection := range selections {
		response.Selections = append(response.Selections, selectionPayload{
			UserID:    selection.UserID,
			EntityIDs: selection.EntityIDs,
		})
	}
	c.JSON(http.StatusOK, response)
}
