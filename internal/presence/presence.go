// Package presence publishes who is connected to a document and what each user has
// selected. Records are written only by their owner and never block anyone else.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/andepants/figma-clone-sub001/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrInvalidUserID indicates a user id that cannot be used as a store path segment.
	ErrInvalidUserID = errors.New("presence: invalid user id")
	// ErrInvalidDocumentID indicates a document id that cannot be used as a store path segment.
	ErrInvalidDocumentID = errors.New("presence: invalid document id")
	errMissingStore      = errors.New("presence: store client is required")
)

// Member describes a user as peers see them.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// Presence is the stored online state of one member. LastSeen is set on every write and,
// for an abrupt disconnect, holds the time the offline hook was last armed.
type Presence struct {
	Member
	Online   bool
	LastSeen time.Time
}

// Selection is the set of entities one user has selected.
type Selection struct {
	UserID    string
	EntityIDs []string
	UpdatedAt time.Time
}

type presenceRecord struct {
	Member
	Online         bool  `json:"online"`
	LastSeenMillis int64 `json:"lastSeen"`
}

type selectionRecord struct {
	UserID          string   `json:"userId"`
	EntityIDs       []string `json:"entityIds"`
	UpdatedAtMillis int64    `json:"updatedAt"`
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Store    store.Client
	Document string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service writes presence and selection records for one store session.
type Service struct {
	store      store.Client
	documentID string
	now        func() time.Time
	logger     *zap.Logger
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if err := validateSegment(cfg.Document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocumentID, err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, documentID: cfg.Document, now: clock, logger: logger}, nil
}

// PresenceRoot returns the path holding every member's presence.
func (s *Service) PresenceRoot() string {
	return store.Join("documents", s.documentID, "presence")
}

// SelectionRoot returns the path holding every member's selection.
func (s *Service) SelectionRoot() string {
	return store.Join("documents", s.documentID, "selections")
}

// SetOnline marks member online and arms a disconnect hook that flips the record to
// offline, stamped by the store with the time the connection dropped. The record is kept
// on disconnect so peers can show when the user was last seen. Calling it again refreshes
// LastSeen and re-arms the hook.
func (s *Service) SetOnline(ctx context.Context, member Member) error {
	if err := validateSegment(member.UserID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}
	path := store.Join(s.PresenceRoot(), member.UserID)
	online, err := encodePresence(member, true, s.now())
	if err != nil {
		return err
	}
	hook := s.store.OnDisconnect(path)
	if err := hook.Cancel(ctx); err != nil {
		return err
	}
	offline := func(at time.Time) ([]byte, error) {
		return encodePresence(member, false, at)
	}
	if err := hook.SetStamped(ctx, offline); err != nil {
		return err
	}
	return s.store.Write(ctx, path, online)
}

// SetOffline is the graceful counterpart of SetOnline used on logout.
func (s *Service) SetOffline(ctx context.Context, member Member) error {
	if err := validateSegment(member.UserID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}
	path := store.Join(s.PresenceRoot(), member.UserID)
	offline, err := encodePresence(member, false, s.now())
	if err != nil {
		return err
	}
	if err := s.store.OnDisconnect(path).Cancel(ctx); err != nil {
		return err
	}
	return s.store.Write(ctx, path, offline)
}

// Remove deletes both records of userID and disarms their hooks.
func (s *Service) Remove(ctx context.Context, userID string) error {
	if err := validateSegment(userID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}
	presencePath := store.Join(s.PresenceRoot(), userID)
	selectionPath := store.Join(s.SelectionRoot(), userID)
	cancelErr := errors.Join(
		s.store.OnDisconnect(presencePath).Cancel(ctx),
		s.store.OnDisconnect(selectionPath).Cancel(ctx),
	)
	deleteErr := s.store.AtomicWrite(ctx, map[string][]byte{presencePath: nil, selectionPath: nil})
	return errors.Join(cancelErr, deleteErr)
}

// UpdateSelection replaces the selection of userID. An empty set deletes the record.
func (s *Service) UpdateSelection(ctx context.Context, userID string, entityIDs []string) error {
	if err := validateSegment(userID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}
	path := store.Join(s.SelectionRoot(), userID)
	hook := s.store.OnDisconnect(path)
	if err := hook.Cancel(ctx); err != nil {
		return err
	}
	selected := uniqueSorted(entityIDs)
	if len(selected) == 0 {
		return s.store.Delete(ctx, path)
	}
	encoded, err := json.Marshal(selectionRecord{
		UserID:          userID,
		EntityIDs:       selected,
		UpdatedAtMillis: s.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := hook.Remove(ctx); err != nil {
		return err
	}
	return s.store.Write(ctx, path, encoded)
}

// ListPresence returns every presence record of the document ordered by user id.
func (s *Service) ListPresence(ctx context.Context) ([]Presence, error) {
	entries, err := s.store.Children(ctx, s.PresenceRoot())
	if err != nil {
		return nil, err
	}
	result := make([]Presence, 0, len(entries))
	for userID, entry := range entries {
		presence, err := DecodePresence(entry.Value)
		if err != nil {
			s.logger.Debug("skipping unreadable presence", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		result = append(result, presence)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

// ListSelections returns every selection of the document ordered by user id.
func (s *Service) ListSelections(ctx context.Context) ([]Selection, error) {
	entries, err := s.store.Children(ctx, s.SelectionRoot())
	if err != nil {
		return nil, err
	}
	result := make([]Selection, 0, len(entries))
	for userID, entry := range entries {
		selection, err := DecodeSelection(entry.Value)
		if err != nil {
			s.logger.Debug("skipping unreadable selection", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		result = append(result, selection)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

// DecodePresence parses a stored presence record.
func DecodePresence(raw []byte) (Presence, error) {
	var rec presenceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Presence{}, err
	}
	return Presence{
		Member:   rec.Member,
		Online:   rec.Online,
		LastSeen: time.UnixMilli(rec.LastSeenMillis).UTC(),
	}, nil
}

// DecodeSelection parses a stored selection record.
func DecodeSelection(raw []byte) (Selection, error) {
	var rec selectionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Selection{}, err
	}
	return Selection{
		UserID:    rec.UserID,
		EntityIDs: rec.EntityIDs,
		UpdatedAt: time.UnixMilli(rec.UpdatedAtMillis).UTC(),
	}, nil
}

func encodePresence(member Member, online bool, at time.Time) ([]byte, error) {
	return json.Marshal(presenceRecord{Member: member, Online: online, LastSeenMillis: at.UnixMilli()})
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	sort.Strings(result)
	return result
}

func validateSegment(value string) error {
	switch {
	case strings.TrimSpace(value) == "":
		return errors.New("empty")
	case strings.TrimSpace(value) != value:
		return errors.New("surrounding whitespace")
	case strings.Contains(value, "/"):
		return errors.New("contains path separator")
	}
	return nil
}
