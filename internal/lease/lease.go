package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andepants/figma-clone-sub001/internal/store"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityID indicates an entity id that cannot be used as a store path segment.
	ErrInvalidEntityID = errors.New("lease: invalid entity id")
	// ErrInvalidDocumentID indicates a document id that cannot be used as a store path segment.
	ErrInvalidDocumentID = errors.New("lease: invalid document id")
	// ErrInvalidHolder indicates a holder without a user id.
	ErrInvalidHolder = errors.New("lease: invalid holder")
	// ErrInvalidRecord indicates a stored lease that cannot be decoded.
	ErrInvalidRecord = errors.New("lease: invalid record")
	// ErrMissingPayload indicates an operation that requires a payload received none.
	ErrMissingPayload = errors.New("lease: payload required")
)

// Holder identifies the user a lease belongs to and how peers render them.
type Holder struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

func (h Holder) validate() error {
	if strings.TrimSpace(h.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidHolder)
	}
	return nil
}

// Lease is one user's claim over one entity for one interaction.
type Lease struct {
	EntityID      string
	Holder        Holder
	SessionID     string
	Kind          Kind
	GroupID       string
	AcquiredAt    time.Time
	LastRenewedAt time.Time
	Payload       Payload
}

// OwnedBy reports whether the lease was written by userID on sessionID. A second tab of
// the same user is a different owner.
func (l Lease) OwnedBy(userID, sessionID string) bool {
	return l.Holder.UserID == userID && l.SessionID == sessionID
}

type record struct {
	EntityID          string         `json:"entityId"`
	HolderUserID      string         `json:"holderUserId"`
	HolderDisplayName string         `json:"holderDisplayName"`
	HolderColor       string         `json:"holderColor"`
	SessionID         string         `json:"sessionId,omitempty"`
	Kind              Kind           `json:"kind"`
	GroupID           string         `json:"groupId,omitempty"`
	AcquiredAtMillis  int64          `json:"acquiredAt"`
	LastRenewedMillis int64          `json:"lastRenewedAt"`
	Drag              *DragPayload   `json:"drag,omitempty"`
	Resize            *ResizePayload `json:"resize,omitempty"`
	Edit              *EditPayload   `json:"edit,omitempty"`
}

// Encode serializes the lease as the JSON record stored at its key.
func Encode(lease Lease) ([]byte, error) {
	if lease.Payload == nil {
		return nil, ErrMissingPayload
	}
	if lease.Payload.Kind() != lease.Kind {
		return nil, fmt.Errorf("%w: %s payload on %s lease", ErrInvalidRecord, lease.Payload.Kind(), lease.Kind)
	}
	rec := record{
		EntityID:          lease.EntityID,
		HolderUserID:      lease.Holder.UserID,
		HolderDisplayName: lease.Holder.DisplayName,
		HolderColor:       lease.Holder.Color,
		SessionID:         lease.SessionID,
		Kind:              lease.Kind,
		GroupID:           lease.GroupID,
		AcquiredAtMillis:  lease.AcquiredAt.UnixMilli(),
		LastRenewedMillis: lease.LastRenewedAt.UnixMilli(),
	}
	switch payload := lease.Payload.(type) {
	case DragPayload:
		rec.Drag = &payload
	case ResizePayload:
		rec.Resize = &payload
	case EditPayload:
		rec.Edit = &payload
	}
	return json.Marshal(rec)
}

// Decode parses a stored lease record.
func Decode(raw []byte) (Lease, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Lease{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	kind, err := ParseKind(string(rec.Kind))
	if err != nil {
		return Lease{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	lease := Lease{
		EntityID: rec.EntityID,
		Holder: Holder{
			UserID:      rec.HolderUserID,
			DisplayName: rec.HolderDisplayName,
			Color:       rec.HolderColor,
		},
		SessionID:     rec.SessionID,
		Kind:          kind,
		GroupID:       rec.GroupID,
		AcquiredAt:    time.UnixMilli(rec.AcquiredAtMillis).UTC(),
		LastRenewedAt: time.UnixMilli(rec.LastRenewedMillis).UTC(),
	}
	switch {
	case kind == KindDrag && rec.Drag != nil:
		lease.Payload = *rec.Drag
	case kind == KindResize && rec.Resize != nil:
		lease.Payload = *rec.Resize
	case kind == KindEdit && rec.Edit != nil:
		lease.Payload = *rec.Edit
	default:
		return Lease{}, fmt.Errorf("%w: missing %s payload", ErrInvalidRecord, kind)
	}
	if lease.Holder.UserID == "" {
		return Lease{}, fmt.Errorf("%w: missing holder", ErrInvalidRecord)
	}
	return lease, nil
}

// Namespace addresses the lease keys of one document.
type Namespace struct {
	documentID string
}

// NewNamespace validates documentID and returns its lease namespace.
func NewNamespace(documentID string) (Namespace, error) {
	if err := validateSegment(documentID); err != nil {
		return Namespace{}, fmt.Errorf("%w: %v", ErrInvalidDocumentID, err)
	}
	return Namespace{documentID: documentID}, nil
}

// DocumentID returns the document the namespace belongs to.
func (n Namespace) DocumentID() string {
	return n.documentID
}

// Root returns the path holding the leases of class.
func (n Namespace) Root(class Class) string {
	return store.Join("documents", n.documentID, class.segment())
}

// Roots returns the roots of every lease class.
func (n Namespace) Roots() []string {
	return []string{n.Root(ClassTransform), n.Root(ClassEdit)}
}

// Path returns the key of the lease for entityID in class.
func (n Namespace) Path(class Class, entityID string) string {
	return store.Join(n.Root(class), entityID)
}

// ValidateEntityID checks that id can be used as a lease key.
func ValidateEntityID(id string) error {
	if err := validateSegment(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntityID, err)
	}
	return nil
}

func validateSegment(value string) error {
	trimmed := strings.TrimSpace(value)
	switch {
	case trimmed == "":
		return errors.New("empty")
	case trimmed != value:
		return errors.New("surrounding whitespace")
	case len(value) > maxIdentifierLength:
		return fmt.Errorf("exceeds %d characters", maxIdentifierLength)
	case strings.Contains(value, "/"):
		return errors.New("contains path separator")
	}
	return nil
}
