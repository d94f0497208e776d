package lease

import (
	"errors"
	"fmt"
)

// Kind names the interaction a lease covers.
type Kind string

const (
	KindDrag   Kind = "drag"
	KindResize Kind = "resize"
	KindEdit   Kind = "edit"
)

// Class groups kinds that exclude each other on the same entity.
type Class string

const (
	// ClassTransform covers drag and resize: position and size have one owner at a time.
	ClassTransform Class = "transform"
	// ClassEdit covers live text editing.
	ClassEdit Class = "edit"
)

// ErrUnknownKind indicates a lease kind outside drag, resize and edit.
var ErrUnknownKind = errors.New("lease: unknown kind")

// ParseKind validates a raw kind string.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindDrag, KindResize, KindEdit:
		return Kind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// Class returns the mutual-exclusion class of the kind.
func (k Kind) Class() Class {
	if k == KindEdit {
		return ClassEdit
	}
	return ClassTransform
}

func (c Class) segment() string {
	if c == ClassEdit {
		return "edit-locks"
	}
	return "transform-locks"
}
