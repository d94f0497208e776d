package lease

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Bounds is an axis-aligned rectangle.
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Corner names the fixed corner of a resize.
type Corner string

const (
	CornerTopLeft     Corner = "top-left"
	CornerTopRight    Corner = "top-right"
	CornerBottomLeft  Corner = "bottom-left"
	CornerBottomRight Corner = "bottom-right"
)

// Payload is the kind-specific state a lease broadcasts to peers.
type Payload interface {
	Kind() Kind
	isPayload()
}

// DragPayload carries the live position of a dragged entity.
type DragPayload struct {
	Position Point `json:"position"`
}

func (DragPayload) Kind() Kind { return KindDrag }
func (DragPayload) isPayload() {}

// ResizePayload carries resize state. StartBounds and Anchor are fixed for the whole
// interaction; only CurrentBounds changes on renew.
type ResizePayload struct {
	StartBounds   Bounds `json:"startBounds"`
	CurrentBounds Bounds `json:"currentBounds"`
	Anchor        Corner `json:"anchor"`
}

func (ResizePayload) Kind() Kind { return KindResize }
func (ResizePayload) isPayload() {}

// EditPayload carries the live text buffer of an edit session.
type EditPayload struct {
	Text string `json:"text"`
}

func (EditPayload) Kind() Kind { return KindEdit }
func (EditPayload) isPayload() {}

// mergeRenewal keeps the fields of held that must not change during one interaction.
func mergeRenewal(held, incoming Payload) Payload {
	heldResize, heldOK := held.(ResizePayload)
	incomingResize, incomingOK := incoming.(ResizePayload)
	if heldOK && incomingOK {
		return ResizePayload{
			StartBounds:   heldResize.StartBounds,
			CurrentBounds: incomingResize.CurrentBounds,
			Anchor:        heldResize.Anchor,
		}
	}
	return incoming
}
