// Package schema defines the wire and in-process types shared across the
// event bus, event store, screenshot cache, and batch assembler.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates the variants carried by a RawEvent.
type EventKind string

const (
	EventKindKeystroke      EventKind = "keystroke"
	EventKindMouseMove      EventKind = "mouse_move"
	EventKindMouseClick     EventKind = "mouse_click"
	EventKindWindowFocus    EventKind = "window_focus"
	EventKindScreenshot     EventKind = "screenshot"
	EventKindProcessStart   EventKind = "process_start"
	EventKindResourceSample EventKind = "resource_sample"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventKindKeystroke, EventKindMouseMove, EventKindMouseClick,
		EventKindWindowFocus, EventKindScreenshot, EventKindProcessStart,
		EventKindResourceSample:
		return true
	default:
		return false
	}
}

// KeystrokePayload captures a single key event without recording key identity
// beyond modifier and category, per the capture module's privacy contract.
type KeystrokePayload struct {
	KeyCategory string `json:"key_category"`
	Modifiers   uint8  `json:"modifiers"`
	InterKeyMS  int64  `json:"inter_key_ms"`
}

// MouseMovePayload captures a coalesced cursor movement sample.
type MouseMovePayload struct {
	X, Y         int32   `json:"x,y"`
	VelocityPxMs float64 `json:"velocity_px_ms"`
}

// MouseClickPayload captures a click event.
type MouseClickPayload struct {
	X, Y   int32  `json:"x,y"`
	Button string `json:"button"`
}

// WindowFocusPayload captures a focus transition between applications.
type WindowFocusPayload struct {
	AppName         string `json:"app_name"`
	WindowTitleHash string `json:"window_title_hash"`
	PID             int32  `json:"pid"`
}

// ScreenshotPayload references a cached screenshot blob rather than embedding it.
type ScreenshotPayload struct {
	ScreenshotID uuid.UUID `json:"screenshot_id"`
	WidthPx      int32     `json:"width_px"`
	HeightPx     int32     `json:"height_px"`
	SizeBytes    int64     `json:"size_bytes"`
}

// ProcessStartPayload captures process lifecycle signals.
type ProcessStartPayload struct {
	ProcessName string `json:"process_name"`
	PID         int32  `json:"pid"`
}

// ResourceSamplePayload captures a point-in-time system resource reading.
type ResourceSamplePayload struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryRSSBytes int64   `json:"memory_rss_bytes"`
	DiskFreeBytes  int64   `json:"disk_free_bytes"`
}

// RawEvent is the canonical tagged-union record produced by capture modules
// and consumed by the batch assembler and event store. Exactly one of the
// payload fields is populated, selected by Kind.
type RawEvent struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Keystroke      *KeystrokePayload      `json:"keystroke,omitempty"`
	MouseMove      *MouseMovePayload      `json:"mouse_move,omitempty"`
	MouseClick     *MouseClickPayload     `json:"mouse_click,omitempty"`
	WindowFocus    *WindowFocusPayload    `json:"window_focus,omitempty"`
	Screenshot     *ScreenshotPayload     `json:"screenshot,omitempty"`
	ProcessStart   *ProcessStartPayload   `json:"process_start,omitempty"`
	ResourceSample *ResourceSamplePayload `json:"resource_sample,omitempty"`

	returned bool
}

// Reset clears the event so it is safe to hand back to a new borrower.
func (e *RawEvent) Reset() {
	e.ID = uuid.Nil
	e.SessionID = uuid.Nil
	e.Kind = ""
	e.Timestamp = time.Time{}
	e.Keystroke = nil
	e.MouseMove = nil
	e.MouseClick = nil
	e.WindowFocus = nil
	e.Screenshot = nil
	e.ProcessStart = nil
	e.ResourceSample = nil
	e.returned = false
}

// SetReturned records whether the event has been handed back to its pool.
func (e *RawEvent) SetReturned(v bool) { e.returned = v }

// IsReturned reports whether the event has already been returned to its pool.
func (e *RawEvent) IsReturned() bool { return e.returned }

// NewRawEvent allocates a RawEvent with a fresh identity, independent of pooling.
func NewRawEvent(sessionID uuid.UUID, kind EventKind, ts time.Time) *RawEvent {
	return &RawEvent{ID: uuid.New(), SessionID: sessionID, Kind: kind, Timestamp: ts}
}

// EventBatch groups the RawEvents observed during a single tumbling window
// for a session, the unit the batch assembler publishes to downstream
// consumers (analysis engine, event store).
type EventBatch struct {
	WindowID    uuid.UUID   `json:"window_id"`
	SessionID   uuid.UUID   `json:"session_id"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	Events      []*RawEvent `json:"events"`
	Overflowed  bool        `json:"overflowed"`
	DroppedLate int         `json:"dropped_late"`

	returned bool
}

// Reset clears the batch so it can be recycled. It does not recycle the
// individual events; callers own that decision since events may outlive
// the batch (e.g. when forwarded to the event store independently).
func (b *EventBatch) Reset() {
	b.WindowID = uuid.Nil
	b.SessionID = uuid.Nil
	b.WindowStart = time.Time{}
	b.WindowEnd = time.Time{}
	b.Events = b.Events[:0]
	b.Overflowed = false
	b.DroppedLate = 0
	b.returned = false
}

// SetReturned records whether the batch has been handed back to its pool.
func (b *EventBatch) SetReturned(v bool) { b.returned = v }

// IsReturned reports whether the batch has already been returned to its pool.
func (b *EventBatch) IsReturned() bool { return b.returned }

// NewEventBatch allocates a batch for the given session and window bounds.
func NewEventBatch(sessionID uuid.UUID, start, end time.Time) *EventBatch {
	return &EventBatch{
		WindowID:    uuid.New(),
		SessionID:   sessionID,
		WindowStart: start,
		WindowEnd:   end,
		Events:      make([]*RawEvent, 0, 64),
	}
}
