// Package sensor defines the contract the capture state machine drives the
// fingerprint module through. Template extraction, matching, and model
// building all happen inside the module; this side only sequences the
// protocol exchanges.
package sensor

import (
	"context"
	"errors"
)

var (
	// ErrNoFinger means the capture window saw no finger. The listener
	// treats it as "keep polling", not as a failure.
	ErrNoFinger = errors.New("no finger on sensor")

	// ErrNoMatch means the module searched its template memory and found
	// nothing above threshold.
	ErrNoMatch = errors.New("no matching template")

	// ErrIO is a transient transport failure (serial timeout, short read).
	// The current step aborts; the next attempt may succeed.
	ErrIO = errors.New("sensor io failure")

	// ErrProtocol is an unexpected module response (bad framing, checksum,
	// or an error confirmation code). The current operation aborts.
	ErrProtocol = errors.New("sensor protocol error")
)

// Buffer identifies one of the module's two character buffers used by the
// two-sample enrollment sequence.
type Buffer int

const (
	Buffer1 Buffer = 1
	Buffer2 Buffer = 2
)

// Sensor is an exclusive single-owner resource; callers coordinate
// ownership before invoking any method. Implementations are not required
// to be safe for concurrent use.
type Sensor interface {
	// CaptureImage reads one finger image into the module's image buffer.
	// Returns ErrNoFinger when nothing is on the window.
	CaptureImage(ctx context.Context) error

	// ImageToTemplate converts the captured image into a character file in
	// the given buffer.
	ImageToTemplate(ctx context.Context, buf Buffer) error

	// Search matches Buffer1 against the module's template memory and
	// returns the matched slot. Returns ErrNoMatch if nothing matched.
	Search(ctx context.Context) (slot int, err error)

	// BuildModel combines Buffer1 and Buffer2 into one template model.
	BuildModel(ctx context.Context) error

	// StoreModel writes the built model into the given template slot.
	StoreModel(ctx context.Context, slot int) error

	// DeleteModel erases the template stored in the given slot.
	DeleteModel(ctx context.Context, slot int) error
}
