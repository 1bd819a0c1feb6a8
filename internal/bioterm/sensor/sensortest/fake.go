// Package sensortest holds a scriptable in-memory Sensor for service tests
// and for bench terminals running without hardware attached.
package sensortest

import (
	"context"
	"sync"

	"github.com/mindware/bioterminal/internal/bioterm/sensor"
)

// Fake implements sensor.Sensor with overridable behavior per operation.
// The zero behavior is an idle module: no finger, no matches, everything
// else succeeds. Unlike real hardware the fake is safe for concurrent use,
// so tests can also assert that ownership rules were honored.
type Fake struct {
	mu sync.Mutex

	CaptureImageFunc    func() error
	ImageToTemplateFunc func(buf sensor.Buffer) error
	SearchFunc          func() (int, error)
	BuildModelFunc      func() error
	StoreModelFunc      func(slot int) error
	DeleteModelFunc     func(slot int) error

	Captures     int
	Conversions  int
	Searches     int
	Builds       int
	StoredSlots  []int
	DeletedSlots []int
}

var _ sensor.Sensor = (*Fake)(nil)

func (f *Fake) CaptureImage(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.Captures++
	fn := f.CaptureImageFunc
	f.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return sensor.ErrNoFinger
}

func (f *Fake) ImageToTemplate(ctx context.Context, buf sensor.Buffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.Conversions++
	fn := f.ImageToTemplateFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(buf)
	}
	return nil
}

func (f *Fake) Search(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.Searches++
	fn := f.SearchFunc
	f.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return 0, sensor.ErrNoMatch
}

func (f *Fake) BuildModel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.Builds++
	fn := f.BuildModelFunc
	f.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

func (f *Fake) StoreModel(ctx context.Context, slot int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	fn := f.StoreModelFunc
	if fn == nil {
		f.StoredSlots = append(f.StoredSlots, slot)
	}
	f.mu.Unlock()

	if fn != nil {
		return fn(slot)
	}
	return nil
}

func (f *Fake) DeleteModel(ctx context.Context, slot int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	fn := f.DeleteModelFunc
	if fn == nil {
		f.DeletedSlots = append(f.DeletedSlots, slot)
	}
	f.mu.Unlock()

	if fn != nil {
		return fn(slot)
	}
	return nil
}
