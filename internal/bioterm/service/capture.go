package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mindware/bioterminal/internal/bioterm/sensor"
	"github.com/mindware/bioterminal/internal/bioterm/store"
	"github.com/mindware/bioterminal/internal/bioterm/types"
)

var (
	// ErrCapacityExceeded means the agent already holds the configured
	// number of fingerprints. Checked before any sensor interaction.
	ErrCapacityExceeded = errors.New("fingerprint capacity reached for user")

	// ErrAlreadyListening is returned by StartListening when the
	// identification loop is already running.
	ErrAlreadyListening = errors.New("identification loop already running")
)

// timestampLayout is the ISO-8601 shape the attendance server expects.
const timestampLayout = "2006-01-02T15:04:05"

// Config tunes the capture state machine. Zero values fall back to the
// defaults below.
type Config struct {
	// PerUserCap is the maximum fingerprints one agent may hold.
	PerUserCap int

	// MaxSlots bounds the sensor's template memory, slots [0, MaxSlots).
	MaxSlots int

	// PollInterval paces the identification loop's sensor polling.
	PollInterval time.Duration

	// MatchCooldown holds the loop after a successful match so one touch
	// does not register twice.
	MatchCooldown time.Duration

	// NoMatchCooldown holds the loop after a failed search.
	NoMatchCooldown time.Duration

	// EnrollStepTimeout bounds each human-action wait (place finger,
	// remove finger) during enrollment.
	EnrollStepTimeout time.Duration

	// TimezoneOffset is the fixed device-local offset applied to UTC when
	// stamping events.
	TimezoneOffset time.Duration

	// CompanyID and OfficeID are the organizational defaults stamped onto
	// locally enrolled users.
	CompanyID int64
	OfficeID  int64
}

func (c *Config) applyDefaults() {
	if c.PerUserCap <= 0 {
		c.PerUserCap = 1
	}
	if c.MaxSlots <= 0 {
		c.MaxSlots = 128
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.MatchCooldown <= 0 {
		c.MatchCooldown = 3 * time.Second
	}
	if c.NoMatchCooldown <= 0 {
		c.NoMatchCooldown = 2 * time.Second
	}
	if c.EnrollStepTimeout <= 0 {
		c.EnrollStepTimeout = 30 * time.Second
	}
}

// CaptureService owns the fingerprint sensor: the continuous identification
// loop, two-sample enrollment, one-shot identification, and template
// deletion. The sensor is an exclusive resource; the listener polls it only
// under sensorMu and yields it the moment an operator action takes the lock.
type CaptureService struct {
	sensor sensor.Sensor
	store  store.IdentityStore
	alloc  *SlotAllocator
	logger *log.Logger
	cfg    Config
	notify types.StatusFunc

	now func() time.Time

	// sensorMu serializes sensor ownership between the identification
	// loop and operator actions. The listener only ever TryLocks, so an
	// enrollment blocking on Lock is acknowledged as soon as the current
	// poll iteration finishes.
	sensorMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCaptureService(sn sensor.Sensor, st store.IdentityStore, cfg Config, logger *log.Logger, notify types.StatusFunc) *CaptureService {
	cfg.applyDefaults()
	if notify == nil {
		notify = func(string) {}
	}
	return &CaptureService{
		sensor: sn,
		store:  st,
		alloc:  NewSlotAllocator(st, cfg.MaxSlots),
		logger: logger,
		cfg:    cfg,
		notify: notify,
		now:    time.Now,
	}
}

// localNow is the device-local clock: UTC plus the fixed configured offset.
func (s *CaptureService) localNow() time.Time {
	return s.now().UTC().Add(s.cfg.TimezoneOffset)
}

// StartListening launches the identification loop. The loop keeps polling
// at sub-second cadence until StopListening or ctx cancellation.
func (s *CaptureService) StartListening(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyListening
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done

	go s.listen(ctx, done)

	s.logger.Printf("identification loop started")
	s.notify("Ready to scan")
	return nil
}

// StopListening stops the identification loop and waits for it to exit.
func (s *CaptureService) StopListening() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Printf("identification loop stopped")
}

func (s *CaptureService) listen(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// An operator action owns the sensor; stay paused.
		if !s.sensorMu.TryLock() {
			s.sleep(ctx, s.cfg.PollInterval)
			continue
		}

		outcome := s.identifyStep(ctx)
		s.sensorMu.Unlock()

		switch outcome {
		case outcomeMatched, outcomeUnlinked:
			s.sleep(ctx, s.cfg.MatchCooldown)
		case outcomeNoMatch:
			s.sleep(ctx, s.cfg.NoMatchCooldown)
		default:
			s.sleep(ctx, s.cfg.PollInterval)
		}
	}
}

type identifyOutcome int

const (
	outcomeIdle identifyOutcome = iota
	outcomeMatched
	outcomeUnlinked
	outcomeNoMatch
)

// identifyStep runs one pass of the identification path: image, template,
// search, event append. Called with the sensor lock held.
func (s *CaptureService) identifyStep(ctx context.Context) identifyOutcome {
	if err := s.sensor.CaptureImage(ctx); err != nil {
		if !errors.Is(err, sensor.ErrNoFinger) && !errors.Is(err, context.Canceled) {
			s.logger.Printf("capture image: %v", err)
		}
		return outcomeIdle
	}

	if err := s.sensor.ImageToTemplate(ctx, sensor.Buffer1); err != nil {
		s.logger.Printf("image conversion failed: %v", err)
		s.notify("Fingerprint conversion failed")
		return outcomeIdle
	}

	slot, err := s.sensor.Search(ctx)
	if err != nil {
		if errors.Is(err, sensor.ErrNoMatch) {
			s.notify("No match")
			return outcomeNoMatch
		}
		s.logger.Printf("search failed: %v", err)
		return outcomeIdle
	}

	agentID, err := s.store.LookupUserBySlot(ctx, slot)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The sensor knows the template but the store does not — a
			// stale slot left behind by an incomplete deletion.
			s.logger.Printf("matched slot %d has no binding", slot)
			s.notify(fmt.Sprintf("Fingerprint slot %d not linked to any user", slot))
			return outcomeUnlinked
		}
		s.logger.Printf("lookup slot %d: %v", slot, err)
		return outcomeIdle
	}

	name := fmt.Sprintf("User %d", agentID)
	if u, err := s.store.GetUser(ctx, agentID); err == nil && u.Name != "" {
		name = u.Name
	}

	now := s.localNow()
	if _, err := s.store.AppendEvent(ctx, agentID, types.EventTypeCheckin, now.Format(timestampLayout)); err != nil {
		s.logger.Printf("append event for %d: %v", agentID, err)
		s.notify("Could not record check-in")
		return outcomeIdle
	}

	s.notify(fmt.Sprintf("Welcome %s! %s", name, now.Format("02/01/2006 15:04")))
	return outcomeMatched
}

// IdentifyResult is the outcome of a one-shot identification.
type IdentifyResult struct {
	Slot    int
	AgentID int64 // zero when the slot is unlinked
	Err     error
}

// IdentifyOnce waits for a single finger, matches it, and reports the slot
// without appending an attendance event. It takes exclusive sensor
// ownership for the duration; the outcome is delivered asynchronously.
func (s *CaptureService) IdentifyOnce(ctx context.Context) <-chan IdentifyResult {
	ch := make(chan IdentifyResult, 1)

	go func() {
		s.sensorMu.Lock()
		defer s.sensorMu.Unlock()

		ch <- s.identifyOnce(ctx)
	}()

	return ch
}

func (s *CaptureService) identifyOnce(ctx context.Context) IdentifyResult {
	s.notify("Waiting for finger...")

	if err := s.waitForFinger(ctx); err != nil {
		return IdentifyResult{Err: err}
	}
	if err := s.sensor.ImageToTemplate(ctx, sensor.Buffer1); err != nil {
		s.notify("Failed to convert image")
		return IdentifyResult{Err: fmt.Errorf("convert image: %w", err)}
	}

	slot, err := s.sensor.Search(ctx)
	if err != nil {
		if errors.Is(err, sensor.ErrNoMatch) {
			s.notify("No match")
		}
		return IdentifyResult{Err: err}
	}

	res := IdentifyResult{Slot: slot}
	if agentID, err := s.store.LookupUserBySlot(ctx, slot); err == nil {
		res.AgentID = agentID
	}
	s.notify(fmt.Sprintf("Match! Slot %d", slot))
	return res
}

// Enroll runs the two-sample enrollment sequence for one agent and delivers
// the outcome on the returned channel. Progress is reported through the
// status callback. Cancelling ctx aborts the sequence at any wait point;
// an aborted enrollment never leaves a partial binding behind.
func (s *CaptureService) Enroll(ctx context.Context, agentID int64, name string) <-chan error {
	ch := make(chan error, 1)

	go func() {
		ch <- s.enroll(ctx, agentID, name)
	}()

	return ch
}

func (s *CaptureService) enroll(ctx context.Context, agentID int64, name string) error {
	// Capacity is refused before the sensor is ever touched, so a full
	// user cannot stall the identification loop.
	count, err := s.store.CountBindings(ctx, agentID)
	if err != nil {
		return fmt.Errorf("count bindings: %w", err)
	}
	if count >= s.cfg.PerUserCap {
		s.notify(fmt.Sprintf("User %d already has %d fingerprint(s)", agentID, count))
		return ErrCapacityExceeded
	}

	if _, err := s.store.GetUser(ctx, agentID); errors.Is(err, store.ErrNotFound) || name != "" {
		if err := s.store.UpsertUser(ctx, s.cfg.CompanyID, s.cfg.OfficeID, agentID, name); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
	}

	s.sensorMu.Lock()
	defer s.sensorMu.Unlock()

	// Re-check under the sensor lock: a concurrent enrollment for the same
	// agent may have bound a slot between the pre-sensor refusal and here.
	count, err = s.store.CountBindings(ctx, agentID)
	if err != nil {
		return fmt.Errorf("count bindings: %w", err)
	}
	if count >= s.cfg.PerUserCap {
		s.notify(fmt.Sprintf("User %d already has %d fingerprint(s)", agentID, count))
		return ErrCapacityExceeded
	}

	slot, err := s.alloc.Reserve(ctx)
	if err != nil {
		s.notify("No fingerprint slots available")
		return err
	}

	bindingID, err := s.enrollAtSlot(ctx, agentID, slot)
	if err != nil {
		return err
	}

	s.logger.Printf("enrolled agent %d at slot %d (binding %d)", agentID, slot, bindingID)
	s.notify(fmt.Sprintf("Finger enrolled at slot %d for user %d", slot, agentID))
	return nil
}

// enrollAtSlot drives the sensor through the enrollment protocol with the
// reservation for slot held. The reservation is released on every failure
// path; the binding is written only after the model is stored.
func (s *CaptureService) enrollAtSlot(ctx context.Context, agentID int64, slot int) (int64, error) {
	release := true
	defer func() {
		if release {
			s.alloc.Release(slot)
		}
	}()

	s.notify(fmt.Sprintf("Enrolling fingerprint at slot %d for user %d...", slot, agentID))
	s.notify("Place finger on sensor...")
	if err := s.waitForFinger(ctx); err != nil {
		return 0, fmt.Errorf("first scan: %w", err)
	}
	if err := s.sensor.ImageToTemplate(ctx, sensor.Buffer1); err != nil {
		s.notify("First scan failed")
		return 0, fmt.Errorf("first scan: %w", err)
	}

	s.notify("Remove finger...")
	if err := s.waitForFingerRemoval(ctx); err != nil {
		return 0, fmt.Errorf("finger removal: %w", err)
	}

	s.notify("Place same finger again...")
	if err := s.waitForFinger(ctx); err != nil {
		return 0, fmt.Errorf("second scan: %w", err)
	}
	if err := s.sensor.ImageToTemplate(ctx, sensor.Buffer2); err != nil {
		s.notify("Second scan failed")
		return 0, fmt.Errorf("second scan: %w", err)
	}

	if err := s.sensor.BuildModel(ctx); err != nil {
		s.notify("Model creation failed")
		return 0, fmt.Errorf("build model: %w", err)
	}

	if err := s.sensor.StoreModel(ctx, slot); err != nil {
		s.notify("Failed to store fingerprint")
		return 0, fmt.Errorf("store model: %w", err)
	}

	bindingID, err := s.alloc.Commit(ctx, agentID, slot)
	release = false // Commit released the reservation either way
	if err == nil {
		return bindingID, nil
	}
	if !errors.Is(err, store.ErrDuplicateSlot) {
		return 0, fmt.Errorf("persist binding: %w", err)
	}

	// The slot was bound behind the reservation's back. Move the stored
	// model to a fresh slot and claim that one instead; the model is still
	// in the character buffer, so it can be re-stored directly.
	s.logger.Printf("slot %d already bound, relocating", slot)
	_ = s.sensor.DeleteModel(ctx, slot)

	next, err := s.alloc.Reserve(ctx)
	if err != nil {
		return 0, err
	}
	defer s.alloc.Release(next)

	if err := s.sensor.StoreModel(ctx, next); err != nil {
		s.notify("Failed to store fingerprint")
		return 0, fmt.Errorf("store model: %w", err)
	}
	bindingID, err = s.alloc.Commit(ctx, agentID, next)
	if err != nil {
		return 0, fmt.Errorf("persist binding: %w", err)
	}
	return bindingID, nil
}

// DeleteFingerprints removes every template and binding for one agent and
// returns the number of bindings removed. Deleting an agent with no
// fingerprints is a no-op, not an error.
func (s *CaptureService) DeleteFingerprints(ctx context.Context, agentID int64) (int, error) {
	s.sensorMu.Lock()
	defer s.sensorMu.Unlock()

	// Read the slots with the sensor held so an enrollment finishing just
	// before us cannot leave its template behind.
	slots, err := s.store.SlotsForUser(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("slots for user: %w", err)
	}
	if len(slots) == 0 {
		s.notify(fmt.Sprintf("No fingerprints found for user %d", agentID))
		return 0, nil
	}

	for _, slot := range slots {
		if err := s.sensor.DeleteModel(ctx, slot); err != nil {
			// Keep going; a leftover sensor template surfaces later as an
			// unlinked match, which the listener reports.
			s.logger.Printf("delete template slot %d: %v", slot, err)
			continue
		}
		s.logger.Printf("deleted template slot %d", slot)
	}

	removed, err := s.store.RemoveBindings(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("remove bindings: %w", err)
	}

	s.notify(fmt.Sprintf("Deleted %d fingerprint(s) for user %d", removed, agentID))
	return removed, nil
}

// ListUsers returns the operator-facing user list: (agent id, name,
// has at least one fingerprint), ordered by name.
func (s *CaptureService) ListUsers(ctx context.Context) ([]types.UserListing, error) {
	return s.store.ListUsers(ctx)
}

// waitForFinger polls until a finger image is captured, bounded by the
// enrollment step timeout and the caller's context.
func (s *CaptureService) waitForFinger(ctx context.Context) error {
	return s.waitStep(ctx, func(ctx context.Context) (bool, error) {
		err := s.sensor.CaptureImage(ctx)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, sensor.ErrNoFinger) {
			return false, nil
		}
		return false, err
	})
}

// waitForFingerRemoval polls until the window reports no finger.
func (s *CaptureService) waitForFingerRemoval(ctx context.Context) error {
	return s.waitStep(ctx, func(ctx context.Context) (bool, error) {
		err := s.sensor.CaptureImage(ctx)
		if errors.Is(err, sensor.ErrNoFinger) {
			return true, nil
		}
		if err == nil {
			return false, nil
		}
		return false, err
	})
}

func (s *CaptureService) waitStep(ctx context.Context, poll func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EnrollStepTimeout)
	defer cancel()

	for {
		done, err := poll(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *CaptureService) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
