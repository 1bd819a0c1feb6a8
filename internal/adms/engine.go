package adms

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/mindware/bioterminal/internal/bioterm/store"
	"github.com/mindware/bioterminal/internal/bioterm/types"
)

// TelemetryFunc supplies opaque key→value pairs merged into poll query
// parameters. The engine never interprets their contents.
type TelemetryFunc func() map[string]string

// Restarter executes the privileged RESTART command. The engine only
// dispatches; carrying it out is the collaborator's business.
type Restarter func() error

// EngineConfig tunes the sync loop.
type EngineConfig struct {
	// Interval between sync ticks (poll then push). Defaults to 20s.
	Interval time.Duration

	// ProbeAddr is the TCP address dialed to decide whether the device is
	// online. Defaults to 8.8.8.8:53.
	ProbeAddr string

	// ProbeTimeout bounds the reachability dial. Defaults to 2s.
	ProbeTimeout time.Duration

	// TimezoneOffset is the fixed device-local offset applied to UTC.
	TimezoneOffset time.Duration

	// CompanyID and OfficeID are the organizational defaults applied to
	// USERINFO upserts.
	CompanyID int64
	OfficeID  int64
}

func (c *EngineConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 20 * time.Second
	}
	if c.ProbeAddr == "" {
		c.ProbeAddr = "8.8.8.8:53"
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
}

// SyncEngine reconciles the local event log with the attendance server:
// every tick it polls for commands, then pushes unsynced events, skipping
// both when the device is offline. Network and protocol failures never
// escape this engine; they are logged and retried on the next tick.
type SyncEngine struct {
	client    *Client
	store     store.IdentityStore
	cfg       EngineConfig
	logger    *log.Logger
	notify    types.StatusFunc
	telemetry TelemetryFunc
	restarter Restarter

	now    func() time.Time
	online func(ctx context.Context) bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSyncEngine(client *Client, st store.IdentityStore, cfg EngineConfig, logger *log.Logger, notify types.StatusFunc) *SyncEngine {
	cfg.applyDefaults()
	if notify == nil {
		notify = func(string) {}
	}
	e := &SyncEngine{
		client: client,
		store:  st,
		cfg:    cfg,
		logger: logger,
		notify: notify,
		now:    time.Now,
	}
	e.online = e.probeOnline
	return e
}

// SetTelemetry installs the collaborator telemetry provider. Must be
// called before Start.
func (e *SyncEngine) SetTelemetry(fn TelemetryFunc) { e.telemetry = fn }

// SetRestarter installs the collaborator restart hook. Must be called
// before Start.
func (e *SyncEngine) SetRestarter(fn Restarter) { e.restarter = fn }

// Start sends the one-shot handshake, then runs the sync loop until ctx is
// cancelled or Stop is called. The handshake result is logged only.
func (e *SyncEngine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	e.done = done

	go func() {
		defer close(done)

		if body, err := e.client.Handshake(ctx); err != nil {
			e.logger.Printf("handshake failed: %v", err)
		} else {
			e.logger.Printf("handshake ok: %s", body)
		}

		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		e.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.RunOnce(ctx)
			}
		}
	}()

	e.logger.Printf("sync engine started (interval=%s)", e.cfg.Interval)
}

// Stop signals the loop to exit and waits for it to finish. Stopping an
// engine that never started is a no-op.
func (e *SyncEngine) Stop() {
	if e.done == nil {
		return
	}
	e.cancel()
	<-e.done
}

// RunOnce performs one sync tick: reachability check, command poll, event
// push. Safe to call directly from tests or an operator "sync now" action.
func (e *SyncEngine) RunOnce(ctx context.Context) {
	if !e.online(ctx) {
		e.logger.Printf("offline, skipping sync tick")
		return
	}

	if err := e.pollCommands(ctx); err != nil {
		e.logger.Printf("poll failed: %v", err)
	}
	if err := e.pushUnsynced(ctx); err != nil {
		e.logger.Printf("push failed: %v", err)
		e.notify("Offline: sync failed")
	}
}

// pushUnsynced uploads the whole unsynced backlog as one batch. An empty
// backlog performs no network call. Only after an HTTP 200 is each event
// in the batch marked synced, in creation order; any failure leaves the
// entire batch unsynced for the next tick.
func (e *SyncEngine) pushUnsynced(ctx context.Context) error {
	events, err := e.store.ListUnsyncedEvents(ctx)
	if err != nil {
		return fmt.Errorf("list unsynced: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	body, err := e.client.PushBatch(ctx, events)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := e.store.MarkSynced(ctx, ev.ID); err != nil {
			// Worst case the event is re-pushed next tick; duplicate
			// suppression is the server's job.
			e.logger.Printf("mark synced %d: %v", ev.ID, err)
		}
	}
	e.logger.Printf("pushed %d event(s)", len(events))
	e.notify(fmt.Sprintf("Synced %d event(s)", len(events)))

	// A push response may piggyback a command block.
	e.dispatchCommands(ctx, body)
	return nil
}

// pollCommands asks the server for pending work. A body without the
// command marker means nothing is pending, which is not an error.
func (e *SyncEngine) pollCommands(ctx context.Context) error {
	var extra map[string]string
	if e.telemetry != nil {
		extra = e.telemetry()
	}

	currentTime := e.now().UTC().Add(e.cfg.TimezoneOffset).Format("2006-01-02 15:04:05")
	body, err := e.client.Poll(ctx, localIP(), currentTime, extra)
	if err != nil {
		return err
	}

	if !strings.HasPrefix(body, CommandMarker) {
		return nil
	}
	e.logger.Printf("received command block")
	e.dispatchCommands(ctx, body)
	return nil
}

func (e *SyncEngine) dispatchCommands(ctx context.Context, body string) {
	if !strings.HasPrefix(body, CommandMarker) {
		return
	}

	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		e.handleLine(ctx, line)
	}
}

func (e *SyncEngine) handleLine(ctx context.Context, line string) {
	cmd, err := ParseCommand(line)
	if err != nil {
		// Dropped, never fatal; the rest of the block still runs.
		e.logger.Printf("dropped command line: %v", err)
		return
	}

	switch c := cmd.(type) {
	case UserInfoCommand:
		if err := e.store.UpsertUser(ctx, e.cfg.CompanyID, e.cfg.OfficeID, c.AgentID, c.Name); err != nil {
			e.logger.Printf("upsert user %d: %v", c.AgentID, err)
			return
		}
		e.logger.Printf("synced user %q (agent %d)", c.Name, c.AgentID)
		e.notify(fmt.Sprintf("Synced user %s (ID %d)", c.Name, c.AgentID))

	case RestartCommand:
		e.logger.Printf("RESTART command received from server")
		if e.restarter == nil {
			e.logger.Printf("no restarter wired, RESTART ignored")
			return
		}
		if err := e.restarter(); err != nil {
			e.logger.Printf("restart failed: %v", err)
		}

	case UnknownCommand:
		e.logger.Printf("ignored unrecognized command verb %q", c.Verb)
	}
}

// probeOnline is a lightweight reachability check: one bounded TCP dial.
func (e *SyncEngine) probeOnline(ctx context.Context) bool {
	d := net.Dialer{Timeout: e.cfg.ProbeTimeout}
	conn, err := d.DialContext(ctx, "tcp", e.cfg.ProbeAddr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// localIP reports the interface address the device would use for outbound
// traffic. Best effort; an empty string omits the parameter.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
