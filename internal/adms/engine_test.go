package adms

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindware/bioterminal/internal/bioterm/store"
	"github.com/mindware/bioterminal/internal/bioterm/store/memory"
)

// syncServer is a scripted attendance server that records every push body
// it receives.
type syncServer struct {
	mu         sync.Mutex
	pushStatus int
	pushBodies []string
	pollBody   string
	pollCalls  int
}

func (s *syncServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case r.URL.Path == "/iclock/cdata" && r.Method == http.MethodPost:
			b, _ := io.ReadAll(r.Body)
			s.pushBodies = append(s.pushBodies, string(b))
			if s.pushStatus != 0 && s.pushStatus != http.StatusOK {
				http.Error(w, "server error", s.pushStatus)
				return
			}
			io.WriteString(w, "OK")
		case r.URL.Path == "/iclock/getrequest":
			s.pollCalls++
			io.WriteString(w, s.pollBody)
		default:
			io.WriteString(w, "OK")
		}
	}
}

func (s *syncServer) bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.pushBodies))
	copy(out, s.pushBodies)
	return out
}

func newTestEngine(t *testing.T, st *memory.IdentityStore, srv *syncServer) *SyncEngine {
	t.Helper()

	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	client := NewClient(ClientConfig{
		BaseURL:      ts.URL,
		DeviceSerial: "WBIO123ABC",
		Timeout:      time.Second,
	})
	e := NewSyncEngine(client, st, EngineConfig{
		Interval:  time.Hour, // ticks driven manually via RunOnce
		CompanyID: 2,
		OfficeID:  4,
	}, log.New(io.Discard, "", 0), nil)

	// Deterministic reachability for tests.
	e.online = func(context.Context) bool { return true }
	return e
}

// ─── Push ───────────────────────────────────────────────────────────────────

func TestPush_BatchMarkedSyncedInOrder(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	var ids []int64
	for i, ts := range []string{"2026-08-28T08:00:00", "2026-08-28T08:01:00", "2026-08-28T08:02:00"} {
		id, err := st.AppendEvent(ctx, int64(40+i), "checkin", ts)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	srv := &syncServer{pollBody: "OK"}
	e := newTestEngine(t, st, srv)

	e.RunOnce(ctx)

	// Exactly those three became synced.
	unsynced, err := st.ListUnsyncedEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	events := st.Events()
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, ids[i], ev.ID)
		assert.True(t, ev.Synced)
	}

	// An event created after the batch stays unsynced.
	_, err = st.AppendEvent(ctx, 99, "checkin", "2026-08-28T09:00:00")
	require.NoError(t, err)
	unsynced, err = st.ListUnsyncedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, int64(99), unsynced[0].UserID)
}

func TestPush_ServerErrorLeavesBatchUnsyncedAndResubmits(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	for i, ts := range []string{"2026-08-28T08:00:00", "2026-08-28T08:01:00"} {
		_, err := st.AppendEvent(ctx, int64(40+i), "checkin", ts)
		require.NoError(t, err)
	}

	srv := &syncServer{pollBody: "OK", pushStatus: http.StatusInternalServerError}
	e := newTestEngine(t, st, srv)

	e.RunOnce(ctx)

	unsynced, err := st.ListUnsyncedEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, unsynced, 2, "failed push must leave every event unsynced")

	// The next cycle resubmits the identical batch.
	e.RunOnce(ctx)

	bodies := srv.bodies()
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
}

// vanishingEventStore reports one event id as unknown at mark time, as if
// it were cleaned up mid-batch.
type vanishingEventStore struct {
	*memory.IdentityStore
	goneID int64
}

func (s *vanishingEventStore) MarkSynced(ctx context.Context, eventID int64) error {
	if eventID == s.goneID {
		return store.ErrNotFound
	}
	return s.IdentityStore.MarkSynced(ctx, eventID)
}

func TestPush_UnknownIDDoesNotAbortMarkingTheBatch(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	var ids []int64
	for i, ts := range []string{"2026-08-28T08:00:00", "2026-08-28T08:01:00", "2026-08-28T08:02:00"} {
		id, err := mem.AppendEvent(ctx, int64(40+i), "checkin", ts)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	st := &vanishingEventStore{IdentityStore: mem, goneID: ids[1]}
	srv := &syncServer{pollBody: "OK"}

	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	e := NewSyncEngine(
		NewClient(ClientConfig{BaseURL: ts.URL, DeviceSerial: "X", Timeout: time.Second}),
		st,
		EngineConfig{Interval: time.Hour},
		log.New(io.Discard, "", 0),
		nil,
	)
	e.online = func(context.Context) bool { return true }

	e.RunOnce(ctx)

	// The events around the vanished one were still marked.
	for _, ev := range mem.Events() {
		if ev.ID == ids[1] {
			continue
		}
		assert.True(t, ev.Synced, "event %d must be marked despite the unknown id", ev.ID)
	}
}

func TestPush_EmptyBacklogMakesNoNetworkCall(t *testing.T) {
	st := memory.New()
	srv := &syncServer{pollBody: "OK"}
	e := newTestEngine(t, st, srv)

	e.RunOnce(context.Background())

	assert.Empty(t, srv.bodies(), "no events, no push request")
	assert.Empty(t, st.Events())
}

func TestPush_ResponseCommandBlockIsDispatched(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	_, err := st.AppendEvent(ctx, 42, "checkin", "2026-08-28T08:00:00")
	require.NoError(t, err)

	srv := &syncServer{pollBody: "OK"}
	e := newTestEngine(t, st, srv)

	// Server acknowledges the push and piggybacks a USERINFO command.
	tsrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			io.WriteString(w, "C:1:DATA USERINFO PIN=7\tName=Luis")
			return
		}
		io.WriteString(w, "OK")
	}))
	t.Cleanup(tsrv.Close)
	e.client = NewClient(ClientConfig{BaseURL: tsrv.URL, DeviceSerial: "X", Timeout: time.Second})

	e.RunOnce(ctx)

	u, err := st.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Luis", u.Name)
}

// ─── Poll ───────────────────────────────────────────────────────────────────

func TestPoll_UserInfoCommandUpsertsUser(t *testing.T) {
	st := memory.New()
	srv := &syncServer{pollBody: "C:1:DATA USERINFO PIN=7\tName=Luis"}
	e := newTestEngine(t, st, srv)
	ctx := context.Background()

	e.RunOnce(ctx)

	u, err := st.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Luis", u.Name)
	assert.Equal(t, int64(2), u.CompanyID)
	assert.Equal(t, int64(4), u.OfficeID)
}

func TestPoll_LineWithoutPINIsDroppedWithoutMutation(t *testing.T) {
	st := memory.New()
	srv := &syncServer{pollBody: "C:1:DATA USERINFO Name=Luis"}
	e := newTestEngine(t, st, srv)

	e.RunOnce(context.Background())

	users, err := st.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users, "malformed USERINFO must not touch the store")
}

func TestPoll_NoMarkerMeansNoCommands(t *testing.T) {
	st := memory.New()
	srv := &syncServer{pollBody: "OK"}
	e := newTestEngine(t, st, srv)

	e.RunOnce(context.Background())

	users, err := st.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestPoll_MixedBlockAppliesGoodLinesAndSkipsBadOnes(t *testing.T) {
	st := memory.New()
	srv := &syncServer{pollBody: "C:1:DATA USERINFO PIN=7\tName=Luis\n" +
		"C:2:DATA USERINFO Name=NoPin\n" +
		"C:3:DATA USERINFO PIN=8\tName=Ana"}
	e := newTestEngine(t, st, srv)
	ctx := context.Background()

	e.RunOnce(ctx)

	users, err := st.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestPoll_RestartDispatchedToCollaborator(t *testing.T) {
	st := memory.New()
	srv := &syncServer{pollBody: "C:1:RESTART"}
	e := newTestEngine(t, st, srv)

	restarted := false
	e.SetRestarter(func() error {
		restarted = true
		return nil
	})

	e.RunOnce(context.Background())
	assert.True(t, restarted)
}

func TestPoll_TelemetryMergedIntoQuery(t *testing.T) {
	st := memory.New()

	var gotTemp string
	tsrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/iclock/getrequest" {
			gotTemp = r.URL.Query().Get("cpu_temp")
		}
		io.WriteString(w, "OK")
	}))
	t.Cleanup(tsrv.Close)

	e := NewSyncEngine(
		NewClient(ClientConfig{BaseURL: tsrv.URL, DeviceSerial: "X", Timeout: time.Second}),
		st,
		EngineConfig{Interval: time.Hour},
		log.New(io.Discard, "", 0),
		nil,
	)
	e.online = func(context.Context) bool { return true }
	e.SetTelemetry(func() map[string]string { return map[string]string{"cpu_temp": "51.0"} })

	e.RunOnce(context.Background())
	assert.Equal(t, "51.0", gotTemp)
}

// ─── Offline gating ─────────────────────────────────────────────────────────

func TestRunOnce_OfflineSkipsPollAndPush(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	_, err := st.AppendEvent(ctx, 42, "checkin", "2026-08-28T08:00:00")
	require.NoError(t, err)

	srv := &syncServer{pollBody: "OK"}
	e := newTestEngine(t, st, srv)
	e.online = func(context.Context) bool { return false }

	e.RunOnce(ctx)

	assert.Empty(t, srv.bodies())
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Zero(t, srv.pollCalls)

	unsynced, err := st.ListUnsyncedEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, unsynced, 1, "offline tick must leave the backlog intact")
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestEngine_StartStop(t *testing.T) {
	st := memory.New()
	srv := &syncServer{pollBody: "OK"}
	e := newTestEngine(t, st, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.Start(ctx)
	e.Stop()
}

func TestEngine_StopBeforeStartIsNoop(t *testing.T) {
	st := memory.New()
	srv := &syncServer{pollBody: "OK"}
	e := newTestEngine(t, st, srv)

	e.Stop() // must return immediately, not hang
}
