package fieldsync_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/memremote"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type testProbe struct {
	connected atomic.Bool
	reachable atomic.Bool
}

func newTestProbe(online bool) *testProbe {
	p := &testProbe{}
	p.set(online)
	return p
}

func (p *testProbe) set(online bool) {
	p.connected.Store(online)
	p.reachable.Store(online)
}

func (p *testProbe) IsConnected() bool         { return p.connected.Load() }
func (p *testProbe) IsInternetReachable() bool { return p.reachable.Load() }

type testAuth struct {
	mu        sync.Mutex
	user      fieldsync.User
	signedIn  bool
	listeners map[int]func(fieldsync.User, bool)
	next      int
}

func newTestAuth(user fieldsync.User) *testAuth {
	return &testAuth{user: user, signedIn: true, listeners: map[int]func(fieldsync.User, bool){}}
}

func (a *testAuth) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signedIn
}

func (a *testAuth) CurrentUser() (fieldsync.User, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user, a.signedIn
}

func (a *testAuth) OnSessionChange(fn func(fieldsync.User, bool)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

func (a *testAuth) setSignedIn(signedIn bool) {
	a.mu.Lock()
	a.signedIn = signedIn
	user := a.user
	fns := make([]func(fieldsync.User, bool), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(user, signedIn)
	}
}

type harness struct {
	store  *fieldsync.MemoryStore
	remote *memremote.Gateway
	probe  *testProbe
	auth   *testAuth
	clock  *clock.Mock
	engine *fieldsync.Engine
	ctx    context.Context
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	h := &harness{
		store:  fieldsync.NewMemoryStore(),
		remote: memremote.New(),
		probe:  newTestProbe(online),
		auth:   newTestAuth(fieldsync.User{ID: "promoter-1", RouteID: "route-7"}),
		clock:  newMockClock(),
		ctx:    context.Background(),
	}
	cfg := fieldsync.DefaultConfig()
	cfg.Clock = h.clock
	engine, err := fieldsync.NewEngine(h.store, h.remote, h.probe, h.auth, cfg)
	require.NoError(t, err)
	h.engine = engine
	t.Cleanup(engine.Stop)
	return h
}

func newMockClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(testStart)
	return c
}

// eventually waits for timer callbacks, which the mock clock runs on their own goroutines
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond, msg)
}

func (h *harness) synced(kind fieldsync.Kind, id string) bool {
	status, err := h.engine.Status(h.ctx, kind, id)
	return err == nil && status == fieldsync.StatusSynced
}

func (h *harness) all(t *testing.T, kind fieldsync.Kind) []fieldsync.Entity {
	t.Helper()
	entities, err := h.store.GetAll(h.ctx, kind)
	require.NoError(t, err)
	return entities
}

func (h *harness) one(t *testing.T, kind fieldsync.Kind, id string) fieldsync.Entity {
	t.Helper()
	for _, e := range h.all(t, kind) {
		if e.Matches(id) {
			return e
		}
	}
	t.Fatalf("%s %s not found in local store", kind, id)
	return fieldsync.Entity{}
}

func (h *harness) saveCommerce(t *testing.T, name, address string) fieldsync.Entity {
	t.Helper()
	e, err := h.engine.Save(h.ctx, fieldsync.NewCommerce(fieldsync.Commerce{Name: name, Address: address}))
	require.NoError(t, err)
	return e
}

func requireUniqueIDs(t *testing.T, entities []fieldsync.Entity) {
	t.Helper()
	seen := map[string]bool{}
	for _, e := range entities {
		require.False(t, seen[e.ID], "duplicate effective id %s", e.ID)
		seen[e.ID] = true
	}
}

func failOn(op, table string, err error) memremote.Hook {
	return func(gotOp, gotTable string, _ fieldsync.Row) error {
		if gotOp == op && gotTable == table {
			return err
		}
		return nil
	}
}

var errTransient = &fieldsync.RemoteError{Code: fieldsync.CodeTransient, Message: "timeout"}
