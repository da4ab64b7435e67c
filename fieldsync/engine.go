// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// Engine saves entities locally and reconciles them with the remote store
type Engine struct {
	remote RemoteGateway
	probe  ConnectivityProbe
	auth   Auth
	clock  clock.Clock
	config *Config
	logger *slog.Logger

	cols     *collections
	identity *IdentityResolver
	reader   *Reader
	stages   *stageObserver

	inflight singleflight.Group // per-entity push guard, keyed by kind/local_id
	sweeping atomic.Bool        // at most one sweep at a time

	idMu   sync.Mutex
	lastID int64

	retryMu sync.Mutex
	retries map[Kind]*retryState

	runMu       sync.Mutex
	running     bool
	runCtx      context.Context
	cancelRun   context.CancelFunc
	periodic    *clock.Timer
	unsubscribe func()
}

type retryState struct {
	timer   *clock.Timer
	backoff *backoff.ExponentialBackOff
}

// SweepResult reports the outcome of one pass over a collection
type SweepResult struct {
	Kind      Kind
	Skipped   bool // another sweep was already running
	Attempted int
	Synced    int
	Failed    int
	Rejected  int // failures the remote store refused permanently (subset of Failed)
	Partial   int // visits synced with some child rows missing
	Errors    map[string]error
}

// pushOutcome carries details of a successful push through the in-flight guard
type pushOutcome struct {
	failedChildren []string
}

// NewEngine creates an engine over the given collaborators. A nil config uses DefaultConfig.
func NewEngine(store LocalStore, remote RemoteGateway, probe ConnectivityProbe, auth Auth, config *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote gateway cannot be nil")
	}
	if probe == nil {
		return nil, fmt.Errorf("connectivity probe cannot be nil")
	}
	if auth == nil {
		return nil, fmt.Errorf("auth cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.BackoffMin <= 0 {
		config.BackoffMin = time.Second
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = config.BackoffMin
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	cols := newCollections(store, logger)
	stages := &stageObserver{recorder: config.StageMetrics, logTimings: config.LogStageTimings, clock: clk, logger: logger}
	e := &Engine{
		remote:   remote,
		probe:    probe,
		auth:     auth,
		clock:    clk,
		config:   config,
		logger:   logger,
		cols:     cols,
		identity: &IdentityResolver{cols: cols, logger: logger},
		stages:   stages,
		retries:  make(map[Kind]*retryState, len(Kinds)),
	}
	e.reader = &Reader{cols: cols, remote: remote, probe: probe, logger: logger, stages: stages}
	for _, k := range Kinds {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = config.BackoffMin
		b.MaxInterval = config.BackoffMax
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0 // failures are retried indefinitely
		b.Clock = clk
		b.Reset()
		e.retries[k] = &retryState{backoff: b}
	}
	return e, nil
}

// Identity returns the resolver sharing this engine's collection locks
func (e *Engine) Identity() *IdentityResolver { return e.identity }

// Reader returns the merge reader sharing this engine's collection locks
func (e *Engine) Reader() *Reader { return e.reader }

func (e *Engine) canSync() error {
	if !e.probe.IsConnected() {
		return ErrOffline
	}
	if !e.auth.IsAuthenticated() {
		return ErrUnauthenticated
	}
	return nil
}

// nextLocalID returns a millisecond timestamp bumped to stay strictly increasing
func (e *Engine) nextLocalID(kind Kind) string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	n := e.clock.Now().UnixMilli()
	if n <= e.lastID {
		n = e.lastID + 1
	}
	e.lastID = n
	return formatLocalID(kind, n)
}

// Save persists the entity locally as pending and, when online and signed in,
// tries to push it right away. Only local persistence failures are returned;
// a failed push leaves the entity pending and schedules a retry.
func (e *Engine) Save(ctx context.Context, entity Entity) (Entity, error) {
	kind := entity.Kind()
	if !kind.Valid() {
		return Entity{}, fmt.Errorf("%w: entity carries neither commerce nor visit", ErrUnknownKind)
	}
	entity = entity.Clone()
	if entity.LocalID == "" {
		if IsLocalID(entity.ID) {
			entity.LocalID = entity.ID
		} else {
			entity.LocalID = e.nextLocalID(kind)
		}
	}
	user, hasUser := e.auth.CurrentUser()
	if entity.RouteID == "" && hasUser {
		entity.RouteID = user.RouteID
	}
	if entity.Visit != nil && entity.Visit.PromoterID == "" && hasUser {
		entity.Visit.PromoterID = user.ID
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = e.clock.Now().UTC()
	}

	var saved Entity
	err := e.cols.update(ctx, kind, func(entities []Entity) ([]Entity, bool, error) {
		idx := -1
		for i := range entities {
			if entities[i].LocalID == entity.LocalID {
				idx = i
				break
			}
		}
		if idx < 0 && entity.ID != "" && !IsLocalID(entity.ID) {
			idx = indexOf(entities, entity.ID)
		}
		if idx >= 0 {
			// The caller may hold a copy taken before the identity migrated
			stored := entities[idx]
			if stored.LocalID != "" {
				entity.LocalID = stored.LocalID
			}
			if entity.RemoteID == "" {
				entity.RemoteID = stored.RemoteID
			}
			entity.Revision = stored.Revision
		}
		entity.ID = entity.LocalID
		if entity.RemoteID != "" {
			entity.ID = entity.RemoteID
		}
		entity.Synced = false
		entity.Revision++
		saved = entity.Clone()
		if idx >= 0 {
			entities[idx] = entity
		} else {
			entities = append(entities, entity)
		}
		return dedupe(entities), true, nil
	})
	if err != nil {
		e.logger.Error("failed to save entity locally", "kind", kind, "local_id", entity.LocalID, "error", err)
		return Entity{}, err
	}
	e.logger.Debug("entity saved locally", "kind", kind, "local_id", saved.LocalID, "id", saved.ID)

	if err := e.canSync(); err != nil {
		e.logger.Debug("skipping immediate push", "kind", kind, "local_id", saved.LocalID, "reason", err)
		return saved, nil
	}

	if e.config.PushInBackground {
		go e.pushOrRetry(context.WithoutCancel(ctx), kind, saved.LocalID)
		return saved, nil
	}
	if !e.pushOrRetry(ctx, kind, saved.LocalID) {
		return saved, nil
	}
	cur, err := e.cols.find(ctx, kind, saved.LocalID)
	if err != nil || cur == nil {
		return saved, nil
	}
	return *cur, nil
}

// pushOrRetry pushes one entity and schedules a retry sweep when that fails
func (e *Engine) pushOrRetry(ctx context.Context, kind Kind, localID string) bool {
	if err := e.PushOne(ctx, kind, localID); err != nil {
		e.scheduleRetry(kind)
		return false
	}
	return true
}

// PushOne pushes a single entity identified by any of its IDs. Concurrent
// calls for the same entity share one attempt. A nil error means the remote
// store holds the entity and the local record is marked synced.
func (e *Engine) PushOne(ctx context.Context, kind Kind, id string) error {
	_, err := e.pushOne(ctx, kind, id)
	return err
}

func (e *Engine) pushOne(ctx context.Context, kind Kind, id string) (pushOutcome, error) {
	ent, err := e.cols.find(ctx, kind, id)
	if err != nil {
		return pushOutcome{}, err
	}
	if ent == nil {
		return pushOutcome{}, fmt.Errorf("%w: %s %s", ErrEntityNotFound, kind, id)
	}
	v, err, shared := e.inflight.Do(string(kind)+"/"+ent.LocalID, func() (any, error) {
		return e.push(ctx, kind, ent.LocalID)
	})
	if shared {
		e.logger.Debug("joined in-flight push", "kind", kind, "local_id", ent.LocalID)
	}
	out, _ := v.(pushOutcome)
	return out, err
}

func (e *Engine) push(ctx context.Context, kind Kind, localID string) (pushOutcome, error) {
	// Re-read inside the guard: an earlier attempt may have just finished
	ent, err := e.cols.find(ctx, kind, localID)
	if err != nil {
		return pushOutcome{}, err
	}
	if ent == nil {
		return pushOutcome{}, fmt.Errorf("%w: %s %s", ErrEntityNotFound, kind, localID)
	}
	if ent.Synced {
		return pushOutcome{}, nil
	}

	if kind == KindVisit {
		if err := e.resolveCommerceRef(ctx, ent); err != nil {
			e.logger.Warn("visit push skipped", "local_id", localID, "commerce_id", ent.Visit.CommerceID, "error", err)
			return pushOutcome{}, err
		}
	}

	row, err := ToRow(*ent)
	if err != nil {
		return pushOutcome{}, err
	}
	table := kind.Table()

	if ent.RemoteID != "" {
		start := e.stages.start()
		err := e.remote.Update(ctx, table, ent.RemoteID, row)
		e.stages.observe(ctx, MetricsOpPush, MetricsStageUpdate, kind, start, 1, err != nil)
		if err != nil {
			e.logger.Warn("remote update failed", "kind", kind, "local_id", localID, "remote_id", ent.RemoteID, "error", err)
			return pushOutcome{}, err
		}
		return pushOutcome{}, e.confirm(ctx, kind, ent, ent.RemoteID)
	}

	start := e.stages.start()
	inserted, err := e.remote.Insert(ctx, table, row)
	e.stages.observe(ctx, MetricsOpPush, MetricsStageInsert, kind, start, 1, err != nil && !IsConflict(err))
	if err != nil {
		if !IsConflict(err) {
			e.logger.Warn("remote insert failed", "kind", kind, "local_id", localID, "error", err)
			return pushOutcome{}, err
		}
		remoteID, err := e.recoverConflict(ctx, kind, ent, row, err)
		if err != nil {
			return pushOutcome{}, err
		}
		var out pushOutcome
		if kind == KindVisit {
			// An earlier insert may have landed without its children
			out.failedChildren = e.insertVisitChildren(ctx, remoteID, ent.Visit, true)
		}
		return out, nil
	}
	remoteID := rowString(inserted, ColID)
	if remoteID == "" {
		return pushOutcome{}, &RemoteError{Code: CodeRejected, Table: table, Message: "insert returned no id"}
	}
	if err := e.confirm(ctx, kind, ent, remoteID); err != nil {
		return pushOutcome{}, err
	}

	var out pushOutcome
	if kind == KindVisit {
		out.failedChildren = e.insertVisitChildren(ctx, remoteID, ent.Visit, false)
	}
	return out, nil
}

// confirm migrates identity after a successful write and reopens the record
// when it was edited locally while the write was in flight.
func (e *Engine) confirm(ctx context.Context, kind Kind, pushed *Entity, remoteID string) error {
	if err := e.identity.Migrate(ctx, kind, pushed.LocalID, remoteID); err != nil {
		return fmt.Errorf("failed to migrate identity for %s %s: %w", kind, pushed.LocalID, err)
	}
	return e.cols.update(ctx, kind, func(entities []Entity) ([]Entity, bool, error) {
		for i := range entities {
			if entities[i].LocalID == pushed.LocalID && entities[i].Revision != pushed.Revision {
				entities[i].Synced = false
				e.logger.Debug("entity edited during push, left pending", "kind", kind, "local_id", pushed.LocalID)
				return entities, true, nil
			}
		}
		return entities, false, nil
	})
}

// recoverConflict treats a duplicate natural key as proof the row already
// exists remotely and returns that row's ID once the local record is migrated.
func (e *Engine) recoverConflict(ctx context.Context, kind Kind, ent *Entity, row Row, cause error) (string, error) {
	table := kind.Table()
	start := e.stages.start()
	rows, err := e.remote.SelectWhere(ctx, table, NaturalKey(kind, row)...)
	e.stages.observe(ctx, MetricsOpPush, MetricsStageConflictLookup, kind, start, len(rows), err != nil)
	if err != nil {
		e.logger.Warn("natural key lookup after conflict failed", "kind", kind, "local_id", ent.LocalID, "error", err)
		return "", fmt.Errorf("natural key lookup after conflict: %w", err)
	}
	if len(rows) == 0 {
		e.logger.Warn("conflict without matching natural key row", "kind", kind, "local_id", ent.LocalID, "error", cause)
		return "", fmt.Errorf("no remote %s row matches natural key: %w", kind, cause)
	}
	remoteID := rowString(rows[0], ColID)
	if remoteID == "" {
		return "", fmt.Errorf("remote %s row matched by natural key has no id: %w", kind, cause)
	}
	e.logger.Info("duplicate insert resolved to existing remote row", "kind", kind, "local_id", ent.LocalID, "remote_id", remoteID)
	if err := e.confirm(ctx, kind, ent, remoteID); err != nil {
		return "", err
	}
	return remoteID, nil
}

// resolveCommerceRef refuses to push a visit pointing at an unsynced commerce and
// rewrites references made by local ID once the commerce has a remote ID.
func (e *Engine) resolveCommerceRef(ctx context.Context, visit *Entity) error {
	ref := visit.Visit.CommerceID
	if ref == "" {
		return fmt.Errorf("%w: visit has no commerce", ErrDanglingReference)
	}
	commerce, err := e.cols.find(ctx, KindCommerce, ref)
	if err != nil {
		return err
	}
	if commerce == nil {
		if IsLocalID(ref) {
			return fmt.Errorf("%w: commerce %s is unknown", ErrDanglingReference, ref)
		}
		return nil // a remote ID we have not cached
	}
	if !commerce.Synced || commerce.RemoteID == "" {
		return fmt.Errorf("%w: commerce %s", ErrDanglingReference, ref)
	}
	if commerce.RemoteID == ref {
		return nil
	}

	visit.Visit.CommerceID = commerce.RemoteID
	return e.cols.update(ctx, KindVisit, func(entities []Entity) ([]Entity, bool, error) {
		for i := range entities {
			if entities[i].LocalID == visit.LocalID && entities[i].Visit != nil && entities[i].Visit.CommerceID == ref {
				entities[i].Visit.CommerceID = commerce.RemoteID
				return entities, true, nil
			}
		}
		return entities, false, nil
	})
}

// insertVisitChildren writes child rows after the parent visit exists remotely.
// With onlyMissing, a child table that already holds rows for the visit is left
// alone. Failures are logged and returned; the parent stays synced.
func (e *Engine) insertVisitChildren(ctx context.Context, visitID string, v *Visit, onlyMissing bool) []string {
	var failed []string
	start := e.stages.start()
	count := 0
	defer func() {
		e.stages.observe(ctx, MetricsOpPush, MetricsStageChildren, KindVisit, start, count, len(failed) > 0)
	}()
	for _, batch := range visitChildRows(visitID, v) {
		if onlyMissing {
			existing, err := e.remote.SelectWhere(ctx, batch.table, Eq(ColVisitID, visitID))
			if err != nil {
				e.logger.Warn("visit child lookup failed", "table", batch.table, "visit_id", visitID, "error", err)
				failed = append(failed, batch.table)
				continue
			}
			if len(existing) > 0 {
				e.logger.Debug("visit children already stored", "table", batch.table, "visit_id", visitID, "rows", len(existing))
				continue
			}
		}
		count += len(batch.rows)
		ok := true
		for _, row := range batch.rows {
			if _, err := e.remote.Insert(ctx, batch.table, row); err != nil {
				ok = false
				e.logger.Warn("visit child insert failed", "table", batch.table, "visit_id", visitID, "error", err)
			}
		}
		if !ok {
			failed = append(failed, batch.table)
		}
	}
	return failed
}

// SyncPendingAll pushes every pending entity of kind, one at a time. It returns
// ErrOffline or ErrUnauthenticated when no push is possible, and a Skipped
// result when another sweep is already running.
func (e *Engine) SyncPendingAll(ctx context.Context, kind Kind) (SweepResult, error) {
	if !kind.Valid() {
		return SweepResult{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := e.canSync(); err != nil {
		return SweepResult{Kind: kind}, err
	}
	if !e.sweeping.CompareAndSwap(false, true) {
		e.logger.Debug("sweep already in progress", "kind", kind)
		return SweepResult{Kind: kind, Skipped: true}, nil
	}
	defer e.sweeping.Store(false)
	return e.sweep(ctx, kind)
}

// SyncPending sweeps every kind, commerces first so visit references resolve
func (e *Engine) SyncPending(ctx context.Context) ([]SweepResult, error) {
	if err := e.canSync(); err != nil {
		return nil, err
	}
	if !e.sweeping.CompareAndSwap(false, true) {
		e.logger.Debug("sweep already in progress")
		return []SweepResult{{Skipped: true}}, nil
	}
	defer e.sweeping.Store(false)

	results := make([]SweepResult, 0, len(Kinds))
	for _, kind := range Kinds {
		res, err := e.sweep(ctx, kind)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) sweep(ctx context.Context, kind Kind) (SweepResult, error) {
	res := SweepResult{Kind: kind, Errors: map[string]error{}}
	start := e.stages.start()
	defer func() {
		e.stages.observe(ctx, MetricsOpSweep, MetricsStageTotal, kind, start, res.Attempted, res.Failed > 0)
	}()
	entities, err := e.cols.snapshot(ctx, kind)
	if err != nil {
		return res, err
	}
	for _, ent := range entities {
		if ent.Synced {
			continue
		}
		res.Attempted++
		out, err := e.pushOne(ctx, kind, ent.LocalID)
		if err != nil {
			res.Failed++
			if IsRejected(err) {
				res.Rejected++
			}
			res.Errors[ent.LocalID] = err
			continue
		}
		res.Synced++
		if len(out.failedChildren) > 0 {
			res.Partial++
		}
	}
	if res.Attempted > 0 {
		e.logger.Info("sweep finished", "kind", kind, "attempted", res.Attempted, "synced", res.Synced,
			"failed", res.Failed, "rejected", res.Rejected, "partial", res.Partial)
	}
	return res, nil
}

// scheduleRetry arms a single backoff timer per kind
func (e *Engine) scheduleRetry(kind Kind) {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	st := e.retries[kind]
	if st == nil || st.timer != nil {
		return
	}
	d := st.backoff.NextBackOff()
	e.logger.Debug("retry scheduled", "kind", kind, "delay", d)
	st.timer = e.clock.AfterFunc(d, func() { e.runRetry(kind) })
}

func (e *Engine) runRetry(kind Kind) {
	e.retryMu.Lock()
	st := e.retries[kind]
	st.timer = nil
	e.retryMu.Unlock()

	res, err := e.SyncPendingAll(e.baseContext(), kind)
	if err == nil && !res.Skipped && res.Failed == 0 {
		e.retryMu.Lock()
		st.backoff.Reset()
		e.retryMu.Unlock()
		return
	}
	e.scheduleRetry(kind)
}

// RetryPending reports whether a retry timer is armed for kind
func (e *Engine) RetryPending(kind Kind) bool {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	st := e.retries[kind]
	return st != nil && st.timer != nil
}

func (e *Engine) baseContext() context.Context {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// Start runs a sweep every SweepInterval and after every sign-in until ctx is
// done or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.runCtx = runCtx
	e.cancelRun = cancel
	e.unsubscribe = e.auth.OnSessionChange(func(user User, signedIn bool) {
		if signedIn {
			e.logger.Debug("session started, sweeping", "user_id", user.ID, "route_id", user.RouteID)
			go e.sweepAll(runCtx, "sign-in")
		}
	})
	if e.config.SweepInterval > 0 {
		e.armPeriodicLocked()
	}
	go func() {
		<-runCtx.Done()
		e.Stop()
	}()
	return nil
}

// Running reports whether Start is in effect
func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// armPeriodicLocked re-arms before sweeping, so the next tick is scheduled
// while the current sweep runs.
func (e *Engine) armPeriodicLocked() {
	e.periodic = e.clock.AfterFunc(e.config.SweepInterval, func() {
		e.runMu.Lock()
		if !e.running {
			e.runMu.Unlock()
			return
		}
		e.armPeriodicLocked()
		ctx := e.runCtx
		e.runMu.Unlock()
		e.sweepAll(ctx, "periodic")
	})
}

func (e *Engine) sweepAll(ctx context.Context, reason string) {
	results, err := e.SyncPending(ctx)
	if err != nil {
		if errors.Is(err, ErrOffline) || errors.Is(err, ErrUnauthenticated) {
			e.logger.Debug("sweep not possible", "reason", reason, "error", err)
			return
		}
		e.logger.Warn("sweep failed", "reason", reason, "error", err)
		return
	}
	for _, res := range results {
		if res.Failed > 0 {
			e.scheduleRetry(res.Kind)
		}
	}
}

// Stop cancels the periodic sweep, pending retries and the session subscription
func (e *Engine) Stop() {
	e.runMu.Lock()
	if e.running {
		e.running = false
		e.cancelRun()
		e.runCtx, e.cancelRun = nil, nil
		if e.periodic != nil {
			e.periodic.Stop()
			e.periodic = nil
		}
		if e.unsubscribe != nil {
			e.unsubscribe()
			e.unsubscribe = nil
		}
	}
	e.runMu.Unlock()

	e.retryMu.Lock()
	for _, st := range e.retries {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	e.retryMu.Unlock()
}

// Status returns the sync status of the entity identified by id
func (e *Engine) Status(ctx context.Context, kind Kind, id string) (Status, error) {
	ent, err := e.cols.find(ctx, kind, id)
	if err != nil {
		return "", err
	}
	if ent == nil {
		return "", fmt.Errorf("%w: %s %s", ErrEntityNotFound, kind, id)
	}
	return ent.Status(), nil
}

// PendingCount returns how many entities of kind wait to be pushed
func (e *Engine) PendingCount(ctx context.Context, kind Kind) (int, error) {
	entities, err := e.cols.snapshot(ctx, kind)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ent := range entities {
		if !ent.Synced {
			n++
		}
	}
	return n, nil
}
