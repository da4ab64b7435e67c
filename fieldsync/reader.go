// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Reader resolves reads against the remote store when reachable and against
// the local cache otherwise. Local entities that were never pushed, or that
// carry unpushed edits, always win over remote copies.
type Reader struct {
	cols   *collections
	remote RemoteGateway
	probe  ConnectivityProbe
	logger *slog.Logger
	stages *stageObserver
}

func (r *Reader) online() bool {
	return r.probe.IsConnected() && r.probe.IsInternetReachable()
}

// GetByID returns the entity identified by id (local or remote ID) or nil when
// neither the remote store nor the local cache knows it.
func (r *Reader) GetByID(ctx context.Context, kind Kind, id string) (*Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if r.online() {
		remoteID := id
		local, err := r.cols.find(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		if local != nil {
			remoteID = local.RemoteID
		}
		if remoteID != "" && !IsLocalID(remoteID) {
			ent, err := r.fetchByID(ctx, kind, remoteID)
			switch {
			case err != nil:
				r.logger.Warn("remote read failed, using local cache", "kind", kind, "id", id, "error", err)
			case ent != nil:
				return r.cacheOne(ctx, kind, *ent)
			default:
				r.logger.Debug("remote row not found, using local cache", "kind", kind, "id", id)
			}
		}
	}
	return r.cols.find(ctx, kind, id)
}

func (r *Reader) fetchByID(ctx context.Context, kind Kind, id string) (*Entity, error) {
	start := r.stages.start()
	ent, err := r.selectByID(ctx, kind, id)
	found := 0
	if ent != nil {
		found = 1
	}
	r.stages.observe(ctx, MetricsOpRead, MetricsStageFetchByID, kind, start, found, err != nil)
	return ent, err
}

func (r *Reader) selectByID(ctx context.Context, kind Kind, id string) (*Entity, error) {
	row, err := r.remote.SelectByID(ctx, kind.Table(), id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	ent, err := FromRow(kind, row)
	if err != nil {
		return nil, err
	}
	if kind == KindVisit {
		visits := []Entity{ent}
		if err := r.loadVisitChildren(ctx, visits); err != nil {
			return nil, err
		}
		ent = visits[0]
	}
	return &ent, nil
}

// cacheOne upserts a remote entity into the cache unless a pending local
// version exists, and returns the version the caller should see.
func (r *Reader) cacheOne(ctx context.Context, kind Kind, remote Entity) (*Entity, error) {
	result := remote.Clone()
	err := r.cols.update(ctx, kind, func(entities []Entity) ([]Entity, bool, error) {
		idx := indexOf(entities, remote.ID)
		if idx < 0 {
			return append(entities, remote), true, nil
		}
		stored := entities[idx]
		if !stored.Synced {
			result = stored.Clone()
			return entities, false, nil
		}
		remote.LocalID = stored.LocalID
		remote.Revision = stored.Revision
		result = remote.Clone()
		entities[idx] = remote
		return dedupe(entities), true, nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetByRoute returns the entities of a route, newest first. Online, remote rows
// are merged with local pending entities and the merged set replaces the cached
// entities of that route. Offline, or when the remote read fails, the cached
// entities of the route are returned as stored.
func (r *Reader) GetByRoute(ctx context.Context, kind Kind, routeID string) ([]Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if r.online() {
		start := r.stages.start()
		remote, err := r.fetchByRoute(ctx, kind, routeID)
		r.stages.observe(ctx, MetricsOpRead, MetricsStageFetchByRoute, kind, start, len(remote), err != nil)
		if err == nil {
			return r.mergeRoute(ctx, kind, routeID, remote)
		}
		r.logger.Warn("remote route read failed, using local cache", "kind", kind, "route_id", routeID, "error", err)
	}

	entities, err := r.cols.snapshot(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if e.RouteID == routeID {
			out = append(out, e)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *Reader) fetchByRoute(ctx context.Context, kind Kind, routeID string) ([]Entity, error) {
	rows, err := r.remote.SelectWhere(ctx, kind.Table(), Eq(ColRouteID, routeID))
	if err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(rows))
	for _, row := range rows {
		ent, err := FromRow(kind, row)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	if kind == KindVisit && len(out) > 0 {
		if err := r.loadVisitChildren(ctx, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Reader) loadVisitChildren(ctx context.Context, visits []Entity) error {
	ids := make([]string, 0, len(visits))
	for _, v := range visits {
		ids = append(ids, v.ID)
	}
	children := make(map[string][]Row, len(VisitChildTables))
	for _, table := range VisitChildTables {
		rows, err := r.remote.SelectWhere(ctx, table, In(ColVisitID, ids))
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", table, err)
		}
		children[table] = rows
	}
	AttachVisitChildren(visits, children)
	return nil
}

func (r *Reader) mergeRoute(ctx context.Context, kind Kind, routeID string, remote []Entity) ([]Entity, error) {
	var merged []Entity
	err := r.cols.update(ctx, kind, func(entities []Entity) ([]Entity, bool, error) {
		pendingByID := make(map[string]Entity)
		var localOnly []Entity
		var others []Entity
		for _, e := range entities {
			switch {
			case e.RouteID != routeID:
				others = append(others, e)
			case !e.Synced && e.RemoteID == "":
				localOnly = append(localOnly, e)
			case !e.Synced:
				pendingByID[e.ID] = e
			}
		}
		// Keep device identity for records that already exist locally
		known := make(map[string]Entity, len(entities))
		for _, e := range entities {
			if e.RemoteID != "" {
				known[e.RemoteID] = e
			}
		}

		merged = make([]Entity, 0, len(remote)+len(localOnly))
		for _, rem := range remote {
			if p, ok := pendingByID[rem.ID]; ok {
				merged = append(merged, p)
				delete(pendingByID, rem.ID)
				continue
			}
			if k, ok := known[rem.ID]; ok {
				rem.LocalID = k.LocalID
				rem.Revision = k.Revision
			}
			merged = append(merged, rem)
		}
		// Pending edits whose remote row is not visible on this route are kept too
		for _, e := range entities {
			if p, ok := pendingByID[e.ID]; ok && e.RouteID == routeID {
				merged = append(merged, p)
			}
		}
		merged = append(merged, localOnly...)
		merged = dedupe(merged)

		next := make([]Entity, 0, len(others)+len(merged))
		next = append(next, merged...)
		next = append(next, others...)
		return dedupe(next), true, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Entity, len(merged))
	for i := range merged {
		out[i] = merged[i].Clone()
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(entities []Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].CreatedAt.After(entities[j].CreatedAt)
	})
}
