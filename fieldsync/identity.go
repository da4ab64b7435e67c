// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
)

// IdentityResolver migrates a locally generated identity to the remote one
type IdentityResolver struct {
	cols   *collections
	logger *slog.Logger
}

// Migrate rewrites the record whose LocalID is localID so that its effective
// and remote IDs become remoteID and it is marked synced. All other fields are
// preserved. Another record already stored under remoteID (e.g. a cached copy
// from a remote read) is dropped. Missing records are a no-op, so retries are safe.
func (r *IdentityResolver) Migrate(ctx context.Context, kind Kind, localID, remoteID string) error {
	if localID == "" || remoteID == "" {
		return fmt.Errorf("migrate %s %s: empty identifier", kind, localID)
	}
	return r.cols.update(ctx, kind, func(entities []Entity) ([]Entity, bool, error) {
		target := -1
		for i := range entities {
			if entities[i].LocalID == localID {
				target = i
				break
			}
		}
		if target < 0 {
			r.logger.Debug("migrate: no local record, nothing to do", "kind", kind, "local_id", localID)
			return entities, false, nil
		}

		cur := entities[target]
		changed := cur.ID != remoteID || cur.RemoteID != remoteID || !cur.Synced
		cur.ID = remoteID
		cur.RemoteID = remoteID
		cur.Synced = true
		entities[target] = cur

		out := entities[:0]
		for i, e := range entities {
			if i != target && e.ID == remoteID {
				changed = true
				continue
			}
			out = append(out, e)
		}
		if changed {
			r.logger.Debug("identity migrated", "kind", kind, "local_id", localID, "remote_id", remoteID)
		}
		return out, changed, nil
	})
}
