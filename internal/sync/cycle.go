package sync

import (
	"context"
	"fmt"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/events"
	"github.com/conorfennell/knolsync/internal/remote"
	"github.com/conorfennell/knolsync/internal/store"
)

// resolve keeps a locally modified card only when it beats the remote version
// in the domain total order. Unmodified local cards always take the remote.
func resolve(local domain.Card, pending bool, incoming domain.Card) store.Decision {
	if !pending || domain.Wins(incoming, local) {
		return store.TakeRemote
	}
	return store.KeepLocal
}

// runCycle is the body shared by concurrent Sync callers.
func (e *Engine) runCycle(ctx context.Context) (Result, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	return e.guarded(ctx, e.incremental)
}

// guarded wraps one operation with the started, completed and failed
// events.
func (e *Engine) guarded(ctx context.Context, op func(ctx context.Context) (Result, error)) (Result, error) {
	start := e.now()
	e.publish(ctx, events.SyncStarted, nil)

	res, err := op(ctx)
	if err != nil {
		if ctx.Err() != nil && !isCancelled(err) {
			err = fmt.Errorf("%w: %w", ErrSyncCancelled, err)
		}
		e.fail(ctx, err)
		return Result{}, err
	}
	res.Duration = e.now().Sub(start)
	e.succeed(ctx, res)
	return res, nil
}

func (e *Engine) incremental(ctx context.Context) (Result, error) {
	var res Result

	meta, err := e.store.Metadata(ctx)
	if err != nil {
		return res, err
	}

	if err := e.enter(ctx, Connecting); err != nil {
		return res, err
	}
	sess, err := e.authenticate(ctx)
	if err != nil {
		return res, err
	}

	if err := e.enter(ctx, Pulling); err != nil {
		return res, err
	}
	records, err := e.pull(ctx, sess, meta.LastRemoteRevision)
	if err != nil {
		return res, err
	}
	res.Pulled = len(records)

	if meta.IsFirstSync() {
		local, err := e.store.Count(ctx, false)
		if err != nil {
			return res, err
		}
		if remoteLive := liveRecords(records); local > 0 && remoteLive > 0 {
			e.logger.Warn("first sync found cards on both sides", "local", local, "remote", remoteLive)
			return res, ErrConflictUnresolved
		}
	}

	if err := e.enter(ctx, Applying); err != nil {
		return res, err
	}
	stats, lastSeen, err := e.apply(ctx, records, meta.LastRemoteRevision)
	if err != nil {
		return res, err
	}
	res.Applied = stats.Applied
	res.Conflicts = stats.Conflicts
	res.LocalWins = stats.LocalWins
	res.RemoteWins = stats.RemoteWins

	if err := e.enter(ctx, Pushing); err != nil {
		return res, err
	}
	snap, err := e.store.PendingSnapshot(ctx)
	if err != nil {
		return res, err
	}
	changes := changesFrom(snap)
	synced, err := e.pushAll(ctx, sess, changes, &res)
	if err != nil {
		return res, err
	}

	if err := e.enter(ctx, Finalizing); err != nil {
		return res, err
	}
	now := domain.UTC(e.now())
	err = e.store.Complete(context.WithoutCancel(ctx), store.Completion{
		ThroughSeq: snap.MaxSeq,
		Synced:     synced,
		Metadata: domain.SyncMetadata{
			DeviceID:           e.store.DeviceID(),
			LastSyncAt:         &now,
			LastRemoteRevision: lastSeen,
		},
	})
	if err != nil {
		return res, err
	}

	if e.cfg.TombstoneRetention > 0 {
		purged, err := e.store.PurgeTombstones(context.WithoutCancel(ctx), now.Add(-e.cfg.TombstoneRetention))
		if err != nil {
			// The cycle itself has been committed; a failed purge is retried
			// next time.
			e.logger.Warn("failed to purge tombstones", "error", err)
		}
		res.Purged = purged
	}
	return res, nil
}

// apply merges records in batches, one transaction per batch. Applying runs
// to completion once started, so it ignores cancellation. It returns the
// highest remote revision seen.
func (e *Engine) apply(ctx context.Context, records []remote.Record, lastSeen int64) (store.MergeStats, int64, error) {
	var total store.MergeStats
	applyCtx := context.WithoutCancel(ctx)

	for start := 0; start < len(records); start += e.cfg.ApplyBatchSize {
		end := min(start+e.cfg.ApplyBatchSize, len(records))
		batch := make([]domain.Card, 0, end-start)
		for _, r := range records[start:end] {
			batch = append(batch, r.Card)
			lastSeen = max(lastSeen, r.Revision)
		}

		stats, err := e.store.MergeRemote(applyCtx, batch, resolve)
		if err != nil {
			return total, 0, err
		}
		total.Add(stats)
		e.logger.Debug("applied remote batch", "size", len(batch), "applied", stats.Applied, "conflicts", stats.Conflicts)
	}
	return total, lastSeen, nil
}

// changesFrom turns the pending log into one change per card, carrying the
// card row captured with the snapshot, in order of first appearance.
func changesFrom(snap store.Snapshot) []remote.Change {
	seen := make(map[string]bool, len(snap.Cards))
	changes := make([]remote.Change, 0, len(snap.Cards))
	for _, pc := range snap.Changes {
		if seen[pc.CardID] {
			continue
		}
		seen[pc.CardID] = true

		card := snap.Cards[pc.CardID]
		typ := domain.ChangeUpsert
		if card.IsDeleted() {
			typ = domain.ChangeDelete
		}
		changes = append(changes, remote.Change{Type: typ, Card: card})
	}
	return changes
}

// pushAll pushes changes in batches. Nothing is consumed locally until every
// batch has been answered, so a failure leaves the whole snapshot queued.
// It returns the revisions the remote confirmed, keyed by card id.
func (e *Engine) pushAll(ctx context.Context, sess remote.Session, changes []remote.Change, res *Result) (map[string]int64, error) {
	revisions := make(map[string]int64, len(changes))
	for _, ch := range changes {
		revisions[ch.Card.ID] = ch.Card.Revision
	}

	synced := make(map[string]int64, len(changes))
	for start := 0; start < len(changes); start += e.cfg.PushBatchSize {
		end := min(start+e.cfg.PushBatchSize, len(changes))
		pr, err := e.push(ctx, sess, changes[start:end])
		if err != nil {
			return nil, err
		}
		for _, id := range pr.Accepted {
			if rev, ok := revisions[id]; ok {
				synced[id] = rev
			}
		}
		for _, r := range pr.Rejected {
			e.logger.Warn("remote rejected change", "card_id", r.ID, "reason", r.Reason)
		}
		res.Accepted += len(pr.Accepted)
		res.Rejected += len(pr.Rejected)
	}
	res.Pushed = len(changes)
	return synced, nil
}
