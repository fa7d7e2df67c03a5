package sync

import (
	"context"
	"errors"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/store"
)

func isCancelled(err error) bool {
	return errors.Is(err, ErrSyncCancelled)
}

// ForcePull discards every local card and pending change and replaces them
// with the full remote dataset.
func (e *Engine) ForcePull(ctx context.Context) (Result, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	return e.guarded(ctx, func(ctx context.Context) (Result, error) {
		var res Result

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
		records, err := e.pull(ctx, sess, 0)
		if err != nil {
			return res, err
		}
		res.Pulled = len(records)

		if err := e.enter(ctx, Applying); err != nil {
			return res, err
		}
		cards := make([]domain.Card, 0, len(records))
		var head int64
		for _, r := range records {
			cards = append(cards, r.Card)
			head = max(head, r.Revision)
		}
		now := domain.UTC(e.now())
		meta := domain.SyncMetadata{
			DeviceID:           e.store.DeviceID(),
			LastSyncAt:         &now,
			LastRemoteRevision: head,
		}
		if err := e.store.ReplaceAll(context.WithoutCancel(ctx), cards, meta); err != nil {
			return res, err
		}
		res.Applied = len(cards)

		e.logger.Info("replaced local dataset with remote", "cards", len(cards), "remote_revision", head)
		return res, nil
	})
}

// ForceReplace discards the remote dataset and uploads every local card,
// tombstones included.
func (e *Engine) ForceReplace(ctx context.Context) (Result, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	return e.guarded(ctx, func(ctx context.Context) (Result, error) {
		var res Result

		if err := e.enter(ctx, Connecting); err != nil {
			return res, err
		}
		sess, err := e.authenticate(ctx)
		if err != nil {
			return res, err
		}

		if err := e.enter(ctx, Pushing); err != nil {
			return res, err
		}
		// The pending snapshot is taken first: any write landing after it
		// stays queued and is pushed by the next cycle.
		snap, err := e.store.PendingSnapshot(ctx)
		if err != nil {
			return res, err
		}
		cards, err := e.store.All(ctx)
		if err != nil {
			return res, err
		}
		head, err := e.replace(ctx, sess, cards)
		if err != nil {
			return res, err
		}
		res.Pushed = len(cards)
		res.Accepted = len(cards)

		// The remote has been replaced; finalize even if ctx is cancelled
		// now so the store does not keep looking unsynced.
		if err := e.enter(context.WithoutCancel(ctx), Finalizing); err != nil {
			return res, err
		}
		synced := make(map[string]int64, len(cards))
		for _, c := range cards {
			synced[c.ID] = c.Revision
		}
		now := domain.UTC(e.now())
		err = e.store.Complete(context.WithoutCancel(ctx), store.Completion{
			ThroughSeq: snap.MaxSeq,
			Synced:     synced,
			Metadata: domain.SyncMetadata{
				DeviceID:           e.store.DeviceID(),
				LastSyncAt:         &now,
				LastRemoteRevision: head,
			},
		})
		if err != nil {
			return res, err
		}

		e.logger.Info("replaced remote dataset with local", "cards", len(cards), "remote_revision", head)
		return res, nil
	})
}
