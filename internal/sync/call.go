package sync

import (
	"context"
	"errors"

	"github.com/sethvargo/go-retry"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/remote"
)

func (e *Engine) backoff() retry.Backoff {
	b := retry.NewExponential(e.cfg.Retry.InitialDelay)
	b = retry.WithCappedDuration(e.cfg.Retry.MaxDelay, b)
	return retry.WithMaxRetries(e.cfg.Retry.MaxAttempts-1, b)
}

// call runs fn with a per-attempt timeout, retrying transient failures with
// exponential backoff. A timed-out attempt counts as transient.
func (e *Engine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !remote.IsRetryable(err) {
			err = remote.Transient(op, err)
		}
		if remote.IsRetryable(err) {
			e.logger.Warn("remote call failed, will retry",
				"op", op,
				"attempt", attempt,
				"max_attempts", e.cfg.Retry.MaxAttempts,
				"error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (e *Engine) authenticate(ctx context.Context) (remote.Session, error) {
	var sess remote.Session
	err := e.call(ctx, "authenticate", func(ctx context.Context) error {
		var err error
		sess, err = e.remote.Authenticate(ctx, e.cfg.Credentials)
		return err
	})
	return sess, err
}

func (e *Engine) pull(ctx context.Context, sess remote.Session, since int64) ([]remote.Record, error) {
	var records []remote.Record
	err := e.call(ctx, "pull", func(ctx context.Context) error {
		var err error
		records, err = e.remote.Pull(ctx, sess, since)
		return err
	})
	return records, err
}

func (e *Engine) push(ctx context.Context, sess remote.Session, changes []remote.Change) (remote.PushResult, error) {
	var res remote.PushResult
	err := e.call(ctx, "push", func(ctx context.Context) error {
		var err error
		res, err = e.remote.Push(ctx, sess, changes)
		return err
	})
	return res, err
}

func (e *Engine) replace(ctx context.Context, sess remote.Session, cards []domain.Card) (int64, error) {
	var head int64
	err := e.call(ctx, "replace", func(ctx context.Context) error {
		var err error
		head, err = e.remote.Replace(ctx, sess, cards)
		return err
	})
	return head, err
}
