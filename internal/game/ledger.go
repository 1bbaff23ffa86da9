package game

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/DoyleJ11/hero-quiz-backend/internal/engine"
	"github.com/DoyleJ11/hero-quiz-backend/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const PointsPerCorrectGuess = 100

const maxConcurrentAwards = 16

// Ledger applies score changes through the store's atomic increment. A
// read-then-write is never used for scores.
type Ledger struct {
	store store.Store
	log   *zap.Logger
}

func NewLedger(s store.Store, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: s, log: log}
}

func (l *Ledger) Increment(ctx context.Context, roomID, userID string, delta int64) (int64, error) {
	score, err := l.store.AtomicIncrement(ctx, engine.ScorePath(roomID, userID), delta)
	if err != nil {
		return 0, fmt.Errorf("increment score %s: %w", userID, err)
	}
	return score, nil
}

// Ensure creates a zero score entry unless one exists.
func (l *Ledger) Ensure(ctx context.Context, roomID, userID string) (int64, error) {
	return l.Increment(ctx, roomID, userID, 0)
}

// ErrAwardPending reports a member whose award another reveal has claimed
// but not yet committed.
var ErrAwardPending = errors.New("award is still being applied by another reveal")

// AwardOnce credits each user at most once per mark prefix, concurrently,
// and waits for all of them. A mark is claimed before the score changes and
// committed after; committed users are skipped, so a failed award can be
// retried without double counting. Users claimed by someone else but not yet
// committed yield ErrAwardPending.
func (l *Ledger) AwardOnce(ctx context.Context, roomID, markPrefix string, awards map[string]int64) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	g.SetLimit(maxConcurrentAwards)
	for userID, delta := range awards {
		g.Go(func() error {
			if err := l.awardOnce(ctx, roomID, markPrefix+"/"+userID, userID, delta); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (l *Ledger) awardOnce(ctx context.Context, roomID, mark, userID string, delta int64) error {
	claim, done := mark+"/claim", mark+"/done"

	held, err := l.store.AtomicIncrement(ctx, claim, 1)
	if err != nil {
		return fmt.Errorf("claim award %s: %w", userID, err)
	}
	if held > 1 {
		if _, err := l.store.AtomicIncrement(ctx, claim, -1); err != nil {
			l.log.Warn("release duplicate award claim", zap.String("user", userID), zap.Error(err))
		}
		committed, err := l.store.Exists(ctx, done)
		if err != nil {
			return fmt.Errorf("check award %s: %w", userID, err)
		}
		if committed {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAwardPending, userID)
	}

	if _, err := l.Increment(ctx, roomID, userID, delta); err != nil {
		return multierr.Append(err, l.release(ctx, claim, userID))
	}
	if err := l.store.Write(ctx, done, true); err != nil {
		// undo the credit so the award stays retryable
		err = fmt.Errorf("commit award %s: %w", userID, err)
		if _, uerr := l.Increment(ctx, roomID, userID, -delta); uerr != nil {
			l.log.Error("award credited but not committed", zap.String("user", userID), zap.Error(uerr))
			return multierr.Append(err, uerr)
		}
		return multierr.Append(err, l.release(ctx, claim, userID))
	}
	return nil
}

func (l *Ledger) release(ctx context.Context, claim, userID string) error {
	if _, err := l.store.AtomicIncrement(ctx, claim, -1); err != nil {
		return fmt.Errorf("release award claim %s: %w", userID, err)
	}
	return nil
}
