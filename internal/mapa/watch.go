package mapa

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ChangeKind says what another actor did to a parameter's rows.
type ChangeKind string

const (
	ChangeSaved  ChangeKind = "saved"
	ChangeSigned ChangeKind = "signed"
)

// Change announces that rows of a parameter were persisted by some actor.
type Change struct {
	ParameterID int64      `json:"parameter_id"`
	Rows        []int64    `json:"rows"`
	Actor       int64      `json:"actor"`
	Kind        ChangeKind `json:"kind"`
}

// ChangeFeed delivers changes for one parameter. The channel is closed when
// ctx is done or the feed fails.
type ChangeFeed interface {
	Subscribe(ctx context.Context, parameterID int64) (<-chan Change, error)
}

// Watch refreshes the session whenever another actor changes the parameter,
// so the guard sees fresher snapshots without waiting for the next save.
// onConflict, if set, receives the rows each refresh marked conflicted. It
// blocks until ctx is done, the feed closes or the session is closed.
func (s *Session) Watch(ctx context.Context, feed ChangeFeed, onConflict func([]int64)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes, err := feed.Subscribe(ctx, s.parameterID)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case ch, ok := <-changes:
			if !ok {
				return nil
			}
			if ch.ParameterID != s.parameterID || ch.Actor == s.userID {
				continue
			}
			conflicted, err := s.Refresh(ctx)
			if errors.Is(err, ErrSessionClosed) {
				return nil
			}
			if err != nil {
				s.logger.Warn("refresh after change failed", zap.String("kind", string(ch.Kind)), zap.Error(err))
				continue
			}
			if len(conflicted) > 0 && onConflict != nil {
				onConflict(conflicted)
			}
		}
	}
}
