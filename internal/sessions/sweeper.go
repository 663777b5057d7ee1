package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/examprep/backend/internal/models"
)

const sweepBatch = 100

// ── Background Workers ──────────────────────────────────

// StartExpirySweeper expires overdue sessions and retries pending grading
// handoffs every interval until ctx is done.
func (s *Service) StartExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Log.Info("expiry sweeper started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			s.Log.Info("expiry sweeper shutting down")
			return
		case <-ticker.C:
			expired, handed, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.Log.Error("sweep failed", "error", err)
				continue
			}
			if expired > 0 || handed > 0 {
				s.Log.Info("sweep complete", "expired", expired, "handed_off", handed)
			}
		}
	}
}

// Sweep runs one expiry and handoff pass.
func (s *Service) Sweep(ctx context.Context) (expired, handedOff int, err error) {
	now := s.now()
	ids, err := s.Repo.ListExpirable(ctx, now, sweepBatch)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		_, err := s.Repo.Mutate(ctx, id, func(sess *models.ExamSession) (bool, error) {
			if !sess.Status.Active() || now.Before(sess.DeadlineAt) {
				return false, nil
			}
			return expire(sess)
		})
		if err != nil {
			s.Log.Warn("expire session", "session_id", id, "error", err)
			continue
		}
		expired++
	}

	ids, err = s.Repo.ListPendingHandoff(ctx, sweepBatch)
	if err != nil {
		return expired, 0, err
	}
	for _, id := range ids {
		sess, err := s.Repo.Get(ctx, id)
		if err != nil {
			s.Log.Warn("load session for handoff", "session_id", id, "error", err)
			continue
		}
		if s.handOff(ctx, sess) != nil {
			handedOff++
		}
	}
	return expired, handedOff, nil
}
