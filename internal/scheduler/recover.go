package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skylapse/brain/internal/queue"
	"github.com/skylapse/brain/internal/store"
	"github.com/skylapse/brain/pkg/metrics"
)

// Recover rebuilds prev_active from whatever sessions the store still shows
// as active, per spec §5: a session whose window has already ended by the
// time the process restarts is closed and queued for assembly immediately;
// a session still inside its window is resumed without reopening it.
func (s *Scheduler) Recover(ctx context.Context) error {
	cfg, _ := s.configStore.Snapshot()

	active, err := s.sessions.ListActiveSessions()
	if err != nil {
		return err
	}

	now := s.clk.Now()
	var resumed int

	for _, sess := range active {
		sch, ok := cfg.ScheduleByID(sess.ScheduleID)
		if !ok {
			if s.log != nil {
				s.log.Warn("recovered session references unknown schedule, closing", zap.String("session_id", sess.ID), zap.String("schedule_id", sess.ScheduleID))
			}
			s.recoverCloseSession(ctx, sess, now)
			continue
		}

		win, err := s.solarCalc.Window(cfg.Location, sch, parseDateLocal(sess.DateLocal))
		if err != nil {
			if s.log != nil {
				s.log.Warn("recovered session's window could not be recomputed, closing", zap.String("session_id", sess.ID), zap.Error(err))
			}
			s.recoverCloseSession(ctx, sess, now)
			continue
		}

		if now.After(win.End) {
			if s.log != nil {
				s.log.Info("recovered session's window already ended, closing", zap.String("session_id", sess.ID))
			}
			s.recoverCloseSession(ctx, sess, now)
			continue
		}

		s.prevActive[sch.ID] = true
		resumed++
		if s.log != nil {
			s.log.Info("resumed session inside its window", zap.String("session_id", sess.ID), zap.String("schedule_id", sch.ID))
		}
	}

	metrics.SessionsOpen.Set(float64(resumed))
	return nil
}

func (s *Scheduler) recoverCloseSession(ctx context.Context, sess store.Session, now time.Time) {
	if err := s.sessions.CloseSession(sess.ID, now, store.SessionClosed); err != nil {
		if s.log != nil {
			s.log.Error("recover: close_session failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
		return
	}
	s.clearExposureHistory(sess.ID)
	if sess.CaptureCount > 0 {
		if _, err := s.jobs.Enqueue(ctx, queue.KindAssembleVideo, map[string]string{"session_id": sess.ID}, sess.ID); err != nil {
			if s.log != nil {
				s.log.Error("recover: enqueue assemble_video failed", zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
	}
}
