package scheduler

import (
	"errors"
	"time"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/domain/auction"
)

var errStepFailed = errors.New("lifecycle step failed")

// Arm sets a timer for the next deadline of a: its start while scheduled,
// its end while active. Arming again with a moved deadline replaces the
// timer, a terminal auction loses its timer. Missed timers are caught by the
// sweep.
func (s *Scheduler) Arm(c ctx.Ctx, a *auction.Auction) {
	if !s.cfg.Timers {
		return
	}

	var at time.Time
	switch a.Status {
	case auction.StatusScheduled:
		at = a.StartTime
	case auction.StatusActive:
		at = a.EndTime
	default:
		s.disarm(a.Id)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if d, ok := s.timers[a.Id]; ok {
		if d.at.Equal(at) {
			return
		}
		d.timer.Stop()
	}

	wait := at.Sub(s.cfg.Clock())
	if wait < 0 {
		wait = 0
	}
	id := a.Id
	s.timers[id] = &deadline{
		at: at,
		timer: time.AfterFunc(wait, func() {
			s.fire(id, at)
		}),
	}
	s.met.BumpSum("timer.armed", 1)
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.timers[id]; ok {
		d.timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) armed(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return d.at, true
}

func (s *Scheduler) fire(id string, at time.Time) {
	s.mu.Lock()
	if d, ok := s.timers[id]; ok && d.at.Equal(at) {
		delete(s.timers, id)
	}
	uc, base, stopped := s.uc, s.base, s.stopped
	s.mu.Unlock()
	if uc == nil || stopped {
		return
	}

	c := ctx.WithValue(base, "auctionId", id)
	s.met.BumpSum("timer.fired", 1)
	if err := s.advance(c, uc, id); err != nil {
		s.met.BumpSum("err", 1, "op", "timer")
		c.WithField("err", err).Warn("timer step failed, left to the sweep")
	}
}

// advance moves one auction on according to its current status
func (s *Scheduler) advance(c ctx.Ctx, uc auction.UseCase, id string) error {
	a, err := uc.FindOne(c, id)
	if err != nil {
		if isBenign(err) {
			return nil
		}
		return err
	}

	ops := []string{}
	if a.LedgerPending {
		ops = append(ops, opReconcile)
	}
	switch a.Status {
	case auction.StatusScheduled:
		ops = append(ops, opActivate)
	case auction.StatusActive:
		ops = append(ops, opClose)
	case auction.StatusEnded, auction.StatusCancelled:
		if !a.CloseNotified {
			ops = append(ops, opResume)
		}
	}

	r := s.run(c, uc, &job{id: id, ops: ops})
	if r.Failed > 0 {
		return errStepFailed
	}
	c.WithFields(log.Fields{"ops": ops}).Debug("timer fired")
	return nil
}
