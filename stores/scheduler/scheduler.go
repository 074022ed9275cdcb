package scheduler

import (
	"sync"
	"time"

	"github.com/viney-shih/goroutines"

	"github.com/x-xyz/bidengine/base/clock"
	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/goroutine"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/base/metrics"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
)

type Config struct {
	Interval time.Duration
	// Workers bounds the auctions handled in parallel by one sweep
	Workers int
	// ScanLimit bounds the auctions one scan picks up, the rest wait for the next tick
	ScanLimit int
	// Timers arms a timer for the next deadline of every auction it is told about
	Timers bool
	Clock  clock.Clock
}

func (cfg *Config) setDefaults() {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 500
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System
	}
}

// Report counts what one sweep did
type Report struct {
	Activated  int
	Closed     int
	Resumed    int
	Reconciled int
	Failed     int
}

type deadline struct {
	at    time.Time
	timer *time.Timer
}

// Scheduler drives auctions through their lifecycle. A periodic sweep
// activates, closes and repairs whatever is due; per auction timers make the
// common case fire on time.
type Scheduler struct {
	cfg Config
	met metrics.Service

	mu      sync.Mutex
	uc      auction.UseCase
	base    ctx.Ctx
	timers  map[string]*deadline
	started bool
	stopped bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg Config) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:    cfg,
		met:    metrics.New("scheduler"),
		timers: map[string]*deadline{},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the sweep every interval until c is done or Stop is called
func (s *Scheduler) Start(c ctx.Ctx, uc auction.UseCase) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.uc = uc
	s.base = ctx.Detach(c)
	s.mu.Unlock()

	goroutine.RecoverableGo(func() {
		s.loop(c)
	}, goroutine.WithName("scheduler"), goroutine.WithAfterEnded(func() {
		close(s.doneCh)
	}))
}

func (s *Scheduler) loop(c ctx.Ctx) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(c)
	for {
		select {
		case <-c.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(c)
		}
	}
}

// Stop ends the sweep and drops every armed timer
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	for id, d := range s.timers {
		d.timer.Stop()
		delete(s.timers, id)
	}
	close(s.stopCh)
	s.mu.Unlock()

	if started {
		<-s.doneCh
	}
}

func (s *Scheduler) useCase() auction.UseCase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uc
}

type job struct {
	id  string
	ops []string
}

const (
	opReconcile = "reconcile"
	opActivate  = "activate"
	opClose     = "close"
	opResume    = "resume"
)

// Tick runs one sweep. A failure on one auction is logged and counted; it
// never stops the sweep for the others.
func (s *Scheduler) Tick(c ctx.Ctx) Report {
	defer s.met.BumpTime("sweep.time").End()

	var report Report
	uc := s.useCase()
	if uc == nil {
		return report
	}
	now := s.cfg.Clock()

	jobs := []*job{}
	byId := map[string]*job{}
	scan := func(op string, opts ...auction.FindAllOptionsFunc) {
		opts = append(opts, auction.WithPagination(0, int32(s.cfg.ScanLimit)))
		as, err := uc.FindAll(c, opts...)
		if err != nil {
			report.Failed++
			s.met.BumpSum("err", 1, "op", "scan."+op)
			c.WithFields(log.Fields{"err": err, "op": op}).Error("scan failed")
			return
		}
		for _, a := range as {
			j, ok := byId[a.Id]
			if !ok {
				j = &job{id: a.Id}
				byId[a.Id] = j
				jobs = append(jobs, j)
			}
			j.ops = append(j.ops, op)
		}
	}
	// a pending ledger is repaired before anything else touches the auction
	scan(opReconcile, auction.WithLedgerPending(true))
	scan(opActivate, auction.WithStatus(auction.StatusScheduled), auction.WithStartTimeLTE(now), auction.WithSort("startTime", domain.SortDirAsc))
	scan(opClose, auction.WithStatus(auction.StatusActive), auction.WithEndTimeLTE(now), auction.WithSort("endTime", domain.SortDirAsc))
	scan(opResume, auction.WithStatus(auction.StatusEnded, auction.StatusCancelled), auction.WithCloseNotified(false))
	if len(jobs) == 0 {
		return report
	}

	b := goroutines.NewBatch(s.cfg.Workers, goroutines.WithBatchSize(len(jobs)))
	defer b.Close()
	for _, j := range jobs {
		j := j
		b.Queue(func() (interface{}, error) {
			return s.run(c, uc, j), nil
		})
	}
	b.QueueComplete()

	for ret := range b.Results() {
		r := ret.Value().(Report)
		report.Activated += r.Activated
		report.Closed += r.Closed
		report.Resumed += r.Resumed
		report.Reconciled += r.Reconciled
		report.Failed += r.Failed
	}
	s.met.BumpSum("failed", float64(report.Failed))
	return report
}

// run applies the ops of one auction in order and stops at the first failure
func (s *Scheduler) run(c ctx.Ctx, uc auction.UseCase, j *job) Report {
	var r Report
	c = ctx.WithValue(c, "auctionId", j.id)
	for _, op := range j.ops {
		var err error
		switch op {
		case opReconcile:
			if err = uc.Reconcile(c, j.id); err == nil {
				r.Reconciled++
			}
		case opActivate:
			var a *auction.Auction
			if a, err = uc.Activate(c, j.id); err == nil {
				r.Activated++
				// the whole auction may have elapsed while nobody looked
				if !s.cfg.Clock().Before(a.EndTime) {
					if _, err = uc.Close(c, j.id); err == nil {
						r.Closed++
					}
				}
			}
		case opClose:
			if _, err = uc.Close(c, j.id); err == nil {
				r.Closed++
			}
		case opResume:
			if err = uc.ResumeCloseNotification(c, j.id); err == nil {
				r.Resumed++
			}
		}

		if err == nil {
			continue
		}
		if isBenign(err) {
			c.WithFields(log.Fields{"err": err, "op": op}).Debug("auction moved on")
			continue
		}
		r.Failed++
		s.met.BumpSum("err", 1, "op", op)
		c.WithFields(log.Fields{"err": err, "op": op}).Error("lifecycle step failed, retried next tick")
		return r
	}
	return r
}

// isBenign reports errors caused by the auction changing between the scan and
// the step, e.g. an extension or a concurrent close
func isBenign(err error) bool {
	e, ok := auction.AsError(err)
	if !ok {
		return false
	}
	switch e.Reason {
	case auction.ReasonInvalidTransition, auction.ReasonAuctionNotStarted, auction.ReasonAuctionNotFound:
		return true
	}
	return false
}
