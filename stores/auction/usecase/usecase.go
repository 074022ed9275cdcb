package usecase

import (
	"errors"
	"time"

	"github.com/viney-shih/goroutines"

	"github.com/x-xyz/bidengine/base/backoff"
	"github.com/x-xyz/bidengine/base/clock"
	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/base/metrics"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/balance"
	"github.com/x-xyz/bidengine/domain/bid"
	"github.com/x-xyz/bidengine/domain/broadcast"
	"github.com/x-xyz/bidengine/domain/eventstream"
	"github.com/x-xyz/bidengine/service/cache"
	"github.com/x-xyz/bidengine/service/gate"
)

type EngineCfg struct {
	MaxConflictRetries int
	ConflictBackoff    time.Duration
	StoreRetries       int
	StoreBackoff       time.Duration
	BalanceRetries     int
	BalanceBackoff     time.Duration
	MaxCascadeSteps    int
	// HistoryLimit bounds bid history reads and join snapshots
	HistoryLimit int
	RedactBidder bool
}

func (cfg *EngineCfg) setDefaults() {
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 3
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = 2
	}
	if cfg.BalanceRetries < 0 {
		cfg.BalanceRetries = 0
	}
	if cfg.MaxCascadeSteps <= 0 {
		cfg.MaxCascadeSteps = 64
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
}

type AuctionUseCaseCfg struct {
	AuctionRepo auction.Repo
	BidRepo     bid.Repo
	Gate        gate.Gate
	Balance     balance.Provider
	// Publisher, Producer, Timer and Cache are optional
	Publisher broadcast.Publisher
	Producer  eventstream.Producer
	Timer     auction.Timer
	Cache     cache.Service
	Clock     clock.Clock
	Engine    EngineCfg
}

type impl struct {
	auctionRepo auction.Repo
	bidRepo     bid.Repo
	gate        gate.Gate
	balance     balance.Provider
	publisher   broadcast.Publisher
	producer    eventstream.Producer
	timer       auction.Timer
	cache       cache.Service
	now         clock.Clock
	cfg         EngineCfg
	met         metrics.Service
	// eventPool has a single worker so events leave in commit order
	eventPool *goroutines.Pool
}

func New(cfg *AuctionUseCaseCfg) auction.UseCase {
	engine := cfg.Engine
	engine.setDefaults()

	im := &impl{
		auctionRepo: cfg.AuctionRepo,
		bidRepo:     cfg.BidRepo,
		gate:        cfg.Gate,
		balance:     cfg.Balance,
		publisher:   cfg.Publisher,
		producer:    cfg.Producer,
		timer:       cfg.Timer,
		cache:       cfg.Cache,
		now:         cfg.Clock,
		cfg:         engine,
		met:         metrics.New("auction"),
		eventPool:   goroutines.NewPool(1, goroutines.WithTaskQueueLength(4096), goroutines.WithPreAllocWorkers(1)),
	}
	if im.now == nil {
		im.now = clock.System
	}
	if im.gate == nil {
		im.gate = gate.New(gate.Config{LockTimeout: 5 * time.Second})
	}
	if im.publisher == nil {
		im.publisher = nopPublisher{}
	}
	if im.timer == nil {
		im.timer = nopTimer{}
	}
	return im
}

type nopPublisher struct{}

func (nopPublisher) PublishBidAccepted(ctx.Ctx, *auction.Auction, *bid.Bid)  {}
func (nopPublisher) PublishBidCancelled(ctx.Ctx, *auction.Auction, *bid.Bid) {}
func (nopPublisher) NotifyOutbid(ctx.Ctx, *auction.Auction, string)          {}
func (nopPublisher) PublishExtended(ctx.Ctx, *auction.Auction)               {}
func (nopPublisher) PublishEnded(ctx.Ctx, *auction.Auction)                  {}

type nopTimer struct{}

func (nopTimer) Arm(ctx.Ctx, *auction.Auction) {}

// withGate runs fn while holding the auction, mapping gate failures to typed errors
func (im *impl) withGate(c ctx.Ctx, id string, fn func() error) error {
	release, err := im.gate.Acquire(c, id)
	if err == domain.ErrLockTimeout {
		im.met.BumpSum("gate.timeout", 1)
		return auction.ErrConcurrencyConflict.With(err)
	} else if err != nil {
		c.WithFields(log.Fields{"err": err, "auctionId": id}).Error("gate.Acquire failed")
		return auction.ErrServiceUnavailable.With(err)
	}
	defer release()
	return fn()
}

// isStoreFailure reports errors that did not come from a decision of the
// engine or the store, e.g. timeouts and dropped connections
func isStoreFailure(err error) bool {
	return !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrBadParamInput)
}

// retry runs fn until it succeeds. A lost version race or a store failure
// reruns fn from a fresh read, so fn must not have committed anything when
// it returns one of them.
func (im *impl) retry(c ctx.Ctx, fn func() error) error {
	conflicts, failures := 0, 0
	cb := backoff.NewExponential(im.cfg.ConflictBackoff, 16*im.cfg.ConflictBackoff)
	sb := backoff.NewExponential(im.cfg.StoreBackoff, 16*im.cfg.StoreBackoff)
	for {
		err := fn()
		if err == nil {
			return nil
		}

		if _, ok := auction.AsError(err); ok {
			return err
		}

		var wait *backoff.Backoff
		switch {
		case errors.Is(err, domain.ErrConflict):
			conflicts++
			im.met.BumpSum("conflict", 1)
			if conflicts > im.cfg.MaxConflictRetries {
				c.WithField("err", err).Warn("conflict retries exhausted")
				return auction.ErrConcurrencyConflict.With(err)
			}
			wait = cb
		case isStoreFailure(err):
			failures++
			if failures > im.cfg.StoreRetries {
				c.WithField("err", err).Error("store retries exhausted")
				return auction.ErrStoreUnavailable.With(err)
			}
			wait = sb
		default:
			return err
		}

		if berr := wait.Backoff(c); berr != nil {
			return auction.ErrServiceUnavailable.With(berr)
		}
	}
}

// load reads the auction for a write. Deleted auctions do not exist for the engine.
func (im *impl) load(c ctx.Ctx, id string) (*auction.Auction, error) {
	a, err := im.auctionRepo.FindOne(c, id)
	if err == domain.ErrNotFound {
		return nil, auction.ErrAuctionNotFound
	} else if err != nil {
		c.WithFields(log.Fields{"err": err, "auctionId": id}).Error("auctionRepo.FindOne failed")
		return nil, err
	}
	if a.Deleted {
		return nil, auction.ErrAuctionNotFound
	}
	return a, nil
}

// save persists next, a modified clone of a, and adopts it into a on success
func (im *impl) save(c ctx.Ctx, a, next *auction.Auction) error {
	next.UpdatedAt = im.now()
	if err := im.auctionRepo.Update(c, next); err != nil {
		if err != domain.ErrConflict {
			c.WithFields(log.Fields{"err": err, "auctionId": next.Id}).Error("auctionRepo.Update failed")
		}
		return err
	}
	*a = *next
	im.invalidate(c, a.Id)
	return nil
}

// invalidate drops the cached snapshot, the cache is keyed by auction id
func (im *impl) invalidate(c ctx.Ctx, id string) {
	if im.cache == nil {
		return
	}
	if err := im.cache.Del(c, id); err != nil {
		c.WithFields(log.Fields{"err": err, "auctionId": id}).Warn("cache.Del failed")
	}
}

func isOwner(a *auction.Auction, actor domain.Principal) bool {
	return actor.IsAdmin || a.SellerId == actor.UserId
}
