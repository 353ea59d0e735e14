package resync

import (
	"math/rand"
	"time"

	"github.com/BearBump/ParcelSync/internal/models"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	TerminalDelay time.Duration // default: 365 days

	ShippedMinDelay time.Duration // default: 30 minutes
	ShippedMaxDelay time.Duration // default: 120 minutes

	OtherDelay time.Duration // default: 60 minutes

	Backoff1 time.Duration // default: 5 minutes
	Backoff2 time.Duration // default: 15 minutes
	Backoff3 time.Duration // default: 30 minutes
	Backoff4 time.Duration // default: 60 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		TerminalDelay: 365 * 24 * time.Hour,

		ShippedMinDelay: 30 * time.Minute,
		ShippedMaxDelay: 120 * time.Minute,

		OtherDelay: 60 * time.Minute,

		Backoff1: 5 * time.Minute,
		Backoff2: 15 * time.Minute,
		Backoff3: 30 * time.Minute,
		Backoff4: 60 * time.Minute,
	}
}

// Planner decides when a fulfillment's parcel is polled again.
type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	orDefault := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	orDefault(&cfg.TerminalDelay, def.TerminalDelay)
	orDefault(&cfg.ShippedMinDelay, def.ShippedMinDelay)
	orDefault(&cfg.ShippedMaxDelay, def.ShippedMaxDelay)
	orDefault(&cfg.OtherDelay, def.OtherDelay)
	orDefault(&cfg.Backoff1, def.Backoff1)
	orDefault(&cfg.Backoff2, def.Backoff2)
	orDefault(&cfg.Backoff3, def.Backoff3)
	orDefault(&cfg.Backoff4, def.Backoff4)
	if cfg.ShippedMaxDelay < cfg.ShippedMinDelay {
		cfg.ShippedMaxDelay = cfg.ShippedMinDelay
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

// NextSyncDelay spreads shipped parcels over a random window so a batch
// claimed together does not come due together again.
func (p *Planner) NextSyncDelay(status models.FulfillmentStatus) time.Duration {
	if status.Terminal() {
		return p.cfg.TerminalDelay
	}
	if status != models.FulfillmentStatusShipped {
		return p.cfg.OtherDelay
	}
	lo := int(p.cfg.ShippedMinDelay.Seconds())
	hi := int(p.cfg.ShippedMaxDelay.Seconds())
	if hi <= lo {
		return p.cfg.ShippedMinDelay
	}
	return time.Duration(lo+p.r.Intn(hi-lo+1)) * time.Second
}

func (p *Planner) BackoffDelay(nextFailCount int32) time.Duration {
	switch {
	case nextFailCount <= 1:
		return p.cfg.Backoff1
	case nextFailCount == 2:
		return p.cfg.Backoff2
	case nextFailCount == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
