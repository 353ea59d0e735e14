package resync

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ParcelSync/internal/broker/messages"
	"github.com/BearBump/ParcelSync/internal/cache"
	"github.com/BearBump/ParcelSync/internal/integrations/sendcloud"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Repository interface {
	ClaimUnsettled(ctx context.Context, providerID string, now time.Time, limit int, lease time.Duration) ([]*models.Fulfillment, error)
	ScheduleSync(ctx context.Context, id string, nextAt time.Time, failed bool) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// SeenCache tells whether a webhook recently delivered a parcel's status.
type SeenCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

var errNoParcelID = errors.New("fulfillment has no sendcloud parcel id")

// Worker polls the Sendcloud API for fulfillments whose webhooks may have
// been lost and publishes what it sees for the reconciler.
type Worker struct {
	repo     Repository
	client   sendcloud.Client
	producer Producer
	rl       RateLimiter
	seen     SeenCache
	log      *zap.Logger

	topic      string
	providerID string

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	publishAttempts    int
	publishRetryDelay  time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalSkipped        atomic.Int64
	totalThrottled      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, client sendcloud.Client, producer Producer, rl RateLimiter, topic, providerID string) *Worker {
	if providerID == "" {
		providerID = "sendcloud"
	}
	return &Worker{
		repo:               repo,
		client:             client,
		producer:           producer,
		rl:                 rl,
		log:                zap.NewNop(),
		topic:              topic,
		providerID:         providerID,
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		pollInterval:       30 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 120,
		publishAttempts:    10,
		publishRetryDelay:  150 * time.Millisecond,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (w *Worker) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Worker {
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if lease > 0 {
		w.lease = lease
	}
	if rlPerMin > 0 {
		w.rateLimitPerMinute = rlPerMin
	}
	return w
}

func (w *Worker) WithPlanner(cfg PlannerConfig) *Worker {
	w.planner = NewPlanner(cfg, nil)
	return w
}

// WithSeenCache skips API polls for parcels whose webhook arrived recently.
func (w *Worker) WithSeenCache(c SeenCache) *Worker {
	w.seen = c
	return w
}

func (w *Worker) WithLogger(l *zap.Logger) *Worker {
	if l != nil {
		w.log = l
	}
	return w
}

func (w *Worker) withPublishRetryDelay(publishDelay time.Duration) *Worker {
	w.publishRetryDelay = publishDelay
	return w
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (w *Worker) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalSkipped   int64      `json:"totalSkipped"`
	TotalThrottled int64      `json:"totalThrottled"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (w *Worker) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalClaimed:   w.totalClaimed.Load(),
		TotalProcessed: w.totalProcessed.Load(),
		TotalSkipped:   w.totalSkipped.Load(),
		TotalThrottled: w.totalThrottled.Load(),
		TotalErrors:    w.totalErrors.Load(),
		InFlight:       w.inFlight.Load(),
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.runOnce(ctx)
		case <-w.triggerCh:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) setLastError(err error) {
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()
}

func (w *Worker) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	w.lastCycleUnixNano.Store(now.UnixNano())

	items, err := w.repo.ClaimUnsettled(ctx, w.providerID, now, w.batchSize, w.lease)
	if err != nil {
		w.log.Error("claim unsettled fulfillments", zap.Error(err))
		w.setLastError(err)
		return
	}
	w.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, f := range items {
		sem <- struct{}{}
		wg.Add(1)
		w.inFlight.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := w.processOne(ctx, f); err != nil {
				w.totalErrors.Add(1)
				w.setLastError(err)
				w.log.Error("resync fulfillment", zap.String("fulfillment_id", f.ID), zap.Error(err))
			}
			w.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (w *Worker) processOne(ctx context.Context, f *models.Fulfillment) error {
	now := time.Now().UTC()

	parcelID, ok := f.ParcelID()
	if !ok {
		return w.fail(ctx, f, now, errNoParcelID)
	}

	if w.seen != nil {
		_, found, err := w.seen.Get(ctx, cache.ParcelSeenKey(parcelID))
		if err != nil {
			w.log.Warn("parcel seen lookup", zap.Int64("parcel_id", parcelID), zap.Error(err))
		}
		if found {
			w.totalSkipped.Add(1)
			return w.schedule(ctx, f, now.Add(w.planner.NextSyncDelay(models.FulfillmentStatusShipped)), false)
		}
	}

	if w.rl != nil && w.rateLimitPerMinute > 0 {
		minuteKey := "rl:sendcloud:" + now.Format("200601021504")
		allowed, n, err := w.rl.Allow(ctx, minuteKey, w.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			return w.fail(ctx, f, now, err)
		}
		if !allowed {
			// Retry once the next window opens; the API is not called.
			w.totalThrottled.Add(1)
			w.log.Warn("sendcloud rate limit exceeded", zap.Int64("count", n), zap.String("fulfillment_id", f.ID))
			return w.schedule(ctx, f, now.Truncate(time.Minute).Add(time.Minute), false)
		}
	}

	res, err := w.client.GetParcel(ctx, parcelID)
	if err != nil {
		return w.fail(ctx, f, now, errors.Wrapf(err, "get parcel %d", parcelID))
	}
	if res.Parcel.Status == nil {
		return w.fail(ctx, f, now, errors.Errorf("parcel %d has no status", parcelID))
	}

	observedAt := now
	if res.UpdatedAt != nil {
		observedAt = res.UpdatedAt.UTC()
	}
	msg := messages.ParcelStatusObserved{
		EventID:        uuid.NewString(),
		FulfillmentID:  f.ID,
		ParcelID:       parcelID,
		TrackingNumber: res.Parcel.TrackingNumber,
		TrackingURL:    res.Parcel.TrackingURL,
		CarrierCode:    res.Parcel.CarrierCode(),
		StatusID:       res.Parcel.Status.ID,
		StatusMessage:  res.Parcel.Status.Message,
		ObservedAt:     observedAt,
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}
	if err := w.publish(ctx, []byte(strconv.FormatInt(parcelID, 10)), b); err != nil {
		return w.fail(ctx, f, now, err)
	}

	status := sendcloud.ClassifyStatus(msg.StatusMessage)
	return w.schedule(ctx, f, now.Add(w.planner.NextSyncDelay(status)), false)
}

// publish retries because Kafka may not accept writes right after startup.
func (w *Worker) publish(ctx context.Context, key, value []byte) error {
	var pubErr error
	for i := 0; i < w.publishAttempts; i++ {
		if pubErr = w.producer.Publish(ctx, w.topic, key, value); pubErr == nil {
			return nil
		}
		if i == w.publishAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "publish parcel observation")
		case <-time.After(time.Duration(i+1) * w.publishRetryDelay):
		}
	}
	return pubErr
}

func (w *Worker) fail(ctx context.Context, f *models.Fulfillment, now time.Time, cause error) error {
	next := now.Add(w.planner.BackoffDelay(f.SyncFailCount + 1))
	if err := w.schedule(ctx, f, next, true); err != nil {
		w.log.Error("schedule backoff", zap.String("fulfillment_id", f.ID), zap.Error(err))
	}
	return cause
}

func (w *Worker) schedule(ctx context.Context, f *models.Fulfillment, next time.Time, failed bool) error {
	return errors.Wrap(w.repo.ScheduleSync(ctx, f.ID, next, failed), "schedule sync")
}
