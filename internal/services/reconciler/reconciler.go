package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/ParcelSync/internal/broker/messages"
	"github.com/BearBump/ParcelSync/internal/cache"
	"github.com/BearBump/ParcelSync/internal/integrations/sendcloud"
	"github.com/BearBump/ParcelSync/internal/logger"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the fulfillment record store the reconciler reads and updates.
type Store interface {
	ListByProvider(ctx context.Context, providerID string) ([]*models.Fulfillment, error)
	MarkShipped(ctx context.Context, id string, shippedAt time.Time, metadata map[string]any) error
	MarkDelivered(ctx context.Context, id string) error
	UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Result is the webhook response body. It is always sent with HTTP 200.
type Result struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	FulfillmentID string `json:"fulfillment_id,omitempty"`
	DurationMS    *int64 `json:"duration_ms,omitempty"`
}

type source string

const (
	sourceWebhook source = "webhook"
	sourceResync  source = "resync"
)

type Reconciler struct {
	store      Store
	providerID string

	cache     cache.BytesCache
	dedupeTTL time.Duration
	seenTTL   time.Duration

	producer Producer
	topic    string

	webhookSecret string

	log *zap.Logger
	now func() time.Time
}

func New(store Store, providerID string) *Reconciler {
	if providerID == "" {
		providerID = "sendcloud"
	}
	return &Reconciler{
		store:      store,
		providerID: providerID,
		log:        zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithCache enables duplicate suppression (dedupeTTL) and parcel-seen
// markers for the resync worker (seenTTL). Zero TTLs disable either.
func (r *Reconciler) WithCache(c cache.BytesCache, dedupeTTL, seenTTL time.Duration) *Reconciler {
	r.cache = c
	r.dedupeTTL = dedupeTTL
	r.seenTTL = seenTTL
	return r
}

func (r *Reconciler) WithProducer(p Producer, topic string) *Reconciler {
	r.producer = p
	r.topic = topic
	return r
}

func (r *Reconciler) WithWebhookSecret(secret string) *Reconciler {
	r.webhookSecret = secret
	return r
}

func (r *Reconciler) WithLogger(l *zap.Logger) *Reconciler {
	if l != nil {
		r.log = l
	}
	return r
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// HandleWebhook verifies and decodes a raw webhook body, then reconciles it.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte, signature string) Result {
	log := logger.FromContextOr(ctx, r.log)

	if r.webhookSecret != "" && !sendcloud.VerifySignature(r.webhookSecret, body, signature) {
		log.Warn("sendcloud webhook signature mismatch")
		return Result{Success: false, Message: "Invalid webhook signature"}
	}

	ev, err := sendcloud.DecodeEvent(body)
	if err != nil {
		log.Warn("sendcloud webhook payload is not valid JSON", zap.Error(err))
		return Result{Success: false, Message: "Invalid JSON payload"}
	}
	return r.handle(ctx, ev, sourceWebhook)
}

// Handle reconciles an already decoded carrier event.
func (r *Reconciler) Handle(ctx context.Context, ev sendcloud.Event) Result {
	return r.handle(ctx, ev, sourceWebhook)
}

// HandleObservation reconciles a parcel status polled by the resync worker.
func (r *Reconciler) HandleObservation(ctx context.Context, m messages.ParcelStatusObserved) Result {
	ev := sendcloud.Event{
		Action: sendcloud.ActionParcelStatusChanged,
		Parcel: &sendcloud.Parcel{
			ID:             m.ParcelID,
			TrackingNumber: m.TrackingNumber,
			TrackingURL:    m.TrackingURL,
			Status:         &sendcloud.ParcelStatus{ID: m.StatusID, Message: m.StatusMessage},
		},
		Timestamp: sendcloud.Timestamp{Time: m.ObservedAt},
	}
	if m.CarrierCode != "" {
		ev.Parcel.Carrier = &sendcloud.ParcelCarrier{Code: m.CarrierCode}
	}
	return r.handle(ctx, ev, sourceResync)
}

func (r *Reconciler) handle(ctx context.Context, ev sendcloud.Event, src source) Result {
	started := time.Now()
	log := logger.FromContextOr(ctx, r.log).With(zap.String("source", string(src)))

	if missing := ev.MissingFields(); len(missing) > 0 {
		log.Warn("sendcloud event missing fields", zap.Strings("missing", missing))
		return Result{Success: false, Message: "Missing required fields: " + strings.Join(missing, ", ")}
	}
	if action := strings.TrimSpace(ev.Action); action != sendcloud.ActionParcelStatusChanged {
		log.Debug("sendcloud action ignored", zap.String("action", action))
		return Result{Success: true, Message: fmt.Sprintf("Action '%s' acknowledged but not processed", action)}
	}

	p := ev.Parcel
	status := sendcloud.ClassifyStatus(p.Status.Message)
	receivedAt := r.now()
	occurredAt := ev.Timestamp.Time
	if occurredAt.IsZero() {
		occurredAt = receivedAt
	}
	log = log.With(
		zap.Int64("parcel_id", p.ID),
		zap.String("tracking_number", p.TrackingNumber),
		zap.String("carrier_status", p.Status.Message),
		zap.String("status", string(status)),
	)

	eventKey := ""
	if r.cache != nil && r.dedupeTTL > 0 && !ev.Timestamp.IsZero() {
		key := cache.EventKey(p.ID, p.TrackingNumber, p.Status.ID, ev.Timestamp.Time)
		fresh, err := r.cache.SetNX(ctx, key, []byte(status), r.dedupeTTL)
		switch {
		case err != nil:
			log.Warn("dedupe check failed, processing anyway", zap.Error(err))
		case !fresh:
			log.Info("duplicate sendcloud event ignored")
			return Result{Success: true, Message: "Duplicate event ignored"}
		default:
			eventKey = key
		}
	}

	res := r.reconcile(ctx, log, p, status, occurredAt, receivedAt, src)
	res.DurationMS = durationMS(started)

	if !res.Success && eventKey != "" {
		if err := r.cache.Del(ctx, eventKey); err != nil {
			log.Warn("release dedupe key", zap.Error(err))
		}
	}
	return res
}

func (r *Reconciler) reconcile(
	ctx context.Context,
	log *zap.Logger,
	p *sendcloud.Parcel,
	status models.FulfillmentStatus,
	occurredAt, receivedAt time.Time,
	src source,
) Result {
	fs, err := r.store.ListByProvider(ctx, r.providerID)
	if err != nil {
		log.Error("list fulfillments", zap.String("provider_id", r.providerID), zap.Error(err))
		return Result{Success: false, Message: "Failed to look up fulfillments"}
	}

	f, matchedBy := findFulfillment(fs, p)
	if f == nil {
		log.Info("no matching fulfillment for sendcloud parcel", zap.Int("candidates", len(fs)))
		return Result{Success: true, Message: "No matching fulfillment found"}
	}
	log = log.With(zap.String("fulfillment_id", f.ID), zap.String("matched_by", matchedBy))

	out, err := r.apply(ctx, log, f, p, status, occurredAt, receivedAt)
	if err != nil {
		log.Error("apply fulfillment update", zap.Error(err))
		return Result{Success: false, Message: out.message, FulfillmentID: f.ID}
	}
	log.Info("fulfillment reconciled", zap.String("transition", out.transition))

	r.publish(ctx, log, f, p, status, out.transition, receivedAt)
	if src == sourceWebhook {
		r.markSeen(ctx, log, p, status)
	}
	return Result{Success: true, Message: out.message, FulfillmentID: f.ID}
}

type outcome struct {
	message    string
	transition string
}

func (r *Reconciler) apply(
	ctx context.Context,
	log *zap.Logger,
	f *models.Fulfillment,
	p *sendcloud.Parcel,
	status models.FulfillmentStatus,
	occurredAt, receivedAt time.Time,
) (outcome, error) {
	md := mergeMetadata(f.Metadata, statusFields(p, status, occurredAt))

	switch status {
	case models.FulfillmentStatusShipped:
		if f.DeliveredAt != nil {
			return r.updateMetadata(ctx, f.ID, md, outcome{
				message:    "Fulfillment already delivered, status recorded",
				transition: messages.TransitionStatusUpdate,
			})
		}
		if f.ShippedAt == nil && !hasMarker(f.Metadata, models.MetaShippedAt) {
			md[models.MetaShippedAt] = formatTime(receivedAt)
			if err := r.store.MarkShipped(ctx, f.ID, receivedAt, md); err != nil {
				return outcome{message: "Failed to mark fulfillment as shipped"}, err
			}
			return outcome{message: "Fulfillment marked as shipped", transition: messages.TransitionMarkedShipped}, nil
		}
		return r.updateMetadata(ctx, f.ID, md, outcome{
			message:    "In-transit update recorded",
			transition: messages.TransitionInTransit,
		})

	case models.FulfillmentStatusDelivered:
		setMarker(md, models.MetaDeliveredAt, receivedAt)
		if err := r.store.MarkDelivered(ctx, f.ID); err != nil {
			// Rejected when already delivered or canceled elsewhere.
			log.Warn("mark delivered failed, recording delivery in metadata", zap.Error(err))
			return r.updateMetadata(ctx, f.ID, md, outcome{
				message:    "Delivery recorded in metadata",
				transition: messages.TransitionDeliveredMetadata,
			})
		}
		if err := r.store.UpdateMetadata(ctx, f.ID, md); err != nil {
			return outcome{message: "Fulfillment marked as delivered but metadata update failed"}, err
		}
		return outcome{message: "Fulfillment marked as delivered", transition: messages.TransitionMarkedDelivered}, nil

	case models.FulfillmentStatusNotDelivered:
		setMarker(md, models.MetaNotDeliveredAt, receivedAt)
		return r.updateMetadata(ctx, f.ID, md, outcome{
			message:    "Delivery failure recorded",
			transition: messages.TransitionNotDelivered,
		})

	case models.FulfillmentStatusCanceled:
		setMarker(md, models.MetaCanceledAt, receivedAt)
		return r.updateMetadata(ctx, f.ID, md, outcome{
			message:    "Cancellation recorded",
			transition: messages.TransitionCanceled,
		})

	case models.FulfillmentStatusReturned:
		setMarker(md, models.MetaReturnedAt, receivedAt)
		return r.updateMetadata(ctx, f.ID, md, outcome{
			message:    "Return recorded",
			transition: messages.TransitionReturned,
		})

	default:
		return r.updateMetadata(ctx, f.ID, md, outcome{
			message:    "Status update recorded",
			transition: messages.TransitionStatusUpdate,
		})
	}
}

func (r *Reconciler) updateMetadata(ctx context.Context, id string, md map[string]any, ok outcome) (outcome, error) {
	if err := r.store.UpdateMetadata(ctx, id, md); err != nil {
		return outcome{message: "Failed to update fulfillment metadata"}, err
	}
	return ok, nil
}

func (r *Reconciler) publish(
	ctx context.Context,
	log *zap.Logger,
	f *models.Fulfillment,
	p *sendcloud.Parcel,
	status models.FulfillmentStatus,
	transition string,
	at time.Time,
) {
	if r.producer == nil || r.topic == "" {
		return
	}
	b, err := json.Marshal(messages.FulfillmentStatusChanged{
		EventID:        uuid.NewString(),
		FulfillmentID:  f.ID,
		ProviderID:     r.providerID,
		ParcelID:       p.ID,
		TrackingNumber: p.TrackingNumber,
		Status:         string(status),
		StatusRaw:      p.Status.Message,
		Transition:     transition,
		OccurredAt:     at,
	})
	if err != nil {
		log.Error("marshal fulfillment status event", zap.Error(err))
		return
	}
	if err := r.producer.Publish(ctx, r.topic, []byte(f.ID), b); err != nil {
		log.Error("publish fulfillment status event", zap.String("topic", r.topic), zap.Error(err))
	}
}

func (r *Reconciler) markSeen(ctx context.Context, log *zap.Logger, p *sendcloud.Parcel, status models.FulfillmentStatus) {
	if r.cache == nil || r.seenTTL <= 0 || p.ID == 0 {
		return
	}
	if err := r.cache.Set(ctx, cache.ParcelSeenKey(p.ID), []byte(status), r.seenTTL); err != nil {
		log.Warn("mark parcel seen", zap.Error(err))
	}
}

func durationMS(started time.Time) *int64 {
	ms := time.Since(started).Milliseconds()
	return &ms
}
