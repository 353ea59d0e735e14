package messages

import "time"

// Transitions reported in FulfillmentStatusChanged.
const (
	TransitionMarkedShipped     = "marked_shipped"
	TransitionInTransit         = "in_transit"
	TransitionMarkedDelivered   = "marked_delivered"
	TransitionDeliveredMetadata = "delivered_metadata"
	TransitionNotDelivered      = "not_delivered"
	TransitionCanceled          = "canceled"
	TransitionReturned          = "returned"
	TransitionStatusUpdate      = "status_update"
)

// FulfillmentStatusChanged is emitted after the reconciler wrote to a
// fulfillment, for downstream notification consumers.
type FulfillmentStatusChanged struct {
	EventID       string `json:"event_id"`
	FulfillmentID string `json:"fulfillment_id"`
	ProviderID    string `json:"provider_id"`

	ParcelID       int64  `json:"parcel_id"`
	TrackingNumber string `json:"tracking_number"`

	Status     string `json:"status"`
	StatusRaw  string `json:"status_raw"`
	Transition string `json:"transition"`

	OccurredAt time.Time `json:"occurred_at"`
}
