package messages

import "time"

// ParcelStatusObserved is published by the resync worker after polling the
// Sendcloud API and consumed by the webhook process.
type ParcelStatusObserved struct {
	EventID       string `json:"event_id"`
	FulfillmentID string `json:"fulfillment_id,omitempty"`

	ParcelID       int64  `json:"parcel_id"`
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url,omitempty"`
	CarrierCode    string `json:"carrier_code,omitempty"`

	StatusID      int    `json:"status_id"`
	StatusMessage string `json:"status_message"`

	ObservedAt time.Time `json:"observed_at"`
}
