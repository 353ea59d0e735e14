package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type FulfillmentStatus string

// Internal fulfillment statuses. Carrier vocabulary is mapped onto these.
const (
	FulfillmentStatusPending      FulfillmentStatus = "pending"
	FulfillmentStatusShipped      FulfillmentStatus = "shipped"
	FulfillmentStatusDelivered    FulfillmentStatus = "delivered"
	FulfillmentStatusNotDelivered FulfillmentStatus = "not_delivered"
	FulfillmentStatusCanceled     FulfillmentStatus = "canceled"
	FulfillmentStatusReturned     FulfillmentStatus = "returned"
)

// Terminal reports whether no further carrier progress is expected.
func (s FulfillmentStatus) Terminal() bool {
	switch s {
	case FulfillmentStatusDelivered, FulfillmentStatusCanceled, FulfillmentStatusReturned:
		return true
	default:
		return false
	}
}

// Metadata keys written by the Sendcloud reconciler.
const (
	MetaStatus         = "sendcloud_status"
	MetaStatusID       = "sendcloud_status_id"
	MetaInternalStatus = "sendcloud_internal_status"
	MetaLastUpdate     = "sendcloud_last_update"
	MetaParcelID       = "sendcloud_parcel_id"
	MetaTrackingNumber = "sendcloud_tracking_number"
	MetaTrackingURL    = "sendcloud_tracking_url"
	MetaCarrier        = "sendcloud_carrier"

	MetaShippedAt      = "sendcloud_shipped_at"
	MetaDeliveredAt    = "sendcloud_delivered_at"
	MetaNotDeliveredAt = "sendcloud_not_delivered_at"
	MetaCanceledAt     = "sendcloud_canceled_at"
	MetaReturnedAt     = "sendcloud_returned_at"
)

// Keys inside Fulfillment.Data set by the provider integration.
const (
	DataParcelID       = "parcel_id"
	DataTrackingNumber = "tracking_number"
)

type Fulfillment struct {
	ID          string
	ProviderID  string
	Data        map[string]any
	Metadata    map[string]any
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	CanceledAt  *time.Time
	Labels      []*FulfillmentLabel

	NextSyncAt    time.Time
	SyncFailCount int32
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type FulfillmentLabel struct {
	ID             uint64
	FulfillmentID  string
	TrackingNumber string
	TrackingURL    string
	LabelURL       string
	CreatedAt      time.Time
}

type FulfillmentCreateInput struct {
	ID         string
	ProviderID string
	Data       map[string]any
	Metadata   map[string]any
	Labels     []FulfillmentLabelInput
}

type FulfillmentLabelInput struct {
	TrackingNumber string
	TrackingURL    string
	LabelURL       string
}

// ParcelID reads the Sendcloud parcel id from Data. JSON decoding leaves it
// as float64, older rows store it as a string.
func (f *Fulfillment) ParcelID() (int64, bool) {
	if f == nil {
		return 0, false
	}
	switch n := f.Data[DataParcelID].(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
