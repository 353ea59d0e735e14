package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores the value only if the key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// EventKey identifies one carrier status delivery for duplicate suppression.
// The tracking number keeps parcels without an id apart.
func EventKey(parcelID int64, trackingNumber string, statusID int, timestamp time.Time) string {
	tn := strings.ToUpper(strings.TrimSpace(trackingNumber))
	return fmt.Sprintf("sendcloud:event:%d:%s:%d:%d", parcelID, tn, statusID, timestamp.UnixMilli())
}

// ParcelSeenKey marks a parcel whose status recently arrived by webhook.
func ParcelSeenKey(parcelID int64) string {
	return fmt.Sprintf("sendcloud:parcel:%d:seen", parcelID)
}
