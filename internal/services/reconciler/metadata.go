package reconciler

import (
	"time"

	"github.com/BearBump/ParcelSync/internal/integrations/sendcloud"
	"github.com/BearBump/ParcelSync/internal/models"
)

// statusFields are the carrier status keys refreshed on every event.
func statusFields(p *sendcloud.Parcel, status models.FulfillmentStatus, occurredAt time.Time) map[string]any {
	md := map[string]any{
		models.MetaStatus:         p.Status.Message,
		models.MetaStatusID:       p.Status.ID,
		models.MetaInternalStatus: string(status),
		models.MetaLastUpdate:     formatTime(occurredAt),
		models.MetaTrackingNumber: p.TrackingNumber,
	}
	if p.ID != 0 {
		md[models.MetaParcelID] = p.ID
	}
	if p.TrackingURL != "" {
		md[models.MetaTrackingURL] = p.TrackingURL
	}
	if code := p.CarrierCode(); code != "" {
		md[models.MetaCarrier] = code
	}
	return md
}

// mergeMetadata returns a copy of base with fields applied on top.
func mergeMetadata(base, fields map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(fields))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func hasMarker(md map[string]any, key string) bool {
	v, ok := md[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return true
}

// setMarker records the first occurrence of a transition; later events keep it.
func setMarker(md map[string]any, key string, at time.Time) {
	if !hasMarker(md, key) {
		md[key] = formatTime(at)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
