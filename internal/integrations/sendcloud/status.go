package sendcloud

import (
	"strings"

	"github.com/BearBump/ParcelSync/internal/models"
)

// statusTable maps normalized Sendcloud status messages to internal statuses.
// Sendcloud aggregates many carriers, so each group carries several synonyms.
var statusTable = map[string]models.FulfillmentStatus{
	// pending / created
	"pending":         models.FulfillmentStatusPending,
	"created":         models.FulfillmentStatusPending,
	"ready to send":   models.FulfillmentStatusPending,
	"no label":        models.FulfillmentStatusPending,
	"being announced": models.FulfillmentStatusPending,
	"label created":   models.FulfillmentStatusPending,

	// shipped / announced / in transit
	"announced":                        models.FulfillmentStatusShipped,
	"shipped":                          models.FulfillmentStatusShipped,
	"in transit":                       models.FulfillmentStatusShipped,
	"en route to sorting center":       models.FulfillmentStatusShipped,
	"en route to sorting centre":       models.FulfillmentStatusShipped,
	"at sorting center":                models.FulfillmentStatusShipped,
	"at sorting centre":                models.FulfillmentStatusShipped,
	"at sorting":                       models.FulfillmentStatusShipped,
	"being sorted":                     models.FulfillmentStatusShipped,
	"sorted":                           models.FulfillmentStatusShipped,
	"driver en route":                  models.FulfillmentStatusShipped,
	"out for delivery":                 models.FulfillmentStatusShipped,
	"shipment picked up by driver":     models.FulfillmentStatusShipped,
	"parcel en route":                  models.FulfillmentStatusShipped,
	"at customs":                       models.FulfillmentStatusShipped,
	"awaiting customer pickup":         models.FulfillmentStatusShipped,
	"delivery delayed":                 models.FulfillmentStatusShipped,
	"delivery will be attempted again": models.FulfillmentStatusShipped,

	// delivered / picked up
	"delivered":              models.FulfillmentStatusDelivered,
	"picked up":              models.FulfillmentStatusDelivered,
	"parcel picked up":       models.FulfillmentStatusDelivered,
	"picked up by customer":  models.FulfillmentStatusDelivered,
	"delivered to neighbour": models.FulfillmentStatusDelivered,
	"delivered to neighbor":  models.FulfillmentStatusDelivered,
	"delivered at mailbox":   models.FulfillmentStatusDelivered,

	// delivery failed
	"not delivered":           models.FulfillmentStatusNotDelivered,
	"delivery failed":         models.FulfillmentStatusNotDelivered,
	"delivery attempt failed": models.FulfillmentStatusNotDelivered,
	"unable to deliver":       models.FulfillmentStatusNotDelivered,
	"address invalid":         models.FulfillmentStatusNotDelivered,
	"refused by recipient":    models.FulfillmentStatusNotDelivered,
	"exception":               models.FulfillmentStatusNotDelivered,

	// canceled / deleted
	"cancelled":              models.FulfillmentStatusCanceled,
	"canceled":               models.FulfillmentStatusCanceled,
	"cancelled upstream":     models.FulfillmentStatusCanceled,
	"cancellation requested": models.FulfillmentStatusCanceled,
	"deleted":                models.FulfillmentStatusCanceled,

	// returned
	"returned":           models.FulfillmentStatusReturned,
	"returned to sender": models.FulfillmentStatusReturned,
	"return to sender":   models.FulfillmentStatusReturned,
	"being returned":     models.FulfillmentStatusReturned,
}

// DefaultStatus is used for messages missing from the table: an unknown
// message is most likely an intermediate transit state.
const DefaultStatus = models.FulfillmentStatusShipped

func NormalizeStatusMessage(message string) string {
	return strings.ToLower(strings.TrimSpace(message))
}

// LookupStatus reports the mapped status and whether the message is known.
func LookupStatus(message string) (models.FulfillmentStatus, bool) {
	s, ok := statusTable[NormalizeStatusMessage(message)]
	return s, ok
}

// ClassifyStatus maps a free-text carrier status onto the internal enum.
func ClassifyStatus(message string) models.FulfillmentStatus {
	if s, ok := LookupStatus(message); ok {
		return s
	}
	return DefaultStatus
}
