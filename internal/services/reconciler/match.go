package reconciler

import (
	"strings"

	"github.com/BearBump/ParcelSync/internal/integrations/sendcloud"
	"github.com/BearBump/ParcelSync/internal/models"
)

type matcher struct {
	name  string
	match func(f *models.Fulfillment, p *sendcloud.Parcel) bool
}

// matchers are tried in order over the whole fetched list. The parcel id is
// only stored by the Sendcloud provider path, older fulfillments carry only
// tracking numbers.
var matchers = []matcher{
	{name: "parcel_id", match: matchParcelID},
	{name: "label_tracking_number", match: matchLabelTrackingNumber},
	{name: "data_tracking_number", match: matchDataTrackingNumber},
}

// findFulfillment returns the first fulfillment matched by the highest
// priority matcher, and that matcher's name.
func findFulfillment(fs []*models.Fulfillment, p *sendcloud.Parcel) (*models.Fulfillment, string) {
	for _, m := range matchers {
		for _, f := range fs {
			if f != nil && m.match(f, p) {
				return f, m.name
			}
		}
	}
	return nil, ""
}

func matchParcelID(f *models.Fulfillment, p *sendcloud.Parcel) bool {
	if p.ID == 0 {
		return false
	}
	id, ok := f.ParcelID()
	return ok && id == p.ID
}

func matchLabelTrackingNumber(f *models.Fulfillment, p *sendcloud.Parcel) bool {
	for _, l := range f.Labels {
		if l != nil && sameTrackingNumber(l.TrackingNumber, p.TrackingNumber) {
			return true
		}
	}
	return false
}

func matchDataTrackingNumber(f *models.Fulfillment, p *sendcloud.Parcel) bool {
	s, ok := f.Data[models.DataTrackingNumber].(string)
	return ok && sameTrackingNumber(s, p.TrackingNumber)
}

func sameTrackingNumber(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
