package fake

import (
	"context"
	"hash/fnv"
	"strconv"

	"github.com/BearBump/ParcelSync/internal/integrations/sendcloud"
)

// FakeClient is a deterministic stand-in for the Sendcloud API, used when no
// API credentials are configured. Roughly one parcel in five reports Delivered.
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) GetParcel(ctx context.Context, parcelID int64) (sendcloud.ParcelResult, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(parcelID, 10)))
	v := h.Sum32()

	status := sendcloud.ParcelStatus{ID: 3, Message: "En route to sorting center"}
	if v%5 == 0 {
		status = sendcloud.ParcelStatus{ID: 11, Message: "Delivered"}
	}

	return sendcloud.ParcelResult{
		Parcel: sendcloud.Parcel{
			ID:             parcelID,
			TrackingNumber: "FAKE" + strconv.FormatInt(parcelID, 10),
			Status:         &status,
		},
	}, nil
}
