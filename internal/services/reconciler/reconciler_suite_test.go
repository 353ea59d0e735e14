package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/ParcelSync/internal/broker/messages"
	cachemocks "github.com/BearBump/ParcelSync/internal/cache/mocks"
	"github.com/BearBump/ParcelSync/internal/integrations/sendcloud"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	reconcilermocks "github.com/BearBump/ParcelSync/internal/services/reconciler/mocks"
)

const providerID = "sendcloud"

type ReconcilerSuite struct {
	suite.Suite

	store *reconcilermocks.MockStore
	now   time.Time
	rec   *Reconciler
}

func (s *ReconcilerSuite) SetupTest() {
	s.store = &reconcilermocks.MockStore{}
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.rec = New(s.store, providerID).WithClock(func() time.Time { return s.now })
}

func statusEvent(message string, statusID int) sendcloud.Event {
	return sendcloud.Event{
		Action: sendcloud.ActionParcelStatusChanged,
		Parcel: &sendcloud.Parcel{
			ID:             42,
			TrackingNumber: "T1",
			Status:         &sendcloud.ParcelStatus{ID: statusID, Message: message},
		},
	}
}

func fulfillmentWithParcel(id string, parcelID int64) *models.Fulfillment {
	return &models.Fulfillment{
		ID:         id,
		ProviderID: providerID,
		Data:       map[string]any{models.DataParcelID: float64(parcelID)},
		Metadata:   map[string]any{},
	}
}

func (s *ReconcilerSuite) TestAnnounced_MarksShippedOnce() {
	f := fulfillmentWithParcel("ful_1", 42)
	s.store.On("ListByProvider", mock.Anything, providerID).
		Return([]*models.Fulfillment{f}, nil).
		Once()
	s.store.On("MarkShipped", mock.Anything, "ful_1", s.now, mock.MatchedBy(func(md map[string]any) bool {
		return md[models.MetaShippedAt] == "2026-03-01T12:00:00Z" &&
			md[models.MetaStatus] == "announced" &&
			md[models.MetaStatusID] == 1
	})).Return(nil).Once()

	res := s.rec.Handle(context.Background(), statusEvent("announced", 1))
	s.Require().True(res.Success)
	s.Require().Equal("ful_1", res.FulfillmentID)
	s.Require().Equal("Fulfillment marked as shipped", res.Message)
	s.Require().NotNil(res.DurationMS)
	s.store.AssertExpectations(s.T())
	s.store.AssertNumberOfCalls(s.T(), "MarkShipped", 1)
	s.store.AssertNotCalled(s.T(), "UpdateMetadata", mock.Anything, mock.Anything, mock.Anything)
}

func (s *ReconcilerSuite) TestInTransit_AlreadyShipped_OnlyMetadata() {
	shippedAt := s.now.Add(-time.Hour)
	f := fulfillmentWithParcel("ful_1", 42)
	f.ShippedAt = &shippedAt
	f.Metadata = map[string]any{"note": "keep"}

	s.store.On("ListByProvider", mock.Anything, providerID).
		Return([]*models.Fulfillment{f}, nil).
		Once()
	s.store.On("UpdateMetadata", mock.Anything, "ful_1", mock.MatchedBy(func(md map[string]any) bool {
		return md["note"] == "keep" && md[models.MetaStatus] == "at sorting"
	})).Return(nil).Once()

	res := s.rec.Handle(context.Background(), statusEvent("at sorting", 3))
	s.Require().True(res.Success)
	s.Require().Equal("ful_1", res.FulfillmentID)
	s.store.AssertExpectations(s.T())
	s.store.AssertNotCalled(s.T(), "MarkShipped", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ReconcilerSuite) TestShipped_MarkerPresent_DoesNotMarkAgain() {
	f := fulfillmentWithParcel("ful_1", 42)
	f.Metadata = map[string]any{models.MetaShippedAt: "2026-02-28T10:00:00Z"}

	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{f}, nil).Once()
	s.store.On("UpdateMetadata", mock.Anything, "ful_1", mock.MatchedBy(func(md map[string]any) bool {
		return md[models.MetaShippedAt] == "2026-02-28T10:00:00Z"
	})).Return(nil).Once()

	res := s.rec.Handle(context.Background(), statusEvent("In Transit", 3))
	s.Require().True(res.Success)
	s.store.AssertNotCalled(s.T(), "MarkShipped", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ReconcilerSuite) TestShipped_AfterDelivered_NeverSetsShippedAt() {
	deliveredAt := s.now.Add(-time.Hour)
	f := fulfillmentWithParcel("ful_1", 42)
	f.DeliveredAt = &deliveredAt

	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{f}, nil).Once()
	s.store.On("UpdateMetadata", mock.Anything, "ful_1", mock.Anything).Return(nil).Once()

	res := s.rec.Handle(context.Background(), statusEvent("en route to sorting center", 3))
	s.Require().True(res.Success)
	s.store.AssertNotCalled(s.T(), "MarkShipped", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ReconcilerSuite) TestUnknownStatus_DefaultsToShipped() {
	f := fulfillmentWithParcel("ful_1", 42)
	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{f}, nil).Once()
	s.store.On("MarkShipped", mock.Anything, "ful_1", s.now, mock.MatchedBy(func(md map[string]any) bool {
		return md[models.MetaInternalStatus] == string(models.FulfillmentStatusShipped)
	})).Return(nil).Once()

	res := s.rec.Handle(context.Background(), statusEvent("Something the carrier invented", 999))
	s.Require().True(res.Success)
	s.store.AssertExpectations(s.T())
}

func (s *ReconcilerSuite) TestUnsupportedAction_AcknowledgedWithoutLookup() {
	ev := statusEvent("announced", 1)
	ev.Action = "label_created"

	res := s.rec.Handle(context.Background(), ev)
	s.Require().True(res.Success)
	s.Require().Contains(res.Message, "label_created")
	s.store.AssertNotCalled(s.T(), "ListByProvider", mock.Anything, mock.Anything)
}

func (s *ReconcilerSuite) TestMalformed_NoLookup() {
	ev := statusEvent("", 1)

	res := s.rec.Handle(context.Background(), ev)
	s.Require().False(res.Success)
	s.Require().Equal("Missing required fields: parcel.status.message", res.Message)
	s.store.AssertNotCalled(s.T(), "ListByProvider", mock.Anything, mock.Anything)

	res = s.rec.Handle(context.Background(), sendcloud.Event{Action: sendcloud.ActionParcelStatusChanged})
	s.Require().False(res.Success)
	s.Require().Contains(res.Message, "parcel")
	s.store.AssertNotCalled(s.T(), "ListByProvider", mock.Anything, mock.Anything)
}

func (s *ReconcilerSuite) TestNoMatch_SuccessWithoutMutation() {
	other := fulfillmentWithParcel("ful_9", 7)
	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{other}, nil).Once()

	res := s.rec.Handle(context.Background(), statusEvent("delivered", 11))
	s.Require().True(res.Success)
	s.Require().Equal("No matching fulfillment found", res.Message)
	s.Require().Empty(res.FulfillmentID)
	s.store.AssertNotCalled(s.T(), "MarkShipped", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	s.store.AssertNotCalled(s.T(), "MarkDelivered", mock.Anything, mock.Anything)
	s.store.AssertNotCalled(s.T(), "UpdateMetadata", mock.Anything, mock.Anything, mock.Anything)
}

func (s *ReconcilerSuite) TestLookupFailure() {
	s.store.On("ListByProvider", mock.Anything, providerID).
		Return(nil, errors.New("connection refused")).
		Once()

	res := s.rec.Handle(context.Background(), statusEvent("announced", 1))
	s.Require().False(res.Success)
	s.Require().NotContains(res.Message, "connection refused")
}

func (s *ReconcilerSuite) TestDelivered_MarksDeliveredAndRecordsMarker() {
	f := fulfillmentWithParcel("ful_1", 42)
	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{f}, nil).Once()
	s.store.On("MarkDelivered", mock.Anything, "ful_1").Return(nil).Once()
	s.store.On("UpdateMetadata", mock.Anything, "ful_1", mock.MatchedBy(func(md map[string]any) bool {
		return md[models.MetaDeliveredAt] == "2026-03-01T12:00:00Z"
	})).Return(nil).Once()

	res := s.rec.Handle(context.Background(), statusEvent("Delivered", 11))
	s.Require().True(res.Success)
	s.Require().Equal("Fulfillment marked as delivered", res.Message)
	s.store.AssertExpectations(s.T())
}

func (s *ReconcilerSuite) TestDelivered_TransitionFails_FallsBackToMetadata() {
	f := fulfillmentWithParcel("ful_1", 42)
	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{f}, nil).Once()
	s.store.On("MarkDelivered", mock.Anything, "ful_1").Return(errors.New("already delivered")).Once()
	s.store.On("UpdateMetadata", mock.Anything, "ful_1", mock.MatchedBy(func(md map[string]any) bool {
		_, ok := md[models.MetaDeliveredAt]
		return ok
	})).Return(nil).Once()

	res := s.rec.Handle(context.Background(), statusEvent("delivered", 11))
	s.Require().True(res.Success)
	s.Require().Equal("ful_1", res.FulfillmentID)
	s.store.AssertExpectations(s.T())
}

func (s *ReconcilerSuite) TestDelivered_FallbackAlsoFails() {
	f := fulfillmentWithParcel("ful_1", 42)
	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{f}, nil).Once()
	s.store.On("MarkDelivered", mock.Anything, "ful_1").Return(errors.New("already delivered")).Once()
	s.store.On("UpdateMetadata", mock.Anything, "ful_1", mock.Anything).Return(errors.New("db down")).Once()

	res := s.rec.Handle(context.Background(), statusEvent("delivered", 11))
	s.Require().False(res.Success)
	s.Require().Equal("ful_1", res.FulfillmentID)
}

func (s *ReconcilerSuite) TestCanceled_MarkerKeepsFirstOccurrence() {
	f := fulfillmentWithParcel("ful_1", 42)
	f.Metadata = map[string]any{models.MetaCanceledAt: "2026-01-01T00:00:00Z"}
	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{f}, nil).Once()
	s.store.On("UpdateMetadata", mock.Anything, "ful_1", mock.MatchedBy(func(md map[string]any) bool {
		return md[models.MetaCanceledAt] == "2026-01-01T00:00:00Z" && md[models.MetaStatus] == "Cancelled"
	})).Return(nil).Once()

	res := s.rec.Handle(context.Background(), statusEvent("Cancelled", 2000))
	s.Require().True(res.Success)
	s.store.AssertExpectations(s.T())
}

func (s *ReconcilerSuite) TestInformationalStatuses_RecordMarkers() {
	cases := []struct {
		message string
		marker  string
	}{
		{message: "Delivery failed", marker: models.MetaNotDeliveredAt},
		{message: "returned to sender", marker: models.MetaReturnedAt},
	}
	for _, tc := range cases {
		store := &reconcilermocks.MockStore{}
		rec := New(store, providerID).WithClock(func() time.Time { return s.now })
		store.On("ListByProvider", mock.Anything, providerID).
			Return([]*models.Fulfillment{fulfillmentWithParcel("ful_1", 42)}, nil).
			Once()
		marker := tc.marker
		store.On("UpdateMetadata", mock.Anything, "ful_1", mock.MatchedBy(func(md map[string]any) bool {
			return md[marker] == "2026-03-01T12:00:00Z"
		})).Return(nil).Once()

		res := rec.Handle(context.Background(), statusEvent(tc.message, 80))
		s.Require().True(res.Success, tc.message)
		store.AssertExpectations(s.T())
	}
}

func (s *ReconcilerSuite) TestPending_MetadataOnlyWithoutMarker() {
	f := fulfillmentWithParcel("ful_1", 42)
	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{f}, nil).Once()
	s.store.On("UpdateMetadata", mock.Anything, "ful_1", mock.MatchedBy(func(md map[string]any) bool {
		_, shipped := md[models.MetaShippedAt]
		return !shipped && md[models.MetaStatus] == "Ready to send" && md[models.MetaStatusID] == 1000
	})).Return(nil).Once()

	res := s.rec.Handle(context.Background(), statusEvent("Ready to send", 1000))
	s.Require().True(res.Success)
	s.store.AssertExpectations(s.T())
}

func (s *ReconcilerSuite) TestUpdateFailure_Surfaced() {
	f := fulfillmentWithParcel("ful_1", 42)
	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{f}, nil).Once()
	s.store.On("UpdateMetadata", mock.Anything, "ful_1", mock.Anything).Return(errors.New("boom")).Once()

	res := s.rec.Handle(context.Background(), statusEvent("pending", 1))
	s.Require().False(res.Success)
	s.Require().Equal("ful_1", res.FulfillmentID)
}

func (s *ReconcilerSuite) TestLastUpdate_UsesCarrierTimestamp() {
	ev := statusEvent("pending", 1)
	ev.Timestamp = sendcloud.Timestamp{Time: time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC)}
	f := fulfillmentWithParcel("ful_1", 42)
	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{f}, nil).Once()
	s.store.On("UpdateMetadata", mock.Anything, "ful_1", mock.MatchedBy(func(md map[string]any) bool {
		return md[models.MetaLastUpdate] == "2026-02-01T08:30:00Z"
	})).Return(nil).Once()

	res := s.rec.Handle(context.Background(), ev)
	s.Require().True(res.Success)
	s.store.AssertExpectations(s.T())
}

func (s *ReconcilerSuite) TestMatch_LabelTrackingNumberCaseInsensitive() {
	f := &models.Fulfillment{
		ID:     "ful_label",
		Labels: []*models.FulfillmentLabel{{TrackingNumber: " t1 "}},
	}
	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{f}, nil).Once()
	s.store.On("UpdateMetadata", mock.Anything, "ful_label", mock.Anything).Return(nil).Once()

	ev := statusEvent("pending", 1)
	ev.Parcel.ID = 0
	res := s.rec.Handle(context.Background(), ev)
	s.Require().True(res.Success)
	s.Require().Equal("ful_label", res.FulfillmentID)
}

func (s *ReconcilerSuite) TestMatch_ParcelIDWinsOverEarlierTrackingMatch() {
	byTracking := &models.Fulfillment{ID: "ful_tn", Data: map[string]any{models.DataTrackingNumber: "T1"}}
	byParcel := fulfillmentWithParcel("ful_pid", 42)
	s.store.On("ListByProvider", mock.Anything, providerID).
		Return([]*models.Fulfillment{byTracking, byParcel}, nil).
		Once()
	s.store.On("UpdateMetadata", mock.Anything, "ful_pid", mock.Anything).Return(nil).Once()

	res := s.rec.Handle(context.Background(), statusEvent("pending", 1))
	s.Require().Equal("ful_pid", res.FulfillmentID)
}

func (s *ReconcilerSuite) TestHandleWebhook_InvalidJSON() {
	res := s.rec.HandleWebhook(context.Background(), []byte("{not json"), "")
	s.Require().False(res.Success)
	s.store.AssertNotCalled(s.T(), "ListByProvider", mock.Anything, mock.Anything)
}

func (s *ReconcilerSuite) TestHandleWebhook_Signature() {
	body := []byte(`{"action":"label_created","parcel":{"id":1,"tracking_number":"T","status":{"id":1,"message":"x"}}}`)
	rec := New(s.store, providerID).WithWebhookSecret("whsec")

	res := rec.HandleWebhook(context.Background(), body, "deadbeef")
	s.Require().False(res.Success)
	s.Require().Equal("Invalid webhook signature", res.Message)

	res = rec.HandleWebhook(context.Background(), body, sendcloud.Sign("whsec", body))
	s.Require().True(res.Success)
}

func (s *ReconcilerSuite) TestDedupe_DuplicateIgnored() {
	c := &cachemocks.MockBytesCache{}
	rec := New(s.store, providerID).WithCache(c, time.Minute, 0)
	ev := statusEvent("announced", 1)
	ev.Timestamp = sendcloud.Timestamp{Time: time.UnixMilli(1_700_000_000_000).UTC()}

	c.On("SetNX", mock.Anything, "sendcloud:event:42:T1:1:1700000000000", mock.Anything, time.Minute).
		Return(false, nil).
		Once()

	res := rec.Handle(context.Background(), ev)
	s.Require().True(res.Success)
	s.Require().Equal("Duplicate event ignored", res.Message)
	s.store.AssertNotCalled(s.T(), "ListByProvider", mock.Anything, mock.Anything)
	c.AssertExpectations(s.T())
}

func (s *ReconcilerSuite) TestDedupe_KeyReleasedOnFailure() {
	c := &cachemocks.MockBytesCache{}
	rec := New(s.store, providerID).WithCache(c, time.Minute, 0)
	ev := statusEvent("announced", 1)
	ev.Timestamp = sendcloud.Timestamp{Time: time.UnixMilli(1_700_000_000_000).UTC()}
	key := "sendcloud:event:42:T1:1:1700000000000"

	c.On("SetNX", mock.Anything, key, mock.Anything, time.Minute).Return(true, nil).Once()
	c.On("Del", mock.Anything, key).Return(nil).Once()
	s.store.On("ListByProvider", mock.Anything, providerID).Return(nil, errors.New("db down")).Once()

	res := rec.Handle(context.Background(), ev)
	s.Require().False(res.Success)
	c.AssertExpectations(s.T())
}

func (s *ReconcilerSuite) TestDedupe_NoTimestampSkipsCache() {
	c := &cachemocks.MockBytesCache{}
	rec := New(s.store, providerID).WithCache(c, time.Minute, 0)
	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{}, nil).Once()

	res := rec.Handle(context.Background(), statusEvent("announced", 1))
	s.Require().True(res.Success)
	c.AssertNotCalled(s.T(), "SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ReconcilerSuite) TestDedupe_CacheErrorStillProcesses() {
	c := &cachemocks.MockBytesCache{}
	rec := New(s.store, providerID).WithCache(c, time.Minute, 0)
	ev := statusEvent("announced", 1)
	ev.Timestamp = sendcloud.Timestamp{Time: s.now}

	c.On("SetNX", mock.Anything, mock.Anything, mock.Anything, time.Minute).Return(false, errors.New("redis down")).Once()
	s.store.On("ListByProvider", mock.Anything, providerID).Return([]*models.Fulfillment{}, nil).Once()

	res := rec.Handle(context.Background(), ev)
	s.Require().True(res.Success)
	s.Require().Equal("No matching fulfillment found", res.Message)
}

func (s *ReconcilerSuite) TestPublish_AfterWrite_FailureIgnored() {
	p := &reconcilermocks.MockProducer{}
	rec := New(s.store, providerID).
		WithClock(func() time.Time { return s.now }).
		WithProducer(p, "fulfillment.status_changed")

	s.store.On("ListByProvider", mock.Anything, providerID).
		Return([]*models.Fulfillment{fulfillmentWithParcel("ful_1", 42)}, nil).
		Once()
	s.store.On("MarkShipped", mock.Anything, "ful_1", s.now, mock.Anything).Return(nil).Once()

	var published messages.FulfillmentStatusChanged
	p.On("Publish", mock.Anything, "fulfillment.status_changed", []byte("ful_1"), mock.Anything).
		Run(func(args mock.Arguments) {
			_ = json.Unmarshal(args.Get(3).([]byte), &published)
		}).
		Return(errors.New("kafka down")).
		Once()

	res := rec.Handle(context.Background(), statusEvent("announced", 1))
	s.Require().True(res.Success)
	s.Require().Equal(messages.TransitionMarkedShipped, published.Transition)
	s.Require().Equal(int64(42), published.ParcelID)
	s.Require().NotEmpty(published.EventID)
	p.AssertExpectations(s.T())
}

func (s *ReconcilerSuite) TestSeenMarker_WebhookOnly() {
	c := &cachemocks.MockBytesCache{}
	rec := New(s.store, providerID).WithCache(c, 0, time.Hour)
	s.store.On("ListByProvider", mock.Anything, providerID).
		Return([]*models.Fulfillment{fulfillmentWithParcel("ful_1", 42)}, nil)
	s.store.On("UpdateMetadata", mock.Anything, "ful_1", mock.Anything).Return(nil)
	c.On("Set", mock.Anything, "sendcloud:parcel:42:seen", mock.Anything, time.Hour).Return(nil).Once()

	res := rec.Handle(context.Background(), statusEvent("pending", 1))
	s.Require().True(res.Success)

	res = rec.HandleObservation(context.Background(), messages.ParcelStatusObserved{
		ParcelID:       42,
		TrackingNumber: "T1",
		StatusID:       1,
		StatusMessage:  "pending",
		ObservedAt:     s.now,
	})
	s.Require().True(res.Success)
	c.AssertNumberOfCalls(s.T(), "Set", 1)
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}
