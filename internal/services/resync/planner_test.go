package resync

import (
	"testing"
	"time"

	"github.com/BearBump/ParcelSync/internal/models"
	resyncmocks "github.com/BearBump/ParcelSync/internal/services/resync/mocks"
	"github.com/stretchr/testify/suite"
)

type PlannerSuite struct {
	suite.Suite
}

func (s *PlannerSuite) TestBackoffDelay() {
	p := NewPlanner(DefaultPlannerConfig(), nil)
	s.Equal(5*time.Minute, p.BackoffDelay(1))
	s.Equal(15*time.Minute, p.BackoffDelay(2))
	s.Equal(30*time.Minute, p.BackoffDelay(3))
	s.Equal(60*time.Minute, p.BackoffDelay(4))
	s.Equal(60*time.Minute, p.BackoffDelay(100))
}

func (s *PlannerSuite) TestNextSyncDelay_Terminal() {
	m := &resyncmocks.Rand{}
	p := NewPlanner(DefaultPlannerConfig(), m)
	s.Equal(365*24*time.Hour, p.NextSyncDelay(models.FulfillmentStatusDelivered))
	s.Equal(365*24*time.Hour, p.NextSyncDelay(models.FulfillmentStatusReturned))
	m.AssertNumberOfCalls(s.T(), "Intn", 0)
}

func (s *PlannerSuite) TestNextSyncDelay_Shipped_UsesRand() {
	m := &resyncmocks.Rand{}
	// window is 30..120 minutes in seconds: 5400 seconds wide, inclusive
	m.On("Intn", 5401).Return(600).Once()

	p := NewPlanner(DefaultPlannerConfig(), m)
	s.Equal(40*time.Minute, p.NextSyncDelay(models.FulfillmentStatusShipped))
	m.AssertExpectations(s.T())
}

func (s *PlannerSuite) TestNextSyncDelay_FixedWindow() {
	m := &resyncmocks.Rand{}
	p := NewPlanner(PlannerConfig{ShippedMinDelay: time.Minute, ShippedMaxDelay: time.Second}, m)
	s.Equal(time.Minute, p.NextSyncDelay(models.FulfillmentStatusShipped))
	m.AssertNumberOfCalls(s.T(), "Intn", 0)
}

func (s *PlannerSuite) TestNextSyncDelay_Other() {
	p := NewPlanner(DefaultPlannerConfig(), &resyncmocks.Rand{})
	s.Equal(60*time.Minute, p.NextSyncDelay(models.FulfillmentStatusPending))
	s.Equal(60*time.Minute, p.NextSyncDelay(models.FulfillmentStatusNotDelivered))
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}
