package mocks

import (
	"context"
	"time"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock of reconciler.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) ListByProvider(ctx context.Context, providerID string) ([]*models.Fulfillment, error) {
	ret := m.Called(ctx, providerID)
	var fs []*models.Fulfillment
	if v := ret.Get(0); v != nil {
		fs = v.([]*models.Fulfillment)
	}
	return fs, ret.Error(1)
}

func (m *MockStore) MarkShipped(ctx context.Context, id string, shippedAt time.Time, metadata map[string]any) error {
	ret := m.Called(ctx, id, shippedAt, metadata)
	return ret.Error(0)
}

func (m *MockStore) MarkDelivered(ctx context.Context, id string) error {
	ret := m.Called(ctx, id)
	return ret.Error(0)
}

func (m *MockStore) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	ret := m.Called(ctx, id, metadata)
	return ret.Error(0)
}
