package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockProducer is a mock of reconciler.Producer.
type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	ret := m.Called(ctx, topic, key, value)
	return ret.Error(0)
}
