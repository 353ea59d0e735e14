package mocks

import "github.com/stretchr/testify/mock"

// Rand is a mock of resync.Rand.
type Rand struct {
	mock.Mock
}

func (m *Rand) Intn(n int) int {
	ret := m.Called(n)
	return ret.Int(0)
}
