package grower

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockGrowthStorage is a mock implementation of GrowthStorage interface using testify/mock
type MockGrowthStorage struct {
	mock.Mock
}

func (m *MockGrowthStorage) CreateOrGrow(ctx context.Context, user UserID, chatKey string, delta int64) (int64, error) {
	args := m.Called(ctx, user, chatKey, delta)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockGrowthStorage) Length(ctx context.Context, user UserID, chatKey string) (int64, error) {
	args := m.Called(ctx, user, chatKey)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockGrowthStorage) PersonalStats(ctx context.Context, user UserID) (PersonalStats, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(PersonalStats), args.Error(1)
}

func (m *MockGrowthStorage) Top(ctx context.Context, chatKey string, limit int) ([]GrowthRecord, error) {
	args := m.Called(ctx, chatKey, limit)
	records, _ := args.Get(0).([]GrowthRecord)
	return records, args.Error(1)
}

func (m *MockGrowthStorage) MergeChats(ctx context.Context, fromKey, toKey string) (int64, error) {
	args := m.Called(ctx, fromKey, toKey)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockGrowthStorage) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockLogger is a mock implementation of Logger interface using testify/mock
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Info(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Warn(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Error(msg string, args ...any) {
	m.Called(msg, args)
}

// panicLogger panics on every Debug call, it is used to break a write in progress.
type panicLogger struct {
	noopLogger
}

func (panicLogger) Debug(string, ...any) {
	panic("logger failure")
}
