package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Initialize(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentTasks = 0 }, true},
		{"zero interval", func(c *Config) { c.CheckInterval = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			s := NewState(cfg)
			err := s.Initialize()
			st, msg := s.Status()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Equal(t, StatusError, st)
				assert.NotEmpty(t, msg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusStopped, st)
		})
	}
}

func TestState_Transitions(t *testing.T) {
	s := NewState(DefaultConfig())
	require.NoError(t, s.Initialize())

	assert.ErrorIs(t, s.Pause(), ErrInvalidStatus)

	changed, err := s.Start(t0)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Start(t0)
	require.NoError(t, err)
	assert.False(t, changed, "second start is a no-op")

	require.NoError(t, s.Pause())
	changed, err = s.Start(t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, t0, s.Stats(t0).StartedAt, "resume keeps the original start time")

	s.Stop(t0.Add(time.Hour))
	st, _ := s.Status()
	assert.Equal(t, StatusStopped, st)
	assert.Equal(t, time.Hour, s.Stats(t0.Add(2*time.Hour)).Uptime)
}

func TestState_StartFromErrorFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = 0
	s := NewState(cfg)
	require.Error(t, s.Initialize())

	_, err := s.Start(t0)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestState_RecordCompletion(t *testing.T) {
	s := NewState(DefaultConfig())
	s.RecordScheduled()
	s.RecordScheduled()
	s.RecordCompletion(true, 100*time.Millisecond)
	s.RecordCompletion(false, 300*time.Millisecond)

	st := s.Stats(t0)
	assert.Equal(t, uint64(2), st.TotalScheduledTasks)
	assert.Equal(t, uint64(1), st.SuccessfulTasks)
	assert.Equal(t, uint64(1), st.FailedTasks)
	assert.Equal(t, uint64(200), st.AverageExecutionTimeMs)
}

func TestState_IsIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleThreshold = time.Minute
	s := NewState(cfg)
	s.Touch(t0)

	assert.False(t, s.IsIdle(t0.Add(30*time.Second)))
	assert.True(t, s.IsIdle(t0.Add(time.Minute)))

	cfg.EnableIdleDetection = false
	s = NewState(cfg)
	s.Touch(t0)
	assert.False(t, s.IsIdle(t0.Add(time.Hour)))
}
