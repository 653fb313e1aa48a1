package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/devorch/internal/domain"
)

// newTestStore creates an encrypted history store in a temp directory.
func newTestStore(t *testing.T) (*HistoryStore, string) {
	t.Helper()
	dataDir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)

	store, err := NewHistoryStore(dataDir, key)
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })
	return store, dataDir
}

func TestHistoryStore_RecentExecutions(t *testing.T) {
	store, _ := newTestStore(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	records := []domain.ExecutionRecord{
		{ScriptID: "a", DeviceID: "dev-1", Success: true, DurationMs: 100, FinishedAt: base},
		{ScriptID: "b", DeviceID: "dev-2", Success: false, DurationMs: 200, Error: "exit 1", FinishedAt: base.Add(time.Minute)},
		{ScriptID: "c", DeviceID: "dev-1", Success: true, DurationMs: 300, FinishedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range records {
		require.NoError(t, store.RecordExecution(r))
	}

	tests := []struct {
		name     string
		deviceID string
		limit    int
		want     []string
	}{
		{"all devices newest first", "", 10, []string{"c", "b", "a"}},
		{"limit", "", 2, []string{"c", "b"}},
		{"one device", "dev-1", 10, []string{"c", "a"}},
		{"unknown device", "dev-9", 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.RecentExecutions(tt.deviceID, tt.limit)
			require.NoError(t, err)
			var ids []string
			for _, r := range got {
				ids = append(ids, r.ScriptID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	got, err := store.RecentExecutions("dev-2", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Success)
	assert.Equal(t, "exit 1", got[0].Error)
	assert.Equal(t, int64(200), got[0].DurationMs)
	assert.True(t, got[0].FinishedAt.Equal(base.Add(time.Minute)))
}

func TestHistoryStore_DeviceState(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.SaveDeviceState(domain.DeviceState{
		DeviceID: "dev-2", PID: 200, Cores: []int{2, 3}, Status: domain.DeviceRunning, LastHeartbeat: 1700000000,
	}))
	require.NoError(t, store.SaveDeviceState(domain.DeviceState{
		DeviceID: "dev-1", PID: 100, Status: domain.DeviceInitializing,
	}))
	require.NoError(t, store.SaveDeviceState(domain.DeviceState{
		DeviceID: "dev-1", PID: 101, Cores: []int{0, 1}, Status: domain.DeviceIdle,
	}))

	states, err := store.DeviceStates()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, domain.DeviceState{DeviceID: "dev-1", PID: 101, Cores: []int{0, 1}, Status: domain.DeviceIdle}, states[0])
	assert.Equal(t, []int{2, 3}, states[1].Cores)
	assert.Equal(t, int64(1700000000), states[1].LastHeartbeat)

	require.NoError(t, store.RemoveDeviceState("dev-1"))
	require.NoError(t, store.RemoveDeviceState("missing"))
	states, err = store.DeviceStates()
	require.NoError(t, err)
	require.Len(t, states, 1)

	require.NoError(t, store.ClearDeviceStates())
	states, err = store.DeviceStates()
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestHistoryStore_Encryption(t *testing.T) {
	tests := []struct {
		name   string
		testFn func(t *testing.T)
	}{
		{
			name: "database file is unreadable without key",
			testFn: func(t *testing.T) {
				dataDir := t.TempDir()
				key, err := GenerateKey()
				require.NoError(t, err)

				store, err := NewHistoryStore(dataDir, key)
				require.NoError(t, err)
				require.NoError(t, store.RecordExecution(domain.ExecutionRecord{ScriptID: "plaintext_marker", Success: true}))
				store.Close()

				raw, err := os.ReadFile(filepath.Join(dataDir, historyDBName))
				require.NoError(t, err)
				assert.NotContains(t, string(raw), "plaintext_marker")
				assert.NotContains(t, string(raw), "executions")
			},
		},
		{
			name: "wrong key fails to open",
			testFn: func(t *testing.T) {
				dataDir := t.TempDir()
				key1, _ := GenerateKey()
				key2, _ := GenerateKey()

				store, err := NewHistoryStore(dataDir, key1)
				require.NoError(t, err)
				require.NoError(t, store.RecordExecution(domain.ExecutionRecord{ScriptID: "a"}))
				store.Close()

				_, err = NewHistoryStore(dataDir, key2)
				assert.Error(t, err)
			},
		},
		{
			name: "correct key reads data",
			testFn: func(t *testing.T) {
				dataDir := t.TempDir()
				key, _ := GenerateKey()

				store, err := NewHistoryStore(dataDir, key)
				require.NoError(t, err)
				require.NoError(t, store.RecordExecution(domain.ExecutionRecord{ScriptID: "a", DeviceID: "dev-1"}))
				store.Close()

				reopened, err := NewHistoryStore(dataDir, key)
				require.NoError(t, err)
				defer reopened.Close()

				recs, err := reopened.RecentExecutions("dev-1", 10)
				require.NoError(t, err)
				require.Len(t, recs, 1)
				assert.Equal(t, "a", recs[0].ScriptID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFn)
	}
}

func TestHistoryStore_Close_Idempotent(t *testing.T) {
	store, dataDir := newTestStore(t)
	assert.Equal(t, filepath.Join(dataDir, historyDBName), store.Path())
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func TestCoreListEncoding(t *testing.T) {
	assert.Equal(t, "", joinCores(nil))
	assert.Equal(t, "0,4,7", joinCores([]int{0, 4, 7}))

	got, err := splitCores("0,4,7")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4, 7}, got)

	got, err = splitCores("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = splitCores("1,x")
	assert.Error(t, err)
}
