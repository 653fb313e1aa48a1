package process

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envValue(env []string, key string) (string, bool) {
	prefix := key + "="
	val, found := "", false
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			val, found = strings.TrimPrefix(kv, prefix), true
		}
	}
	return val, found
}

func TestBuildEnv(t *testing.T) {
	cfg := DefaultConfig("dev-1", "dev-1", 4)
	cfg.CoreIDs = []int{4, 5, 6, 7}
	cfg.LogLevel = "debug"
	cfg.IPCEndpoint = "/run/devorch/com.auto.daily.sock"
	cfg.Env["EXTRA"] = "yes"
	cfg.ConfigData["profile"] = "fast"

	env, err := BuildEnv(cfg)
	require.NoError(t, err)

	cores, ok := envValue(env, EnvCoreIDs)
	require.True(t, ok)
	assert.Equal(t, "4,5,6,7", cores)

	threads, _ := envValue(env, EnvInferenceThreads)
	assert.Equal(t, "4", threads)
	omp, _ := envValue(env, EnvOMPThreads)
	assert.Equal(t, "4", omp)
	level, _ := envValue(env, EnvLogLevel)
	assert.Equal(t, "debug", level)
	extra, _ := envValue(env, "EXTRA")
	assert.Equal(t, "yes", extra)

	raw, ok := envValue(env, EnvChildContext)
	require.True(t, ok)
	var payload InitPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	assert.Equal(t, "dev-1", payload.DeviceID)
	assert.Equal(t, "dev-1", payload.ProcessID)
	assert.Equal(t, cfg.IPCEndpoint, payload.IPCEndpoint)
	assert.Equal(t, []int{4, 5, 6, 7}, payload.CoreIDs)
	assert.Equal(t, "fast", payload.ConfigData["profile"])
}

func TestReadInitPayload(t *testing.T) {
	t.Setenv(EnvChildContext, `{"device_id":"dev-2","process_id":"dev-2","ipc_endpoint":"/tmp/x.sock","log_level":"info","core_ids":[1]}`)

	p, err := ReadInitPayload()
	require.NoError(t, err)
	assert.Equal(t, "dev-2", p.DeviceID)
	assert.Equal(t, []int{1}, p.CoreIDs)

	t.Setenv(EnvChildContext, "")
	_, err = ReadInitPayload()
	assert.Error(t, err)

	t.Setenv(EnvChildContext, "{broken")
	_, err = ReadInitPayload()
	assert.Error(t, err)
}
