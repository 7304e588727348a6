package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	cfg, err := FromLookup(mapLookup(nil))
	require.NoError(t, err)

	assert.Equal(t, 25*time.Millisecond, cfg.Perf.GetContextP95)
	assert.Equal(t, 10*time.Millisecond, cfg.Perf.LogEvent)
	assert.Equal(t, time.Second, cfg.Perf.DBQuery)
	assert.Equal(t, 10_000, cfg.Cache.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, int64(16*1024*1024), cfg.Queue.MaxSize)
	assert.Equal(t, 100_000, cfg.Queue.MaxEvents)
	assert.Equal(t, 100, cfg.Upload.BatchSize)
	assert.Equal(t, "analytics", cfg.Warehouse.Schema)
	assert.Equal(t, "local", cfg.DefaultCustomer)
	assert.False(t, cfg.L2.Enabled())
}

func TestFromLookup_Overrides(t *testing.T) {
	cfg, err := FromLookup(mapLookup(map[string]string{
		"PERF_GET_CONTEXT_P95_MS": "40",
		"CACHE_MAX_SIZE":          "500",
		"L2_HOST":                 "cache.internal",
		"L2_PORT":                 "6380",
		"L2_PREFIX":               "hs",
		"QUEUE_PATH":              "/var/spool/hindsight",
	}))
	require.NoError(t, err)

	assert.Equal(t, 40*time.Millisecond, cfg.Perf.GetContextP95)
	assert.Equal(t, 500, cfg.Cache.MaxSize)
	assert.True(t, cfg.L2.Enabled())
	assert.Equal(t, "cache.internal:6380", cfg.L2.Addr())
	assert.Equal(t, "/var/spool/hindsight", cfg.Queue.Path)
}

func TestFromLookup_BadInteger(t *testing.T) {
	_, err := FromLookup(mapLookup(map[string]string{"CACHE_MAX_SIZE": "lots"}))
	assert.Error(t, err)
}

func TestIdentities_FromCSV(t *testing.T) {
	cfg, err := FromLookup(mapLookup(map[string]string{
		"WAREHOUSE_ACCOUNTS":           "svc_primary,svc_backup1,svc_backup2",
		"WAREHOUSE_PASSWORDS":          "p1,p2,p3",
		"WAREHOUSE_ACCOUNT_PRIORITIES": "1,2,3",
		"WAREHOUSE_MAX_FAILURES":       "3,5",
		"WAREHOUSE_COOLDOWN_MS":        "30000",
	}))
	require.NoError(t, err)

	creds, err := cfg.Identities()
	require.NoError(t, err)
	require.Len(t, creds, 3)

	assert.Equal(t, "svc_primary", creds[0].Username)
	assert.Equal(t, 15, creds[0].MaxConnections, "primary gets the large pool")
	assert.Equal(t, int64(30000), creds[0].CooldownMS)

	assert.Equal(t, 5, creds[1].MaxFailures)
	assert.Equal(t, 5, creds[1].MaxConnections)
	assert.Equal(t, 3, creds[2].MaxFailures, "missing column falls back to default")
	assert.Equal(t, int64(60000), creds[2].CooldownMS)
}

func TestIdentities_SingleUserFallback(t *testing.T) {
	cfg, err := FromLookup(mapLookup(map[string]string{
		"WAREHOUSE_USER":     "svc",
		"WAREHOUSE_PASSWORD": "pw",
	}))
	require.NoError(t, err)

	creds, err := cfg.Identities()
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "svc", creds[0].Username)
	assert.Equal(t, 1, creds[0].Priority)
}

func TestIdentities_MismatchedCSVs(t *testing.T) {
	cfg, err := FromLookup(mapLookup(map[string]string{
		"WAREHOUSE_ACCOUNTS":  "a,b",
		"WAREHOUSE_PASSWORDS": "p1",
	}))
	require.NoError(t, err)
	_, err = cfg.Identities()
	assert.Error(t, err)
}

func TestIdentities_NothingConfigured(t *testing.T) {
	cfg, err := FromLookup(mapLookup(nil))
	require.NoError(t, err)
	_, err = cfg.Identities()
	assert.Error(t, err)
}
