package vault

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hindsight-io/hindsight/internal/errkind"
)

func seedCreds() []Credential {
	return []Credential{
		{Username: "primary", Password: "pw1", Priority: 1, MaxFailures: 3, CooldownMS: 60_000, MaxConnections: 15, IsActive: true},
		{Username: "backup_1", Password: "pw2", Priority: 2, MaxFailures: 3, CooldownMS: 60_000, MaxConnections: 5, IsActive: true},
		{Username: "backup_2", Password: "pw3", Priority: 3, MaxFailures: 3, CooldownMS: 60_000, MaxConnections: 5, IsActive: true},
	}
}

func newTestVault(t *testing.T) (*Vault, *time.Time) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creds.enc")
	v, err := Open(path, "test-passphrase", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, v.Seed(seedCreds()))
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }
	return v, &now
}

func TestCryptoRoundTrip(t *testing.T) {
	salt, err := newSalt()
	require.NoError(t, err)
	key := deriveKey("pass", salt)

	env, err := seal([]byte(`{"hello":"world"}`), key, salt)
	require.NoError(t, err)

	pt, gotSalt, gotKey, err := unseal(env, "pass")
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(pt))
	assert.Equal(t, salt, gotSalt)
	assert.Equal(t, key, gotKey)

	// A wrong passphrase yields either a padding error or garbage,
	// never the plaintext.
	garbage, _, _, err := unseal(env, "wrong")
	if err == nil {
		assert.NotEqual(t, `{"hello":"world"}`, string(garbage))
	}

	// Fresh IV per seal: same plaintext, same key, different envelopes.
	env2, err := seal([]byte(`{"hello":"world"}`), key, salt)
	require.NoError(t, err)
	assert.NotEqual(t, env, env2)
}

func TestOpen_PersistedStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	logger := zaptest.NewLogger(t)

	v, err := Open(path, "pp", logger)
	require.NoError(t, err)
	require.NoError(t, v.Seed(seedCreds()))
	v.RecordFailure("primary", os.ErrDeadlineExceeded)
	v.RecordFailure("primary", os.ErrDeadlineExceeded)

	v2, err := Open(path, "pp", logger)
	require.NoError(t, err)
	c, ok := v2.Lookup("primary")
	require.True(t, ok)
	assert.Equal(t, 2, c.ConsecutiveFailures)

	_, err = Open(path, "wrong", logger)
	assert.Error(t, err)
}

func TestNextAccount_PriorityOrder(t *testing.T) {
	v, _ := newTestVault(t)
	c, err := v.NextAccount()
	require.NoError(t, err)
	assert.Equal(t, "primary", c.Username)
}

func TestNextAccount_CooldownFailover(t *testing.T) {
	v, now := newTestVault(t)

	for i := 0; i < 3; i++ {
		v.RecordFailure("primary", os.ErrDeadlineExceeded)
	}
	c, err := v.NextAccount()
	require.NoError(t, err)
	assert.Equal(t, "backup_1", c.Username, "primary cooling down")

	health := v.HealthReport()
	assert.Equal(t, OpenUntil, health["primary"].State)
	assert.Equal(t, Healthy, health["backup_1"].State)

	// Cooldown expires lazily.
	*now = now.Add(61 * time.Second)
	c, err = v.NextAccount()
	require.NoError(t, err)
	assert.Equal(t, "primary", c.Username)
}

func TestNextAccount_AllExhausted(t *testing.T) {
	v, _ := newTestVault(t)
	for _, u := range []string{"primary", "backup_1", "backup_2"} {
		for i := 0; i < 3; i++ {
			v.RecordFailure(u, os.ErrDeadlineExceeded)
		}
	}
	_, err := v.NextAccount()
	require.Error(t, err)
	assert.Equal(t, errkind.Unavailable, errkind.KindOf(err))
}

func TestRecordSuccess_ResetsLedgerAndWinsTies(t *testing.T) {
	v, _ := newTestVault(t)

	// Two identities at the same priority; the last-successful one is
	// preferred.
	require.NoError(t, v.Seed([]Credential{
		{Username: "a", Priority: 1, MaxFailures: 3, CooldownMS: 60_000, IsActive: true},
		{Username: "b", Priority: 1, MaxFailures: 3, CooldownMS: 60_000, IsActive: true},
	}))
	v.RecordSuccess("b")
	c, err := v.NextAccount()
	require.NoError(t, err)
	assert.Equal(t, "b", c.Username)

	v.RecordFailure("b", os.ErrDeadlineExceeded)
	v.RecordSuccess("b")
	got, _ := v.Lookup("b")
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.False(t, got.InCooldown)
}

func TestRecordSuccess_CleanLedgerSkipsRewrite(t *testing.T) {
	v, _ := newTestVault(t)
	before, err := os.ReadFile(v.path)
	require.NoError(t, err)

	// Success on an already-clean identity must not touch the file.
	v.RecordSuccess("primary")
	after, err := os.ReadFile(v.path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// A failure is a ledger transition and lands on disk, as does the
	// success that clears it.
	v.RecordFailure("primary", os.ErrDeadlineExceeded)
	failed, err := os.ReadFile(v.path)
	require.NoError(t, err)
	assert.NotEqual(t, before, failed)

	v.RecordSuccess("primary")
	cleared, err := os.ReadFile(v.path)
	require.NoError(t, err)
	assert.NotEqual(t, failed, cleared)
}

func TestPersist_SaltStableAcrossRewrites(t *testing.T) {
	v, _ := newTestVault(t)
	first, err := os.ReadFile(v.path)
	require.NoError(t, err)

	v.RecordFailure("primary", os.ErrDeadlineExceeded)
	second, err := os.ReadFile(v.path)
	require.NoError(t, err)

	// The salt prefix is fixed per vault file, so the key derived at
	// Open keeps decrypting every subsequent rewrite.
	a, err := base64.StdEncoding.DecodeString(string(first))
	require.NoError(t, err)
	b, err := base64.StdEncoding.DecodeString(string(second))
	require.NoError(t, err)
	assert.Equal(t, a[:saltLen], b[:saltLen])
}

func TestUnlockAccount(t *testing.T) {
	v, _ := newTestVault(t)
	for i := 0; i < 3; i++ {
		v.RecordFailure("primary", os.ErrDeadlineExceeded)
	}
	require.NoError(t, v.UnlockAccount("primary"))

	c, err := v.NextAccount()
	require.NoError(t, err)
	assert.Equal(t, "primary", c.Username)

	err = v.UnlockAccount("ghost")
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestSeed_CarriesLedgerForward(t *testing.T) {
	v, _ := newTestVault(t)
	v.RecordFailure("primary", os.ErrDeadlineExceeded)

	require.NoError(t, v.Seed(seedCreds()))
	c, ok := v.Lookup("primary")
	require.True(t, ok)
	assert.Equal(t, 1, c.ConsecutiveFailures, "re-seed keeps the ledger")
}

func TestHealthVariants(t *testing.T) {
	now := time.Now()
	healthy := Credential{}
	assert.Equal(t, Healthy, healthy.Health(now).State)

	degraded := Credential{ConsecutiveFailures: 2}
	h := degraded.Health(now)
	assert.Equal(t, Degraded, h.State)
	assert.Equal(t, 2, h.Failures)

	cooling := Credential{InCooldown: true, CooldownUntil: now.Add(time.Minute), ConsecutiveFailures: 3}
	h = cooling.Health(now)
	assert.Equal(t, OpenUntil, h.State)
	assert.Equal(t, now.Add(time.Minute), h.Until)
}
