// Package vault stores the ranked warehouse identities with their
// per-identity failure ledgers, persisted encrypted at rest.
//
// Selection contract: NextAccount filters to active, non-cooldown
// identities whose consecutive-failure count is below threshold, ordered
// by priority ascending, preferring the last-successful identity on
// ties. RecordSuccess / RecordFailure maintain the ledger; a persistence
// error never blocks the in-memory update, so a momentary disk failure
// cannot defeat failover.
package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hindsight-io/hindsight/internal/errkind"
)

// Credential is one warehouse identity with its failure ledger.
type Credential struct {
	Username            string    `json:"username"`
	Password            string    `json:"password"`
	Priority            int       `json:"priority"` // 1 (primary) .. 10
	MaxFailures         int       `json:"max_failures"`
	CooldownMS          int64     `json:"cooldown_ms"`
	MaxConnections      int       `json:"max_connections"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	InCooldown          bool      `json:"in_cooldown"`
	CooldownUntil       time.Time `json:"cooldown_until"`
	LastSuccess         time.Time `json:"last_success"`
	LastFailure         time.Time `json:"last_failure"`
	IsActive            bool      `json:"is_active"`
}

// HealthState tags the identity health variant.
type HealthState string

const (
	Healthy   HealthState = "Healthy"
	Degraded  HealthState = "Degraded"
	OpenUntil HealthState = "OpenUntil"
)

// Health is the tagged health variant derived from a credential's
// ledger: Healthy, Degraded(failures), or OpenUntil(t).
type Health struct {
	State    HealthState `json:"state"`
	Failures int         `json:"failures,omitempty"`
	Until    time.Time   `json:"until,omitzero"`
}

// Health derives the tagged variant at the given instant.
func (c *Credential) Health(now time.Time) Health {
	if c.InCooldown && now.Before(c.CooldownUntil) {
		return Health{State: OpenUntil, Failures: c.ConsecutiveFailures, Until: c.CooldownUntil}
	}
	if c.ConsecutiveFailures > 0 {
		return Health{State: Degraded, Failures: c.ConsecutiveFailures}
	}
	return Health{State: Healthy}
}

// Vault owns the credential set and its encrypted file. The file key is
// derived once at Open and reused for every persist; the salt is fixed
// per vault file so the stretch never runs on the query path.
type Vault struct {
	mu       sync.Mutex
	path     string
	salt     []byte
	key      []byte
	creds    []*Credential
	lastGood string // username of the most recent success, wins priority ties
	logger   *zap.Logger
	now      func() time.Time
}

// Open loads the vault file if present, otherwise starts empty. The
// passphrase must be non-empty; there is no plaintext mode.
func Open(path, passphrase string, logger *zap.Logger) (*Vault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("vault passphrase must not be empty")
	}
	v := &Vault{path: path, logger: logger, now: time.Now}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if v.salt, err = newSalt(); err != nil {
			return nil, err
		}
		v.key = deriveKey(passphrase, v.salt)
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vault file: %w", err)
	}
	pt, salt, key, err := unseal(string(raw), passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt vault file: %w", err)
	}
	v.salt, v.key = salt, key
	if err := json.Unmarshal(pt, &v.creds); err != nil {
		return nil, fmt.Errorf("parse vault file: %w", err)
	}
	logger.Info("vault loaded", zap.Int("identities", len(v.creds)))
	return v, nil
}

// Seed replaces the credential set (bootstrap from configuration) and
// persists. Existing ledger state for matching usernames is carried over
// so a restart does not forget cooldowns.
func (v *Vault) Seed(creds []Credential) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	old := make(map[string]*Credential, len(v.creds))
	for _, c := range v.creds {
		old[c.Username] = c
	}
	next := make([]*Credential, 0, len(creds))
	for i := range creds {
		c := creds[i]
		if prev, ok := old[c.Username]; ok {
			c.ConsecutiveFailures = prev.ConsecutiveFailures
			c.InCooldown = prev.InCooldown
			c.CooldownUntil = prev.CooldownUntil
			c.LastSuccess = prev.LastSuccess
			c.LastFailure = prev.LastFailure
		}
		next = append(next, &c)
	}
	v.creds = next
	return v.persistLocked()
}

// eligibleLocked applies the selection filter, expiring stale cooldowns
// lazily.
func (v *Vault) eligibleLocked(now time.Time) []*Credential {
	var out []*Credential
	for _, c := range v.creds {
		if !c.IsActive {
			continue
		}
		if c.InCooldown {
			if now.Before(c.CooldownUntil) {
				continue
			}
			c.InCooldown = false
			c.ConsecutiveFailures = 0
		}
		if c.MaxFailures > 0 && c.ConsecutiveFailures >= c.MaxFailures {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Username == v.lastGood && out[j].Username != v.lastGood
	})
	return out
}

// NextAccount returns the best eligible identity, or Unavailable when
// every identity is inactive, cooling down, or over its failure budget.
func (v *Vault) NextAccount() (Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	elig := v.eligibleLocked(v.now())
	if len(elig) == 0 {
		return Credential{}, errkind.New(errkind.Unavailable, "no eligible warehouse identity")
	}
	return *elig[0], nil
}

// Candidates returns every eligible identity in selection order, so the
// pool manager can walk past breaker-rejected identities.
func (v *Vault) Candidates() []Credential {
	v.mu.Lock()
	defer v.mu.Unlock()

	elig := v.eligibleLocked(v.now())
	out := make([]Credential, len(elig))
	for i, c := range elig {
		out[i] = *c
	}
	return out
}

// RecordSuccess resets the identity's ledger. The file is rewritten
// only on a ledger transition; a clean identity staying clean updates
// LastSuccess in memory alone, keeping the per-query cost at a map walk.
func (v *Vault) RecordSuccess(username string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c := v.findLocked(username)
	if c == nil {
		return
	}
	dirty := c.ConsecutiveFailures != 0 || c.InCooldown
	c.ConsecutiveFailures = 0
	c.InCooldown = false
	c.CooldownUntil = time.Time{}
	c.LastSuccess = v.now()
	v.lastGood = username
	if !dirty {
		return
	}

	if err := v.persistLocked(); err != nil {
		v.logger.Error("vault persist after success failed", zap.Error(err))
	}
}

// RecordFailure increments the ledger and enters cooldown at the
// threshold. In-memory state updates even when persistence fails.
func (v *Vault) RecordFailure(username string, cause error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c := v.findLocked(username)
	if c == nil {
		return
	}
	now := v.now()
	c.ConsecutiveFailures++
	c.LastFailure = now
	if c.MaxFailures > 0 && c.ConsecutiveFailures >= c.MaxFailures {
		c.InCooldown = true
		c.CooldownUntil = now.Add(time.Duration(c.CooldownMS) * time.Millisecond)
		v.logger.Warn("identity entered cooldown",
			zap.String("identity", username),
			zap.Int("consecutive_failures", c.ConsecutiveFailures),
			zap.Time("cooldown_until", c.CooldownUntil),
			zap.Error(cause),
		)
	}

	if err := v.persistLocked(); err != nil {
		v.logger.Error("vault persist after failure failed", zap.Error(err))
	}
}

// UnlockAccount clears an identity's cooldown and failure count. This is
// the administrative escape hatch; it does not touch the breaker.
func (v *Vault) UnlockAccount(username string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	c := v.findLocked(username)
	if c == nil {
		return errkind.New(errkind.NotFound, "identity %q not in vault", username)
	}
	c.ConsecutiveFailures = 0
	c.InCooldown = false
	c.CooldownUntil = time.Time{}
	v.logger.Info("identity unlocked", zap.String("identity", username))
	return v.persistLocked()
}

// Lookup returns a copy of the identity's record.
func (v *Vault) Lookup(username string) (Credential, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c := v.findLocked(username)
	if c == nil {
		return Credential{}, false
	}
	return *c, true
}

// HealthReport maps every identity to its tagged health variant.
func (v *Vault) HealthReport() map[string]Health {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	out := make(map[string]Health, len(v.creds))
	for _, c := range v.creds {
		out[c.Username] = c.Health(now)
	}
	return out
}

func (v *Vault) findLocked(username string) *Credential {
	for _, c := range v.creds {
		if c.Username == username {
			return c
		}
	}
	return nil
}

// persistLocked writes the encrypted file atomically (temp + rename on
// the same filesystem). Callers hold v.mu, which serializes writers.
func (v *Vault) persistLocked() error {
	pt, err := json.Marshal(v.creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	env, err := seal(pt, v.key, v.salt)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return fmt.Errorf("create temp vault file: %w", err)
	}
	if _, err := tmp.WriteString(env); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp vault file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp vault file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod vault file: %w", err)
	}
	if err := os.Rename(tmp.Name(), v.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename vault file: %w", err)
	}
	return nil
}
