package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/paydash/authcore/internal/auth"
	"github.com/paydash/authcore/internal/config"
	"github.com/paydash/authcore/internal/database"
	"github.com/paydash/authcore/internal/logger"
	"github.com/paydash/authcore/internal/model"
	"github.com/paydash/authcore/internal/ratelimit"
	"github.com/paydash/authcore/internal/repository"
	"github.com/redis/go-redis/v9"
)

// --- clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- credential store ---

type fakeCredentialStore struct {
	mu           sync.Mutex
	creds        map[string]*model.APICredential
	expiredMarks int
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{creds: make(map[string]*model.APICredential)}
}

func cloneCredential(c *model.APICredential) *model.APICredential {
	cp := *c
	cp.Scope = append([]string(nil), c.Scope...)
	cp.IPAllowlist = append([]string(nil), c.IPAllowlist...)
	return &cp
}

func (f *fakeCredentialStore) put(c *model.APICredential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[c.ID] = cloneCredential(c)
}

func (f *fakeCredentialStore) prefixTaken(prefix, exceptID string) bool {
	for _, c := range f.creds {
		if c.ID != exceptID && c.Prefix == prefix && c.Status != model.CredentialStatusRevoked {
			return true
		}
	}
	return false
}

func (f *fakeCredentialStore) Create(ctx context.Context, c *model.APICredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prefixTaken(c.Prefix, "") {
		return repository.ErrDuplicate
	}
	f.creds[c.ID] = cloneCredential(c)
	return nil
}

func (f *fakeCredentialStore) GetByID(ctx context.Context, tenantID, id string) (*model.APICredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok || c.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return cloneCredential(c), nil
}

func (f *fakeCredentialStore) ListByPrefix(ctx context.Context, prefix string, limit int) ([]*model.APICredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.APICredential
	for _, c := range f.creds {
		if c.Prefix == prefix && c.Status != model.CredentialStatusRevoked && len(out) < limit {
			out = append(out, cloneCredential(c))
		}
	}
	return out, nil
}

func (f *fakeCredentialStore) ListByTenant(ctx context.Context, tenantID string) ([]*model.APICredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.APICredential
	for _, c := range f.creds {
		if c.TenantID == tenantID {
			out = append(out, cloneCredential(c))
		}
	}
	return out, nil
}

func (f *fakeCredentialStore) Rotate(ctx context.Context, tenantID, id, prefix, hashedSecret string, now time.Time) (*model.APICredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok || c.TenantID != tenantID || c.Status != model.CredentialStatusActive {
		return nil, repository.ErrNotFound
	}
	if f.prefixTaken(prefix, id) {
		return nil, repository.ErrDuplicate
	}
	c.Prefix = prefix
	c.HashedSecret = hashedSecret
	c.UpdatedAt = now
	return cloneCredential(c), nil
}

func (f *fakeCredentialStore) Revoke(ctx context.Context, tenantID, id string, now time.Time) (*model.APICredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok || c.TenantID != tenantID || c.Status == model.CredentialStatusRevoked {
		return nil, repository.ErrNotFound
	}
	c.Status = model.CredentialStatusRevoked
	c.UpdatedAt = now
	return cloneCredential(c), nil
}

func (f *fakeCredentialStore) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok || c.Status != model.CredentialStatusActive {
		return false, nil
	}
	c.Status = model.CredentialStatusExpired
	c.UpdatedAt = now
	f.expiredMarks++
	return true, nil
}

func (f *fakeCredentialStore) TouchLastUsed(ctx context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.creds[id]; ok {
		t := now
		c.LastUsedAt = &t
	}
	return nil
}

// --- MFA store ---

type fakeMFAStore struct {
	mu        sync.Mutex
	profiles  map[string]*model.MFAProfile
	codes     map[string]map[string]bool
	enableErr error
}

func newFakeMFAStore() *fakeMFAStore {
	return &fakeMFAStore{
		profiles: make(map[string]*model.MFAProfile),
		codes:    make(map[string]map[string]bool),
	}
}

func (f *fakeMFAStore) GetProfile(ctx context.Context, userID string) (*model.MFAProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeMFAStore) SavePendingSecret(ctx context.Context, userID, secret string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[userID]; ok {
		if p.Enabled {
			return repository.ErrDuplicate
		}
		p.TOTPSecret = secret
		p.UpdatedAt = now
		return nil
	}
	f.profiles[userID] = &model.MFAProfile{UserID: userID, TOTPSecret: secret, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (f *fakeMFAStore) Enable(ctx context.Context, userID string, hashes []string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enableErr != nil {
		return f.enableErr
	}
	p, ok := f.profiles[userID]
	if !ok || p.TOTPSecret == "" {
		return repository.ErrNotFound
	}
	t := now
	p.Enabled = true
	p.LastVerifiedAt = &t
	set := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		set[h] = true
	}
	f.codes[userID] = set
	return nil
}

func (f *fakeMFAStore) TouchLastVerified(ctx context.Context, userID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[userID]; ok && p.Enabled {
		t := now
		p.LastVerifiedAt = &t
	}
	return nil
}

func (f *fakeMFAStore) Disable(ctx context.Context, userID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return repository.ErrNotFound
	}
	p.TOTPSecret = ""
	p.Enabled = false
	p.LastVerifiedAt = nil
	delete(f.codes, userID)
	return nil
}

func (f *fakeMFAStore) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		set[h] = true
	}
	f.codes[userID] = set
	return nil
}

func (f *fakeMFAStore) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.codes[userID][codeHash] {
		return false, nil
	}
	delete(f.codes[userID], codeHash)
	return true, nil
}

func (f *fakeMFAStore) CountBackupCodes(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codes[userID]), nil
}

// --- audit store ---

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
	failErr error
}

func (f *fakeAuditStore) Append(ctx context.Context, entry *model.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	var prev string
	if n := len(f.entries); n > 0 {
		prev = f.entries[n-1].Hash
	}
	hash, err := entry.ChainHash(prev)
	if err != nil {
		return err
	}
	entry.Seq = int64(len(f.entries) + 1)
	entry.PrevHash = prev
	entry.Hash = hash
	cp := *entry
	f.entries = append(f.entries, &cp)
	return nil
}

func (f *fakeAuditStore) List(ctx context.Context, afterSeq int64, limit int) ([]*model.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AuditEntry
	for _, e := range f.entries {
		if e.Seq > afterSeq && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAuditStore) byAction(action string) []*model.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AuditEntry
	for _, e := range f.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeAuditStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// --- environment ---

type testEnv struct {
	clock      *fakeClock
	cfg        *config.Config
	mr         *miniredis.Miniredis
	creds      *fakeCredentialStore
	mfaStore   *fakeMFAStore
	auditStore *fakeAuditStore
	logs       *bytes.Buffer

	audit   *AuditRecorder
	apiKeys *APIKeyService
	mfa     *MFAService
	stepUp  *StepUpService
	totp    *auth.TOTP
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Security.APIKeys = config.APIKeyConfig{MinTokenLength: 40, MaxPrefixCandidates: 4}
	cfg.Security.RateLimiting = config.RateLimitingConfig{
		Enabled:  true,
		KeyLimit: 100,
		IPLimit:  200,
		Window:   time.Minute,
	}
	cfg.MFA.TOTP = config.TOTPConfig{Issuer: "PayDash", Digits: 6, Period: 30, Skew: 1, BackupCodeCount: 10}
	cfg.StepUp = config.StepUpConfig{Window: 300 * time.Second, ChallengeTTL: 5 * time.Minute}
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	env := &testEnv{
		clock:      newFakeClock(),
		cfg:        cfg,
		mr:         mr,
		creds:      newFakeCredentialStore(),
		mfaStore:   newFakeMFAStore(),
		auditStore: &fakeAuditStore{},
		logs:       &bytes.Buffer{},
	}
	log := logger.NewWriter(env.logs)

	env.audit = NewAuditRecorder(env.auditStore, log)
	env.audit.now = env.clock.Now

	limiter := ratelimit.New(client).WithClock(env.clock.Now)
	env.apiKeys = NewAPIKeyService(env.creds, auth.NewHasher(auth.NewHashParams(1024, 1, 1)), limiter, env.audit, cfg, log)
	env.apiKeys.now = env.clock.Now

	env.mfa = NewMFAService(env.mfaStore, env.audit, cfg, log)
	env.mfa.now = env.clock.Now

	challenges := repository.NewChallengeRepository(&database.Redis{Client: client})
	env.stepUp = NewStepUpService(env.mfa, challenges, env.audit, cfg, log)
	env.stepUp.now = env.clock.Now

	env.totp = auth.NewTOTP("PayDash", 6, 30, 1)
	return env
}

// enrollUser enables MFA for userID and returns its secret and backup codes
func (env *testEnv) enrollUser(t *testing.T, userID string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	meta := RequestMeta{Actor: userID}

	enroll, err := env.mfa.Enroll(ctx, meta, userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	code, err := env.totp.Code(enroll.Secret, env.clock.Now())
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	codes, err := env.mfa.Confirm(ctx, meta, userID, code)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	return enroll.Secret, codes.Codes
}

var errStoreDown = errors.New("store unavailable")
