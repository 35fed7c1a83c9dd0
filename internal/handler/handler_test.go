package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/paydash/authcore/internal/auth"
	"github.com/paydash/authcore/internal/config"
	"github.com/paydash/authcore/internal/database"
	"github.com/paydash/authcore/internal/handler"
	"github.com/paydash/authcore/internal/logger"
	"github.com/paydash/authcore/internal/middleware"
	"github.com/paydash/authcore/internal/model"
	"github.com/paydash/authcore/internal/ratelimit"
	"github.com/paydash/authcore/internal/repository"
	"github.com/paydash/authcore/internal/router"
	"github.com/paydash/authcore/internal/service"
	"github.com/redis/go-redis/v9"
)

const sessionSecret = "handler-test-secret"

// --- in-memory stores ---

type memCredentials struct {
	mu    sync.Mutex
	items map[string]*model.APICredential
}

func (m *memCredentials) Create(ctx context.Context, c *model.APICredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.items[c.ID] = &cp
	return nil
}

func (m *memCredentials) GetByID(ctx context.Context, tenantID, id string) (*model.APICredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok || c.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCredentials) ListByPrefix(ctx context.Context, prefix string, limit int) ([]*model.APICredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.APICredential
	for _, c := range m.items {
		if c.Prefix == prefix && c.Status != model.CredentialStatusRevoked {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memCredentials) ListByTenant(ctx context.Context, tenantID string) ([]*model.APICredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.APICredential
	for _, c := range m.items {
		if c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memCredentials) Rotate(ctx context.Context, tenantID, id, prefix, hashedSecret string, now time.Time) (*model.APICredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok || c.TenantID != tenantID || c.Status != model.CredentialStatusActive {
		return nil, repository.ErrNotFound
	}
	c.Prefix, c.HashedSecret, c.UpdatedAt = prefix, hashedSecret, now
	cp := *c
	return &cp, nil
}

func (m *memCredentials) Revoke(ctx context.Context, tenantID, id string, now time.Time) (*model.APICredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok || c.TenantID != tenantID || c.Status == model.CredentialStatusRevoked {
		return nil, repository.ErrNotFound
	}
	c.Status, c.UpdatedAt = model.CredentialStatusRevoked, now
	cp := *c
	return &cp, nil
}

func (m *memCredentials) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok || c.Status != model.CredentialStatusActive {
		return false, nil
	}
	c.Status = model.CredentialStatusExpired
	return true, nil
}

func (m *memCredentials) TouchLastUsed(ctx context.Context, id string, now time.Time) error {
	return nil
}

type memMFA struct {
	mu       sync.Mutex
	profiles map[string]*model.MFAProfile
	codes    map[string]map[string]bool
}

func (m *memMFA) GetProfile(ctx context.Context, userID string) (*model.MFAProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memMFA) SavePendingSecret(ctx context.Context, userID, secret string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.profiles[userID]; ok && p.Enabled {
		return repository.ErrDuplicate
	}
	m.profiles[userID] = &model.MFAProfile{UserID: userID, TOTPSecret: secret, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *memMFA) Enable(ctx context.Context, userID string, hashes []string, now time.Time) error {
	if err := m.touch(userID, now, true); err != nil {
		return err
	}
	return m.ReplaceBackupCodes(ctx, userID, hashes, now)
}

func (m *memMFA) TouchLastVerified(ctx context.Context, userID string, now time.Time) error {
	return m.touch(userID, now, false)
}

func (m *memMFA) touch(userID string, now time.Time, enable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return repository.ErrNotFound
	}
	if enable {
		p.Enabled = true
	}
	t := now
	p.LastVerifiedAt = &t
	return nil
}

func (m *memMFA) Disable(ctx context.Context, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, userID)
	delete(m.codes, userID)
	return nil
}

func (m *memMFA) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		set[h] = true
	}
	m.codes[userID] = set
	return nil
}

func (m *memMFA) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.codes[userID][codeHash] {
		return false, nil
	}
	delete(m.codes[userID], codeHash)
	return true, nil
}

func (m *memMFA) CountBackupCodes(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.codes[userID]), nil
}

// ageVerification moves the last verification of userID into the past
func (m *memMFA) ageVerification(userID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.profiles[userID].LastVerifiedAt.Add(-d)
	m.profiles[userID].LastVerifiedAt = &t
}

type memAudit struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
}

func (m *memAudit) Append(ctx context.Context, e *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *memAudit) List(ctx context.Context, afterSeq int64, limit int) ([]*model.AuditEntry, error) {
	return nil, nil
}

type checker struct{ err error }

func (c checker) HealthCheck(ctx context.Context) error { return c.err }

// --- server ---

type testServer struct {
	handler http.Handler
	mfa     *memMFA
	totp    *auth.TOTP
}

func newTestServer(t *testing.T, db handler.HealthChecker) *testServer {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{}
	cfg.Session = config.SessionConfig{JWTSecret: sessionSecret}
	cfg.Security.APIKeys = config.APIKeyConfig{MinTokenLength: 40, MaxPrefixCandidates: 4}
	cfg.Security.RateLimiting = config.RateLimitingConfig{
		Enabled:         true,
		KeyLimit:        100,
		IPLimit:         200,
		Window:          time.Minute,
		MFAVerifyLimit:  3,
		MFAVerifyWindow: time.Minute,
	}
	cfg.MFA.TOTP = config.TOTPConfig{Issuer: "PayDash", Digits: 6, Period: 30, Skew: 1, BackupCodeCount: 10}
	cfg.StepUp = config.StepUpConfig{Window: 300 * time.Second, ChallengeTTL: 5 * time.Minute}

	log := logger.NewWriter(&bytes.Buffer{})
	mfaStore := &memMFA{profiles: map[string]*model.MFAProfile{}, codes: map[string]map[string]bool{}}
	creds := &memCredentials{items: map[string]*model.APICredential{}}

	limiter := ratelimit.New(client)
	auditRec := service.NewAuditRecorder(&memAudit{}, log)
	keySvc := service.NewAPIKeyService(creds, auth.NewHasher(auth.NewHashParams(1024, 1, 1)), limiter, auditRec, cfg, log)
	mfaSvc := service.NewMFAService(mfaStore, auditRec, cfg, log)
	stepUpSvc := service.NewStepUpService(mfaSvc, repository.NewChallengeRepository(&database.Redis{Client: client}), auditRec, cfg, log)

	sessions, err := auth.NewSessionVerifier(cfg.Session)
	if err != nil {
		t.Fatalf("NewSessionVerifier failed: %v", err)
	}
	if db == nil {
		db = checker{}
	}
	h := handler.New(db, checker{}, log, cfg, keySvc, mfaSvc, stepUpSvc, limiter)
	mw := middleware.New(limiter, log, cfg)

	return &testServer{
		handler: router.New(h, mw, sessions, keySvc, cfg.Security.RateLimiting),
		mfa:     mfaStore,
		totp:    auth.NewTOTP("PayDash", 6, 30, 1),
	}
}

func session(t *testing.T, userID, tenantID, tier string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Email:            userID + "@example.com",
		TenantID:         tenantID,
		AdminTier:        tier,
	})
	s, err := tok.SignedString([]byte(sessionSecret))
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	return s
}

type call struct {
	method  string
	path    string
	body    interface{}
	token   string
	headers map[string]string
}

func (s *testServer) do(t *testing.T, c call) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		if raw, ok := c.body.(string); ok {
			body.WriteString(raw)
		} else if err := json.NewEncoder(&body).Encode(c.body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.RemoteAddr = "198.51.100.20:40000"
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func errCode(out map[string]interface{}) string {
	e, _ := out["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

// enroll runs TOTP enrollment over HTTP and returns the secret
func (s *testServer) enroll(t *testing.T, token string) string {
	t.Helper()
	rec, out := s.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/totp/enroll", token: token})
	if rec.Code != http.StatusOK {
		t.Fatalf("enroll: status %d %s", rec.Code, rec.Body.String())
	}
	secret := out["secret"].(string)
	code, _ := s.totp.Code(secret, time.Now())
	rec, out = s.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/totp/confirm", token: token, body: map[string]string{"code": code}})
	if rec.Code != http.StatusOK || out["count"] != float64(10) {
		t.Fatalf("confirm: status %d %s", rec.Code, rec.Body.String())
	}
	return secret
}

// --- tests ---

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	rec, out := srv.do(t, call{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK || out["status"] != "healthy" {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing standard headers: %v", rec.Header())
	}
	rec, out = srv.do(t, call{method: http.MethodGet, path: "/ready"})
	if rec.Code != http.StatusOK || out["ready"] != true {
		t.Fatalf("ready: %d %s", rec.Code, rec.Body.String())
	}

	down := newTestServer(t, checker{err: errors.New("db down")})
	rec, out = down.do(t, call{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusServiceUnavailable || out["status"] != "degraded" {
		t.Fatalf("degraded health: %d %s", rec.Code, rec.Body.String())
	}
	rec, out = down.do(t, call{method: http.MethodGet, path: "/ready"})
	if rec.Code != http.StatusServiceUnavailable || out["unavailable"] != "postgres" {
		t.Fatalf("ready with db down: %d", rec.Code)
	}
}

func TestCredentialLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	admin := session(t, "usr_admin", "ten_1", auth.TierAdmin)

	rec, out := srv.do(t, call{
		method: http.MethodPost,
		path:   "/api/v1/tenants/ten_1/credentials",
		token:  admin,
		body:   map[string]interface{}{"name": "checkout", "scope": []string{"/api/v1/key/*"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("issued token response must not be cached")
	}
	token := out["token"].(string)
	credID := out["credential"].(map[string]interface{})["id"].(string)

	rec, out = srv.do(t, call{method: http.MethodGet, path: "/api/v1/key/introspect", token: token, headers: map[string]string{middleware.TenantHeader: "ten_1"}})
	if rec.Code != http.StatusOK || out["credentialId"] != credID {
		t.Fatalf("introspect: %d %s", rec.Code, rec.Body.String())
	}
	if rl, _ := out["rateLimit"].(map[string]interface{}); rl["count"] != float64(1) {
		t.Fatalf("introspect rate window = %v", out["rateLimit"])
	}

	rec, out = srv.do(t, call{method: http.MethodGet, path: "/api/v1/key/introspect", token: token})
	if rec.Code != http.StatusForbidden || errCode(out) != "tenant_mismatch" {
		t.Fatalf("introspect without tenant: %d %s", rec.Code, rec.Body.String())
	}

	rec, out = srv.do(t, call{method: http.MethodGet, path: "/api/v1/tenants/ten_1/credentials", token: admin})
	if rec.Code != http.StatusOK || out["total"] != float64(1) {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(token)) {
		t.Fatal("list response contains the plaintext token")
	}

	rec, out = srv.do(t, call{method: http.MethodPost, path: "/api/v1/tenants/ten_1/credentials/" + credID + "/rotate", token: admin})
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: %d %s", rec.Code, rec.Body.String())
	}
	rotated := out["token"].(string)

	rec, out = srv.do(t, call{method: http.MethodGet, path: "/api/v1/key/introspect", token: token, headers: map[string]string{middleware.TenantHeader: "ten_1"}})
	if rec.Code != http.StatusUnauthorized || errCode(out) != "invalid_credentials" {
		t.Fatalf("old token after rotate: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = srv.do(t, call{method: http.MethodPost, path: "/api/v1/tenants/ten_1/credentials/" + credID + "/revoke", token: admin})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: %d %s", rec.Code, rec.Body.String())
	}
	rec, _ = srv.do(t, call{method: http.MethodGet, path: "/api/v1/key/introspect", token: rotated, headers: map[string]string{middleware.TenantHeader: "ten_1"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token: %d", rec.Code)
	}

	rec, out = srv.do(t, call{method: http.MethodPost, path: "/api/v1/tenants/ten_1/credentials/" + credID + "/revoke", token: admin})
	if rec.Code != http.StatusNotFound || errCode(out) != "not_found" {
		t.Fatalf("second revoke: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCredentialAccessControl(t *testing.T) {
	srv := newTestServer(t, nil)

	rec, out := srv.do(t, call{method: http.MethodGet, path: "/api/v1/tenants/ten_1/credentials"})
	if rec.Code != http.StatusUnauthorized || errCode(out) != "unauthorized" {
		t.Fatalf("no session: %d %s", rec.Code, rec.Body.String())
	}

	other := session(t, "usr_other", "ten_2", auth.TierAdmin)
	rec, out = srv.do(t, call{method: http.MethodGet, path: "/api/v1/tenants/ten_1/credentials", token: other})
	if rec.Code != http.StatusForbidden || errCode(out) != "forbidden" {
		t.Fatalf("other tenant: %d %s", rec.Code, rec.Body.String())
	}

	admin := session(t, "usr_admin", "ten_1", auth.TierAdmin)
	rec, out = srv.do(t, call{method: http.MethodPost, path: "/api/v1/tenants/ten_1/credentials", token: admin, body: `{"name":"x","scope":["*"],"owner":"me"}`})
	if rec.Code != http.StatusBadRequest || errCode(out) != "validation_error" {
		t.Fatalf("unknown field: %d %s", rec.Code, rec.Body.String())
	}
	rec, out = srv.do(t, call{method: http.MethodPost, path: "/api/v1/tenants/ten_1/credentials", token: admin, body: map[string]interface{}{"name": "x", "scope": []string{}}})
	if rec.Code != http.StatusBadRequest || errCode(out) != "validation_error" {
		t.Fatalf("empty scope: %d %s", rec.Code, rec.Body.String())
	}

	root := session(t, "usr_root", "", auth.TierSuperAdmin)
	rec, out = srv.do(t, call{method: http.MethodPost, path: "/api/v1/tenants/ten_1/credentials", token: root, body: map[string]interface{}{"name": "x", "scope": []string{"*"}}})
	if rec.Code != http.StatusForbidden || errCode(out) != "mfa_enrollment_required" {
		t.Fatalf("super admin without MFA: %d %s", rec.Code, rec.Body.String())
	}
}

func TestStepUpOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	admin := session(t, "usr_admin", "ten_1", auth.TierAdmin)
	secret := srv.enroll(t, admin)
	srv.mfa.ageVerification("usr_admin", time.Hour)

	issue := call{
		method: http.MethodPost,
		path:   "/api/v1/tenants/ten_1/credentials",
		token:  admin,
		body:   map[string]interface{}{"name": "payouts", "scope": []string{"/payouts/*"}},
	}
	rec, out := srv.do(t, issue)
	if rec.Code != http.StatusForbidden || errCode(out) != "step_up_required" {
		t.Fatalf("stale verification: %d %s", rec.Code, rec.Body.String())
	}
	details := out["error"].(map[string]interface{})["details"].(map[string]interface{})
	challenge := details["challengeToken"].(string)
	if details["action"] != model.ActionCredentialIssue {
		t.Fatalf("challenge action = %v", details["action"])
	}

	rec, out = srv.do(t, call{method: http.MethodPost, path: "/api/v1/stepup/verify", token: admin, body: map[string]string{"challengeToken": challenge, "code": "000000"}})
	if rec.Code != http.StatusUnauthorized || errCode(out) != "invalid_code" {
		t.Fatalf("wrong code: %d %s", rec.Code, rec.Body.String())
	}

	code, _ := srv.totp.Code(secret, time.Now())
	rec, out = srv.do(t, call{method: http.MethodPost, path: "/api/v1/stepup/verify", token: admin, body: map[string]string{"challengeToken": challenge, "method": "totp", "code": code}})
	if rec.Code != http.StatusOK || out["verified"] != true {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}

	issue.headers = map[string]string{handler.StepUpTokenHeader: challenge}
	rec, _ = srv.do(t, issue)
	if rec.Code != http.StatusCreated {
		t.Fatalf("re-submission: %d %s", rec.Code, rec.Body.String())
	}

	other := session(t, "usr_other", "ten_1", auth.TierAdmin)
	rec, out = srv.do(t, call{method: http.MethodPost, path: "/api/v1/stepup/verify", token: other, body: map[string]string{"challengeToken": challenge, "code": code}})
	if rec.Code != http.StatusNotFound || errCode(out) != "challenge_not_found" {
		t.Fatalf("consumed challenge: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMFAOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	user := session(t, "usr_1", "ten_1", auth.TierMember)

	rec, out := srv.do(t, call{method: http.MethodGet, path: "/api/v1/mfa", token: user})
	if rec.Code != http.StatusOK || out["enabled"] != false {
		t.Fatalf("status before enrollment: %d %s", rec.Code, rec.Body.String())
	}

	srv.enroll(t, user)

	rec, out = srv.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/totp/enroll", token: user})
	if rec.Code != http.StatusConflict || errCode(out) != "mfa_already_enrolled" {
		t.Fatalf("second enrollment: %d %s", rec.Code, rec.Body.String())
	}

	rec, out = srv.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/backup-codes", token: user})
	if rec.Code != http.StatusOK || out["count"] != float64(10) {
		t.Fatalf("regenerate: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = srv.do(t, call{method: http.MethodDelete, path: "/api/v1/mfa", token: user})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disable: %d %s", rec.Code, rec.Body.String())
	}
	rec, out = srv.do(t, call{method: http.MethodGet, path: "/api/v1/mfa", token: user})
	if rec.Code != http.StatusOK || out["enabled"] != false {
		t.Fatalf("status after disable: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMFAVerifyRateLimited(t *testing.T) {
	srv := newTestServer(t, nil)
	user := session(t, "usr_1", "ten_1", auth.TierMember)
	srv.enroll(t, user)

	for i := 0; i < 3; i++ {
		rec, out := srv.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/verify", token: user, body: map[string]string{"code": "000000"}})
		if rec.Code != http.StatusUnauthorized || errCode(out) != "invalid_code" {
			t.Fatalf("attempt %d: %d %s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec, out := srv.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/verify", token: user, body: map[string]string{"code": "000000"}})
	if rec.Code != http.StatusTooManyRequests || errCode(out) != "rate_limit_exceeded" {
		t.Fatalf("fourth attempt: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}
