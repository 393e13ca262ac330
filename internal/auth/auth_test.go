package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/keys"
	"github.com/pipster/pipster-identity/internal/logging"
	"github.com/pipster/pipster-identity/internal/models"
	"github.com/pipster/pipster-identity/internal/registry"
	"github.com/pipster/pipster-identity/internal/session"
	"github.com/pipster/pipster-identity/internal/state"
	"github.com/pipster/pipster-identity/internal/tokens"
	"github.com/pipster/pipster-identity/internal/users"
)

const (
	testIssuer   = "https://identity.pipster.app"
	testLoginURL = "https://pipster.app/login"
	webClient    = "pipster-web"
	webRedirect  = "https://pipster.app/api/auth/callback/identityserver"
	webOrigin    = "https://pipster.app"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testEmail    = "ada@example.com"
	testPassword = "Correct1Horse"
	fullScope    = "openid profile email tenant pipster.api"
)

var fastParams = users.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingRecorder captures metric events.
type countingRecorder struct {
	mu     sync.Mutex
	logins []string
	issued []string
	errors []string
}

func (c *countingRecorder) LoginAttempt(outcome string) {
	c.mu.Lock()
	c.logins = append(c.logins, outcome)
	c.mu.Unlock()
}

func (c *countingRecorder) TokenIssued(grantType, _ string) {
	c.mu.Lock()
	c.issued = append(c.issued, grantType)
	c.mu.Unlock()
}

func (c *countingRecorder) OAuthError(endpoint, code string) {
	c.mu.Lock()
	c.errors = append(c.errors, endpoint+":"+code)
	c.mu.Unlock()
}

type fixture struct {
	issuer   *tokens.Issuer
	registry *registry.Registry
	users    *users.Store
	user     *models.User
	sessions *session.Manager
	keys     *keys.Set
	clock    *testClock
	rec      *countingRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()

	db, err := state.LoadAt(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Migrate(ctx)
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	store := users.NewStore(db, logging.Discard(),
		users.WithHasher(users.NewArgon2Hasher(fastParams)),
		users.WithClock(clock.Now),
	)

	user, err := store.Create(ctx, users.NewUser{
		TenantID:    "tenant-42",
		DisplayName: "Ada Lovelace",
		Email:       testEmail,
		Password:    testPassword,
	})
	require.NoError(t, err)

	reg, err := registry.Build(registry.DefaultConfig())
	require.NoError(t, err)

	ks, err := keys.Generate()
	require.NoError(t, err)

	sessions, err := session.NewManager(session.Config{
		Secret:   []byte(strings.Repeat("s", session.MinSecretLength)),
		Lifetime: 2 * time.Hour,
		Issuer:   testIssuer,
		Users:    store,
		Logger:   logging.Discard(),
		Now:      clock.Now,
	})
	require.NoError(t, err)

	iss := tokens.New(tokens.Config{
		IssuerURI: testIssuer,
		Registry:  reg,
		Keys:      ks,
		Backend:   db,
		Users:     store,
		Logger:    logging.Discard(),
		Now:       clock.Now,
	})

	return &fixture{
		issuer:   iss,
		registry: reg,
		users:    store,
		user:     user,
		sessions: sessions,
		keys:     ks,
		clock:    clock,
		rec:      &countingRecorder{},
	}
}

func (f *fixture) authorizeHandler() http.HandlerFunc {
	return HandleAuthorize(AuthorizeConfig{
		Issuer:   f.issuer,
		Sessions: f.sessions,
		LoginURL: testLoginURL,
		Recorder: f.rec,
		Logger:   logging.Discard(),
	})
}

func (f *fixture) tokenHandler() http.HandlerFunc {
	return HandleToken(TokenConfig{Issuer: f.issuer, Recorder: f.rec, Logger: logging.Discard()})
}

func (f *fixture) loginHandler() http.HandlerFunc {
	return HandleLogin(LoginConfig{
		Users:         f.users,
		Sessions:      f.sessions,
		LoginURL:      testLoginURL,
		OriginAllowed: f.registry.IsOriginAllowed,
		Recorder:      f.rec,
		Logger:        logging.Discard(),
		Now:           f.clock.Now,
	})
}

func (f *fixture) sessionCookie(t *testing.T) *http.Cookie {
	t.Helper()

	c, err := f.sessions.Create(f.user)
	require.NoError(t, err)

	return c
}

func authorizeURL(scope string) string {
	q := url.Values{}
	q.Set("client_id", webClient)
	q.Set("redirect_uri", webRedirect)
	q.Set("response_type", "code")
	q.Set("scope", scope)
	q.Set("state", "xyz")
	q.Set("nonce", "n-0S6_WzA2Mj")
	q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(testVerifier))
	q.Set("code_challenge_method", "S256")

	return "/authorize?" + q.Encode()
}

func location(t *testing.T, rec *httptest.ResponseRecorder) *url.URL {
	t.Helper()

	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	return u
}

// obtainCode runs /authorize with a signed-in session and returns the code.
func (f *fixture) obtainCode(t *testing.T, scope string) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, authorizeURL(scope), nil)
	req.AddCookie(f.sessionCookie(t))

	rec := httptest.NewRecorder()
	f.authorizeHandler()(rec, req)

	code := location(t, rec).Query().Get("code")
	require.NotEmpty(t, code)

	return code
}

func postForm(handler http.HandlerFunc, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	handler(rec, req)

	return rec
}

func exchangeForm(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {testVerifier},
		"client_id":     {webClient},
		"redirect_uri":  {webRedirect},
	}
}

// obtainTokens runs the full authorize and token exchange.
func (f *fixture) obtainTokens(t *testing.T, scope string) gjson.Result {
	t.Helper()

	rec := postForm(f.tokenHandler(), "/token", exchangeForm(f.obtainCode(t, scope)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	return gjson.Parse(rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	return gjson.Get(rec.Body.String(), "error").String()
}

// --- Authorize ---

func TestAuthorize_NoSessionRedirectsToLogin(t *testing.T) {
	f := newFixture(t)

	target := authorizeURL(fullScope)
	rec := httptest.NewRecorder()
	f.authorizeHandler()(rec, httptest.NewRequest(http.MethodGet, target, nil))

	loc := location(t, rec)
	assert.Equal(t, "pipster.app", loc.Host)
	assert.Equal(t, "/login", loc.Path)
	assert.Equal(t, target, loc.Query().Get("return_url"))
}

func TestAuthorize_WithSessionIssuesCode(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, authorizeURL(fullScope), nil)
	req.AddCookie(f.sessionCookie(t))

	rec := httptest.NewRecorder()
	f.authorizeHandler()(rec, req)

	loc := location(t, rec)
	assert.True(t, strings.HasPrefix(loc.String(), webRedirect+"?"))
	assert.NotEmpty(t, loc.Query().Get("code"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Equal(t, testIssuer, loc.Query().Get("iss"))
}

func TestAuthorize_PreRedirectErrorsAreJSON(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(q url.Values)
		status int
		code   string
	}{
		{"unknown client", func(q url.Values) { q.Set("client_id", "nope") }, http.StatusUnauthorized, "invalid_client"},
		{"disabled client", func(q url.Values) { q.Set("client_id", "pipster-mobile") }, http.StatusUnauthorized, "invalid_client"},
		{"unregistered redirect", func(q url.Values) { q.Set("redirect_uri", "https://evil.example/cb") }, http.StatusBadRequest, "invalid_redirect"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _ := url.Parse(authorizeURL(fullScope))
			q := u.Query()
			tt.mutate(q)

			rec := httptest.NewRecorder()
			f.authorizeHandler()(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Empty(t, rec.Header().Get("Location"))
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestAuthorize_PostRedirectErrorsRedirect(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, authorizeURL("openid admin"), nil)
	req.AddCookie(f.sessionCookie(t))

	rec := httptest.NewRecorder()
	f.authorizeHandler()(rec, req)

	loc := location(t, rec)
	assert.True(t, strings.HasPrefix(loc.String(), webRedirect+"?"))
	assert.Equal(t, "invalid_scope", loc.Query().Get("error"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Empty(t, loc.Query().Get("code"))
	assert.Contains(t, f.rec.errors, "authorize:invalid_scope")
}

func TestAuthorize_MissingPKCE(t *testing.T) {
	f := newFixture(t)

	u, _ := url.Parse(authorizeURL(fullScope))
	q := u.Query()
	q.Del("code_challenge")
	q.Del("code_challenge_method")

	rec := httptest.NewRecorder()
	f.authorizeHandler()(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))

	assert.Equal(t, "invalid_request", location(t, rec).Query().Get("error"))
}

func TestAuthorize_ExpiredSessionClearsCookie(t *testing.T) {
	f := newFixture(t)

	cookie := f.sessionCookie(t)
	f.clock.Advance(3 * time.Hour)

	req := httptest.NewRequest(http.MethodGet, authorizeURL(fullScope), nil)
	req.AddCookie(cookie)

	rec := httptest.NewRecorder()
	f.authorizeHandler()(rec, req)

	assert.Equal(t, "/login", location(t, rec).Path)

	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, session.CookieName, cleared[0].Name)
	assert.Negative(t, cleared[0].MaxAge)
}

func TestAuthorize_InactiveUserSentToLogin(t *testing.T) {
	f := newFixture(t)

	cookie := f.sessionCookie(t)
	_, err := f.users.SetActive(context.Background(), f.user.ID, false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, authorizeURL(fullScope), nil)
	req.AddCookie(cookie)

	rec := httptest.NewRecorder()
	f.authorizeHandler()(rec, req)

	assert.Equal(t, "/login", location(t, rec).Path)
}

func TestAuthorize_RenewsAgingSession(t *testing.T) {
	f := newFixture(t)

	cookie := f.sessionCookie(t)
	f.clock.Advance(90 * time.Minute)

	req := httptest.NewRequest(http.MethodGet, authorizeURL(fullScope), nil)
	req.AddCookie(cookie)

	rec := httptest.NewRecorder()
	f.authorizeHandler()(rec, req)

	assert.NotEmpty(t, location(t, rec).Query().Get("code"))

	renewed := rec.Result().Cookies()
	require.Len(t, renewed, 1)
	assert.NotEqual(t, cookie.Value, renewed[0].Value)
}

func TestAuthorize_WrongMethod(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.authorizeHandler()(rec, httptest.NewRequest(http.MethodPost, "/authorize", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// --- Login ---

func loginForm(email, password, returnURL string) url.Values {
	return url.Values{
		"email":      {email},
		"password":   {password},
		"return_url": {returnURL},
	}
}

func TestLogin_GET_RendersForm(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.loginHandler()(rec, httptest.NewRequest(http.MethodGet, "/account/login?return_url=%2Fauthorize%3Fclient_id%3Dpipster-web&error=locked_out", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `name="email"`)
	assert.Contains(t, body, `value="/authorize?client_id=pipster-web"`)
	assert.Contains(t, body, "Too many failed attempts")
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestLogin_GET_DropsForeignReturnURL(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.loginHandler()(rec, httptest.NewRequest(http.MethodGet, "/account/login?return_url=https%3A%2F%2Fevil.example", nil))

	assert.NotContains(t, rec.Body.String(), "evil.example")
	assert.Contains(t, rec.Body.String(), `name="return_url" value="/"`)
}

func TestLogin_POST_Success(t *testing.T) {
	f := newFixture(t)

	returnURL := authorizeURL(fullScope)
	rec := postForm(f.loginHandler(), "/account/login", loginForm(testEmail, testPassword, returnURL))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, returnURL, rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, session.CookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, []string{"success"}, f.rec.logins)

	// The new session completes the authorize round trip.
	req := httptest.NewRequest(http.MethodGet, returnURL, nil)
	req.AddCookie(cookies[0])

	authRec := httptest.NewRecorder()
	f.authorizeHandler()(authRec, req)
	assert.NotEmpty(t, location(t, authRec).Query().Get("code"))
}

func TestLogin_POST_Failures(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		pass    string
		outcome string
	}{
		{"wrong password", testEmail, "Wrong1Horse", "invalid_credentials"},
		{"unknown email", "nobody@example.com", testPassword, "invalid_credentials"},
		{"empty password", testEmail, "", "invalid_credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			rec := postForm(f.loginHandler(), "/account/login", loginForm(tt.email, tt.pass, "/authorize"))

			loc := location(t, rec)
			assert.Equal(t, "/login", loc.Path)
			assert.Equal(t, tt.outcome, loc.Query().Get("error"))
			assert.Equal(t, "/authorize", loc.Query().Get("return_url"))
			assert.Empty(t, rec.Result().Cookies())
		})
	}
}

func TestLogin_POST_LockedOut(t *testing.T) {
	f := newFixture(t)
	h := f.loginHandler()

	for range 5 {
		postForm(h, "/account/login", loginForm(testEmail, "Wrong1Horse", "/"))
	}

	rec := postForm(h, "/account/login", loginForm(testEmail, testPassword, "/"))
	assert.Equal(t, "locked_out", location(t, rec).Query().Get("error"))

	f.clock.Advance(6 * time.Minute)

	rec = postForm(h, "/account/login", loginForm(testEmail, testPassword, "/"))
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestLogin_POST_Inactive(t *testing.T) {
	f := newFixture(t)

	_, err := f.users.SetActive(context.Background(), f.user.ID, false)
	require.NoError(t, err)

	rec := postForm(f.loginHandler(), "/account/login", loginForm(testEmail, testPassword, "/"))
	assert.Equal(t, "inactive", location(t, rec).Query().Get("error"))
}

func TestLogin_POST_ForeignReturnURLFallsBackToRoot(t *testing.T) {
	f := newFixture(t)

	for _, target := range []string{"https://evil.example/", "//evil.example/", "/\\evil.example"} {
		rec := postForm(f.loginHandler(), "/account/login", loginForm(testEmail, testPassword, target))
		assert.Equal(t, "/", rec.Header().Get("Location"), target)
	}
}

func TestLogin_POST_OriginCheck(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		status int
	}{
		{"same origin", "http://example.com", http.StatusFound},
		{"client origin", webOrigin, http.StatusFound},
		{"foreign origin", "https://evil.example", http.StatusForbidden},
		{"no origin", "", http.StatusFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			req := httptest.NewRequest(http.MethodPost, "/account/login",
				strings.NewReader(loginForm(testEmail, testPassword, "/").Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			rec := httptest.NewRecorder()
			f.loginHandler()(rec, req)

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestLogin_POST_RateLimited(t *testing.T) {
	f := newFixture(t)
	h := f.loginHandler()

	// Spread failures across unknown accounts so no lockout applies.
	for i := range rateLimitMaxFail {
		email := fmt.Sprintf("user%d@example.com", i)
		postForm(h, "/account/login", loginForm(email, "Wrong1Horse", "/"))
	}

	rec := postForm(h, "/account/login", loginForm(testEmail, testPassword, "/"))
	assert.Equal(t, "too_many_attempts", location(t, rec).Query().Get("error"))
	assert.Contains(t, f.rec.logins, "rate_limited")

	f.clock.Advance(rateLimitWindow + time.Second)

	rec = postForm(h, "/account/login", loginForm(testEmail, testPassword, "/"))
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestLoginRateLimiter_PrunesStaleEntries(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := newLoginRateLimiter(clock.Now)

	for i := 0; i <= rateLimitPruneThreshold; i++ {
		rl.record(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}

	clock.Advance(rateLimitWindow + time.Second)
	assert.False(t, rl.check("192.0.2.1"))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.failures)
}

type stubCredentials struct {
	user     *models.User
	unknowns []string
}

func (c *stubCredentials) FindByEmail(context.Context, string) (*models.User, error) {
	if c.user == nil {
		return nil, apperrors.ErrUserNotFound
	}

	return c.user, nil
}

func (c *stubCredentials) VerifyCredential(context.Context, *models.User, string) (users.Outcome, error) {
	return users.InvalidCredential, nil
}

func (c *stubCredentials) VerifyUnknown(password string) {
	c.unknowns = append(c.unknowns, password)
}

func TestVerify_UnknownEmailStillHashes(t *testing.T) {
	creds := &stubCredentials{}

	outcome, user, err := verify(context.Background(), creds, "ghost@example.com", "Guess1Pass")
	require.NoError(t, err)
	assert.Equal(t, users.InvalidCredential, outcome)
	assert.Nil(t, user)
	assert.Equal(t, []string{"Guess1Pass"}, creds.unknowns)
}

func TestVerify_KnownEmailSkipsDecoy(t *testing.T) {
	creds := &stubCredentials{user: &models.User{ID: "u1"}}

	outcome, _, err := verify(context.Background(), creds, "ada@example.com", "wrong")
	require.NoError(t, err)
	assert.Equal(t, users.InvalidCredential, outcome)
	assert.Empty(t, creds.unknowns)
}

func TestLogin_WrongMethod(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.loginHandler()(rec, httptest.NewRequest(http.MethodDelete, "/account/login", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLocalPath(t *testing.T) {
	tests := []struct {
		target string
		want   bool
	}{
		{"/", true},
		{"/authorize?client_id=pipster-web", true},
		{"", false},
		{"authorize", false},
		{"//evil.example", false},
		{"/\\evil.example", false},
		{"https://evil.example/", false},
		{"javascript:alert(1)", false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, localPath(tt.target))
		})
	}
}

// --- Token ---

func TestToken_FullFlow(t *testing.T) {
	f := newFixture(t)

	rec := postForm(f.tokenHandler(), "/token", exchangeForm(f.obtainCode(t, fullScope+" offline_access")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))

	body := gjson.Parse(rec.Body.String())
	assert.NotEmpty(t, body.Get("access_token").String())
	assert.NotEmpty(t, body.Get("id_token").String())
	assert.NotEmpty(t, body.Get("refresh_token").String())
	assert.Equal(t, "Bearer", body.Get("token_type").String())
	assert.Equal(t, int64(3600), body.Get("expires_in").Int())
	assert.Equal(t, []string{"authorization_code"}, f.rec.issued)

	claims, err := f.issuer.ValidateAccessToken(context.Background(), body.Get("access_token").String())
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, claims.Subject)
	assert.Equal(t, "tenant-42", claims.TenantID)
}

func TestToken_JSONBody(t *testing.T) {
	f := newFixture(t)

	code := f.obtainCode(t, fullScope)
	body, err := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"code_verifier": testVerifier,
		"client_id":     webClient,
		"redirect_uri":  webRedirect,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	rec := httptest.NewRecorder()
	f.tokenHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, gjson.Get(rec.Body.String(), "access_token").String())
}

func TestToken_ReplayedCode(t *testing.T) {
	f := newFixture(t)

	code := f.obtainCode(t, fullScope)

	first := postForm(f.tokenHandler(), "/token", exchangeForm(code))
	require.Equal(t, http.StatusOK, first.Code)

	second := postForm(f.tokenHandler(), "/token", exchangeForm(code))
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Equal(t, "invalid_grant", errorCode(t, second))

	_, err := f.issuer.ValidateAccessToken(context.Background(), gjson.Get(first.Body.String(), "access_token").String())
	assert.Error(t, err, "tokens from a replayed code must be revoked")
}

func TestToken_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(v url.Values)
		status int
		code   string
	}{
		{"missing grant type", func(v url.Values) { v.Del("grant_type") }, http.StatusBadRequest, "invalid_request"},
		{"unsupported grant", func(v url.Values) { v.Set("grant_type", "password") }, http.StatusBadRequest, "unsupported_grant_type"},
		{"wrong verifier", func(v url.Values) { v.Set("code_verifier", strings.Repeat("a", 43)) }, http.StatusBadRequest, "invalid_grant"},
		{"missing verifier", func(v url.Values) { v.Del("code_verifier") }, http.StatusBadRequest, "invalid_grant"},
		{"redirect mismatch", func(v url.Values) { v.Set("redirect_uri", "https://pipster.app/other") }, http.StatusBadRequest, "invalid_grant"},
		{"unknown code", func(v url.Values) { v.Set("code", "nope") }, http.StatusBadRequest, "invalid_grant"},
		{"unknown client", func(v url.Values) { v.Set("client_id", "nope") }, http.StatusUnauthorized, "invalid_client"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			form := exchangeForm(f.obtainCode(t, fullScope))
			tt.mutate(form)

			rec := postForm(f.tokenHandler(), "/token", form)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
			assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestToken_BasicAuthFailureChallenges(t *testing.T) {
	f := newFixture(t)

	form := exchangeForm(f.obtainCode(t, fullScope))
	form.Del("client_id")

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("unknown%20client", "secret")

	rec := httptest.NewRecorder()
	f.tokenHandler()(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", errorCode(t, rec))
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
}

func TestToken_RefreshGrant(t *testing.T) {
	f := newFixture(t)

	tokensBody := f.obtainTokens(t, fullScope+" offline_access")
	refresh := tokensBody.Get("refresh_token").String()
	require.NotEmpty(t, refresh)

	rec := postForm(f.tokenHandler(), "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {webClient},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	next := gjson.Parse(rec.Body.String())
	assert.NotEqual(t, refresh, next.Get("refresh_token").String())
	assert.NotEmpty(t, next.Get("id_token").String())
	assert.Contains(t, f.rec.issued, "refresh_token")

	// The rotated-out token is dead.
	rec = postForm(f.tokenHandler(), "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {webClient},
	})
	assert.Equal(t, "invalid_grant", errorCode(t, rec))
}

func TestToken_WrongMethod(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.tokenHandler()(rec, httptest.NewRequest(http.MethodGet, "/token", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// --- Middleware ---

func protected(f *fixture) http.Handler {
	return BearerMiddleware(f.issuer, logging.Discard(), testIssuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(RequestUserID(r.Context()) + "|" + RequestClientID(r.Context()) + "|" + RequestRemoteIP(r.Context())))
	}))
}

func TestMiddleware_ValidToken(t *testing.T) {
	f := newFixture(t)

	access := f.obtainTokens(t, fullScope).Get("access_token").String()

	req := httptest.NewRequest(http.MethodGet, "/connect/userinfo", nil)
	req.Header.Set("Authorization", "bearer "+access)

	rec := httptest.NewRecorder()
	protected(f).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.user.ID+"|"+webClient+"|192.0.2.1", rec.Body.String())
}

func TestMiddleware_MissingToken(t *testing.T) {
	f := newFixture(t)

	for _, header := range []string{"", "Basic abc", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/connect/userinfo", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}

		rec := httptest.NewRecorder()
		protected(f).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
		assert.Equal(t, `Bearer realm="`+testIssuer+`"`, rec.Header().Get("WWW-Authenticate"))
	}
}

func TestMiddleware_InvalidToken(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/connect/userinfo", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")

	rec := httptest.NewRecorder()
	protected(f).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	f := newFixture(t)

	access := f.obtainTokens(t, fullScope).Get("access_token").String()
	f.clock.Advance(2 * time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/connect/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+access)

	rec := httptest.NewRecorder()
	protected(f).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// --- UserInfo ---

func userInfoRequest(f *fixture, access string) *httptest.ResponseRecorder {
	h := BearerMiddleware(f.issuer, logging.Discard(), testIssuer)(HandleUserInfo(f.issuer, f.rec, logging.Discard()))

	req := httptest.NewRequest(http.MethodGet, "/connect/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+access)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestUserInfo_ReturnsClaims(t *testing.T) {
	f := newFixture(t)

	rec := userInfoRequest(f, f.obtainTokens(t, fullScope).Get("access_token").String())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, f.user.ID, body.Get("sub").String())
	assert.Equal(t, "Ada Lovelace", body.Get("name").String())
	assert.Equal(t, testEmail, body.Get("email").String())
	assert.Equal(t, "tenant-42", body.Get("tenant_id").String())
}

func TestUserInfo_RequiresOpenID(t *testing.T) {
	f := newFixture(t)

	rec := userInfoRequest(f, f.obtainTokens(t, "pipster.api").Get("access_token").String())

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "insufficient_scope", errorCode(t, rec))
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "insufficient_scope")
}

func TestUserInfo_InactiveUser(t *testing.T) {
	f := newFixture(t)

	access := f.obtainTokens(t, fullScope).Get("access_token").String()
	_, err := f.users.SetActive(context.Background(), f.user.ID, false)
	require.NoError(t, err)

	rec := userInfoRequest(f, access)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// --- Revocation ---

func (f *fixture) revoke(form url.Values) *httptest.ResponseRecorder {
	return postForm(HandleRevocation(f.issuer, f.rec, logging.Discard()), "/connect/revocation", form)
}

func TestRevocation_RefreshToken(t *testing.T) {
	f := newFixture(t)

	refresh := f.obtainTokens(t, fullScope+" offline_access").Get("refresh_token").String()

	rec := f.revoke(url.Values{"token": {refresh}, "client_id": {webClient}, "token_type_hint": {"refresh_token"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = postForm(f.tokenHandler(), "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {webClient},
	})
	assert.Equal(t, "invalid_grant", errorCode(t, rec))
}

func TestRevocation_AccessToken(t *testing.T) {
	f := newFixture(t)

	access := f.obtainTokens(t, fullScope).Get("access_token").String()

	rec := f.revoke(url.Values{"token": {access}, "client_id": {webClient}})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusUnauthorized, userInfoRequest(f, access).Code)
}

func TestRevocation_UnknownTokenSucceeds(t *testing.T) {
	f := newFixture(t)

	rec := f.revoke(url.Values{"token": {"not-a-token"}, "client_id": {webClient}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRevocation_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.revoke(url.Values{"token": {"x"}, "client_id": {"nope"}})
	assert.Equal(t, "invalid_client", errorCode(t, rec))

	rec = f.revoke(url.Values{"client_id": {webClient}})
	assert.Equal(t, "invalid_request", errorCode(t, rec))

	wrong := httptest.NewRecorder()
	HandleRevocation(f.issuer, f.rec, logging.Discard())(wrong, httptest.NewRequest(http.MethodGet, "/connect/revocation", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, wrong.Code)
}

// --- End session ---

func TestEndSession_RedirectsToRegisteredURI(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	HandleEndSession(f.registry, f.sessions, logging.Discard())(rec, httptest.NewRequest(http.MethodGet,
		"/connect/endsession?client_id=pipster-web&post_logout_redirect_uri=https%3A%2F%2Fpipster.app&state=abc", nil))

	loc := location(t, rec)
	assert.Equal(t, "https://pipster.app?state=abc", loc.String())

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, session.CookieName, cookies[0].Name)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestEndSession_RejectsUnregisteredURI(t *testing.T) {
	f := newFixture(t)

	for _, target := range []string{
		"/connect/endsession?client_id=pipster-web&post_logout_redirect_uri=https%3A%2F%2Fevil.example",
		"/connect/endsession?post_logout_redirect_uri=https%3A%2F%2Fpipster.app",
		"/connect/endsession",
	} {
		rec := httptest.NewRecorder()
		HandleEndSession(f.registry, f.sessions, logging.Discard())(rec, httptest.NewRequest(http.MethodGet, target, nil))

		assert.Equal(t, http.StatusOK, rec.Code, target)
		assert.Empty(t, rec.Header().Get("Location"))
		assert.Len(t, rec.Result().Cookies(), 1, "session cookie is cleared regardless")
	}
}

// --- Metadata ---

func TestDiscovery(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	HandleDiscovery(f.issuer, logging.Discard())(rec, httptest.NewRequest(http.MethodGet, tokens.PathDiscovery, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, testIssuer, body.Get("issuer").String())
	assert.Equal(t, testIssuer+tokens.PathJWKS, body.Get("jwks_uri").String())
	assert.Equal(t, testIssuer+tokens.PathToken, body.Get("token_endpoint").String())
	assert.Equal(t, "S256", body.Get("code_challenge_methods_supported.0").String())
}

type brokenDiscovery struct{}

func (brokenDiscovery) Discovery(context.Context) (*tokens.DiscoveryDocument, error) {
	return nil, assert.AnError
}

func TestDiscovery_Unavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleDiscovery(brokenDiscovery{}, logging.Discard())(rec, httptest.NewRequest(http.MethodGet, tokens.PathDiscovery, nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestJWKS(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	HandleJWKS(f.keys.JWKS)(rec, httptest.NewRequest(http.MethodGet, tokens.PathJWKS, nil))

	require.Equal(t, http.StatusOK, rec.Code)

	keysJSON := gjson.Get(rec.Body.String(), "keys")
	require.Len(t, keysJSON.Array(), 1)
	assert.Equal(t, f.keys.Signing().KeyID, keysJSON.Get("0.kid").String())
	assert.False(t, keysJSON.Get("0.d").Exists(), "private material must not be published")
}

func TestMetadata_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	for _, h := range []http.HandlerFunc{HandleDiscovery(f.issuer, logging.Discard()), HandleJWKS(f.keys.JWKS)} {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	}
}

// --- CORS ---

func TestCORS(t *testing.T) {
	f := newFixture(t)

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := CORS(f.registry)(next)

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, tokens.PathDiscovery, nil)
		req.Header.Set("Origin", webOrigin)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Equal(t, webOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, tokens.PathDiscovery, nil)
		req.Header.Set("Origin", "https://evil.example")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, tokens.PathToken, nil)
		req.Header.Set("Origin", webOrigin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type, Authorization")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, webOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
		assert.Equal(t, "content-type, authorization", rec.Header().Get("Access-Control-Allow-Headers"))
	})

	t.Run("no origin", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tokens.PathDiscovery, nil))

		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Empty(t, rec.Header().Get("Vary"))
	})
}
