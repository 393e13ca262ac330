package auth

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/models"
	"github.com/pipster/pipster-identity/internal/users"
)

const (
	// rateLimitPruneThreshold is the number of tracked IPs above which
	// the rate limiter prunes expired entries to prevent unbounded growth.
	rateLimitPruneThreshold = 1000

	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 20
)

// Credentials verifies a login. *users.Store implements it.
type Credentials interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	VerifyCredential(ctx context.Context, user *models.User, password string) (users.Outcome, error)
	VerifyUnknown(password string)
}

// SessionIssuer starts a browser session. *session.Manager implements it.
type SessionIssuer interface {
	Create(user *models.User) (*http.Cookie, error)
}

// loginPage is the fallback sign-in form served when no external login UI
// is configured in front of the service.
var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Pipster</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 1.5rem; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  label { display: block; font-size: 0.85rem; font-weight: 500; margin-bottom: 0.35rem; }
  input[type="email"], input[type="password"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    margin-bottom: 1rem;
  }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    cursor: pointer;
  }
</style>
</head>
<body>
<div class="card">
  <h1>Sign in to Pipster</h1>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST" action="{{.Action}}">
    <input type="hidden" name="return_url" value="{{.ReturnURL}}">
    <label for="email">Email</label>
    <input type="email" id="email" name="email" autocomplete="username" required autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <button type="submit">Sign in</button>
  </form>
</div>
</body>
</html>`))

type loginData struct {
	Action    string
	ReturnURL string
	Error     string
}

var loginErrors = map[string]string{
	users.InvalidCredential.String(): "Invalid email or password",
	users.LockedOut.String():         "Too many failed attempts. Try again in a few minutes.",
	users.Inactive.String():          "This account has been suspended",
	"too_many_attempts":              "Too many failed attempts from this network. Try again later.",
}

// loginRateLimiter tracks failed login attempts per IP with a sliding
// window. It complements the per-account lockout by slowing down attempts
// spread across many accounts.
type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newLoginRateLimiter(now func() time.Time) *loginRateLimiter {
	return &loginRateLimiter{
		failures: make(map[string][]time.Time),
		now:      now,
	}
}

// check returns true if the IP is currently rate-limited.
func (rl *loginRateLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], rl.now())
	rl.mu.Unlock()
}

// LoginConfig wires the /account/login handler.
type LoginConfig struct {
	Users    Credentials
	Sessions SessionIssuer
	// LoginURL is where failures are redirected; usually the external
	// login UI, or this handler's own path.
	LoginURL string
	// OriginAllowed reports whether a cross-origin form post may sign in.
	OriginAllowed func(origin string) bool
	Recorder      Recorder
	Logger        *slog.Logger
	Now           func() time.Time
}

// HandleLogin returns the /account/login handler. GET renders the
// fallback form; POST verifies credentials, starts a session and
// redirects to return_url.
func HandleLogin(cfg LoginConfig) http.HandlerFunc {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	limiter := newLoginRateLimiter(now)
	rec := recorderOrNop(cfg.Recorder)

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleLoginGET(w, r)
		case http.MethodPost:
			handleLoginPOST(w, r, cfg, limiter, rec)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func handleLoginGET(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	returnURL := q.Get("return_url")
	if !localPath(returnURL) {
		returnURL = "/"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.Header().Set("Cache-Control", "no-store")

	_ = loginPage.Execute(w, loginData{
		Action:    r.URL.Path,
		ReturnURL: returnURL,
		Error:     loginErrors[q.Get("error")],
	})
}

func handleLoginPOST(w http.ResponseWriter, r *http.Request, cfg LoginConfig, limiter *loginRateLimiter, rec Recorder) {
	logger := cfg.Logger
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	// A cross-site form post could sign the victim into an attacker's
	// account. Browsers send Origin on POST; reject foreign ones.
	if origin := r.Header.Get("Origin"); origin != "" && !sameOrigin(r, origin) &&
		(cfg.OriginAllowed == nil || !cfg.OriginAllowed(origin)) {
		logger.Warn("login rejected: foreign origin", slog.String("origin", origin))
		http.Error(w, "cross-origin login not allowed", http.StatusForbidden)

		return
	}

	returnURL := r.FormValue("return_url")
	if !localPath(returnURL) {
		returnURL = "/"
	}

	fail := func(reason string) {
		q := url.Values{}
		q.Set("error", reason)
		q.Set("return_url", returnURL)
		http.Redirect(w, r, appendQuery(cfg.LoginURL, q), http.StatusFound)
	}

	ip := remoteIP(r)
	if limiter.check(ip) {
		logger.Warn("login rate limited", slog.String("ip", ip))
		rec.LoginAttempt("rate_limited")
		fail("too_many_attempts")

		return
	}

	email := r.FormValue("email")

	outcome, user, err := verify(r.Context(), cfg.Users, email, r.FormValue("password"))
	if err != nil {
		logger.Error("credential verification failed", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	rec.LoginAttempt(outcome.String())

	if outcome != users.Success {
		logger.Warn("login failed",
			slog.String("outcome", outcome.String()),
			slog.String("ip", ip),
		)

		if outcome == users.InvalidCredential {
			limiter.record(ip)
		}

		fail(outcome.String())

		return
	}

	cookie, err := cfg.Sessions.Create(user)
	if err != nil {
		logger.Error("creating session failed", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	logger.Info("login successful",
		slog.String("user_id", user.ID),
		slog.String("tenant_id", user.TenantID),
	)

	http.SetCookie(w, cookie)
	http.Redirect(w, r, returnURL, http.StatusFound)
}

// verify maps an unknown email to InvalidCredential, after the same hashing
// work as a real check, so neither the response nor its timing reveals
// which accounts exist.
func verify(ctx context.Context, creds Credentials, email, password string) (users.Outcome, *models.User, error) {
	if email == "" || password == "" {
		return users.InvalidCredential, nil, nil
	}

	user, err := creds.FindByEmail(ctx, email)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		creds.VerifyUnknown(password)
		return users.InvalidCredential, nil, nil
	}

	if err != nil {
		return users.InvalidCredential, nil, err
	}

	outcome, err := creds.VerifyCredential(ctx, user, password)
	if err != nil {
		return users.InvalidCredential, nil, err
	}

	return outcome, user, nil
}

func sameOrigin(r *http.Request, origin string) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}
