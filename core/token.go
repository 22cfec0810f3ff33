package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is the bearer credential issued by a server handshake. Scheme is
// usually "bearer" and is kept as given. Expiry is always judged from
// ExpiresAt: the Bearer string is not parsed, whatever the scheme
// (EncodeJWT and DecodeJWT below are standalone helpers).
type Token struct {
	IdentityID        string
	Scheme            string
	Bearer            string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	RefreshCredential string
	Scope             []string
}

func (t Token) isExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// TokenState is the per-identity token lifecycle: a connection either has
// no token yet, holds a valid one, is mid-refresh, or holds one that has
// lapsed and must be refreshed before further authenticated calls.
type TokenState string

const (
	TokenStateNone       TokenState = "NO_TOKEN"
	TokenStateValid      TokenState = "VALID"
	TokenStateRefreshing TokenState = "REFRESHING"
	TokenStateExpired    TokenState = "EXPIRED"
)

// RefreshFunc exchanges a refresh credential for a new Token. Supplied by
// whatever owns the actual network round trip (the connection manager or
// facade); TokenManager only orchestrates state and timing.
type RefreshFunc func(identityID, refreshCredential string) (Token, error)

type tokenEntry struct {
	mu    sync.Mutex
	state TokenState
	tok   Token
	timer *time.Timer
}

// TokenManager tracks one Token per identity id and schedules proactive
// refreshes a configurable buffer before expiry, the way a long-lived
// client must to avoid ever presenting an expired token to the server.
type TokenManager struct {
	refresh      RefreshFunc
	refreshAhead time.Duration

	mu      sync.Mutex
	entries map[string]*tokenEntry
}

// NewTokenManager builds a manager that refreshes tokens refreshAhead
// before their ExpiresAt using refresh. A zero refreshAhead disables
// proactive scheduling; refresh still happens lazily on Current() calls
// to an expired token.
func NewTokenManager(refresh RefreshFunc, refreshAhead time.Duration) *TokenManager {
	return &TokenManager{refresh: refresh, refreshAhead: refreshAhead, entries: map[string]*tokenEntry{}}
}

func (m *TokenManager) entryFor(identityID string) *tokenEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[identityID]
	if !ok {
		e = &tokenEntry{state: TokenStateNone}
		m.entries[identityID] = e
	}
	return e
}

// Set installs tok as the current token for its identity and, if a
// refresh function and positive buffer are configured, schedules the
// next proactive refresh.
func (m *TokenManager) Set(tok Token) {
	e := m.entryFor(tok.IdentityID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tok = tok
	e.state = TokenStateValid
	m.scheduleLocked(e)
}

func (m *TokenManager) scheduleLocked(e *tokenEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if m.refresh == nil || m.refreshAhead <= 0 || e.tok.ExpiresAt.IsZero() {
		return
	}
	d := time.Until(e.tok.ExpiresAt.Add(-m.refreshAhead))
	if d < 0 {
		d = 0
	}
	identityID := e.tok.IdentityID
	e.timer = time.AfterFunc(d, func() { m.refreshNow(identityID) })
}

// State reports the current TokenState for identityID, evaluating
// expiry against wall-clock time.
func (m *TokenManager) State(identityID string) TokenState {
	e := m.entryFor(identityID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == TokenStateNone {
		return TokenStateNone
	}
	if e.state == TokenStateRefreshing {
		return TokenStateRefreshing
	}
	if e.tok.isExpired(time.Now()) {
		return TokenStateExpired
	}
	return TokenStateValid
}

// Current returns the live token for identityID, transparently
// refreshing it first if it has expired. Returns ErrTokenExpired if no
// refresh function is configured and the token has lapsed, or
// ErrUnauthenticated if no token has ever been set.
func (m *TokenManager) Current(identityID string) (Token, error) {
	e := m.entryFor(identityID)
	e.mu.Lock()
	if e.state == TokenStateNone {
		e.mu.Unlock()
		return Token{}, NewError(ErrUnauthenticated, fmt.Sprintf("no token for identity %s", identityID))
	}
	tok := e.tok
	expired := tok.isExpired(time.Now())
	e.mu.Unlock()
	if !expired {
		return tok, nil
	}
	if m.refresh == nil {
		return Token{}, NewError(ErrTokenExpired, fmt.Sprintf("token for identity %s expired", identityID))
	}
	return m.refreshNow(identityID)
}

// refreshNow performs a single refresh, collapsing concurrent callers
// onto one in-flight exchange so a token is refreshed at most once per
// expiry, never stampeded.
func (m *TokenManager) refreshNow(identityID string) (Token, error) {
	e := m.entryFor(identityID)
	e.mu.Lock()
	if e.state == TokenStateRefreshing {
		// Another goroutine is already refreshing; wait for it by
		// releasing and re-checking rather than issuing a second call.
		e.mu.Unlock()
		for {
			time.Sleep(time.Millisecond)
			e.mu.Lock()
			if e.state != TokenStateRefreshing {
				tok := e.tok
				e.mu.Unlock()
				if tok.Bearer == "" {
					return Token{}, NewError(ErrTokenExpired, "concurrent refresh failed")
				}
				return tok, nil
			}
			e.mu.Unlock()
		}
	}
	refreshCred := e.tok.RefreshCredential
	e.state = TokenStateRefreshing
	e.mu.Unlock()

	newTok, err := m.refresh(identityID, refreshCred)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = TokenStateExpired
		return Token{}, WrapError(ErrTokenExpired, "token refresh failed", err)
	}
	e.tok = newTok
	e.state = TokenStateValid
	m.scheduleLocked(e)
	return newTok, nil
}

// Clear drops the token for identityID and cancels any pending refresh,
// used on logout or identity removal.
func (m *TokenManager) Clear(identityID string) {
	e := m.entryFor(identityID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.tok = Token{}
	e.state = TokenStateNone
}

//---------------------------------------------------------------------
// Optional JWT-scheme encoding
//---------------------------------------------------------------------

type blackholioClaims struct {
	jwt.RegisteredClaims
	Scope []string `json:"scope,omitempty"`
}

// EncodeJWT produces a signed bearer string for tok using HMAC-SHA256.
// Used only when a deployment opts into structured tokens instead of
// opaque server-issued strings (Scheme == "jwt").
func EncodeJWT(tok Token, secret []byte) (string, error) {
	claims := blackholioClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tok.IdentityID,
			IssuedAt:  jwt.NewNumericDate(tok.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
		Scope: tok.Scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", WrapError(ErrConfig, "sign jwt", err)
	}
	return signed, nil
}

// DecodeJWT parses a previously-issued JWT bearer string back into its
// claims, verifying the signature against secret.
func DecodeJWT(bearer string, secret []byte) (identityID string, scope []string, expiresAt time.Time, err error) {
	var claims blackholioClaims
	_, perr := jwt.ParseWithClaims(bearer, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method)
		}
		return secret, nil
	})
	if perr != nil {
		return "", nil, time.Time{}, WrapError(ErrDecode, "parse jwt", perr)
	}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return claims.Subject, claims.Scope, expiresAt, nil
}
