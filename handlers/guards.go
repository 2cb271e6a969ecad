package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/blobvault/uploads-service/apperrors"
	"github.com/blobvault/uploads-service/caching"
)

// Guard is one composable authorization or validation check applied
// before the upload service is invoked. A guard may return an updated
// request to propagate values on the context.
type Guard interface {
	Name() string
	Check(r *http.Request) (*http.Request, error)
}

// Chain applies guards in order as middleware; the first denial wins.
func Chain(guards ...Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, g := range guards {
				updated, err := g.Check(r)
				if err != nil {
					log.Debug().Err(err).Str("guard", g.Name()).Str("path", r.URL.Path).Msg("request denied")
					writeError(w, "", nil, err)
					return
				}
				r = updated
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuthGuard verifies the bearer token and injects the subject as the
// owning principal.
type AuthGuard struct {
	secret []byte
}

func NewAuthGuard(secret string) *AuthGuard {
	return &AuthGuard{secret: []byte(secret)}
}

func (g *AuthGuard) Name() string { return "AuthGuard" }

func (g *AuthGuard) Check(r *http.Request) (*http.Request, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return r, apperrors.ErrUnauthorized
	}

	token, err := jwt.Parse(
		strings.TrimPrefix(header, "Bearer "),
		func(t *jwt.Token) (any, error) { return g.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !token.Valid {
		return r, apperrors.ErrUnauthorized
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return r, apperrors.ErrUnauthorized
	}

	return r.WithContext(WithOwner(r.Context(), sub)), nil
}

// RateLimitGuard enforces a fixed-window per-principal request budget
// backed by the cache. With the null cache it never fires.
type RateLimitGuard struct {
	cache             caching.CachingService
	requestsPerMinute int
}

func NewRateLimitGuard(cache caching.CachingService, requestsPerMinute int) *RateLimitGuard {
	return &RateLimitGuard{
		cache:             cache,
		requestsPerMinute: requestsPerMinute,
	}
}

func (g *RateLimitGuard) Name() string { return "RateLimitGuard" }

func (g *RateLimitGuard) Check(r *http.Request) (*http.Request, error) {
	if g.requestsPerMinute <= 0 {
		return r, nil
	}

	principal, ok := OwnerFromContext(r.Context())
	if !ok {
		principal = r.RemoteAddr
	}

	window := time.Now().Unix() / 60
	key := fmt.Sprintf("ratelimit:%s:%d", principal, window)

	count, err := g.cache.Increment(r.Context(), key, time.Minute)
	if err != nil {
		// Fail open when the counter backend is unreachable.
		log.Warn().Err(err).Msg("rate limit counter unavailable")
		return r, nil
	}
	if count > int64(g.requestsPerMinute) {
		return r, apperrors.ErrRateLimited
	}

	return r, nil
}
