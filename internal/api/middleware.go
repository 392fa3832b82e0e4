package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dffmpeg-io/coordinator/internal/auth"
	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/metrics"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyIdentity is the context key under which the authenticated
	// *db.Identity is stored after successful signature verification.
	contextKeyIdentity contextKey = iota
)

// Authenticator verifies the HMAC signature headers on inbound requests and
// enforces each identity's CIDR allow-list. It is installed as middleware on
// every /api/v1 route.
//
// The source address used for the CIDR check is the transport peer address,
// except when that address belongs to a trusted proxy, in which case the
// forwarding chain is walked. Chi's RealIP middleware must not be installed
// in front of this: it would rewrite RemoteAddr from X-Forwarded-For
// unconditionally and let any peer spoof its way past the allow-list.
type Authenticator struct {
	identities     repositories.IdentityRepository
	maxSkew        time.Duration
	trustedProxies []netip.Prefix
	logger         *zap.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewAuthenticator builds the signature-verification middleware. It fails
// only on an unparsable trusted_proxies entry.
func NewAuthenticator(identities repositories.IdentityRepository, cfg config.AuthConfig, logger *zap.Logger) (*Authenticator, error) {
	proxies, err := auth.ParseCIDRs(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	skew := cfg.MaxSkew
	if skew <= 0 {
		skew = auth.DefaultMaxSkew
	}
	return &Authenticator{
		identities:     identities,
		maxSkew:        skew,
		trustedProxies: proxies,
		logger:         logger.Named("auth"),
		now:            time.Now,
	}, nil
}

// Authenticate validates the three signature headers, the timestamp window,
// the identity's CIDR allow-list and finally the HMAC itself. On success the
// identity is stored in the request context; on any failure the request is
// answered with the same 401 and only the log carries the reason.
//
// The body is read in full here (it is part of the signed string) and
// replaced with an in-memory reader so downstream handlers can decode it.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get(auth.HeaderClientID)
		tsHeader := r.Header.Get(auth.HeaderTimestamp)
		signature := r.Header.Get(auth.HeaderSignature)
		if clientID == "" || tsHeader == "" || signature == "" {
			a.reject(w, r, clientID, auth.ErrMissingHeaders)
			return
		}

		timestamp, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			a.reject(w, r, clientID, auth.ErrBadTimestamp)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			ErrValidation(w, "request body unreadable: "+err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		identity, err := a.identities.Get(r.Context(), clientID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				a.reject(w, r, clientID, errors.New("unknown identity"))
				return
			}
			a.logger.Error("identity lookup failed", zap.String("client_id", clientID), zap.Error(err))
			ErrTransientStorage(w)
			return
		}

		ip, err := auth.ClientIP(r, a.trustedProxies)
		if err != nil {
			a.reject(w, r, clientID, err)
			return
		}
		allowed, err := auth.ParseCIDRs(identity.AllowedCIDRs)
		if err != nil {
			// A stored allow-list that no longer parses locks the identity out
			// rather than open.
			a.logger.Error("stored CIDR list is invalid",
				zap.String("client_id", clientID), zap.Error(err))
			a.reject(w, r, clientID, err)
			return
		}
		if !auth.ContainsIP(allowed, ip) {
			a.reject(w, r, clientID, errors.New("source address "+ip.String()+" not in allow-list"))
			return
		}

		if err := auth.Verify([]byte(identity.HMACKey), r.Method, r.URL.RequestURI(),
			timestamp, body, signature, a.now(), a.maxSkew); err != nil {
			a.reject(w, r, clientID, err)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// reject logs the real failure reason and answers with the uniform 401.
func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, clientID string, reason error) {
	metrics.AuthRejections.Inc()
	a.logger.Warn("request rejected",
		zap.String("client_id", clientID),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(reason),
	)
	ErrUnauthorized(w)
}

// RequireRole returns a middleware that allows the request to proceed only if
// the authenticated identity has one of the given roles. It must run after
// Authenticate, since it reads the identity from context.
//
// Usage:
//
//	r.With(RequireRole(db.RoleAdmin)).Get("/workers", listWorkers)
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := identityFromCtx(r.Context())
			if identity == nil {
				// Should never happen if Authenticate runs first.
				ErrUnauthorized(w)
				return
			}
			for _, role := range roles {
				if identity.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			ErrForbidden(w)
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger and feeds the request counters. Chi's
// middleware.RequestID is expected to run before this middleware so that the
// request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			metrics.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
			metrics.RequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// identityFromCtx retrieves the identity stored by the Authenticate
// middleware. Returns nil if the request is unauthenticated.
func identityFromCtx(ctx context.Context) *db.Identity {
	identity, _ := ctx.Value(contextKeyIdentity).(*db.Identity)
	return identity
}
