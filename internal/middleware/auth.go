package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/covercheck/internal/core"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
	errNilValidator               = errors.New("token validator is nil")
	errThrottled                  = errors.New("too many failed auth attempts")
)

// TokenValidator resolves a bearer token to the actor it authenticates.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (core.Actor, error)
}

// AuthOption configures the auth middleware.
type AuthOption func(*guard)

// WithOnAuthFailure registers a callback run on every rejected credential,
// such as a metrics counter.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(g *guard) { g.onFailure = fn }
}

// WithRateLimiter throttles client IPs that keep failing authentication.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(g *guard) { g.limiter = rl }
}

// WithPublicMethods lists full gRPC method names served without
// credentials, such as the health service.
func WithPublicMethods(methods ...string) AuthOption {
	return func(g *guard) {
		for _, m := range methods {
			g.public[m] = struct{}{}
		}
	}
}

// guard holds the shared authentication path for HTTP and gRPC.
type guard struct {
	validator TokenValidator
	onFailure func()
	limiter   *RateLimiter
	public    map[string]struct{}
}

func newGuard(validator TokenValidator, opts []AuthOption) *guard {
	g := &guard{validator: validator, public: map[string]struct{}{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *guard) isPublic(method string) bool {
	_, ok := g.public[method]
	return ok
}

// authenticate resolves the actor behind the presented Authorization values.
// When ip is locked out the credentials are not inspected and the returned
// duration says how long to wait.
func (g *guard) authenticate(ctx context.Context, ip string, authorization []string) (core.Actor, time.Duration, error) {
	if g.limiter != nil && ip != "" {
		if wait := g.limiter.RetryAfter(ip); wait > 0 {
			return core.Actor{}, wait, errThrottled
		}
	}

	actor, err := g.resolve(ctx, authorization)
	if err == nil {
		return actor, 0, nil
	}

	if g.onFailure != nil {
		g.onFailure()
	}
	if g.limiter != nil && ip != "" {
		if wait := g.limiter.Fail(ip); wait > 0 {
			return core.Actor{}, wait, errThrottled
		}
	}
	return core.Actor{}, 0, err
}

// resolve accepts the first well-formed bearer token the validator accepts.
func (g *guard) resolve(ctx context.Context, authorization []string) (core.Actor, error) {
	if g.validator == nil {
		return core.Actor{}, errNilValidator
	}
	if len(authorization) == 0 {
		return core.Actor{}, errMissingAuthorizationHeader
	}

	for _, value := range authorization {
		token, err := parseBearerToken(value)
		if err != nil {
			continue
		}
		actor, err := g.validator.ValidateToken(ctx, token)
		if err != nil {
			continue
		}
		if strings.TrimSpace(actor.UserID) == "" {
			return core.Actor{}, errInvalidAuthorizationHeader
		}
		return actor, nil
	}
	return core.Actor{}, errInvalidAuthorizationHeader
}

// HTTPBearerAuthMiddleware requires a valid bearer token and stores the
// resolved actor in the request context.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	g := newGuard(validator, opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, wait, err := g.authenticate(r.Context(), ExtractIP(r.RemoteAddr), r.Header.Values("Authorization"))
			switch {
			case errors.Is(err, errThrottled):
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			case err != nil:
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			default:
				next.ServeHTTP(w, r.WithContext(withAuthenticatedActor(r.Context(), actor)))
			}
		})
	}
}

func (g *guard) authenticateGRPC(ctx context.Context) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	actor, wait, err := g.authenticate(ctx, peerIP(ctx), md.Get("authorization"))
	switch {
	case errors.Is(err, errThrottled):
		return nil, status.Errorf(codes.ResourceExhausted, "%v, retry in %ds", errThrottled, retryAfterSeconds(wait))
	case err != nil:
		return nil, status.Error(codes.Unauthenticated, "unauthorized")
	}
	return withAuthenticatedActor(ctx, actor), nil
}

// UnaryBearerAuthInterceptor is the unary gRPC form of
// HTTPBearerAuthMiddleware. The credential is read from authorization
// metadata.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	g := newGuard(validator, opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if g.isPublic(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := g.authenticateGRPC(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamBearerAuthInterceptor is the streaming gRPC form of
// HTTPBearerAuthMiddleware.
func StreamBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	g := newGuard(validator, opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if g.isPublic(info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, err := g.authenticateGRPC(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type actorContextKey struct{}

// ActorFromContext returns the authenticated actor.
func ActorFromContext(ctx context.Context) (core.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(core.Actor)
	return actor, ok
}

// NewContextWithActor returns a copy of ctx carrying actor.
func NewContextWithActor(ctx context.Context, actor core.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// withAuthenticatedActor stores actor and, when the logging middleware ran
// first, tags the call logger with the actor id.
func withAuthenticatedActor(ctx context.Context, actor core.Actor) context.Context {
	ctx = NewContextWithActor(ctx, actor)
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		ctx = context.WithValue(ctx, loggerKey, l.With(slog.String("actor_id", actor.UserID)))
	}
	return ctx
}

func parseBearerToken(value string) (string, error) {
	fields := strings.Fields(value)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	return fields[1], nil
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
