package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CorrelationIDHeader carries a caller supplied correlation ID across the
// portal, claims systems and covercheck. It is echoed on every response. It
// is distinct from the request_id minted for each eligibility decision.
const CorrelationIDHeader = "X-Correlation-ID"

const maxCorrelationIDLength = 128

type logContextKey int

const (
	correlationIDKey logContextKey = iota
	loggerKey
)

// CorrelationIDFromContext returns the correlation ID attached by the logging
// middleware.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok
}

// LoggerFromContext returns the call-scoped logger, or slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// withCallLogger attaches a correlation ID and a logger tagged with it.
func withCallLogger(ctx context.Context, base *slog.Logger, inbound string) (context.Context, *slog.Logger, string) {
	id := correlationID(inbound)
	l := base.With(slog.String("correlation_id", id))
	ctx = context.WithValue(ctx, correlationIDKey, id)
	return context.WithValue(ctx, loggerKey, l), l, id
}

// correlationID keeps a printable inbound ID of sane length and mints a UUID
// otherwise.
func correlationID(inbound string) string {
	inbound = strings.TrimSpace(inbound)
	if inbound == "" || len(inbound) > maxCorrelationIDLength || strings.ContainsFunc(inbound, notPrintableASCII) {
		return uuid.NewString()
	}
	return inbound
}

func notPrintableASCII(r rune) bool {
	return r < 0x21 || r > 0x7e
}

func elapsedMillis(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1e3
}

// statusWriter records the first status code written.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// httpLevel logs server faults as errors and client faults as warnings.
func httpLevel(code int) slog.Level {
	switch {
	case code >= 500:
		return slog.LevelError
	case code >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func grpcLevel(code codes.Code) slog.Level {
	switch code {
	case codes.OK:
		return slog.LevelInfo
	case codes.Internal, codes.Unknown, codes.Unavailable, codes.DataLoss, codes.DeadlineExceeded:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// HTTPRequestLogging logs one line per HTTP request and makes the
// correlation ID and a tagged logger available to handlers.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, l, id := withCallLogger(r.Context(), logger, r.Header.Get(CorrelationIDHeader))
			w.Header().Set(CorrelationIDHeader, id)

			l.DebugContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			sw := &statusWriter{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(sw, r.WithContext(ctx))

			code := sw.code()
			l.Log(ctx, httpLevel(code), "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", code),
				slog.Float64("duration_ms", elapsedMillis(start)),
			)
		})
	}
}

func inboundCorrelationID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(strings.ToLower(CorrelationIDHeader)); len(values) > 0 {
		return values[0]
	}
	return ""
}

// UnaryRequestLoggingInterceptor is the gRPC counterpart of
// HTTPRequestLogging. The correlation ID is read from x-correlation-id
// metadata and returned in the response header.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, l, id := withCallLogger(ctx, logger, inboundCorrelationID(ctx))
		_ = grpc.SetHeader(ctx, metadata.Pairs(strings.ToLower(CorrelationIDHeader), id))

		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		l.Log(ctx, grpcLevel(code), "request completed",
			slog.String("method", info.FullMethod),
			slog.String("status_code", code.String()),
			slog.Float64("duration_ms", elapsedMillis(start)),
		)
		return resp, err
	}
}

// StreamRequestLoggingInterceptor logs streaming calls such as health Watch
// when they end.
func StreamRequestLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, l, _ := withCallLogger(ss.Context(), logger, inboundCorrelationID(ss.Context()))

		start := time.Now()
		err := handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})

		code := status.Code(err)
		l.Log(ctx, grpcLevel(code), "stream completed",
			slog.String("method", info.FullMethod),
			slog.String("status_code", code.String()),
			slog.Float64("duration_ms", elapsedMillis(start)),
		)
		return err
	}
}
