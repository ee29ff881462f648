package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newBufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func assertLogged(t *testing.T, output string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(output, w) {
			t.Fatalf("expected %q in log output, got: %s", w, output)
		}
	}
}

func TestHTTPRequestLogging(t *testing.T) {
	t.Run("mints correlation id and tagged logger", func(t *testing.T) {
		var buf bytes.Buffer
		var gotID string
		var gotLogger *slog.Logger
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := CorrelationIDFromContext(r.Context())
			if !ok {
				t.Fatal("expected correlation id in context")
			}
			gotID = id
			gotLogger = LoggerFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		})

		rec := httptest.NewRecorder()
		HTTPRequestLogging(newBufferLogger(&buf))(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/eligibility/check", nil))

		if _, err := uuid.Parse(gotID); err != nil {
			t.Fatalf("correlation id %q is not a UUID: %v", gotID, err)
		}
		if got := rec.Header().Get(CorrelationIDHeader); got != gotID {
			t.Fatalf("response %s = %q, want %q", CorrelationIDHeader, got, gotID)
		}
		if gotLogger == slog.Default() {
			t.Fatal("expected a call-scoped logger in context")
		}
		assertLogged(t, buf.String(),
			"request started",
			"request completed",
			"correlation_id="+gotID,
			"level=INFO",
			"method=POST",
			"path=/v1/eligibility/check",
			"status_code=200",
			"duration_ms=",
		)
	})

	t.Run("keeps inbound correlation id", func(t *testing.T) {
		var buf bytes.Buffer
		var got string
		handler := HTTPRequestLogging(newBufferLogger(&buf))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			got, _ = CorrelationIDFromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
		req.Header.Set(CorrelationIDHeader, "portal-42")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if got != "portal-42" {
			t.Fatalf("correlation id = %q, want portal-42", got)
		}
	})

	t.Run("replaces unsafe inbound correlation id", func(t *testing.T) {
		for _, inbound := range []string{"bad id\twith spaces", strings.Repeat("x", maxCorrelationIDLength+1), "claim-é"} {
			var got string
			handler := HTTPRequestLogging(newBufferLogger(&bytes.Buffer{}))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got, _ = CorrelationIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
			req.Header.Set(CorrelationIDHeader, inbound)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if _, err := uuid.Parse(got); err != nil {
				t.Fatalf("inbound %q: correlation id = %q, want a generated UUID", inbound, got)
			}
		}
	})

	t.Run("client errors log at warn", func(t *testing.T) {
		var buf bytes.Buffer
		handler := HTTPRequestLogging(newBufferLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/eligibility/audit/missing", nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		assertLogged(t, buf.String(), "level=WARN", "status_code=404")
	})

	t.Run("server errors log at error", func(t *testing.T) {
		var buf bytes.Buffer
		handler := HTTPRequestLogging(newBufferLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/coverage", nil))

		assertLogged(t, buf.String(), "level=ERROR", "status_code=503")
	})

	t.Run("implicit 200 from Write", func(t *testing.T) {
		var buf bytes.Buffer
		handler := HTTPRequestLogging(newBufferLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assertLogged(t, buf.String(), "status_code=200")
	})

	t.Run("nil logger uses default", func(t *testing.T) {
		handler := HTTPRequestLogging(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
	})
}

func TestUnaryRequestLoggingInterceptor(t *testing.T) {
	const method = "/covercheck.v1.EligibilityService/CheckEligibility"

	t.Run("logs successful call", func(t *testing.T) {
		var buf bytes.Buffer
		interceptor := UnaryRequestLoggingInterceptor(newBufferLogger(&buf))

		var gotID string
		resp, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: method},
			func(ctx context.Context, _ any) (any, error) {
				gotID, _ = CorrelationIDFromContext(ctx)
				return "resp", nil
			})
		if err != nil || resp != "resp" {
			t.Fatalf("interceptor = (%v, %v), want (resp, nil)", resp, err)
		}
		if gotID == "" {
			t.Fatal("expected correlation id in handler context")
		}
		assertLogged(t, buf.String(), "request completed", "level=INFO", gotID, "method="+method, "status_code=OK")
	})

	t.Run("not found logs at warn", func(t *testing.T) {
		var buf bytes.Buffer
		interceptor := UnaryRequestLoggingInterceptor(newBufferLogger(&buf))

		_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: method},
			func(context.Context, any) (any, error) {
				return nil, status.Error(codes.NotFound, "audit record not found")
			})
		if status.Code(err) != codes.NotFound {
			t.Fatalf("error = %v, want NotFound", err)
		}
		assertLogged(t, buf.String(), "level=WARN", "status_code=NotFound")
	})

	t.Run("internal logs at error", func(t *testing.T) {
		var buf bytes.Buffer
		interceptor := UnaryRequestLoggingInterceptor(newBufferLogger(&buf))

		_, _ = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: method},
			func(context.Context, any) (any, error) {
				return nil, status.Error(codes.Internal, "internal error")
			})
		assertLogged(t, buf.String(), "level=ERROR", "status_code=Internal")
	})

	t.Run("keeps x-correlation-id metadata", func(t *testing.T) {
		interceptor := UnaryRequestLoggingInterceptor(newBufferLogger(&bytes.Buffer{}))
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-correlation-id", "batch-7"))

		var got string
		_, _ = interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method},
			func(ctx context.Context, _ any) (any, error) {
				got, _ = CorrelationIDFromContext(ctx)
				return nil, nil
			})
		if got != "batch-7" {
			t.Fatalf("correlation id = %q, want batch-7", got)
		}
	})
}

func TestStreamRequestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	interceptor := StreamRequestLoggingInterceptor(newBufferLogger(&buf))
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-correlation-id", "watch-1"))

	var got string
	err := interceptor(nil, &testServerStream{ctx: ctx}, &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"},
		func(_ any, ss grpc.ServerStream) error {
			got, _ = CorrelationIDFromContext(ss.Context())
			return status.Error(codes.Canceled, "client went away")
		})
	if status.Code(err) != codes.Canceled {
		t.Fatalf("error = %v, want Canceled", err)
	}
	if got != "watch-1" {
		t.Fatalf("correlation id = %q, want watch-1", got)
	}
	assertLogged(t, buf.String(), "stream completed", "level=WARN", "status_code=Canceled", "correlation_id=watch-1")
}

func TestCorrelationIDFromContext(t *testing.T) {
	if _, ok := CorrelationIDFromContext(context.Background()); ok {
		t.Fatal("expected no correlation id in empty context")
	}

	ctx := context.WithValue(context.Background(), correlationIDKey, "abc123")
	id, ok := CorrelationIDFromContext(ctx)
	if !ok || id != "abc123" {
		t.Fatalf("CorrelationIDFromContext() = (%q, %v), want (abc123, true)", id, ok)
	}
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) != slog.Default() {
		t.Fatal("expected slog.Default() for empty context")
	}

	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := context.WithValue(context.Background(), loggerKey, custom)
	if LoggerFromContext(ctx) != custom {
		t.Fatal("expected custom logger from context")
	}
}

func TestStatusWriterKeepsFirstCode(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}

	if sw.code() != http.StatusOK {
		t.Fatalf("code() before write = %d, want 200", sw.code())
	}
	sw.WriteHeader(http.StatusCreated)
	sw.WriteHeader(http.StatusInternalServerError)

	if sw.code() != http.StatusCreated {
		t.Fatalf("code() = %d, want first written %d", sw.code(), http.StatusCreated)
	}
	if sw.Unwrap() != rec {
		t.Fatal("Unwrap() should return the underlying writer")
	}
}
