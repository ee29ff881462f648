package middleware

import (
	"context"
	"errors"

	"google.golang.org/grpc"

	"github.com/matt-riley/covercheck/internal/core"
)

// testServerStream is a minimal grpc.ServerStream for testing interceptors.
type testServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *testServerStream) Context() context.Context {
	return s.ctx
}

type testTokenValidator struct {
	expectedToken string
	actor         core.Actor
	err           error
	called        bool
	gotToken      string
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (core.Actor, error) {
	v.called = true
	v.gotToken = token
	if v.err != nil {
		return core.Actor{}, v.err
	}
	if v.expectedToken != "" && token != v.expectedToken {
		return core.Actor{}, errors.New("invalid token")
	}
	return v.actor, nil
}

var testActor = core.Actor{UserID: "key-1", Username: "portal", Scope: "e-1"}
