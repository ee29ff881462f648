package server

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/covercheck/internal/service"
)

// errorKind maps a service error to its HTTP status, gRPC code and public
// message. Internal error text never reaches the caller.
func errorKind(err error) (int, codes.Code, string) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest, codes.InvalidArgument, err.Error()
	case errors.Is(err, service.ErrPolicyNotFound):
		return http.StatusNotFound, codes.NotFound, "policy not found"
	case errors.Is(err, service.ErrServiceNotFound):
		return http.StatusNotFound, codes.NotFound, "medical service not found"
	case errors.Is(err, service.ErrServiceNotCovered):
		return http.StatusNotFound, codes.NotFound, "service not covered"
	case errors.Is(err, service.ErrAuditRecordNotFound):
		return http.StatusNotFound, codes.NotFound, "audit record not found"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, codes.Canceled, "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codes.DeadlineExceeded, "deadline exceeded"
	default:
		return http.StatusInternalServerError, codes.Internal, "internal server error"
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	code, _, message := errorKind(err)
	writeJSONError(w, code, message)
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	_, code, message := errorKind(err)
	return status.Error(code, message)
}
