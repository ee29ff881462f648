package server

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/covercheck/internal/core"
	"github.com/matt-riley/covercheck/internal/middleware"
	"github.com/matt-riley/covercheck/internal/repository"
	"github.com/matt-riley/covercheck/internal/service"
)

const (
	EligibilityServiceName = "covercheck.v1.EligibilityService"

	CheckEligibilityMethod = "/" + EligibilityServiceName + "/CheckEligibility"
	ResolveCoverageMethod  = "/" + EligibilityServiceName + "/ResolveCoverage"
	GetAuditRecordMethod   = "/" + EligibilityServiceName + "/GetAuditRecord"
)

type CheckEligibilityRequest struct {
	MemberID    string `json:"member_id"`
	ProviderID  string `json:"provider_id,omitempty"`
	ServiceDate string `json:"service_date"`
	ServiceCode string `json:"service_code,omitempty"`
}

type CheckEligibilityResponse struct {
	Decision core.Decision `json:"decision"`
}

type ResolveCoverageRequest struct {
	PolicyID    string `json:"policy_id"`
	ServiceCode string `json:"service_code"`
	Amount      *int64 `json:"amount,omitempty"`
}

type ResolveCoverageResponse struct {
	Coverage CoverageResponse `json:"coverage"`
}

type GetAuditRecordRequest struct {
	RequestID string `json:"request_id"`
}

type GetAuditRecordResponse struct {
	Record repository.AuditRecord `json:"record"`
}

// EligibilityServer is the server API for covercheck.v1.EligibilityService.
type EligibilityServer interface {
	CheckEligibility(context.Context, *CheckEligibilityRequest) (*CheckEligibilityResponse, error)
	ResolveCoverage(context.Context, *ResolveCoverageRequest) (*ResolveCoverageResponse, error)
	GetAuditRecord(context.Context, *GetAuditRecordRequest) (*GetAuditRecordResponse, error)
}

// GRPCServer implements EligibilityServer on top of the eligibility service.
type GRPCServer struct {
	service Service
}

func NewGRPCServer(svc Service) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}
	return &GRPCServer{service: svc}
}

// RegisterEligibilityServer registers srv on s. Messages travel as JSON, so
// callers must use the CodecName content subtype.
func RegisterEligibilityServer(s grpc.ServiceRegistrar, srv EligibilityServer) {
	s.RegisterService(&eligibilityServiceDesc, srv)
}

func (s *GRPCServer) CheckEligibility(ctx context.Context, req *CheckEligibilityRequest) (*CheckEligibilityResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	actor, _ := middleware.ActorFromContext(ctx)
	decision := s.service.CheckEligibility(ctx, service.CheckRequest{
		MemberID:    req.MemberID,
		ProviderID:  req.ProviderID,
		ServiceDate: req.ServiceDate,
		ServiceCode: req.ServiceCode,
	}, actor, middleware.ClientInfoFromGRPC(ctx))

	return &CheckEligibilityResponse{Decision: decision}, nil
}

func (s *GRPCServer) ResolveCoverage(ctx context.Context, req *ResolveCoverageRequest) (*ResolveCoverageResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if req.Amount != nil && *req.Amount < 0 {
		return nil, status.Error(codes.InvalidArgument, "amount must be non-negative")
	}

	result, err := s.service.ResolveCoverage(ctx, req.PolicyID, req.ServiceCode)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return &ResolveCoverageResponse{Coverage: coverageResponse(result, req.Amount)}, nil
}

func (s *GRPCServer) GetAuditRecord(ctx context.Context, req *GetAuditRecordRequest) (*GetAuditRecordResponse, error) {
	if req == nil || strings.TrimSpace(req.RequestID) == "" {
		return nil, status.Error(codes.InvalidArgument, "request_id is required")
	}

	actor, _ := middleware.ActorFromContext(ctx)
	record, err := s.service.GetAuditRecord(ctx, req.RequestID, actor)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return &GetAuditRecordResponse{Record: record}, nil
}

var eligibilityServiceDesc = grpc.ServiceDesc{
	ServiceName: EligibilityServiceName,
	HandlerType: (*EligibilityServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CheckEligibility",
			Handler: unaryHandler(CheckEligibilityMethod, func(srv EligibilityServer, ctx context.Context, req *CheckEligibilityRequest) (*CheckEligibilityResponse, error) {
				return srv.CheckEligibility(ctx, req)
			}),
		},
		{
			MethodName: "ResolveCoverage",
			Handler: unaryHandler(ResolveCoverageMethod, func(srv EligibilityServer, ctx context.Context, req *ResolveCoverageRequest) (*ResolveCoverageResponse, error) {
				return srv.ResolveCoverage(ctx, req)
			}),
		},
		{
			MethodName: "GetAuditRecord",
			Handler: unaryHandler(GetAuditRecordMethod, func(srv EligibilityServer, ctx context.Context, req *GetAuditRecordRequest) (*GetAuditRecordResponse, error) {
				return srv.GetAuditRecord(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "covercheck/v1/eligibility",
}

func unaryHandler[Req, Resp any](fullMethod string, call func(EligibilityServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EligibilityServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EligibilityServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// EligibilityClient calls covercheck.v1.EligibilityService over a JSON
// encoded connection.
type EligibilityClient struct {
	cc grpc.ClientConnInterface
}

func NewEligibilityClient(cc grpc.ClientConnInterface) *EligibilityClient {
	return &EligibilityClient{cc: cc}
}

func (c *EligibilityClient) CheckEligibility(ctx context.Context, req *CheckEligibilityRequest, opts ...grpc.CallOption) (*CheckEligibilityResponse, error) {
	out := new(CheckEligibilityResponse)
	if err := c.invoke(ctx, CheckEligibilityMethod, req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EligibilityClient) ResolveCoverage(ctx context.Context, req *ResolveCoverageRequest, opts ...grpc.CallOption) (*ResolveCoverageResponse, error) {
	out := new(ResolveCoverageResponse)
	if err := c.invoke(ctx, ResolveCoverageMethod, req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EligibilityClient) GetAuditRecord(ctx context.Context, req *GetAuditRecordRequest, opts ...grpc.CallOption) (*GetAuditRecordResponse, error) {
	out := new(GetAuditRecordResponse)
	if err := c.invoke(ctx, GetAuditRecordMethod, req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EligibilityClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}
