// Package grpc provides a gRPC client for the covercheck eligibility service.
//
// The service exchanges JSON encoded messages, so the client registers a
// "json" codec and sends every call with that content subtype.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	covercheck "github.com/matt-riley/covercheck/clients/go"
)

const (
	serviceName = "covercheck.v1.EligibilityService"
	codecName   = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the covercheck gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements covercheck.Checker over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

var _ covercheck.Checker = (*Client)(nil)

// NewGRPCClient creates a client for the covercheck gRPC server. The
// connection is established lazily. Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("covercheck: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// invoke injects the bearer token and calls method with the JSON codec.
func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return fmt.Errorf("covercheck: %s: %w", method, err)
	}
	return nil
}

func (c *Client) CheckEligibility(ctx context.Context, req covercheck.CheckRequest) (covercheck.Decision, error) {
	var out struct {
		Decision covercheck.Decision `json:"decision"`
	}
	if err := c.invoke(ctx, "CheckEligibility", req, &out); err != nil {
		return covercheck.Decision{}, err
	}
	return out.Decision, nil
}

func (c *Client) ResolveCoverage(ctx context.Context, policyID, serviceCode string, amount *int64) (covercheck.Coverage, error) {
	in := struct {
		PolicyID    string `json:"policy_id"`
		ServiceCode string `json:"service_code"`
		Amount      *int64 `json:"amount,omitempty"`
	}{PolicyID: policyID, ServiceCode: serviceCode, Amount: amount}

	var out struct {
		Coverage covercheck.Coverage `json:"coverage"`
	}
	if err := c.invoke(ctx, "ResolveCoverage", in, &out); err != nil {
		return covercheck.Coverage{}, err
	}
	return out.Coverage, nil
}

func (c *Client) GetAuditRecord(ctx context.Context, requestID string) (covercheck.AuditRecord, error) {
	in := struct {
		RequestID string `json:"request_id"`
	}{RequestID: requestID}

	var out struct {
		Record covercheck.AuditRecord `json:"record"`
	}
	if err := c.invoke(ctx, "GetAuditRecord", in, &out); err != nil {
		return covercheck.AuditRecord{}, err
	}
	return out.Record, nil
}
