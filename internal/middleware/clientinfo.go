package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
	"google.golang.org/grpc/metadata"

	"github.com/matt-riley/covercheck/internal/core"
)

const (
	deviceBot     = "bot"
	deviceMobile  = "mobile"
	deviceDesktop = "desktop"
)

// ClientInfoFromRequest describes the HTTP caller for the audit trail. The
// first X-Forwarded-For hop wins, then X-Real-IP, then the peer address.
func ClientInfoFromRequest(r *http.Request) core.ClientInfo {
	ip := ExtractIP(r.RemoteAddr)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			ip = first
		}
	} else if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		ip = xri
	}
	return describeClient(ip, r.Header.Get("User-Agent"))
}

// ClientInfoFromGRPC describes the gRPC caller from the peer address and the
// user-agent metadata set by the client library.
func ClientInfoFromGRPC(ctx context.Context) core.ClientInfo {
	var ua string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get("user-agent"); len(values) > 0 {
			ua = values[0]
		}
	}
	return describeClient(peerIP(ctx), ua)
}

func describeClient(ip, rawUA string) core.ClientInfo {
	info := core.ClientInfo{
		IP:        strings.TrimSpace(ip),
		UserAgent: strings.TrimSpace(rawUA),
	}
	if info.UserAgent == "" {
		return info
	}

	ua := useragent.New(info.UserAgent)
	name, version := ua.Browser()
	switch {
	case name != "" && version != "":
		info.Browser = name + " " + version
	default:
		info.Browser = name
	}
	info.OS = ua.OS()
	switch {
	case ua.Bot():
		info.Device = deviceBot
	case ua.Mobile():
		info.Device = deviceMobile
	default:
		info.Device = deviceDesktop
	}
	return info
}
