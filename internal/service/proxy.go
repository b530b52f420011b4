// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"mirror-proxy-go/internal/client"
	"mirror-proxy-go/internal/model"
	"mirror-proxy-go/internal/route"
)

// hopByHopHeaders are transport-level headers that are never copied onto
// the outbound request; they describe the inbound connection, not the
// message.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
}

// entityHeaders describe the message body and are copied only when an
// outbound body is attached. An entity header on a body-less message is
// an invalid message, avoided here by construction.
var entityHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Encoding",
}

const userAgent = "mirror-proxy-go/1.0"

// ProxyService builds and sends outbound requests for matched routes.
type ProxyService struct {
	client *client.UpstreamClient
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward sends a ProxyRequest to the upstream selected by the route
// match and returns the response with the body still unread. The caller
// is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest, m route.Match) (*model.ProxyResponse, error) {
	target := buildTargetURL(m.Route, m.Remainder, pr.RawQuery)

	var body io.Reader
	if pr.Verb.AllowsBody() && pr.Body != nil {
		body = pr.Body
	}
	header := buildOutboundHeader(pr.Header, body != nil)

	s.logger.Debug("forwarding request",
		"method", pr.Verb.String(),
		"path", pr.Path,
		"target", m.Route.Upstream.Host,
	)

	// The outbound Host is always the upstream authority, never the
	// inbound host: forwarding the proxy's own hostname would misroute
	// virtual-hosted upstreams.
	resp, err := s.client.DoStream(pr.Ctx, pr.Verb.String(), target, header, m.Route.Upstream.Host, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	return resp, nil
}

// buildTargetURL joins the upstream base with the path remainder and
// appends injected query parameters after the client's own query string.
func buildTargetURL(rt *route.Route, remainder, rawQuery string) string {
	u := *rt.Upstream
	u.Path = joinPath(u.Path, remainder)
	u.RawQuery = appendQuery(rawQuery, rt.Params)
	return u.String()
}

// joinPath concatenates a base path and a remainder without doubling the
// separating slash.
func joinPath(base, remainder string) string {
	if remainder == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + remainder
}

// appendQuery appends injected parameters, in declaration order, to an
// existing query string. Injected keys are not deduplicated against
// existing ones: a client-supplied key and an injected key both survive,
// per multi-value query semantics.
func appendQuery(raw string, params []route.Param) string {
	if len(params) == 0 {
		return raw
	}
	var b strings.Builder
	b.WriteString(raw)
	for _, p := range params {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// buildOutboundHeader copies inbound headers onto a fresh header set,
// dropping transport-level headers always and entity headers when no
// body is attached. The returned header never aliases the inbound one.
func buildOutboundHeader(src http.Header, hasBody bool) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}
	for _, key := range hopByHopHeaders {
		dst.Del(key)
	}
	if !hasBody {
		for _, key := range entityHeaders {
			dst.Del(key)
		}
	}
	dst.Set("User-Agent", userAgent)
	return dst
}
