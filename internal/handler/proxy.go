package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"mirror-proxy-go/internal/client"
	"mirror-proxy-go/internal/metrics"
	"mirror-proxy-go/internal/model"
	"mirror-proxy-go/internal/rewrite"
	"mirror-proxy-go/internal/route"
	"mirror-proxy-go/internal/service"
)

// ProxyHandler intercepts requests whose path matches a configured route,
// forwards them upstream, and relays the response with body rewriting.
type ProxyHandler struct {
	resolver *route.Resolver
	service  *service.ProxyService
	rewriter *rewrite.Rewriter
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is
// optional; pass nil to disable rewrite metrics recording.
func NewProxyHandler(resolver *route.Resolver, svc *service.ProxyService, rw *rewrite.Rewriter, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		resolver: resolver,
		service:  svc,
		rewriter: rw,
		metrics:  m,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Middleware returns an Echo middleware that proxies matched requests and
// hands everything else to the next handler in the chain.
func (h *ProxyHandler) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m, ok := h.resolver.Resolve(c.Request().URL.Path)
			if !ok {
				return next(c)
			}
			return h.handle(c, m)
		}
	}
}

func (h *ProxyHandler) handle(c echo.Context, m route.Match) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Verb:     model.ParseVerb(req.Method),
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.service.Forward(pr, m)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return h.relay(c, resp)
}

// relay copies the upstream status and headers onto the client response,
// then writes the body, rewritten when eligible. Upstream error statuses
// are relayed verbatim; interpreting them is not the proxy's job.
func (h *ProxyHandler) relay(c echo.Context, resp *model.ProxyResponse) error {
	if h.rewriter.Eligible(resp.Header.Get("Content-Type")) {
		return h.relayRewritten(c, resp)
	}

	// Ineligible bodies stream through without buffering.
	h.copyHeader(c, resp.Header)
	c.Response().WriteHeader(resp.StatusCode)
	h.stream(c, resp.Body)
	return nil
}

// copyHeader copies upstream response headers onto the client response,
// preserving multi-value headers.
func (h *ProxyHandler) copyHeader(c echo.Context, src http.Header) {
	header := c.Response().Header()
	for key, vals := range src {
		// The rewriter may change the body length, so any upstream
		// framing declaration is invalid; the transport recomputes
		// framing from the bytes actually written.
		if http.CanonicalHeaderKey(key) == "Transfer-Encoding" {
			continue
		}
		for _, v := range vals {
			header.Add(key, v)
		}
	}
}

// relayRewritten buffers an eligible body up to the configured cap and
// substitutes the rewrite rules. Oversized bodies fall back to streaming
// pass-through, unrewritten. Upstream headers are copied only once the
// buffered read has succeeded: a read failure must produce a cleanly
// framed gateway error, not a JSON body under the upstream's stale
// Content-Length and Content-Type.
func (h *ProxyHandler) relayRewritten(c echo.Context, resp *model.ProxyResponse) error {
	maxBytes := h.rewriter.MaxBodyBytes()
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return h.mapError(c, err)
	}

	h.copyHeader(c, resp.Header)

	if int64(len(buf)) > maxBytes {
		if h.metrics != nil {
			h.metrics.RewriteFallbacks.WithLabelValues("oversize").Inc()
		}
		h.logger.Warn("rewrite-eligible body exceeds cap; relaying unrewritten",
			"path", c.Request().URL.Path,
			"cap_bytes", maxBytes,
		)
		c.Response().WriteHeader(resp.StatusCode)
		if _, err := c.Response().Write(buf); err != nil {
			h.logger.Error("writing buffered body", "err", err)
			return nil
		}
		h.stream(c, resp.Body)
		return nil
	}

	out, outcome := h.rewriter.Apply(buf)
	switch outcome {
	case rewrite.Rewritten:
		if h.metrics != nil {
			h.metrics.BodiesRewritten.Inc()
		}
		c.Response().Header().Set("Content-Length", strconv.Itoa(len(out)))
	case rewrite.InvalidUTF8:
		if h.metrics != nil {
			h.metrics.RewriteFallbacks.WithLabelValues("decode").Inc()
		}
		h.logger.Warn("textual body is not valid UTF-8; relaying unmodified",
			"path", c.Request().URL.Path,
		)
	}

	c.Response().WriteHeader(resp.StatusCode)
	if _, err := c.Response().Write(out); err != nil {
		h.logger.Error("writing response body", "err", err)
	}
	return nil
}

// stream copies the remaining upstream body to the client. The status
// line is already on the wire at this point, so failures (client
// disconnect, upstream reset) can only be logged; the client sees a
// truncated response with the original status.
func (h *ProxyHandler) stream(c echo.Context, body io.Reader) {
	if _, err := io.Copy(c.Response(), body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, client.ErrUpstreamTimeout) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	if errors.Is(err, client.ErrUpstreamUnreachable) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
