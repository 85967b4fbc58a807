// Package webhook accepts provider callbacks, authenticates them and hands the
// payload to the inbound pipeline without waiting for a reply.
package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/inbound"
)

const MaxBodyBytes int64 = 1 << 20 // 1 MiB

var forwardedHeaders = []string{"X-Forwarded-For", "X-Real-IP", "Forwarded"}

// Request is the transport-neutral view of one webhook call.
type Request struct {
	Method     string
	Path       string
	Header     http.Header
	Query      url.Values
	Body       io.Reader
	RemoteAddr string
}

// Response is what the ingress decided. Handled is false for paths it does not own.
type Response struct {
	Handled bool
	Status  int
	Body    string
	Header  http.Header
}

// Submitter receives accepted payloads.
type Submitter interface {
	Submit(route inbound.Route, payload json.RawMessage) error
}

// Endpoint binds a webhook path to an account.
type Endpoint struct {
	Route inbound.Route
	// Path defaults to the channel's webhook path.
	Path            string
	RateLimitPerSec float64
	RateLimitBurst  int
}

type endpoint struct {
	route   inbound.Route
	desc    channel.Descriptor
	limiter *rate.Limiter
}

// Ingress routes webhook requests by path.
type Ingress struct {
	endpoints map[string]*endpoint
	submitter Submitter
	logger    *slog.Logger
}

// NewIngress builds an Ingress. Two accounts may not share a path.
func NewIngress(log *slog.Logger, registry *channel.Registry, submitter Submitter, endpoints []Endpoint) (*Ingress, error) {
	if log == nil {
		log = slog.Default()
	}
	in := &Ingress{
		endpoints: make(map[string]*endpoint, len(endpoints)),
		submitter: submitter,
		logger:    log.With(slog.String("component", "webhook")),
	}
	for _, ep := range endpoints {
		desc, ok := registry.GetDescriptor(ep.Route.Account.Channel)
		if !ok {
			return nil, fmt.Errorf("unsupported channel type: %s", ep.Route.Account.Channel)
		}
		path := normalizePath(ep.Path)
		if path == "" {
			path = normalizePath(desc.DefaultWebhookPath)
		}
		if path == "" {
			return nil, fmt.Errorf("account %s/%s has no webhook path", ep.Route.Account.Channel, ep.Route.Account.ID)
		}
		if prev, dup := in.endpoints[path]; dup {
			return nil, fmt.Errorf("webhook path %s used by %s/%s and %s/%s", path,
				prev.route.Account.Channel, prev.route.Account.ID,
				ep.Route.Account.Channel, ep.Route.Account.ID)
		}
		e := &endpoint{route: ep.Route, desc: desc}
		if ep.RateLimitPerSec > 0 {
			burst := ep.RateLimitBurst
			if burst <= 0 {
				burst = int(ep.RateLimitPerSec) + 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(ep.RateLimitPerSec), burst)
		}
		in.endpoints[path] = e
	}
	return in, nil
}

// Paths lists the registered webhook paths in order.
func (in *Ingress) Paths() []string {
	paths := make([]string, 0, len(in.endpoints))
	for p := range in.endpoints {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Owns reports whether path is a registered webhook path.
func (in *Ingress) Owns(path string) bool {
	_, ok := in.endpoints[normalizePath(path)]
	return ok
}

// Handle authenticates req and submits its payload.
func (in *Ingress) Handle(_ context.Context, req Request) Response {
	ep, ok := in.endpoints[normalizePath(req.Path)]
	if !ok {
		return Response{}
	}
	if req.Method != http.MethodPost {
		return Response{
			Handled: true,
			Status:  http.StatusMethodNotAllowed,
			Body:    "method not allowed",
			Header:  http.Header{"Allow": []string{http.MethodPost}},
		}
	}

	raw, err := readBody(req.Body)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return reject(http.StatusRequestEntityTooLarge, "payload too large")
		}
		return reject(http.StatusBadRequest, "read body failed")
	}
	payload, err := decodePayload(req.Header.Get(echo.HeaderContentType), raw)
	if err != nil {
		in.logger.Debug("invalid webhook payload", slog.String("path", req.Path), slog.Any("error", err))
		return reject(http.StatusBadRequest, "invalid payload")
	}

	if !in.authorized(ep, req) {
		in.logger.Warn("webhook unauthorized",
			slog.String("channel", ep.route.Account.Channel.String()),
			slog.String("account_id", ep.route.Account.ID),
			slog.String("remote_addr", req.RemoteAddr),
		)
		return reject(http.StatusUnauthorized, "unauthorized")
	}
	if ep.limiter != nil && !ep.limiter.Allow() {
		return reject(http.StatusTooManyRequests, "rate limited")
	}

	if in.submitter != nil {
		if err := in.submitter.Submit(ep.route, payload); err != nil {
			in.logger.Error("submit webhook payload failed",
				slog.String("channel", ep.route.Account.Channel.String()),
				slog.String("account_id", ep.route.Account.ID),
				slog.Any("error", err),
			)
			if errors.Is(err, inbound.ErrBusy) {
				resp := reject(http.StatusServiceUnavailable, "busy")
				resp.Header = http.Header{"Retry-After": []string{"1"}}
				return resp
			}
		}
	}
	return Response{Handled: true, Status: http.StatusOK, Body: "ok"}
}

func reject(status int, body string) Response {
	return Response{Handled: true, Status: status, Body: body}
}

func (in *Ingress) authorized(ep *endpoint, req Request) bool {
	if isLoopback(req.RemoteAddr) && !hasForwardedHeaders(req.Header) {
		return true
	}
	expected := strings.TrimSpace(ep.route.Account.Secret)
	if expected == "" {
		return false
	}
	got := presentedSecret(ep.desc, req)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

func presentedSecret(desc channel.Descriptor, req Request) string {
	for _, key := range desc.WebhookSecretQuery {
		if v := strings.TrimSpace(req.Query.Get(key)); v != "" {
			return v
		}
	}
	for _, key := range desc.WebhookSecretHeaders {
		if v := strings.TrimSpace(req.Header.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

func isLoopback(remoteAddr string) bool {
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

func hasForwardedHeaders(h http.Header) bool {
	for _, key := range forwardedHeaders {
		if strings.TrimSpace(h.Get(key)) != "" {
			return true
		}
	}
	return false
}

var errBodyTooLarge = errors.New("payload too large")

func readBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(body, MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > MaxBodyBytes {
		return nil, errBodyTooLarge
	}
	return raw, nil
}

// decodePayload accepts a JSON object, or a form whose payload field holds one.
func decodePayload(contentType string, raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if isJSONObject(trimmed) {
		return json.RawMessage(trimmed), nil
	}
	if strings.HasPrefix(strings.ToLower(contentType), echo.MIMEApplicationForm) || bytes.Contains(trimmed, []byte("payload=")) {
		form, err := url.ParseQuery(string(trimmed))
		if err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		inner := bytes.TrimSpace([]byte(form.Get("payload")))
		if isJSONObject(inner) {
			return json.RawMessage(inner), nil
		}
		return nil, fmt.Errorf("form payload field is not a JSON object")
	}
	return nil, fmt.Errorf("body is not a JSON object")
}

func isJSONObject(b []byte) bool {
	if len(b) == 0 || b[0] != '{' {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(b, &obj) == nil
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// Middleware serves owned paths and passes everything else to the router.
// Install it with e.Pre so method mismatches reach Handle.
func (in *Ingress) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			if !in.Owns(r.URL.Path) {
				return next(c)
			}
			resp := in.Handle(r.Context(), Request{
				Method:     r.Method,
				Path:       r.URL.Path,
				Header:     r.Header,
				Query:      r.URL.Query(),
				Body:       r.Body,
				RemoteAddr: r.RemoteAddr,
			})
			if !resp.Handled {
				return next(c)
			}
			for key, values := range resp.Header {
				for _, v := range values {
					c.Response().Header().Add(key, v)
				}
			}
			return c.String(resp.Status, resp.Body)
		}
	}
}
