// Package proxy forwards client traffic to the loopback gateway and turns
// gateway faults into diagnostic 502 responses instead of hung connections.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openclaw/clawwrap/internal/gateway"
)

// RequestIDHeader carries the per-request correlation id to the gateway.
const RequestIDHeader = "X-Request-Id"

// Gateway is the part of the lifecycle manager the proxy depends on.
type Gateway interface {
	IsConfigured() bool
	EnsureRunning(ctx context.Context) error
	Probe(ctx context.Context) bool
	Status() gateway.Status
	Token() string
}

// Handler reverse-proxies everything it receives to the gateway.
type Handler struct {
	gw       Gateway
	target   *url.URL
	proxy    *httputil.ReverseProxy
	log      logrus.FieldLogger
	requests *RequestLog
}

// New creates a Handler forwarding to target (e.g. http://127.0.0.1:18789).
func New(target string, gw Gateway, logger logrus.FieldLogger) (*Handler, error) {
	targetURL, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	h := &Handler{
		gw:       gw,
		target:   targetURL,
		log:      logger,
		requests: NewRequestLog(200),
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:      h.rewrite,
		ErrorHandler: h.errorHandler,
		// Stream server-sent events and long polls without buffering.
		FlushInterval: -1,
	}
	return h, nil
}

// Requests returns the log of recently proxied requests.
func (h *Handler) Requests() *RequestLog { return h.requests }

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
		r.Header.Set(RequestIDHeader, reqID)
	}

	if !h.gw.IsConfigured() {
		http.Redirect(w, r, "/setup", http.StatusFound)
		return
	}

	if err := h.gw.EnsureRunning(r.Context()); err != nil {
		if errors.Is(err, gateway.ErrNotConfigured) {
			http.Redirect(w, r, "/setup", http.StatusFound)
			return
		}
		h.log.WithField("request_id", reqID).WithError(err).Warn("[proxy] Gateway not available")
		h.writeUnavailable(w, reqID, err)
		h.record(reqID, r, http.StatusBadGateway, start, err)
		return
	}

	tw := &trackingWriter{ResponseWriter: w, status: http.StatusOK}
	h.proxy.ServeHTTP(tw, r)
	h.record(reqID, r, tw.status, start, tw.err)
}

func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(h.target)
	pr.SetXForwarded()
	// Keep the client's Host so the gateway sees the public origin.
	pr.Out.Host = pr.In.Host
	if pr.Out.Header.Get("Authorization") == "" && h.gw.Token() != "" {
		pr.Out.Header.Set("Authorization", "Bearer "+h.gw.Token())
	}
}

// errorHandler never panics and never writes twice: once the gateway has
// started a response, the fault can only be logged.
func (h *Handler) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	entry := h.log.WithField("request_id", r.Header.Get(RequestIDHeader)).WithError(err)

	// Let an adopted gateway that went away be noticed by the next request.
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), time.Second)
	h.gw.Probe(probeCtx)
	cancel()

	tw, ok := w.(*trackingWriter)
	if ok {
		tw.err = err
		if tw.wroteHeader {
			entry.Warnf("[proxy] Error after response started for %s %s", r.Method, r.URL.Path)
			return
		}
	}
	if errors.Is(err, context.Canceled) {
		entry.Debugf("[proxy] Client went away during %s %s", r.Method, r.URL.Path)
	} else {
		entry.Errorf("[proxy] Error proxying %s %s", r.Method, r.URL.Path)
	}
	h.writeUnavailable(w, r.Header.Get(RequestIDHeader), err)
}

func (h *Handler) writeUnavailable(w http.ResponseWriter, reqID string, err error) {
	w.Header().Set(RequestIDHeader, reqID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte(DiagnosticBody(err, h.gw.Status())))
}

func (h *Handler) record(reqID string, r *http.Request, status int, start time.Time, err error) {
	entry := RequestEntry{
		ID:       reqID,
		Time:     start,
		Method:   r.Method,
		Path:     r.URL.Path,
		Status:   status,
		Duration: time.Since(start),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	h.requests.Add(entry)
}
