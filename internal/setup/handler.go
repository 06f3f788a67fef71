// Package setup serves the password-protected /setup admin API: onboarding,
// reset, restart, diagnostics, state export and a live gateway log stream.
package setup

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/openclaw/clawwrap/internal/gateway"
	"github.com/openclaw/clawwrap/internal/process"
	"github.com/openclaw/clawwrap/internal/proxy"
)

// HealthPath answers without authentication so platform health checks work
// before SETUP_PASSWORD is configured.
const HealthPath = "/setup/healthz"

// Gateway is the part of the lifecycle manager the admin API drives.
type Gateway interface {
	IsConfigured() bool
	Status() gateway.Status
	Restart(ctx context.Context) error
	Reset(ctx context.Context, remove func() error) error
	RunDoctor(ctx context.Context) (process.CommandResult, error)
	Output() *gateway.OutputLog
}

// CLI runs gateway subcommands for onboarding.
type CLI interface {
	Onboard(ctx context.Context, args []string) (process.CommandResult, error)
	ConfigSet(ctx context.Context, key, value string) (process.CommandResult, error)
	ConfigSetJSON(ctx context.Context, key string, value any) (process.CommandResult, error)
	Version(ctx context.Context) (process.CommandResult, error)
}

// Options configures a Handler.
type Options struct {
	// Password protects every route but HealthPath. Empty disables /setup.
	Password     string
	StateDir     string
	WorkspaceDir string
	Port         int
	Token        string
	// RemoveConfig deletes the gateway config files and reports which.
	RemoveConfig func() ([]string, error)
	// Requests, when set, is included in debug output.
	Requests *proxy.RequestLog
}

// Handler is the /setup HTTP surface.
type Handler struct {
	gw   Gateway
	cli  CLI
	opts Options
	log  logrus.FieldLogger
	r    *mux.Router

	upgrader websocket.Upgrader
	runMu    sync.Mutex // one onboarding at a time
}

// NewHandler builds the router.
func NewHandler(gw Gateway, cli CLI, opts Options, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &Handler{
		gw:   gw,
		cli:  cli,
		opts: opts,
		log:  logger,
		r:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	h.r.HandleFunc(HealthPath, h.handleHealth).Methods("GET", "HEAD")

	s := h.r.PathPrefix("/setup").Subrouter()
	s.Use(h.requireAuth)
	s.HandleFunc("", h.handleIndex).Methods("GET")
	s.HandleFunc("/", h.handleIndex).Methods("GET")
	s.HandleFunc("/api/status", h.handleStatus).Methods("GET")
	s.HandleFunc("/api/run", h.handleRun).Methods("POST")
	s.HandleFunc("/api/reset", h.handleReset).Methods("POST")
	s.HandleFunc("/api/restart", h.handleRestart).Methods("POST")
	s.HandleFunc("/api/debug", h.handleDebug).Methods("GET")
	s.HandleFunc("/api/logs", h.handleLogs).Methods("GET")
	s.HandleFunc("/export", h.handleExport).Methods("GET")

	return h
}

// Router exposes the routes so they can be mounted under another router.
func (h *Handler) Router() *mux.Router { return h.r }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.r.ServeHTTP(w, r)
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.opts.Password == "" {
			http.Error(w, "SETUP_PASSWORD is not set. Set it in the environment to use /setup.",
				http.StatusInternalServerError)
			return
		}
		_, password, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(password), []byte(h.opts.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="OpenClaw Setup"`)
			http.Error(w, "Auth required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

type errorResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Output string `json:"output,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error, output string) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Output: output})
}

type okResponse struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.gw.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"configured": st.Configured,
		"gateway":    st.State,
		"ready":      st.Ready,
	})
}

const indexPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>OpenClaw Setup</title></head>
<body>
<h1>OpenClaw Setup</h1>
<ul>
<li>GET /setup/api/status</li>
<li>POST /setup/api/run</li>
<li>POST /setup/api/restart</li>
<li>POST /setup/api/reset</li>
<li>GET /setup/api/debug</li>
<li>GET /setup/api/logs (websocket)</li>
<li>GET /setup/export</li>
</ul>
</body></html>
`

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexPage))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"configured": h.gw.IsConfigured(),
		"gateway":    h.gw.Status(),
	})
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var p Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"), "")
		return
	}
	if err := ValidatePayload(&p); err != nil {
		writeError(w, http.StatusBadRequest, err, "")
		return
	}
	if !h.runMu.TryLock() {
		writeError(w, http.StatusConflict, errors.New("setup is already running"), "")
		return
	}
	defer h.runMu.Unlock()

	if h.gw.IsConfigured() {
		writeJSON(w, http.StatusOK, okResponse{
			OK:     true,
			Output: "Already configured. Use reset if you want to rerun onboarding.\n",
		})
		return
	}

	// Onboarding outlives a client that navigates away mid-run.
	ctx := context.WithoutCancel(r.Context())
	params := OnboardParams{WorkspaceDir: h.opts.WorkspaceDir, Port: h.opts.Port, Token: h.opts.Token}

	var out strings.Builder
	h.log.Infof("[setup] Running onboarding (flow=%s auth=%s)", p.Flow, p.AuthChoice)
	res, err := h.cli.Onboard(ctx, OnboardArgs(&p, params))
	out.WriteString(res.Output())
	if err != nil || !res.OK() {
		if err == nil {
			err = errors.New("onboarding failed")
		}
		h.log.WithError(err).WithField("exit_code", res.ExitCode).Warn("[setup] Onboarding failed")
		writeError(w, http.StatusInternalServerError, err, out.String())
		return
	}

	for _, s := range PostOnboardSettings(&p, params) {
		var res process.CommandResult
		var err error
		if s.JSON {
			res, err = h.cli.ConfigSetJSON(ctx, s.Key, s.Value)
		} else {
			res, err = h.cli.ConfigSet(ctx, s.Key, s.Value.(string))
		}
		fmt.Fprintf(&out, "\n[config set %s] exit=%d\n", s.Key, res.ExitCode)
		out.WriteString(res.Output())
		if err != nil || !res.OK() {
			h.log.WithField("key", s.Key).WithError(err).Warn("[setup] config set failed")
		}
	}

	if err := h.gw.Restart(ctx); err != nil {
		h.log.WithError(err).Warn("[setup] Gateway restart after onboarding failed")
		writeError(w, http.StatusInternalServerError, err, out.String())
		return
	}
	h.log.Info("[setup] Onboarding complete, gateway restarted")
	writeJSON(w, http.StatusOK, okResponse{OK: true, Output: out.String()})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	var removed []string
	err := h.gw.Reset(context.WithoutCancel(r.Context()), func() error {
		if h.opts.RemoveConfig == nil {
			return nil
		}
		var err error
		removed, err = h.opts.RemoveConfig()
		return err
	})
	if err != nil {
		h.log.WithError(err).Error("[reset] Reset failed")
		writeError(w, http.StatusInternalServerError, err, "")
		return
	}
	out := "No config file found.\n"
	if len(removed) > 0 {
		out = "Deleted " + strings.Join(removed, ", ") + ". You can rerun setup now.\n"
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true, Output: out})
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.gw.Restart(context.WithoutCancel(r.Context())); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gateway.ErrNotConfigured) {
			status = http.StatusConflict
		}
		writeError(w, status, err, "")
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type debugResponse struct {
	OK       bool                  `json:"ok"`
	Gateway  gateway.Status        `json:"gateway"`
	Version  string                `json:"version,omitempty"`
	Doctor   process.CommandResult `json:"doctor"`
	Output   []gateway.Line        `json:"output"`
	Stats    gateway.OutputStats   `json:"output_stats"`
	Requests []proxy.RequestEntry  `json:"requests,omitempty"`
}

func (h *Handler) handleDebug(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	resp := debugResponse{OK: true}
	if v, err := h.cli.Version(ctx); err == nil {
		resp.Version = strings.TrimSpace(v.Stdout)
	}
	doctor, err := h.gw.RunDoctor(ctx)
	if err != nil {
		h.log.WithError(err).Debug("[setup] doctor failed")
	}
	resp.Doctor = doctor
	resp.Gateway = h.gw.Status()
	resp.Output = h.gw.Output().Tail(200)
	resp.Stats = h.gw.Output().Stats()
	if h.opts.Requests != nil {
		resp.Requests = h.opts.Requests.Recent(50)
	}
	writeJSON(w, http.StatusOK, resp)
}
