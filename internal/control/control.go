// Package control exposes a small local HTTP surface for observing and
// cancelling a running publish job: health, progress status, and a cancel
// trigger. It is optional — the CLI only mounts it when a control address is
// configured.
package control

import (
	"net/http"
	"time"

	"beatbridge/internal/core/cancel"
	"beatbridge/internal/core/ratelimit"
	phttp "beatbridge/internal/platform/net/http"
	"beatbridge/internal/platform/net/middleware"
)

// Progress is a snapshot of the in-flight run, updated by the caller as the
// publisher loop advances.
type Progress struct {
	SuccessCount      int    `json:"success_count"`
	ErrorCount        int    `json:"error_count"`
	SkippedDuplicates int    `json:"skipped_duplicates"`
	Pending           int    `json:"pending"`
	State             string `json:"state"`
}

// Snapshotter is read by the status endpoint on every request; callers wire
// it to whatever holds the live Progress (e.g. an atomic.Pointer updated by
// the publisher loop).
type Snapshotter func() Progress

// Options configures the control-plane mount.
type Options struct {
	Token          *cancel.Token
	Governor       *ratelimit.Governor
	Snapshot       Snapshotter
	EnableProfiler bool
	Auth           middleware.AuthPort // nil: /cancel is unauthenticated
}

type handlers struct {
	opt Options
}

// Mount attaches healthz/status/cancel (and optionally pprof) onto r, the
// same shape as the teacher's service-level Mount functions.
func Mount(r phttp.Router, opt Options) {
	h := &handlers{opt: opt}

	r.Use(
		middleware.RequestID(),
		middleware.RecoverJSON,
		middleware.CORS(middleware.CORSOptions{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST"}}),
		middleware.AccessLogZerolog(middleware.AccessLogOptions{Slow: 2 * time.Second}),
	)

	phttp.GetJSON(r, "/healthz", h.healthz)
	phttp.GetJSON(r, "/status", h.status)

	cancelHandler := phttp.Handle(h.handleCancel)
	r.Route("/cancel", func(sub phttp.Router) {
		if opt.Auth != nil {
			sub.Use(middleware.Auth(opt.Auth, writeEnvelope))
		}
		sub.Post("/", func(w http.ResponseWriter, req *http.Request) { cancelHandler(w, req) })
	})

	phttp.MountProfiler(r, "/debug", opt.EnableProfiler)
}

func (h *handlers) healthz(r *http.Request) (any, error) {
	return map[string]string{"status": "ok"}, nil
}

type statusView struct {
	Progress  Progress        `json:"progress"`
	Governor  ratelimit.State `json:"governor"`
	Requested bool            `json:"cancel_requested"`
}

func (h *handlers) status(r *http.Request) (any, error) {
	var progress Progress
	if h.opt.Snapshot != nil {
		progress = h.opt.Snapshot()
	}
	return statusView{
		Progress:  progress,
		Governor:  h.opt.Governor.Snapshot(),
		Requested: h.opt.Token.Requested(),
	}, nil
}

func (h *handlers) handleCancel(r *http.Request) phttp.Response {
	h.opt.Token.Request()
	return phttp.OK(map[string]any{
		"cancel_requested": true,
		"forced":           h.opt.Token.Forced(),
		"received_at":      time.Now().UTC().Format(time.RFC3339),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, body any) {
	phttp.JSON(w, status, body)
}
