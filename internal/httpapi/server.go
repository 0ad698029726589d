// Package httpapi implements the external HTTP surface (spec.md §6): thin
// net/http + gorilla/mux handlers that decode a request, call straight
// into C1-C10, and encode a response. No business logic lives here —
// every decision (gate pass/fail, escalation, fail-closed delete) is made
// by the component it belongs to; this package only translates HTTP in
// and out of it.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	apierrors "github.com/fortdesk/knoxcore/pkg/errors"
	"github.com/fortdesk/knoxcore/pkg/telemetry"
)

// MaxBodyBytes bounds every JSON request body this API decodes.
const MaxBodyBytes = 2 << 20

// MaxUploadBytes is the documents/recordings multipart size ceiling
// (spec.md §6: "Size <= 25 MB").
const MaxUploadBytes = 25 << 20

type actorKey struct{}

// ActorFromContext reads the already-authenticated actor a front door
// (reverse proxy, auth middleware run ahead of this package) attached to
// the request context. httpapi never authenticates anyone itself.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get("X-Principal"))
		if actor == "" {
			actor = "anonymous"
		}
		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// NewRouter wires every spec.md §6 endpoint onto deps. It is the whole of
// this package's public contract; cmd/knoxd only needs to wrap the
// returned handler in an *http.Server.
func NewRouter(deps Deps) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/projects/{id}/documents", deps.handleUploadDocument).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}", deps.handleGetDocument).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}", deps.handleEditDocument).Methods(http.MethodPut)
	r.HandleFunc("/api/documents/{id}/sanitize-level", deps.handleBumpSanitizeLevel).Methods(http.MethodPut)
	r.HandleFunc("/api/documents/{id}", deps.handleDeleteDocument).Methods(http.MethodDelete)

	r.HandleFunc("/api/projects/{id}/notes", deps.handleCreateNote).Methods(http.MethodPost)

	r.HandleFunc("/api/projects/{id}/recordings", deps.handleUploadRecording).Methods(http.MethodPost)
	r.HandleFunc("/api/projects/{id}/recordings/jobs", deps.handleEnqueueRecording).Methods(http.MethodPost)

	r.HandleFunc("/api/fortknox/compile", deps.handleCompile).Methods(http.MethodPost)
	r.HandleFunc("/api/fortknox/compile/jobs", deps.handleEnqueueCompile).Methods(http.MethodPost)
	r.HandleFunc("/api/fortknox/reports/{id}", deps.handleGetReport).Methods(http.MethodGet)

	r.HandleFunc("/api/projects/{id}/export_snapshot", deps.handleExportSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{id}", deps.handleDeleteProject).Methods(http.MethodDelete)

	r.HandleFunc("/healthz", deps.handleHealth).Methods(http.MethodGet)

	return deps.withRequestLogging(withActor(r))
}

// handleHealth builds a telemetry.HealthSnapshot from the two components
// this layer can reach directly: the Entity Store and the File Vault.
// Sanitizer/Transcriber/Compiler/Deleter all sit behind the Store, so a
// reachable Store already covers them transitively.
func (d Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	comps := []telemetry.ComponentStatus{componentCheck("store", now, func() error {
		if d.Store == nil {
			return nil
		}
		return d.Store.Ping(ctx)
	})}
	if d.Vault != nil {
		comps = append(comps, componentCheck("vault", now, d.Vault.Ping))
	}

	snap, err := telemetry.NewHealthSnapshot("knoxd", "", "", comps, now)
	if err != nil {
		d.Logger.Error(ctx, "healthz_snapshot_error", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error"})
		return
	}

	status := http.StatusOK
	if snap.Overall != telemetry.StatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

// componentCheck runs check and translates its result into a
// telemetry.ComponentStatus: nil is healthy, any error is fatal (this API
// has no notion of a merely-degraded dependency).
func componentCheck(name string, now time.Time, check func() error) telemetry.ComponentStatus {
	cs := telemetry.ComponentStatus{Name: name, Status: telemetry.StatusOK, CheckedAt: now}
	if err := check(); err != nil {
		cs.Status = telemetry.StatusFatal
		cs.Message = err.Error()
	}
	return cs
}

func decodeJSONStrict(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeErrEnvelope(w http.ResponseWriter, code apierrors.Code, reasons []string, detail string) {
	apierrors.WriteHTTP(w, apierrors.NewEnvelope(code, reasons, detail))
}

func writeValidationError(w http.ResponseWriter, reason string) {
	writeErrEnvelope(w, apierrors.ValidationError, []string{reason}, "")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// withRequestLogging stamps every request with a fresh SpanContext (so
// d.Logger's trace_id/span_id enrichment in pkg/telemetry has something
// real to read), logs start/finish through d.Logger instead of raw
// stdout, and records request latency through d.Meter — nil-safe on
// both via telemetry's own defaults.
func (d Deps) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := telemetry.SpanContext{TraceID: uuid.NewString(), SpanID: uuid.NewString()}
		ctx := telemetry.ContextWithSpanContext(r.Context(), sc)
		r = r.WithContext(ctx)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)

		labels := telemetry.Labels{"method": r.Method, "status": fmt.Sprintf("%d", rec.status)}
		_ = telemetry.ObserveHistogram(d.Meter, ctx, "http_request_duration_seconds", dur.Seconds(), telemetry.DefaultHistogramBuckets(), labels)
		_ = telemetry.IncCounter(d.Meter, ctx, "http_requests_total", 1, labels)

		d.Logger.Info(ctx, "http_request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": dur.Milliseconds(),
		})
	})
}
