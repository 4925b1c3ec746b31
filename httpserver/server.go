// Package httpserver serves the Apps in a strata.Registry over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"impractical.co/strata"
)

const tracerName = "impractical.co/strata/httpserver"

// PublicFiles finds the public files of a Component. The artifact package's
// Loader implements it.
type PublicFiles interface {
	PublicFS(app, component string) (fs.FS, error)
}

// Registry is the part of a strata.Registry the Handler uses.
type Registry interface {
	GetOrDeploy(ctx context.Context, contextPath string) (*strata.App, error)
	Redeploy(ctx context.Context, contextPath string) (*strata.App, error)
}

// Option customizes a Handler.
type Option func(*Handler)

// WithDevelopmentMode makes server errors describe what went wrong, enables
// the debug endpoints, and redeploys apps on every request. Pass
// WithRedeployOnRequest after it to keep published apps instead.
func WithDevelopmentMode(enabled bool) Option {
	return func(h *Handler) {
		h.development = enabled
		h.redeploy = enabled
	}
}

// WithRedeployOnRequest controls whether apps are rebuilt for every request.
// It's useful in development, when nothing else is watching for changes.
func WithRedeployOnRequest(enabled bool) Option {
	return func(h *Handler) {
		h.redeploy = enabled
	}
}

// WithPublicFiles serves the public files of every Component from files.
func WithPublicFiles(files PublicFiles) Option {
	return func(h *Handler) {
		h.public = files
	}
}

// WithLogger sets the logger requests log to. Without it, nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithPrometheusRegistry sets where metrics are registered and what /metrics
// serves. It defaults to a new, empty registry.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(h *Handler) {
		h.promRegistry = reg
	}
}

// Handler routes requests to the Apps in a Registry. It must be instantiated
// through New.
type Handler struct {
	registry     Registry
	public       PublicFiles
	logger       *slog.Logger
	development  bool
	redeploy     bool
	promRegistry *prometheus.Registry
	metrics      *metrics
	router       chi.Router
}

// New returns a Handler serving the Apps in registry.
func New(registry Registry, opts ...Option) *Handler {
	h := &Handler{
		registry: registry,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = strata.Logger(context.Background())
	}
	if h.promRegistry == nil {
		h.promRegistry = prometheus.NewRegistry()
	}
	h.metrics = newMetrics(h.promRegistry)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logging)
	r.Use(tracing)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(h.promRegistry, promhttp.HandlerOpts{}))
	r.Get("/favicon.ico", http.NotFound)
	r.Get("/{app}/public/{component}/*", h.serveStatic)
	if h.development {
		r.Get("/{app}/debug/pages", h.debugPages)
		r.Get("/{app}/debug/fragments", h.debugFragments)
	}
	r.HandleFunc("/*", h.servePage)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// logging attaches a logger with the request's ID to its context.
func (h *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.With("http_request_id", middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(strata.LoggingContext(r.Context(), logger)))
	})
}

func tracing(next http.Handler) http.Handler {
	tracer := otel.Tracer(tracerName)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

// app returns the App named by the request's first path segment.
func (h *Handler) app(w http.ResponseWriter, r *http.Request, name string) (*strata.App, bool) {
	ctx := r.Context()
	if name == "" {
		http.NotFound(w, r)
		return nil, false
	}
	contextPath := "/" + name
	var app *strata.App
	var err error
	if h.redeploy {
		app, err = h.registry.Redeploy(ctx, contextPath)
	} else {
		app, err = h.registry.GetOrDeploy(ctx, contextPath)
	}
	if errors.Is(err, strata.ErrAppNotFound) {
		http.NotFound(w, r)
		return nil, false
	}
	if err != nil {
		h.metrics.deployErrors.WithLabelValues(name).Inc()
		strata.Logger(ctx).ErrorContext(ctx, "error deploying app", "app", name, "error", err)
		body := "Server error."
		if h.development {
			body += "\n\n" + err.Error()
		}
		http.Error(w, body, http.StatusInternalServerError)
		return nil, false
	}
	return app, true
}

func (h *Handler) servePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	app, ok := h.app(w, r, name)
	if !ok {
		return
	}
	start := time.Now()
	outcome := strata.Serve(ctx, app, strata.HTTPRequest(r), strata.WithDevelopmentMode(h.development))
	h.metrics.renderDuration.WithLabelValues(app.Name()).Observe(time.Since(start).Seconds())
	h.metrics.requestsTotal.WithLabelValues(app.Name(), outcome.Kind.String(), strconv.Itoa(outcome.Status)).Inc()
	if outcome.Err != nil && outcome.Kind == strata.OutcomeServerError {
		strata.Logger(ctx).ErrorContext(ctx, "error serving page", "app", app.Name(), "path", r.URL.Path, "error", outcome.Err)
	}
	WriteOutcome(w, r, outcome)
}

// WriteOutcome writes outcome as the response to r.
func WriteOutcome(w http.ResponseWriter, r *http.Request, outcome strata.Outcome) {
	for name, values := range outcome.Headers {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	if outcome.Kind == strata.OutcomeRedirect {
		http.Redirect(w, r, outcome.Location, outcome.Status)
		return
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	w.WriteHeader(outcome.Status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.WriteString(w, outcome.Body); err != nil {
		strata.Logger(r.Context()).DebugContext(r.Context(), "error writing response", "error", err)
	}
}

func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request) {
	if h.public == nil {
		http.NotFound(w, r)
		return
	}
	app, ok := h.app(w, r, chi.URLParam(r, "app"))
	if !ok {
		return
	}
	contextPath := "/" + chi.URLParam(r, "component")
	var component *strata.Component
	for _, comp := range app.Components() {
		if comp.ContextPath() == contextPath {
			component = comp
			break
		}
	}
	if component == nil {
		http.NotFound(w, r)
		return
	}
	files, err := h.public.PublicFS(app.Name(), component.Name())
	if err != nil {
		http.NotFound(w, r)
		return
	}
	prefix := app.ContextPath() + component.PublicURIInfix()
	http.StripPrefix(prefix, http.FileServerFS(files)).ServeHTTP(w, r)
}

type pageListing struct {
	Pattern   string   `json:"pattern"`
	Component string   `json:"component"`
	Layout    string   `json:"layout,omitempty"`
	Zones     []string `json:"zones,omitempty"`
}

type fragmentListing struct {
	Name      string `json:"name"`
	Component string `json:"component"`
}

func (h *Handler) debugPages(w http.ResponseWriter, r *http.Request) {
	app, ok := h.app(w, r, chi.URLParam(r, "app"))
	if !ok {
		return
	}
	listing := []pageListing{}
	for _, page := range app.Pages() {
		item := pageListing{
			Pattern:   page.Pattern().String(),
			Component: page.Component().Name(),
			Zones:     page.DeclaredZones(),
		}
		if layout, ok := page.Layout(); ok {
			item.Layout = layout.Name()
		}
		listing = append(listing, item)
	}
	writeJSON(w, r, listing)
}

func (h *Handler) debugFragments(w http.ResponseWriter, r *http.Request) {
	app, ok := h.app(w, r, chi.URLParam(r, "app"))
	if !ok {
		return
	}
	listing := []fragmentListing{}
	for _, frag := range app.Fragments() {
		listing = append(listing, fragmentListing{
			Name:      frag.Name(),
			Component: frag.Component().Name(),
		})
	}
	writeJSON(w, r, listing)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		strata.Logger(r.Context()).DebugContext(r.Context(), "error writing response", "error", err)
	}
}
