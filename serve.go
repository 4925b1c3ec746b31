package strata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// OutcomeKind classifies the result of Serve.
type OutcomeKind int

const (
	// OutcomeOK means a Page was rendered.
	OutcomeOK OutcomeKind = iota

	// OutcomeRedirect means the client should be sent to
	// Outcome.Location.
	OutcomeRedirect

	// OutcomeNotFound means no Page matched the request path.
	OutcomeNotFound

	// OutcomeBadRequest means the request path was malformed.
	OutcomeBadRequest

	// OutcomeServerError means rendering failed.
	OutcomeServerError

	// OutcomeClientError means rendering was stopped with an HTTPError
	// whose status is a client error other than 400 or 404, like 403.
	OutcomeClientError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeRedirect:
		return "redirect"
	case OutcomeNotFound:
		return "not-found"
	case OutcomeBadRequest:
		return "bad-request"
	case OutcomeServerError:
		return "server-error"
	case OutcomeClientError:
		return "client-error"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is everything the HTTP layer needs to respond to a request.
type Outcome struct {
	Kind   OutcomeKind
	Status int

	// Body is the rendered page, or an error body.
	Body string

	// Location is where to redirect to, for OutcomeRedirect.
	Location string

	// Headers are the response headers set while rendering. It's never
	// nil.
	Headers http.Header

	// Err is what went wrong, for every kind but OutcomeOK and
	// OutcomeRedirect.
	Err error
}

// ServeOption customizes a call to Serve.
type ServeOption func(*serveConfig)

type serveConfig struct {
	development bool
}

// WithDevelopmentMode controls whether server error bodies include the error
// and, for panics, the stack trace. It's off by default; production error
// bodies never describe the failure.
func WithDevelopmentMode(enabled bool) ServeOption {
	return func(c *serveConfig) {
		c.development = enabled
	}
}

// serverErrorBody is the body of server errors when the App has no error
// page for them.
const serverErrorBody = "Server error."

// Serve renders the Page of app matching req's path. It never panics and
// never returns an error: every failure is described by the returned
// Outcome.
//
// Serve only reads app, so any number of calls can run concurrently against
// the same App.
func Serve(ctx context.Context, app *App, req Request, opts ...ServeOption) (outcome Outcome) {
	var config serveConfig
	for _, opt := range opts {
		opt(&config)
	}
	start := time.Now()
	ctx, span := startSpan(ctx, "strata.Serve",
		attribute.String("strata.app", app.name),
		attribute.String("http.request.path", req.Path()))
	defer func() {
		span.SetAttributes(
			attribute.String("strata.outcome", outcome.Kind.String()),
			attribute.Int("http.response.status_code", outcome.Status))
		endSpan(span, outcome.Err)
		span.End()
		logger(ctx).DebugContext(ctx, "served request",
			"app", app.name,
			"path", req.Path(),
			"outcome", outcome.Kind.String(),
			"status", outcome.Status,
			"duration", time.Since(start))
	}()

	requestPath, err := cleanRequestPath(req.Path())
	if err != nil {
		return errorOutcome(OutcomeBadRequest, http.StatusBadRequest, "Bad request.", err)
	}
	pageURI, ok := app.pageURI(requestPath)
	if !ok {
		if requestPath == app.contextPath {
			return redirectOutcome(app.contextPath+"/", http.StatusMovedPermanently, http.Header{})
		}
		return notFound(ctx, app, req, requestPath, config)
	}
	page, params, ok := app.ResolvePage(pageURI)
	if !ok {
		if alt, ok := trailingSlashAlternative(pageURI); ok && app.HasPage(alt) {
			return redirectOutcome(app.uriPrefix()+alt, http.StatusMovedPermanently, http.Header{})
		}
		return notFound(ctx, app, req, requestPath, config)
	}

	body, headers, err := renderPage(ctx, app, page, pageURI, params, req)
	if err != nil {
		if outcome, ok := stoppedOutcome(ctx, app, req, err, headers, config); ok {
			return outcome
		}
		return serverError(ctx, app, req, err, config)
	}
	return Outcome{
		Kind:    OutcomeOK,
		Status:  http.StatusOK,
		Body:    body,
		Headers: headers,
	}
}

// renderPage renders page with a fresh RequestContext. Panics are recovered
// and returned as errors. The response headers set before a failure are
// returned with it.
func renderPage(ctx context.Context, app *App, page *Page, pageURI string, params map[string]string, req Request) (body string, headers http.Header, err error) {
	rc := NewRequestContext(app.uriPrefix(), req)
	rc.setURIParams(params)
	ctx = LoggingContext(ctx, logger(ctx).With("request_id", rc.ID()))

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
			logger(ctx).ErrorContext(ctx, "panic rendering page",
				"page", page.pattern.String(),
				"panic", r)
		}
	}()

	base := map[string]any{
		ModelKeyURI:        pageURI,
		ModelKeyAppContext: app.uriPrefix(),
		ModelKeyURIParams:  params,
		ModelKeyRequest:    req,
	}
	pass := newRenderPass(ctx, app, page, rc, base)
	out, err := page.render(ctx, pass)
	if stoppedRender(err) {
		logger(ctx).DebugContext(ctx, "render stopped",
			"page", page.pattern.String(),
			"reason", err)
		return "", rc.ResponseHeaders(), err
	}
	if err != nil {
		logger(ctx).ErrorContext(ctx, "error rendering page",
			"page", page.pattern.String(),
			"error", err)
		return "", rc.ResponseHeaders(), err
	}
	if depth := rc.publicURIDepth(); depth != 0 {
		return "", nil, fmt.Errorf("%d public uri frames left open after rendering %s", depth, page.pattern)
	}
	return substitutePlaceholders(out, rc), rc.ResponseHeaders(), nil
}

func notFound(ctx context.Context, app *App, req Request, requestPath string, config serveConfig) Outcome {
	err := &PageNotFoundError{URI: requestPath}
	outcome := errorOutcome(OutcomeNotFound, http.StatusNotFound, "Not found.", err)
	return withErrorPage(ctx, app, req, outcome, config)
}

func serverError(ctx context.Context, app *App, req Request, err error, config serveConfig) Outcome {
	body := serverErrorBody
	if config.development {
		body = developmentErrorBody(err)
	}
	outcome := errorOutcome(OutcomeServerError, http.StatusInternalServerError, body, err)
	if config.development {
		return outcome
	}
	return withErrorPage(ctx, app, req, outcome, config)
}

// withErrorPage replaces the body of outcome with the App's error page for
// its status, if it has one and it renders. The status is kept either way.
func withErrorPage(ctx context.Context, app *App, req Request, outcome Outcome, _ serveConfig) Outcome {
	path, ok := app.ErrorPage(outcome.Status)
	if !ok {
		return outcome
	}
	pageURI := canonicalPath(path)
	page, params, ok := app.ResolvePage(pageURI)
	if !ok {
		logger(ctx).WarnContext(ctx, "error page doesn't exist", "status", outcome.Status, "path", path)
		return outcome
	}
	body, headers, err := renderPage(ctx, app, page, pageURI, params, req)
	if err != nil {
		logger(ctx).ErrorContext(ctx, "error rendering error page", "status", outcome.Status, "path", path, "error", err)
		return outcome
	}
	outcome.Body = body
	outcome.Headers = headers
	return outcome
}

func errorOutcome(kind OutcomeKind, status int, body string, err error) Outcome {
	return Outcome{
		Kind:    kind,
		Status:  status,
		Body:    body,
		Headers: http.Header{},
		Err:     err,
	}
}

func redirectOutcome(location string, status int, headers http.Header) Outcome {
	return Outcome{
		Kind:     OutcomeRedirect,
		Status:   status,
		Location: location,
		Headers:  headers,
	}
}

// stoppedRender reports whether err is a *RedirectError or *HTTPError, which
// end a render on purpose.
func stoppedRender(err error) bool {
	var redirect *RedirectError
	var httpErr *HTTPError
	return errors.As(err, &redirect) || errors.As(err, &httpErr)
}

// stoppedOutcome turns a *RedirectError or *HTTPError returned while
// rendering into the Outcome it asks for. headers are those set before the
// render stopped.
func stoppedOutcome(ctx context.Context, app *App, req Request, err error, headers http.Header, config serveConfig) (Outcome, bool) {
	if headers == nil {
		headers = http.Header{}
	}
	var redirect *RedirectError
	if errors.As(err, &redirect) {
		status := redirect.Status
		if status < 300 || status > 399 {
			status = http.StatusFound
		}
		return redirectOutcome(redirect.Location, status, headers), true
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return Outcome{}, false
	}
	status := httpErr.Status
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	var kind OutcomeKind
	switch {
	case status == http.StatusNotFound:
		kind = OutcomeNotFound
	case status == http.StatusBadRequest:
		kind = OutcomeBadRequest
	case status >= http.StatusInternalServerError:
		kind = OutcomeServerError
	default:
		kind = OutcomeClientError
	}
	body := httpErr.Message
	if body == "" {
		body = http.StatusText(status) + "."
	}
	outcome := errorOutcome(kind, status, body, err)
	outcome.Headers = headers
	return withErrorPage(ctx, app, req, outcome, config), true
}

func developmentErrorBody(err error) string {
	var body strings.Builder
	body.WriteString(serverErrorBody)
	body.WriteString("\n\n")
	for e := err; e != nil; e = errors.Unwrap(e) {
		body.WriteString(e.Error())
		body.WriteString("\n")
	}
	var panicked *panicError
	if errors.As(err, &panicked) {
		body.WriteString("\n")
		body.Write(panicked.stack)
	}
	return body.String()
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// cleanRequestPath validates path and collapses repeated and "." segments.
// A trailing slash is kept: /a and /a/ are different paths.
func cleanRequestPath(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%w: %q doesn't start with /", ErrInvalidRequestPath, path)
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidRequestPath, path)
	}
	parts := strings.Split(path[1:], "/")
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q contains ..", ErrInvalidRequestPath, path)
		}
		cleaned = append(cleaned, part)
	}
	result := "/" + strings.Join(cleaned, "/")
	if len(cleaned) > 0 && strings.HasSuffix(path, "/") {
		result += "/"
	}
	return result, nil
}

// trailingSlashAlternative returns pageURI with its trailing slash removed,
// or added if it has none.
func trailingSlashAlternative(pageURI string) (string, bool) {
	if pageURI == "/" {
		return "", false
	}
	if trimmed, ok := strings.CutSuffix(pageURI, "/"); ok {
		return trimmed, true
	}
	return pageURI + "/", true
}

// uriPrefix is what request paths and public URIs of the App start with: its
// context path, or nothing for an App served from the root.
func (a *App) uriPrefix() string {
	if a.contextPath == "/" {
		return ""
	}
	return a.contextPath
}

// pageURI strips the App's context path from requestPath.
func (a *App) pageURI(requestPath string) (string, bool) {
	if a.contextPath == "/" {
		return requestPath, true
	}
	rest, ok := strings.CutPrefix(requestPath, a.contextPath)
	if !ok || !strings.HasPrefix(rest, "/") {
		return "", false
	}
	return rest, true
}
