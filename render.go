package strata

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Keys of the model every template renders with.
const (
	// ModelKeyURI is the request path relative to the app context.
	ModelKeyURI = "uri"

	// ModelKeyAppContext is the app's context path.
	ModelKeyAppContext = "appContext"

	// ModelKeyConfig is the rendering Component's configuration.
	ModelKeyConfig = "config"

	// ModelKeyURIParams holds the values of the matched URIPattern's
	// wildcards.
	ModelKeyURIParams = "uriParams"

	// ModelKeyParams holds the parameters a Fragment was included with.
	ModelKeyParams = "params"

	// ModelKeyRequest is the Request being rendered.
	ModelKeyRequest = "request"
)

type requestContextKey struct{}

func withRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext of the render an Executable
// is running in, so it can set response headers or fill placeholders.
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

// render renders the Page, then its Layout if it has one. Rendering the Page
// fills zones as a side effect; the Layout consumes them.
func (p *Page) render(ctx context.Context, pass *renderPass) (string, error) {
	ctx, span := startSpan(ctx, "strata.Page",
		attribute.String("strata.page", p.pattern.String()),
		attribute.String("strata.component", p.component.name))
	defer span.End()

	model := make(map[string]any, len(pass.base)+1)
	for k, v := range pass.base {
		model[k] = v
	}
	model[ModelKeyConfig] = p.component.lookup.configuration

	out, model, err := p.renderBody(ctx, pass, model)
	if err != nil {
		return "", endSpan(span, err)
	}
	if p.layout == nil {
		return out, endSpan(span, nil)
	}
	logger(ctx).DebugContext(ctx, "rendering layout", "page", p.pattern.String(), "layout", p.layout.name)
	out, err = p.layout.render(ctx, pass, model)
	return out, endSpan(span, err)
}

func (p *Page) renderBody(ctx context.Context, pass *renderPass, model map[string]any) (string, map[string]any, error) {
	defer pass.rc.PushPublicURI(pass.rc.AppContext() + p.component.PublicURIInfix())()
	return p.renderable.execute(ctx, &scope{pass: pass, lookup: p.component.lookup}, model)
}

func (l *Layout) render(ctx context.Context, pass *renderPass, model map[string]any) (string, error) {
	ctx, span := startSpan(ctx, "strata.Layout", attribute.String("strata.layout", l.name))
	defer span.End()
	defer pass.rc.PushPublicURI(pass.rc.AppContext() + l.component.PublicURIInfix())()

	model[ModelKeyConfig] = l.component.lookup.configuration
	out, _, err := l.renderable.execute(ctx, &scope{pass: pass, lookup: l.component.lookup}, model)
	return out, endSpan(span, err)
}

func (f *Fragment) render(ctx context.Context, pass *renderPass, params map[string]any) (string, error) {
	if pass.depth >= maxIncludeDepth {
		return "", fmt.Errorf("fragment %q: %w (%d)", f.name, ErrIncludeDepth, maxIncludeDepth)
	}
	pass.depth++
	defer func() { pass.depth-- }()

	ctx, span := startSpan(ctx, "strata.Fragment", attribute.String("strata.fragment", f.name))
	defer span.End()
	defer pass.rc.PushPublicURI(pass.rc.AppContext() + f.component.PublicURIInfix())()

	out, _, err := f.renderable.execute(ctx, &scope{pass: pass, lookup: f.component.lookup}, pass.modelFor(f.component, params))
	return out, endSpan(span, err)
}
