package strata

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"sync"
)

// The helpers every template can call.
const (
	helperLayout          = "layout"
	helperDefineZone      = "defineZone"
	helperFillZone        = "fillZone"
	helperInclude         = "include"
	helperPlaceholder     = "placeholder"
	helperFillPlaceholder = "fillPlaceholder"
	helperCSS             = "css"
	helperHeadJS          = "headJs"
	helperFootJS          = "footJs"
	helperTitle           = "title"
	helperPublic          = "public"
	helperSetHeader       = "setHeader"
	helperConfig          = "config"
)

// maxIncludeDepth bounds how deeply fragments can include other fragments.
const maxIncludeDepth = 64

var (
	stubsOnce sync.Once
	stubs     template.FuncMap

	errHelperOutsideRender = errors.New("template helper called outside of a render")
)

// helperStubs returns the FuncMap templates are parsed with. html/template
// needs every function a template calls to exist at parse time; the real,
// per-render implementations replace these on a clone before execution.
func helperStubs() template.FuncMap {
	stubsOnce.Do(func() {
		stub := func(...any) (string, error) {
			return "", errHelperOutsideRender
		}
		stubs = template.FuncMap{}
		for _, name := range []string{
			helperLayout, helperDefineZone, helperFillZone, helperInclude,
			helperPlaceholder, helperFillPlaceholder, helperCSS, helperHeadJS,
			helperFootJS, helperTitle, helperPublic, helperSetHeader, helperConfig,
		} {
			stubs[name] = stub
		}
	})
	return stubs
}

// helperError wraps errors returned by our helpers, so they can be told
// apart from template execution errors after text/template wraps them.
type helperError struct {
	err error
}

func (e *helperError) Error() string {
	return e.err.Error()
}

func (e *helperError) Unwrap() error {
	return e.err
}

func helperFailed(err error) error {
	if err == nil {
		return nil
	}
	var already *helperError
	if errors.As(err, &already) {
		return already
	}
	return &helperError{err: err}
}

// renderPass is the engine's state for rendering one Page: the
// RequestContext plus bookkeeping that doesn't belong on it.
type renderPass struct {
	ctx     context.Context
	rc      *RequestContext
	app     *App
	serving *Component
	base    map[string]any

	// resources tracks the resource tags already written to each
	// placeholder, so each is only written once.
	resources map[string]map[string]struct{}
	depth     int
}

func newRenderPass(ctx context.Context, app *App, page *Page, rc *RequestContext, base map[string]any) *renderPass {
	return &renderPass{
		ctx:       ctx,
		rc:        rc,
		app:       app,
		serving:   page.component,
		base:      base,
		resources: map[string]map[string]struct{}{},
	}
}

// modelFor builds the model a Fragment renders with: the request-wide values,
// the Fragment's Component's configuration, and the parameters it was
// included with.
func (p *renderPass) modelFor(comp *Component, params map[string]any) map[string]any {
	model := make(map[string]any, len(p.base)+2)
	for k, v := range p.base {
		model[k] = v
	}
	model[ModelKeyConfig] = comp.lookup.configuration
	if params == nil {
		params = map[string]any{}
	}
	model[ModelKeyParams] = params
	return model
}

func (p *renderPass) addResource(placeholder, tag string) {
	seen, ok := p.resources[placeholder]
	if !ok {
		seen = map[string]struct{}{}
		p.resources[placeholder] = seen
	}
	if _, ok := seen[tag]; ok {
		return
	}
	seen[tag] = struct{}{}
	p.rc.AddToPlaceholder(placeholder, tag)
}

// scope binds the helpers to the Renderable being evaluated: names resolve
// from its Component.
type scope struct {
	ctx    context.Context
	pass   *renderPass
	lookup *Lookup
	model  map[string]any
}

func (s *scope) funcs() template.FuncMap {
	return template.FuncMap{
		helperLayout:          s.layout,
		helperDefineZone:      s.defineZone,
		helperFillZone:        s.fillZone,
		helperInclude:         s.include,
		helperPlaceholder:     s.placeholder,
		helperFillPlaceholder: s.fillPlaceholder,
		helperCSS:             s.css,
		helperHeadJS:          s.headJS,
		helperFootJS:          s.footJS,
		helperTitle:           s.title,
		helperPublic:          s.public,
		helperSetHeader:       s.setHeader,
		helperConfig:          s.config,
	}
}

// layout was already acted on during discovery.
func (*scope) layout(string) string {
	return ""
}

func (s *scope) defineZone(name string) (template.HTML, error) {
	if content, ok := s.pass.rc.ZoneContent(name); ok {
		return template.HTML(content), nil // #nosec G203 -- rendered by html/template
	}
	var out strings.Builder
	for _, frag := range s.pass.serving.lookup.Bindings(name) {
		rendered, err := frag.render(s.ctx, s.pass, nil)
		if err != nil {
			return "", helperFailed(err)
		}
		out.WriteString(rendered)
	}
	return template.HTML(out.String()), nil // #nosec G203 -- rendered by html/template
}

func (s *scope) fillZone(name string, content any) (string, error) {
	if name == "" {
		return "", helperFailed(fmt.Errorf("%w: %s needs a zone name", ErrInvalidHelperCall, helperFillZone))
	}
	return "", helperFailed(s.pass.rc.PutToZone(name, toHTML(content)))
}

func (s *scope) include(name string, args ...any) (template.HTML, error) {
	frag, err := s.lookup.ResolveFragment(name)
	if err != nil {
		return "", helperFailed(err)
	}
	params, err := includeParams(args)
	if err != nil {
		return "", helperFailed(err)
	}
	out, err := frag.render(s.ctx, s.pass, params)
	if err != nil {
		return "", helperFailed(err)
	}
	return template.HTML(out), nil // #nosec G203 -- rendered by html/template
}

// includeParams accepts either a single map or alternating keys and values.
func includeParams(args []any) (map[string]any, error) {
	if len(args) == 1 {
		if params, ok := args[0].(map[string]any); ok {
			return params, nil
		}
	}
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("%w: %s needs a map or key/value pairs, got %d arguments", ErrInvalidHelperCall, helperInclude, len(args))
	}
	params := make(map[string]any, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s parameter names must be strings, got %T", ErrInvalidHelperCall, helperInclude, args[i])
		}
		params[key] = args[i+1]
	}
	return params, nil
}

func (s *scope) placeholder(name string) (template.HTML, error) {
	if err := validPlaceholderName(name); err != nil {
		return "", helperFailed(err)
	}
	return template.HTML(placeholderMarker(s.pass.rc, name)), nil // #nosec G203 -- marker is alphanumeric
}

func (s *scope) fillPlaceholder(name string, content any) (string, error) {
	if err := validPlaceholderName(name); err != nil {
		return "", helperFailed(err)
	}
	s.pass.rc.AddToPlaceholder(name, toHTML(content))
	return "", nil
}

func (s *scope) css(path string) (string, error) {
	if path == "" {
		return "", helperFailed(fmt.Errorf("%w: %s needs a path", ErrInvalidHelperCall, helperCSS))
	}
	s.pass.addResource(PlaceholderCSS, cssTag(s.resourceURI(path)))
	return "", nil
}

func (s *scope) headJS(path string, flags ...string) (string, error) {
	tag, err := jsTag(helperHeadJS, s.resourceURI(path), flags)
	if err != nil {
		return "", helperFailed(err)
	}
	s.pass.addResource(PlaceholderHeadJS, tag)
	return "", nil
}

func (s *scope) footJS(path string, flags ...string) (string, error) {
	tag, err := jsTag(helperFootJS, s.resourceURI(path), flags)
	if err != nil {
		return "", helperFailed(err)
	}
	s.pass.addResource(PlaceholderFootJS, tag)
	return "", nil
}

func (s *scope) title(parts ...any) (string, error) {
	if current, ok := s.pass.rc.PlaceholderContent(PlaceholderTitle); ok {
		return "", helperFailed(fmt.Errorf("%w: already %q", ErrTitleAlreadySet, current))
	}
	var title strings.Builder
	for _, part := range parts {
		fmt.Fprint(&title, part)
	}
	s.pass.rc.AddToPlaceholder(PlaceholderTitle, template.HTMLEscapeString(title.String()))
	return "", nil
}

func (s *scope) public(path string) string {
	return s.resourceURI(path)
}

func (s *scope) setHeader(name, value string) string {
	s.pass.rc.SetResponseHeader(name, value)
	return ""
}

func (s *scope) config(key string) string {
	return s.lookup.configuration[key]
}

// resourceURI resolves path against the innermost public URI. Absolute URLs
// are returned unchanged.
func (s *scope) resourceURI(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "//") {
		return path
	}
	return s.pass.rc.PublicURI() + "/" + strings.TrimPrefix(path, "/")
}

// toHTML turns a helper argument into HTML. Values html/template already
// trusts are kept as they are; everything else is escaped.
func toHTML(content any) string {
	switch c := content.(type) {
	case template.HTML:
		return string(c)
	case nil:
		return ""
	case string:
		return template.HTMLEscapeString(c)
	default:
		return template.HTMLEscapeString(fmt.Sprint(c))
	}
}
