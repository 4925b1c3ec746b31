package strata

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"maps"
	"slices"
	"strings"
	"text/template/parse"
)

// zoneBlockPrefix marks a template definition as filling a zone:
//
//	{{ define "zone:content" }}Hello{{ end }}
//
// fills the "content" zone with "Hello" when the template is rendered.
const zoneBlockPrefix = "zone:"

// Executable runs before a Renderable's template, producing values to add to
// the template's model. Execute must return a map[string]any or nil.
//
// Executables are shared by every request rendering their Renderable and
// must be safe for concurrent use. The RequestContext of the render is
// available through RequestContextFrom.
type Executable interface {
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// ExecutableFunc is an Executable implemented as a function.
type ExecutableFunc func(ctx context.Context, input map[string]any) (any, error)

// Execute calls f.
func (f ExecutableFunc) Execute(ctx context.Context, input map[string]any) (any, error) {
	return f(ctx, input)
}

// ResourceRef is a CSS or JavaScript reference found in a template while
// discovering its declarations.
type ResourceRef struct {
	// Placeholder is the placeholder the resource is written to:
	// PlaceholderCSS, PlaceholderHeadJS, or PlaceholderFootJS.
	Placeholder string
	Path        string
}

// Declarations are the structural facts about a template that are known
// without rendering it: the layout it wants, the zones it defines and
// fills, and the resources it references.
type Declarations struct {
	Layout       string
	DefinedZones []string
	FilledZones  []string
	Resources    []ResourceRef
}

// Renderable is a parsed html/template plus an optional Executable. It is
// immutable after NewRenderable returns and safe for concurrent use.
type Renderable struct {
	path string
	// master is never executed, only cloned; html/template won't clone a
	// template that has been executed.
	master     *template.Template
	exec       Executable
	decl       Declarations
	zoneBlocks []string
}

// RenderableOption customizes a Renderable.
type RenderableOption func(*renderableConfig)

type renderableConfig struct {
	funcs template.FuncMap
}

// WithFuncs makes extra functions available to a Renderable's template. They
// can't replace the built in helpers.
func WithFuncs(funcs template.FuncMap) RenderableOption {
	return func(c *renderableConfig) {
		c.funcs = mergeFuncMaps(c.funcs, funcs)
	}
}

// NewRenderable parses source as an html/template and discovers its
// declarations. path identifies the template in errors and logs. exec may be
// nil.
//
// Parse errors and invalid declarations, such as a layout name that isn't a
// string literal, are returned as a *TemplateError.
func NewRenderable(path, source string, exec Executable, opts ...RenderableOption) (*Renderable, error) {
	var config renderableConfig
	for _, opt := range opts {
		opt(&config)
	}
	funcs := mergeFuncMaps(config.funcs, helperStubs())
	master, err := template.New(path).Funcs(funcs).Parse(source)
	if err != nil {
		return nil, &TemplateError{Path: path, Err: err}
	}
	decl, zoneBlocks, err := discover(master)
	if err != nil {
		return nil, &TemplateError{Path: path, Err: err}
	}
	return &Renderable{
		path:       path,
		master:     master,
		exec:       exec,
		decl:       decl,
		zoneBlocks: zoneBlocks,
	}, nil
}

// MustRenderable is like NewRenderable, but panics on error.
func MustRenderable(path, source string, exec Executable, opts ...RenderableOption) *Renderable {
	r, err := NewRenderable(path, source, exec, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Path returns the path the Renderable was created with.
func (r *Renderable) Path() string {
	return r.path
}

// Declarations returns what discovery found in the Renderable's template.
func (r *Renderable) Declarations() Declarations {
	return r.decl
}

func (r *Renderable) String() string {
	return r.path
}

// execute runs the Executable, merges its output into model, and renders the
// template with helpers bound to s. Zone blocks are rendered after the main
// template and put into their zones. The merged model is returned so a
// Layout can render with it.
func (r *Renderable) execute(ctx context.Context, s *scope, model map[string]any) (string, map[string]any, error) {
	model, err := r.runExecutable(ctx, s.pass.rc, model)
	if err != nil {
		return "", nil, err
	}
	s.ctx = ctx
	s.model = model
	tmpl, err := r.master.Clone()
	if err != nil {
		return "", nil, &TemplateError{Path: r.path, Err: err}
	}
	tmpl.Funcs(s.funcs())
	var out strings.Builder
	if err := tmpl.ExecuteTemplate(&out, r.path, model); err != nil {
		return "", nil, r.execError(err)
	}
	for _, block := range r.zoneBlocks {
		var zone strings.Builder
		if err := tmpl.ExecuteTemplate(&zone, block, model); err != nil {
			return "", nil, r.execError(err)
		}
		if err := s.pass.rc.PutToZone(strings.TrimPrefix(block, zoneBlockPrefix), zone.String()); err != nil {
			return "", nil, fmt.Errorf("rendering %q: %w", r.path, err)
		}
	}
	return out.String(), model, nil
}

func (r *Renderable) runExecutable(ctx context.Context, rc *RequestContext, model map[string]any) (map[string]any, error) {
	if r.exec == nil {
		return model, nil
	}
	output, err := r.exec.Execute(withRequestContext(ctx, rc), map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("running executable for %q: %w", r.path, err)
	}
	if output == nil {
		return model, nil
	}
	extra, ok := output.(map[string]any)
	if !ok {
		return nil, &InvalidModelError{Path: r.path, Value: output}
	}
	logger(ctx).DebugContext(ctx, "executable produced model values", "template", r.path, "keys", slices.Sorted(maps.Keys(extra)))
	merged := maps.Clone(model)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, extra)
	return merged, nil
}

// execError unwraps failures that came from our own helpers, so a missing
// fragment surfaces as a *NameNotFoundError rather than a template error.
func (r *Renderable) execError(err error) error {
	var helperErr *helperError
	if errors.As(err, &helperErr) {
		return fmt.Errorf("rendering %q: %w", r.path, helperErr.err)
	}
	return &TemplateError{Path: r.path, Err: err}
}

// discover walks the parse trees of every template defined by tmpl, calling
// recording versions of the helpers with the string literals they're passed.
// Nothing is executed and no model is needed.
func discover(tmpl *template.Template) (Declarations, []string, error) {
	rec := &recorder{}
	var zoneBlocks []string
	templates := tmpl.Templates()
	slices.SortFunc(templates, func(a, b *template.Template) int {
		return strings.Compare(a.Name(), b.Name())
	})
	for _, t := range templates {
		if zone, ok := strings.CutPrefix(t.Name(), zoneBlockPrefix); ok {
			if zone == "" {
				return Declarations{}, nil, fmt.Errorf("%w: zone block with no zone name", ErrInvalidHelperCall)
			}
			zoneBlocks = append(zoneBlocks, t.Name())
			rec.fillZone(zone)
		}
		if t.Tree == nil {
			continue
		}
		rec.tree = t.Tree
		walkNode(t.Tree.Root, rec.record)
		if rec.err != nil {
			return Declarations{}, nil, rec.err
		}
	}
	return rec.declarations(), zoneBlocks, nil
}

func walkNode(node parse.Node, visit func(*parse.CommandNode)) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, child := range n.Nodes {
			walkNode(child, visit)
		}
	case *parse.ActionNode:
		walkNode(n.Pipe, visit)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			walkNode(cmd, visit)
		}
	case *parse.CommandNode:
		visit(n)
		for _, arg := range n.Args {
			walkNode(arg, visit)
		}
	case *parse.IfNode:
		walkBranch(&n.BranchNode, visit)
	case *parse.RangeNode:
		walkBranch(&n.BranchNode, visit)
	case *parse.WithNode:
		walkBranch(&n.BranchNode, visit)
	case *parse.TemplateNode:
		walkNode(n.Pipe, visit)
	}
}

func walkBranch(n *parse.BranchNode, visit func(*parse.CommandNode)) {
	walkNode(n.Pipe, visit)
	walkNode(n.List, visit)
	walkNode(n.ElseList, visit)
}

// recorder is the discovery implementation of the helpers: instead of
// producing output, it records what each call declares.
type recorder struct {
	// tree is the parse tree being walked, for error locations.
	tree *parse.Tree

	layout    string
	defined   []string
	filled    []string
	resources []ResourceRef
	err       error
}

func (rec *recorder) record(cmd *parse.CommandNode) {
	if len(cmd.Args) < 1 {
		return
	}
	ident, ok := cmd.Args[0].(*parse.IdentifierNode)
	if !ok {
		return
	}
	literal, isLiteral := "", false
	if len(cmd.Args) > 1 {
		if str, ok := cmd.Args[1].(*parse.StringNode); ok {
			literal, isLiteral = str.Text, true
		}
	}
	switch ident.Ident {
	case helperLayout:
		if !isLiteral {
			location, _ := rec.tree.ErrorContext(cmd)
			rec.fail(fmt.Errorf("%w: %s needs a string literal layout name at %s", ErrInvalidHelperCall, helperLayout, location))
			return
		}
		rec.setLayout(literal)
	case helperDefineZone:
		if isLiteral {
			rec.defineZone(literal)
		}
	case helperFillZone:
		if isLiteral {
			rec.fillZone(literal)
		}
	case helperCSS:
		if isLiteral {
			rec.resource(PlaceholderCSS, literal)
		}
	case helperHeadJS:
		if isLiteral {
			rec.resource(PlaceholderHeadJS, literal)
		}
	case helperFootJS:
		if isLiteral {
			rec.resource(PlaceholderFootJS, literal)
		}
	}
}

func (rec *recorder) fail(err error) {
	if rec.err == nil {
		rec.err = err
	}
}

func (rec *recorder) setLayout(name string) {
	if rec.layout != "" && rec.layout != name {
		rec.fail(fmt.Errorf("%w: layout declared as both %q and %q", ErrInvalidHelperCall, rec.layout, name))
		return
	}
	rec.layout = name
}

func (rec *recorder) defineZone(name string) {
	if !slices.Contains(rec.defined, name) {
		rec.defined = append(rec.defined, name)
	}
}

func (rec *recorder) fillZone(name string) {
	if !slices.Contains(rec.filled, name) {
		rec.filled = append(rec.filled, name)
	}
}

func (rec *recorder) resource(placeholder, path string) {
	ref := ResourceRef{Placeholder: placeholder, Path: path}
	if !slices.Contains(rec.resources, ref) {
		rec.resources = append(rec.resources, ref)
	}
}

func (rec *recorder) declarations() Declarations {
	return Declarations{
		Layout:       rec.layout,
		DefinedZones: rec.defined,
		FilledZones:  rec.filled,
		Resources:    rec.resources,
	}
}

// mergeFuncMaps flattens two FuncMaps into one, with the values in `over`
// overriding the values in `in` if they have the same keys.
func mergeFuncMaps(in template.FuncMap, over template.FuncMap) template.FuncMap {
	res := template.FuncMap{}
	for k, v := range in {
		res[k] = v
	}
	for k, v := range over {
		res[k] = v
	}
	return res
}
