// Package artifact builds strata Apps from directories of templates.
//
// Every directory at the root of a Loader's fs.FS is an app, served under a
// context path of "/" followed by the directory's name. An app directory
// looks like this:
//
//	shop/
//		app.yaml
//		components/
//			root/
//				component.yaml
//				pages/
//					index.html
//					items/[id].html
//					items/[id].go
//				layouts/
//					main.html
//				fragments/
//					cart/cart.html
//				public/
//					css/shop.css
//			org.example.theme/
//				...
//
// Each directory under components is a component named after the directory.
// Pages are served at their path within pages, without the .html extension:
// index.html is served for the path of its directory, and an element written
// as [name] or [+name] becomes a {name} or {+name} wildcard. A .go file next
// to a template is compiled into the template's Executable.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"path"
	"strings"

	"impractical.co/strata"
)

const (
	componentsDir = "components"
	pagesDir      = "pages"
	layoutsDir    = "layouts"
	fragmentsDir  = "fragments"
	publicDir     = "public"

	templateExt   = ".html"
	executableExt = ".go"
)

// ErrInvalidAppName is returned when a context path can't be served by a
// Loader, because it isn't a single path segment.
var ErrInvalidAppName = errors.New("invalid app name")

// Loader builds Apps from an fs.FS. It implements strata.Deployer.
type Loader struct {
	fsys     fs.FS
	funcs    template.FuncMap
	compiler ExecutableCompiler
}

var _ strata.Deployer = &Loader{}

// Option customizes a Loader.
type Option func(*Loader)

// WithFuncs makes extra functions available to every template the Loader
// parses.
func WithFuncs(funcs template.FuncMap) Option {
	return func(l *Loader) {
		l.funcs = funcs
	}
}

// WithExecutableCompiler replaces the Interpreter the Loader compiles .go
// files with.
func WithExecutableCompiler(compiler ExecutableCompiler) Option {
	return func(l *Loader) {
		l.compiler = compiler
	}
}

// NewLoader returns a Loader reading apps from fsys.
func NewLoader(fsys fs.FS, opts ...Option) *Loader {
	l := &Loader{
		fsys:     fsys,
		compiler: NewInterpreter(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppName returns the name of the app directory serving contextPath.
func AppName(contextPath string) (string, error) {
	name := strings.TrimPrefix(contextPath, "/")
	if !validName(name) {
		return "", fmt.Errorf("%w: context path %q: %w", ErrInvalidAppName, contextPath, strata.ErrAppNotFound)
	}
	return name, nil
}

// Deploy builds the App served at contextPath.
func (l *Loader) Deploy(ctx context.Context, contextPath string) (*strata.App, error) {
	name, err := AppName(contextPath)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, name)
}

// Apps returns the names of the app directories in the Loader's fs.FS.
func (l *Loader) Apps() ([]string, error) {
	entries, err := fs.ReadDir(l.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("listing apps: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := fs.Stat(l.fsys, path.Join(entry.Name(), componentsDir)); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// Load builds the App in the named app directory.
func (l *Loader) Load(ctx context.Context, name string) (*strata.App, error) {
	appDir := name
	if _, err := fs.Stat(l.fsys, path.Join(appDir, componentsDir)); err != nil {
		return nil, fmt.Errorf("app %q: %w", name, strata.ErrAppNotFound)
	}
	var config appConfig
	if err := readYAML(l.fsys, path.Join(appDir, appConfigFile), &config); err != nil {
		return nil, fmt.Errorf("app %q: %w", name, err)
	}
	entries, err := fs.ReadDir(l.fsys, path.Join(appDir, componentsDir))
	if err != nil {
		return nil, fmt.Errorf("app %q: listing components: %w", name, err)
	}
	spec := strata.AppSpec{
		Name:          name,
		ContextPath:   "/" + name,
		Configuration: config.Config,
		ErrorPages:    config.ErrorPages,
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		comp, err := l.loadComponent(ctx, path.Join(appDir, componentsDir, entry.Name()), entry.Name())
		if err != nil {
			return nil, fmt.Errorf("app %q: %w", name, err)
		}
		spec.Components = append(spec.Components, comp)
	}
	strata.Logger(ctx).DebugContext(ctx, "loaded app from artifact", "app", name, "components", len(spec.Components))
	return strata.NewApp(ctx, spec)
}

// PublicFS returns the public files of the named component of the named app.
func (l *Loader) PublicFS(app, component string) (fs.FS, error) {
	if !validName(app) || !validName(component) {
		return nil, fmt.Errorf("%w: app %q, component %q", fs.ErrInvalid, app, component)
	}
	return fs.Sub(l.fsys, path.Join(app, componentsDir, component, publicDir))
}

// validName reports whether name is a single path element.
func validName(name string) bool {
	return name != "." && fs.ValidPath(name) && !strings.Contains(name, "/")
}

func (l *Loader) loadComponent(ctx context.Context, dir, name string) (strata.ComponentSpec, error) {
	var config componentConfig
	if err := readYAML(l.fsys, path.Join(dir, componentConfigFile), &config); err != nil {
		return strata.ComponentSpec{}, fmt.Errorf("component %q: %w", name, err)
	}
	spec := strata.ComponentSpec{
		Name:          name,
		Version:       config.Version,
		ContextPath:   config.Context,
		Dependencies:  config.Dependencies,
		Bindings:      config.Bindings,
		Configuration: config.Config,
	}
	pages, err := l.loadPages(ctx, path.Join(dir, pagesDir))
	if err != nil {
		return strata.ComponentSpec{}, fmt.Errorf("component %q: %w", name, err)
	}
	spec.Pages = pages
	layouts, err := l.loadLayouts(path.Join(dir, layoutsDir))
	if err != nil {
		return strata.ComponentSpec{}, fmt.Errorf("component %q: %w", name, err)
	}
	spec.Layouts = layouts
	fragments, err := l.loadFragments(path.Join(dir, fragmentsDir))
	if err != nil {
		return strata.ComponentSpec{}, fmt.Errorf("component %q: %w", name, err)
	}
	spec.Fragments = fragments
	return spec, nil
}

func (l *Loader) loadPages(ctx context.Context, dir string) ([]strata.PageSpec, error) {
	if !l.exists(dir) {
		return nil, nil
	}
	var pages []strata.PageSpec
	err := fs.WalkDir(l.fsys, dir, func(file string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || path.Ext(file) != templateExt {
			return nil
		}
		pattern := PagePattern(strings.TrimPrefix(file, dir+"/"))
		renderable, err := l.renderable(file)
		if err != nil {
			return err
		}
		strata.Logger(ctx).DebugContext(ctx, "found page", "file", file, "pattern", pattern)
		pages = append(pages, strata.PageSpec{Pattern: pattern, Renderable: renderable})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading pages: %w", err)
	}
	return pages, nil
}

func (l *Loader) loadLayouts(dir string) ([]strata.NamedRenderable, error) {
	if !l.exists(dir) {
		return nil, nil
	}
	entries, err := fs.ReadDir(l.fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("listing layouts: %w", err)
	}
	var layouts []strata.NamedRenderable
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != templateExt {
			continue
		}
		renderable, err := l.renderable(path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		layouts = append(layouts, strata.NamedRenderable{
			Name:       strings.TrimSuffix(entry.Name(), templateExt),
			Renderable: renderable,
		})
	}
	return layouts, nil
}

// loadFragments loads every fragments/<name>/<name>.html.
func (l *Loader) loadFragments(dir string) ([]strata.NamedRenderable, error) {
	if !l.exists(dir) {
		return nil, nil
	}
	entries, err := fs.ReadDir(l.fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("listing fragments: %w", err)
	}
	var fragments []strata.NamedRenderable
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		file := path.Join(dir, entry.Name(), entry.Name()+templateExt)
		if !l.exists(file) {
			return nil, fmt.Errorf("fragment %q has no %s", entry.Name(), entry.Name()+templateExt)
		}
		renderable, err := l.renderable(file)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, strata.NamedRenderable{
			Name:       entry.Name(),
			Renderable: renderable,
		})
	}
	return fragments, nil
}

// renderable parses the template at file, compiling the executable next to
// it if there is one.
func (l *Loader) renderable(file string) (*strata.Renderable, error) {
	source, err := fs.ReadFile(l.fsys, file)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}
	var exec strata.Executable
	execFile := strings.TrimSuffix(file, templateExt) + executableExt
	if l.exists(execFile) {
		execSource, err := fs.ReadFile(l.fsys, execFile)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", execFile, err)
		}
		exec, err = l.compiler.Compile(execFile, execSource)
		if err != nil {
			return nil, fmt.Errorf("compiling %s: %w", execFile, err)
		}
	}
	var opts []strata.RenderableOption
	if l.funcs != nil {
		opts = append(opts, strata.WithFuncs(l.funcs))
	}
	return strata.NewRenderable(file, string(source), exec, opts...)
}

func (l *Loader) exists(file string) bool {
	_, err := fs.Stat(l.fsys, file)
	return err == nil
}

// PagePattern returns the URI pattern a page template is served for, given
// its path relative to the pages directory.
func PagePattern(file string) string {
	file = strings.TrimSuffix(file, templateExt)
	parts := strings.Split(file, "/")
	for pos, part := range parts {
		if strings.HasPrefix(part, "[") && strings.HasSuffix(part, "]") {
			parts[pos] = "{" + part[1:len(part)-1] + "}"
		}
	}
	if parts[len(parts)-1] == "index" {
		parts[len(parts)-1] = ""
	}
	return "/" + strings.Join(parts, "/")
}
