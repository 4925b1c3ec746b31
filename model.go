package strata

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// RootComponentName is the name of an App's own component, as opposed to
// the library components it depends on.
const RootComponentName = "root"

// AppSpec describes an App to build with NewApp. It's usually produced by
// the artifact package from a directory on disk.
type AppSpec struct {
	// Name identifies the App in logs and metrics.
	Name string

	// ContextPath is the path prefix the App is served under. It must
	// start with a /.
	ContextPath string

	Components []ComponentSpec

	// Configuration is available to every Component, under their own
	// configuration.
	Configuration map[string]string

	// ErrorPages maps HTTP status codes to the path, relative to the
	// ContextPath, of a Page that should be rendered instead of the
	// default error body for that status.
	ErrorPages map[int]string
}

// ComponentSpec describes one Component of an App.
type ComponentSpec struct {
	// Name is the Component's fully qualified name, like
	// "org.example.theme". Qualified references to its fragments and
	// layouts use it as a prefix.
	Name    string
	Version string

	// ContextPath is where the Component's public resources are served
	// from, relative to /public. It defaults to "/" followed by the last
	// dotted segment of the Name.
	ContextPath string

	// Dependencies lists the names of the Components this Component
	// depends on. A Component's pages are always matched before those of
	// the Components it depends on.
	Dependencies []string

	Pages     []PageSpec
	Layouts   []NamedRenderable
	Fragments []NamedRenderable

	// Bindings statically wires fragments into zones. Keys are zone
	// names, values are fragment names, resolved from this Component.
	Bindings map[string][]string

	Configuration map[string]string
}

// PageSpec pairs a URI pattern with the Renderable serving it.
type PageSpec struct {
	Pattern    string
	Renderable *Renderable
}

// NamedRenderable is a Renderable with the local name of the layout or
// fragment it implements.
type NamedRenderable struct {
	Name       string
	Renderable *Renderable
}

// App is a deployed application: a set of Components served under a context
// path. An App never changes after NewApp returns; deploying a new version
// means building a new App and publishing it to a Registry.
type App struct {
	name          string
	contextPath   string
	components    []*Component
	byName        map[string]*Component
	configuration map[string]string
	errorPages    map[int]string
}

// Component is a unit of pages, layouts, and fragments within an App.
type Component struct {
	name         string
	version      string
	contextPath  string
	dependencies []string
	pages        []*Page
	lookup       *Lookup
}

// Page is a Renderable served for requests matching a URIPattern, optionally
// wrapped in a Layout.
type Page struct {
	pattern    URIPattern
	renderable *Renderable
	layout     *Layout
	component  *Component
}

// Fragment is a named Renderable that templates include by name.
type Fragment struct {
	name       string
	simpleName string
	renderable *Renderable
	component  *Component
}

// Layout is a named Renderable that wraps the output of a Page, pulling in
// the zones the Page filled.
type Layout struct {
	name       string
	simpleName string
	renderable *Renderable
	component  *Component
}

// NewApp builds an App from spec. Every Page's layout, every binding, and
// every component dependency is resolved here, so an App that builds can't
// fail on a missing layout at request time.
func NewApp(ctx context.Context, spec AppSpec) (*App, error) {
	if !strings.HasPrefix(spec.ContextPath, "/") {
		return nil, fmt.Errorf("app %q: context path %q must start with a /", spec.Name, spec.ContextPath)
	}
	contextPath := spec.ContextPath
	if contextPath != "/" {
		contextPath = strings.TrimSuffix(contextPath, "/")
	}
	app := &App{
		name:          spec.Name,
		contextPath:   contextPath,
		byName:        map[string]*Component{},
		configuration: cloneOrEmpty(spec.Configuration),
		errorPages:    maps.Clone(spec.ErrorPages),
	}
	fragments := map[string]*Fragment{}
	layouts := map[string]*Layout{}
	contexts := map[string]string{}
	for _, compSpec := range spec.Components {
		if compSpec.Name == "" {
			return nil, fmt.Errorf("app %q: component with no name", spec.Name)
		}
		if _, ok := app.byName[compSpec.Name]; ok {
			return nil, fmt.Errorf("app %q: component %q: %w", spec.Name, compSpec.Name, ErrDuplicateName)
		}
		comp := &Component{
			name:         compSpec.Name,
			version:      compSpec.Version,
			contextPath:  componentContextPath(compSpec),
			dependencies: slices.Clone(compSpec.Dependencies),
		}
		if other, ok := contexts[comp.contextPath]; ok {
			return nil, fmt.Errorf("app %q: components %q and %q both use context path %q: %w", spec.Name, other, comp.name, comp.contextPath, ErrDuplicateName)
		}
		contexts[comp.contextPath] = comp.name
		for _, named := range compSpec.Fragments {
			key := qualify(comp.name, named.Name)
			if named.Renderable == nil {
				return nil, fmt.Errorf("app %q: fragment %q has no renderable", spec.Name, key)
			}
			if _, ok := fragments[key]; ok {
				return nil, fmt.Errorf("app %q: fragment %q: %w", spec.Name, key, ErrDuplicateName)
			}
			fragments[key] = &Fragment{name: key, simpleName: named.Name, renderable: named.Renderable, component: comp}
		}
		for _, named := range compSpec.Layouts {
			key := qualify(comp.name, named.Name)
			if named.Renderable == nil {
				return nil, fmt.Errorf("app %q: layout %q has no renderable", spec.Name, key)
			}
			if _, ok := layouts[key]; ok {
				return nil, fmt.Errorf("app %q: layout %q: %w", spec.Name, key, ErrDuplicateName)
			}
			layouts[key] = &Layout{name: key, simpleName: named.Name, renderable: named.Renderable, component: comp}
		}
		app.byName[comp.name] = comp
		app.components = append(app.components, comp)
	}
	for pos, compSpec := range spec.Components {
		comp := app.components[pos]
		lookup := &Lookup{
			component:     comp,
			components:    app.byName,
			fragments:     fragments,
			layouts:       layouts,
			bindings:      map[string][]*Fragment{},
			configuration: cloneOrEmpty(app.configuration),
		}
		maps.Copy(lookup.configuration, compSpec.Configuration)
		comp.lookup = lookup
		for _, dep := range comp.dependencies {
			if _, ok := app.byName[dep]; !ok {
				return nil, fmt.Errorf("app %q: %w", spec.Name, &NameNotFoundError{Kind: "component", Name: dep, Component: comp.name})
			}
		}
		for zone, names := range compSpec.Bindings {
			for _, name := range names {
				frag, err := lookup.ResolveFragment(name)
				if err != nil {
					return nil, fmt.Errorf("app %q: binding for zone %q: %w", spec.Name, zone, err)
				}
				lookup.bindings[zone] = append(lookup.bindings[zone], frag)
			}
		}
	}
	for pos, compSpec := range spec.Components {
		comp := app.components[pos]
		pages, err := buildPages(ctx, comp, compSpec.Pages)
		if err != nil {
			return nil, fmt.Errorf("app %q: component %q: %w", spec.Name, comp.name, err)
		}
		comp.pages = pages
	}
	ordered, err := orderComponents(app.components)
	if err != nil {
		return nil, fmt.Errorf("app %q: %w", spec.Name, err)
	}
	app.components = ordered
	return app, nil
}

func buildPages(ctx context.Context, comp *Component, specs []PageSpec) ([]*Page, error) {
	pages := make([]*Page, 0, len(specs))
	seen := map[string]struct{}{}
	for _, spec := range specs {
		pattern, err := NewURIPattern(spec.Pattern)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[pattern.String()]; ok {
			return nil, fmt.Errorf("page %q: %w", pattern, ErrDuplicateName)
		}
		seen[pattern.String()] = struct{}{}
		if spec.Renderable == nil {
			return nil, fmt.Errorf("page %q has no renderable", pattern)
		}
		page := &Page{
			pattern:    pattern,
			renderable: spec.Renderable,
			component:  comp,
		}
		decl := spec.Renderable.Declarations()
		if decl.Layout != "" {
			page.layout, err = comp.lookup.ResolveLayout(decl.Layout)
			if err != nil {
				return nil, fmt.Errorf("page %q: %w", pattern, err)
			}
			defined := page.layout.renderable.Declarations().DefinedZones
			for _, zone := range decl.FilledZones {
				if !slices.Contains(defined, zone) {
					logger(ctx).WarnContext(ctx, "page fills a zone its layout doesn't define; the content will be dropped",
						"component", comp.name,
						"page", pattern.String(),
						"layout", page.layout.name,
						"zone", zone)
				}
			}
		}
		pages = append(pages, page)
	}
	slices.SortFunc(pages, func(a, b *Page) int {
		return a.Compare(b)
	})
	return pages, nil
}

// orderComponents orders components so that each one comes before the
// components it depends on, with the root component first among equals and
// the rest by name.
func orderComponents(components []*Component) ([]*Component, error) {
	g := newGraph(components)
	positions := make(map[string]int, len(components))
	for pos, comp := range components {
		positions[comp.name] = pos
	}
	for pos, comp := range components {
		for _, dep := range comp.dependencies {
			// the dependency is walked after the component depending
			// on it
			g.addEdge(positions[dep], pos)
		}
	}
	return walkGraph(g, func(a, b *Component) int {
		if a.name == b.name {
			return 0
		}
		if a.name == RootComponentName {
			return -1
		}
		if b.name == RootComponentName {
			return 1
		}
		return strings.Compare(a.name, b.name)
	}, func(c *Component) string {
		return c.name
	})
}

func componentContextPath(spec ComponentSpec) string {
	if spec.ContextPath != "" {
		return "/" + strings.Trim(spec.ContextPath, "/")
	}
	_, last := SplitName(spec.Name)
	return "/" + last
}

func cloneOrEmpty(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return maps.Clone(in)
}

// Name returns the App's name.
func (a *App) Name() string {
	return a.name
}

// ContextPath returns the path prefix the App is served under.
func (a *App) ContextPath() string {
	return a.contextPath
}

// Components returns the App's Components in the order their pages are
// matched in.
func (a *App) Components() []*Component {
	return slices.Clone(a.components)
}

// Component returns the named Component.
func (a *App) Component(name string) (*Component, bool) {
	comp, ok := a.byName[name]
	return comp, ok
}

// Configuration returns the App's configuration. The returned map must not
// be modified.
func (a *App) Configuration() map[string]string {
	return a.configuration
}

// ErrorPage returns the path of the Page configured to render for status.
func (a *App) ErrorPage(status int) (string, bool) {
	path, ok := a.errorPages[status]
	return path, ok
}

// ResolvePage returns the first Page, in matching order, whose pattern
// matches pageURI, along with the values of the pattern's wildcards.
// pageURI is relative to the App's context path.
func (a *App) ResolvePage(pageURI string) (*Page, map[string]string, bool) {
	for _, comp := range a.components {
		page, params, ok := comp.ResolvePage(pageURI)
		if ok {
			return page, params, true
		}
	}
	return nil, nil, false
}

// HasPage reports whether any Page matches pageURI.
func (a *App) HasPage(pageURI string) bool {
	_, _, ok := a.ResolvePage(pageURI)
	return ok
}

// Pages returns every Page of the App, in matching order.
func (a *App) Pages() []*Page {
	var results []*Page
	for _, comp := range a.components {
		results = append(results, comp.pages...)
	}
	return results
}

// Fragments returns every Fragment of the App, ordered by name.
func (a *App) Fragments() []*Fragment {
	var results []*Fragment
	for _, comp := range a.components {
		results = append(results, comp.Fragments()...)
	}
	slices.SortFunc(results, func(x, y *Fragment) int {
		return strings.Compare(x.name, y.name)
	})
	return results
}

// Name returns the Component's fully qualified name.
func (c *Component) Name() string {
	return c.name
}

// Version returns the Component's version.
func (c *Component) Version() string {
	return c.version
}

// ContextPath returns the path the Component's public resources are served
// under, relative to the App's /public path.
func (c *Component) ContextPath() string {
	return c.contextPath
}

// PublicURIInfix returns the path, relative to the App's context path, that
// the Component's public resources are served under.
func (c *Component) PublicURIInfix() string {
	return "/public" + c.contextPath
}

// Dependencies returns the names of the Components this one depends on.
func (c *Component) Dependencies() []string {
	return slices.Clone(c.dependencies)
}

// Lookup returns the Component's Lookup.
func (c *Component) Lookup() *Lookup {
	return c.lookup
}

// Pages returns the Component's pages in matching order.
func (c *Component) Pages() []*Page {
	return slices.Clone(c.pages)
}

// Fragments returns the Fragments the Component owns.
func (c *Component) Fragments() []*Fragment {
	var results []*Fragment
	for _, frag := range c.lookup.fragments {
		if frag.component == c {
			results = append(results, frag)
		}
	}
	slices.SortFunc(results, func(x, y *Fragment) int {
		return strings.Compare(x.name, y.name)
	})
	return results
}

// ResolvePage returns the first of the Component's pages whose pattern
// matches pageURI.
func (c *Component) ResolvePage(pageURI string) (*Page, map[string]string, bool) {
	for _, page := range c.pages {
		if params, ok := page.pattern.Match(pageURI); ok {
			return page, params, true
		}
	}
	return nil, nil, false
}

// Pattern returns the URIPattern the Page is served for.
func (p *Page) Pattern() URIPattern {
	return p.pattern
}

// Component returns the Component the Page belongs to.
func (p *Page) Component() *Component {
	return p.component
}

// Layout returns the Page's Layout, if it declared one.
func (p *Page) Layout() (*Layout, bool) {
	return p.layout, p.layout != nil
}

// DeclaredZones returns the zones the Page fills.
func (p *Page) DeclaredZones() []string {
	return slices.Clone(p.renderable.Declarations().FilledZones)
}

// Compare orders Pages by their URIPatterns.
func (p *Page) Compare(other *Page) int {
	return p.pattern.Compare(other.pattern)
}

func (p *Page) String() string {
	if p.layout != nil {
		return fmt.Sprintf("%s (%s, layout %s)", p.pattern, p.renderable.path, p.layout.name)
	}
	return fmt.Sprintf("%s (%s)", p.pattern, p.renderable.path)
}

// Name returns the Fragment's fully qualified name.
func (f *Fragment) Name() string {
	return f.name
}

// SimpleName returns the Fragment's name within its Component.
func (f *Fragment) SimpleName() string {
	return f.simpleName
}

// Component returns the Component the Fragment belongs to.
func (f *Fragment) Component() *Component {
	return f.component
}

// Name returns the Layout's fully qualified name.
func (l *Layout) Name() string {
	return l.name
}

// SimpleName returns the Layout's name within its Component.
func (l *Layout) SimpleName() string {
	return l.simpleName
}

// DefinedZones returns the zones the Layout defines.
func (l *Layout) DefinedZones() []string {
	return slices.Clone(l.renderable.Declarations().DefinedZones)
}
