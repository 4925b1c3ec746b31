package strata

import (
	"strings"
)

// Lookup resolves fragment and layout names on behalf of one Component.
//
// Every Component gets its own Lookup when its App is built. The indexes it
// reads from are shared by every Lookup in the App and are never written
// after NewApp returns, so a Lookup is safe for concurrent use without
// locking.
type Lookup struct {
	component     *Component
	components    map[string]*Component
	fragments     map[string]*Fragment
	layouts       map[string]*Layout
	bindings      map[string][]*Fragment
	configuration map[string]string
}

// SplitName splits a possibly qualified name into its component and local
// parts. "a.b.c" splits into "a.b" and "c"; an unqualified name has an empty
// component part.
func SplitName(name string) (component, local string) {
	lastDot := strings.LastIndexByte(name, '.')
	if lastDot < 0 {
		return "", name
	}
	return name[:lastDot], name[lastDot+1:]
}

// Component returns the Component the Lookup resolves names for.
func (l *Lookup) Component() *Component {
	return l.component
}

// Resolve returns the Component a possibly qualified name belongs to and the
// name's local part. Unqualified names belong to the Lookup's Component.
func (l *Lookup) Resolve(name string) (*Component, string, error) {
	componentName, local := SplitName(name)
	if componentName == "" {
		return l.component, local, nil
	}
	comp, ok := l.components[componentName]
	if !ok {
		return nil, "", &NameNotFoundError{Kind: "component", Name: componentName, Component: l.component.name}
	}
	return comp, local, nil
}

// ResolveFragment returns the Fragment a possibly qualified name refers to.
func (l *Lookup) ResolveFragment(name string) (*Fragment, error) {
	comp, local, err := l.Resolve(name)
	if err != nil {
		return nil, err
	}
	frag, ok := l.fragments[qualify(comp.name, local)]
	if !ok {
		return nil, &NameNotFoundError{Kind: "fragment", Name: name, Component: l.component.name}
	}
	return frag, nil
}

// ResolveLayout returns the Layout a possibly qualified name refers to.
func (l *Lookup) ResolveLayout(name string) (*Layout, error) {
	comp, local, err := l.Resolve(name)
	if err != nil {
		return nil, err
	}
	layout, ok := l.layouts[qualify(comp.name, local)]
	if !ok {
		return nil, &NameNotFoundError{Kind: "layout", Name: name, Component: l.component.name}
	}
	return layout, nil
}

// Bindings returns the fragments statically bound to the named zone by the
// Component's configuration, in the order they were configured.
func (l *Lookup) Bindings(zone string) []*Fragment {
	return l.bindings[zone]
}

// Configuration returns the Component's configuration, layered over its
// App's configuration. The returned map must not be modified.
func (l *Lookup) Configuration() map[string]string {
	return l.configuration
}

// PublicURIInfix returns the path, relative to the app context, that the
// Component's public resources are served under.
func (l *Lookup) PublicURIInfix() string {
	return l.component.PublicURIInfix()
}

func qualify(component, local string) string {
	return component + "." + local
}
