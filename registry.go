package strata

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Deployer builds the App served at a context path. The artifact package's
// Loader is the usual implementation.
type Deployer interface {
	Deploy(ctx context.Context, contextPath string) (*App, error)
}

// DeployerFunc is a Deployer implemented as a function.
type DeployerFunc func(ctx context.Context, contextPath string) (*App, error)

// Deploy calls f.
func (f DeployerFunc) Deploy(ctx context.Context, contextPath string) (*App, error) {
	return f(ctx, contextPath)
}

// Registry holds the Apps being served, keyed by context path. A Registry
// must be instantiated through NewRegistry, its empty value is not usable.
//
// Reads never block. Publishing an App replaces the whole set of Apps at
// once, so a render that already got an App keeps using it until it's done,
// even if a new version is published in the meantime.
type Registry struct {
	apps     atomic.Pointer[map[string]*App]
	deployer Deployer
	deploys  singleflight.Group

	// generation numbers publishes and removals in the order their
	// builds started.
	generation atomic.Uint64

	// writeMu serializes writers, so concurrent publishes don't lose each
	// other's changes.
	writeMu sync.Mutex
	// published is the generation of the last change at each context
	// path. Guarded by writeMu.
	published map[string]uint64
}

// NewRegistry returns an empty Registry. deployer may be nil, in which case
// GetOrDeploy and Redeploy always fail with ErrAppNotFound.
func NewRegistry(deployer Deployer) *Registry {
	reg := &Registry{deployer: deployer, published: map[string]uint64{}}
	reg.apps.Store(&map[string]*App{})
	return reg
}

// Get returns the App published at contextPath.
//
// It can safely be used by multiple goroutines.
func (r *Registry) Get(contextPath string) (*App, bool) {
	app, ok := (*r.apps.Load())[contextPath]
	return app, ok
}

// Match returns the App serving requestPath: the one with the longest context
// path that requestPath is, or starts with, followed by a /.
func (r *Registry) Match(requestPath string) (*App, bool) {
	var best *App
	for contextPath, app := range *r.apps.Load() {
		if !servesPath(contextPath, requestPath) {
			continue
		}
		if best == nil || len(contextPath) > len(best.contextPath) {
			best = app
		}
	}
	return best, best != nil
}

func servesPath(contextPath, requestPath string) bool {
	if contextPath == "/" {
		return true
	}
	rest, ok := strings.CutPrefix(requestPath, contextPath)
	return ok && (rest == "" || strings.HasPrefix(rest, "/"))
}

// Apps returns every published App, ordered by context path.
func (r *Registry) Apps() []*App {
	apps := *r.apps.Load()
	results := make([]*App, 0, len(apps))
	for _, contextPath := range slices.Sorted(maps.Keys(apps)) {
		results = append(results, apps[contextPath])
	}
	return results
}

// Publish makes app the App served at its context path, replacing whatever
// was there.
func (r *Registry) Publish(ctx context.Context, app *App) {
	r.publishGeneration(ctx, app, r.generation.Add(1))
}

// publishGeneration publishes app unless something newer than generation was
// already published or removed at its context path. It returns the App
// published there afterwards.
func (r *Registry) publishGeneration(ctx context.Context, app *App, generation uint64) (*App, bool) {
	var current *App
	ok := r.update(app.contextPath, generation, func(apps map[string]*App) {
		apps[app.contextPath] = app
	}, func(apps map[string]*App) {
		current = apps[app.contextPath]
	})
	if !ok {
		logger(ctx).InfoContext(ctx, "not publishing app, a newer build was published first", "app", app.name, "context_path", app.contextPath)
		return current, false
	}
	logger(ctx).InfoContext(ctx, "published app", "app", app.name, "context_path", app.contextPath)
	return app, true
}

// Remove stops serving the App at contextPath. Deploys that were already
// running when Remove was called don't publish their App.
func (r *Registry) Remove(ctx context.Context, contextPath string) {
	r.update(contextPath, r.generation.Add(1), func(apps map[string]*App) {
		delete(apps, contextPath)
	}, nil)
	logger(ctx).InfoContext(ctx, "removed app", "context_path", contextPath)
}

// update applies change to a copy of the published Apps, unless a change
// with a later generation was already made at contextPath, in which case
// stale sees the published Apps instead.
func (r *Registry) update(contextPath string, generation uint64, change, stale func(map[string]*App)) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if generation < r.published[contextPath] {
		if stale != nil {
			stale(*r.apps.Load())
		}
		return false
	}
	r.published[contextPath] = generation
	next := maps.Clone(*r.apps.Load())
	change(next)
	r.apps.Store(&next)
	return true
}

// GetOrDeploy returns the App at contextPath, deploying and publishing it
// first if it isn't published yet. Concurrent calls for the same context path
// share a single deploy.
func (r *Registry) GetOrDeploy(ctx context.Context, contextPath string) (*App, error) {
	if app, ok := r.Get(contextPath); ok {
		return app, nil
	}
	return r.deploy(ctx, contextPath, false)
}

// Redeploy builds the App at contextPath again and publishes it, whether or
// not it's already published. If the deploy fails, the published App is
// left alone.
func (r *Registry) Redeploy(ctx context.Context, contextPath string) (*App, error) {
	return r.deploy(ctx, contextPath, true)
}

func (r *Registry) deploy(ctx context.Context, contextPath string, force bool) (*App, error) {
	if r.deployer == nil {
		return nil, fmt.Errorf("%q: %w", contextPath, ErrAppNotFound)
	}
	key := contextPath
	if force {
		key = "redeploy " + contextPath
	}
	res, err, shared := r.deploys.Do(key, func() (any, error) {
		if !force {
			// someone may have published it while we waited
			if app, ok := r.Get(contextPath); ok {
				return app, nil
			}
		}
		generation := r.generation.Add(1)
		ctx, span := startSpan(ctx, "strata.Deploy")
		defer span.End()
		logger(ctx).DebugContext(ctx, "deploying app", "context_path", contextPath)
		app, err := r.deployer.Deploy(ctx, contextPath)
		if err != nil {
			return nil, endSpan(span, fmt.Errorf("deploying %q: %w", contextPath, err))
		}
		if app == nil {
			return nil, endSpan(span, fmt.Errorf("deploying %q: deployer returned no app", contextPath))
		}
		if app.contextPath != contextPath {
			return nil, endSpan(span, fmt.Errorf("deploying %q: deployer built an app for %q", contextPath, app.contextPath))
		}
		published, ok := r.publishGeneration(ctx, app, generation)
		if !ok && published == nil {
			// removed while building: the build goes back unpublished
			return app, nil
		}
		return published, nil
	})
	if err != nil {
		logger(ctx).ErrorContext(ctx, "error deploying app", "context_path", contextPath, "error", err)
		return nil, err
	}
	if shared {
		logger(ctx).DebugContext(ctx, "shared deploy with concurrent caller", "context_path", contextPath)
	}
	return res.(*App), nil
}
