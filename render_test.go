package strata_test

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"impractical.co/strata"
)

func TestRenderPageWithoutLayout(t *testing.T) {
	t.Parallel()

	app := rootApp(t, strata.ComponentSpec{
		Pages: []strata.PageSpec{
			page("/items/{id}", `item {{ .uriParams.id }} at {{ .uri }} in "{{ .appContext }}"`),
		},
	})
	outcome := serve(t, app, "/items/42")
	require.Equal(t, strata.OutcomeOK, outcome.Kind, "error: %v", outcome.Err)
	assert.Equal(t, http.StatusOK, outcome.Status)
	assert.Equal(t, `item 42 at /items/42 in ""`, outcome.Body)
}

func TestRenderZones(t *testing.T) {
	t.Parallel()

	type testCase struct {
		page     string
		bindings map[string][]string
		expected string
	}

	tests := map[string]testCase{
		"define-block": {
			page:     `{{ layout "main" }}{{ define "zone:content" }}<p>hi</p>{{ end }}`,
			expected: `[<p>hi</p>][]`,
		},
		"fill-zone-escapes-strings": {
			page:     `{{ layout "main" }}{{ fillZone "content" "<b>hi</b>" }}`,
			expected: `[&lt;b&gt;hi&lt;/b&gt;][]`,
		},
		"fill-zone-keeps-trusted-html": {
			page:     `{{ layout "main" }}{{ fillZone "content" .trusted }}`,
			expected: `[<b>hi</b>][]`,
		},
		"bound-fragment-fills-empty-zone": {
			page:     `{{ layout "main" }}{{ define "zone:content" }}body{{ end }}`,
			bindings: map[string][]string{"sidebar": {"ad", "ad"}},
			expected: `[body][<aside>ad</aside><aside>ad</aside>]`,
		},
		"filled-zone-beats-bindings": {
			page:     `{{ layout "main" }}{{ define "zone:sidebar" }}mine{{ end }}`,
			bindings: map[string][]string{"sidebar": {"ad"}},
			expected: `[][mine]`,
		},
		"page-body-is-discarded": {
			page:     `{{ layout "main" }}this text goes nowhere`,
			expected: `[][]`,
		},
	}

	trusted := strata.ExecutableFunc(func(context.Context, map[string]any) (any, error) {
		return map[string]any{"trusted": template.HTML("<b>hi</b>")}, nil
	})

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			app := rootApp(t, strata.ComponentSpec{
				Layouts:   []strata.NamedRenderable{named("main", `[{{ defineZone "content" }}][{{ defineZone "sidebar" }}]`)},
				Fragments: []strata.NamedRenderable{named("ad", `<aside>ad</aside>`)},
				Bindings:  test.bindings,
				Pages: []strata.PageSpec{{
					Pattern:    "/",
					Renderable: strata.MustRenderable("pages/index.html", test.page, trusted),
				}},
			})
			outcome := serve(t, app, "/")
			require.Equal(t, strata.OutcomeOK, outcome.Kind, "error: %v", outcome.Err)
			assert.Equal(t, test.expected, outcome.Body)
		})
	}
}

func TestRenderZoneFilledTwice(t *testing.T) {
	t.Parallel()

	app := rootApp(t, strata.ComponentSpec{
		Layouts: []strata.NamedRenderable{named("main", `{{ defineZone "content" }}`)},
		Pages: []strata.PageSpec{
			page("/", `{{ layout "main" }}{{ fillZone "content" "a" }}{{ define "zone:content" }}b{{ end }}`),
		},
	})
	outcome := serve(t, app, "/")
	assert.Equal(t, strata.OutcomeServerError, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, strata.ErrZoneAlreadyFilled)
}

func TestRenderFragmentParams(t *testing.T) {
	t.Parallel()

	app := rootApp(t, strata.ComponentSpec{
		Fragments: []strata.NamedRenderable{
			named("greet", `Hello, {{ .params.name }}{{ with .params.suffix }}{{ . }}{{ end }}`),
		},
		Pages: []strata.PageSpec{
			page("/", `{{ include "greet" "name" "<Visitor>" "suffix" "!" }} {{ include "greet" }}`),
			page("/odd", `{{ include "greet" "name" }}`),
			page("/key", `{{ include "greet" 1 "x" }}`),
		},
	})

	outcome := serve(t, app, "/")
	require.Equal(t, strata.OutcomeOK, outcome.Kind, "error: %v", outcome.Err)
	assert.Equal(t, `Hello, &lt;Visitor&gt;! Hello, `, outcome.Body)

	for _, path := range []string{"/odd", "/key"} {
		outcome = serve(t, app, path)
		assert.Equal(t, strata.OutcomeServerError, outcome.Kind, path)
		assert.ErrorIs(t, outcome.Err, strata.ErrInvalidHelperCall, path)
	}
}

func TestRenderMissingFragment(t *testing.T) {
	t.Parallel()

	app := rootApp(t, strata.ComponentSpec{
		Pages: []strata.PageSpec{page("/", `{{ include "nope" }}`)},
	})
	outcome := serve(t, app, "/")
	require.Equal(t, strata.OutcomeServerError, outcome.Kind)
	assert.Equal(t, "Server error.", outcome.Body)

	var notFound *strata.NameNotFoundError
	require.ErrorAs(t, outcome.Err, &notFound)
	assert.Equal(t, "fragment", notFound.Kind)
	assert.Equal(t, "nope", notFound.Name)
	assert.Equal(t, strata.RootComponentName, notFound.Component)
}

func TestRenderIncludeDepth(t *testing.T) {
	t.Parallel()

	app := rootApp(t, strata.ComponentSpec{
		Fragments: []strata.NamedRenderable{named("loop", `{{ include "loop" }}`)},
		Pages:     []strata.PageSpec{page("/", `{{ include "loop" }}`)},
	})
	outcome := serve(t, app, "/")
	assert.Equal(t, strata.OutcomeServerError, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, strata.ErrIncludeDepth)
}

func TestRenderExecutables(t *testing.T) {
	t.Parallel()

	type testCase struct {
		exec     strata.ExecutableFunc
		expected string
		err      error
	}

	tests := map[string]testCase{
		"adds-to-model": {
			exec: func(context.Context, map[string]any) (any, error) {
				return map[string]any{"name": "widget"}, nil
			},
			expected: "name=widget",
		},
		"nil-leaves-model-alone": {
			exec: func(context.Context, map[string]any) (any, error) {
				return nil, nil
			},
			expected: "name=",
		},
		"wrong-type": {
			exec: func(context.Context, map[string]any) (any, error) {
				return []string{"widget"}, nil
			},
			err: strata.ErrInvalidModel,
		},
		"error": {
			exec: func(context.Context, map[string]any) (any, error) {
				return nil, errTestExecutable
			},
			err: errTestExecutable,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			app := rootApp(t, strata.ComponentSpec{
				Pages: []strata.PageSpec{{
					Pattern:    "/",
					Renderable: strata.MustRenderable("pages/index.html", `name={{ .name }}`, test.exec),
				}},
			})
			outcome := serve(t, app, "/")
			if test.err != nil {
				assert.Equal(t, strata.OutcomeServerError, outcome.Kind)
				assert.ErrorIs(t, outcome.Err, test.err)
				return
			}
			require.Equal(t, strata.OutcomeOK, outcome.Kind, "error: %v", outcome.Err)
			assert.Equal(t, test.expected, outcome.Body)
		})
	}
}

var errTestExecutable = errors.New("executable failed")

func TestRenderResponseHeaders(t *testing.T) {
	t.Parallel()

	cookie := strata.ExecutableFunc(func(ctx context.Context, _ map[string]any) (any, error) {
		rc, ok := strata.RequestContextFrom(ctx)
		if !ok {
			return nil, errors.New("no request context")
		}
		rc.AddResponseHeader("Set-Cookie", "visited=1")
		return nil, nil
	})
	app := rootApp(t, strata.ComponentSpec{
		Pages: []strata.PageSpec{{
			Pattern:    "/",
			Renderable: strata.MustRenderable("pages/index.html", `{{ setHeader "Cache-Control" "no-store" }}ok`, cookie),
		}},
	})
	outcome := serve(t, app, "/")
	require.Equal(t, strata.OutcomeOK, outcome.Kind, "error: %v", outcome.Err)
	assert.Equal(t, "ok", outcome.Body)
	assert.Equal(t, "no-store", outcome.Headers.Get("Cache-Control"))
	assert.Equal(t, "visited=1", outcome.Headers.Get("Set-Cookie"))
}

func TestRenderPlaceholders(t *testing.T) {
	t.Parallel()

	app := rootApp(t, strata.ComponentSpec{
		Layouts: []strata.NamedRenderable{named("main", `<title>{{ placeholder "title" }}</title>`+
			`<meta name="description" content="{{ placeholder "description" }}">`+
			`<a href="{{ placeholder "next" }}">next</a>`+
			`{{ placeholder "unused" }}{{ defineZone "content" }}`)},
		Pages: []strata.PageSpec{
			page("/", `{{ layout "main" }}{{ title "Tom & Jerry" }}{{ fillPlaceholder "description" "cats & mice" }}{{ define "zone:content" }}body{{ fillPlaceholder "next" "/episodes/2" }}{{ end }}`),
			page("/twice", `{{ layout "main" }}{{ title "a" }}{{ title "b" }}`),
			page("/bad-name", `{{ placeholder "no spaces" }}`),
		},
	})

	outcome := serve(t, app, "/")
	require.Equal(t, strata.OutcomeOK, outcome.Kind, "error: %v", outcome.Err)
	assert.Equal(t, `<title>Tom &amp; Jerry</title><meta name="description" content="cats &amp; mice">`+
		`<a href="/episodes/2">next</a>body`, outcome.Body)

	outcome = serve(t, app, "/twice")
	assert.ErrorIs(t, outcome.Err, strata.ErrTitleAlreadySet)

	outcome = serve(t, app, "/bad-name")
	assert.ErrorIs(t, outcome.Err, strata.ErrInvalidHelperCall)
}

func TestRenderResources(t *testing.T) {
	t.Parallel()

	app := rootApp(t, strata.ComponentSpec{
		Layouts: []strata.NamedRenderable{named("main", `{{ placeholder "css" }}|{{ placeholder "headJs" }}|{{ defineZone "content" }}|{{ placeholder "footJs" }}`)},
		Pages: []strata.PageSpec{
			page("/", `{{ layout "main" }}{{ css "/a.css" }}{{ css "a.css" }}{{ headJs "//cdn.example.com/x.js" }}{{ footJs "b.js" "defer" "async" }}{{ fillZone "content" (public "img/logo.png") }}`),
			page("/bad-flag", `{{ footJs "b.js" "later" }}`),
		},
	})

	outcome := serve(t, app, "/")
	require.Equal(t, strata.OutcomeOK, outcome.Kind, "error: %v", outcome.Err)
	assert.Equal(t, `<link href="/public/root/a.css" rel="stylesheet" type="text/css" />
|<script src="//cdn.example.com/x.js" type="text/javascript"></script>
|/public/root/img/logo.png|<script src="/public/root/b.js" async defer type="text/javascript"></script>
`, outcome.Body)

	outcome = serve(t, app, "/bad-flag")
	assert.ErrorIs(t, outcome.Err, strata.ErrInvalidHelperCall)
}

func TestRenderResourcesAddedAfterTheirPlaceholder(t *testing.T) {
	t.Parallel()

	// the layout reaches the css placeholder before the fragments that
	// add to it are rendered
	app := rootApp(t, strata.ComponentSpec{
		Layouts: []strata.NamedRenderable{named("main", `<head>{{ placeholder "css" }}</head>`+
			`<body>{{ defineZone "content" }}{{ include "late" }}{{ include "late" }}</body>`)},
		Fragments: []strata.NamedRenderable{named("late", `{{ css "css/late.css" }}<i>late</i>`)},
		Pages:     []strata.PageSpec{page("/", `{{ layout "main" }}{{ define "zone:content" }}Hello{{ end }}`)},
	})

	outcome := serve(t, app, "/")
	require.Equal(t, strata.OutcomeOK, outcome.Kind, "error: %v", outcome.Err)
	assert.Equal(t, `<head><link href="/public/root/css/late.css" rel="stylesheet" type="text/css" />
</head><body>Hello<i>late</i><i>late</i></body>`, outcome.Body)
	assert.Equal(t, 1, strings.Count(outcome.Body, "late.css"))
}

func TestRenderStopsAtRedirect(t *testing.T) {
	t.Parallel()

	var ranAfter atomic.Bool
	guard := strata.ExecutableFunc(func(context.Context, map[string]any) (any, error) {
		return nil, strata.Redirect("/login")
	})
	after := strata.ExecutableFunc(func(context.Context, map[string]any) (any, error) {
		ranAfter.Store(true)
		return nil, nil
	})
	app := rootApp(t, strata.ComponentSpec{
		Layouts: []strata.NamedRenderable{named("main", `{{ defineZone "content" }}{{ include "guard" }}{{ include "after" }}`)},
		Fragments: []strata.NamedRenderable{
			{Name: "guard", Renderable: strata.MustRenderable("guard.html", `guarded`, guard)},
			{Name: "after", Renderable: strata.MustRenderable("after.html", `after`, after)},
		},
		Pages: []strata.PageSpec{page("/account", `{{ layout "main" }}{{ define "zone:content" }}account{{ end }}`)},
	})

	outcome := serve(t, app, "/account")
	require.Equal(t, strata.OutcomeRedirect, outcome.Kind, "error: %v", outcome.Err)
	assert.Equal(t, http.StatusFound, outcome.Status)
	assert.Equal(t, "/login", outcome.Location)
	assert.Empty(t, outcome.Body)
	assert.False(t, ranAfter.Load(), "rendering should stop at the redirect")
}

func TestRenderComponentScopes(t *testing.T) {
	t.Parallel()

	// the theme's layout and fragments resolve names and public paths
	// from the theme, no matter which component's page uses them
	theme := strata.ComponentSpec{
		Name:          "org.example.theme",
		Configuration: map[string]string{"brand": "Theme Co"},
		Layouts: []strata.NamedRenderable{named("main",
			`{{ config "brand" }}/{{ config "shared" }}: {{ include "logo" }} {{ defineZone "content" }}`)},
		Fragments: []strata.NamedRenderable{named("logo", `<img src="{{ public "logo.png" }}">`)},
	}
	root := strata.ComponentSpec{
		Name:          strata.RootComponentName,
		Dependencies:  []string{"org.example.theme"},
		Configuration: map[string]string{"brand": "Root Co"},
		Fragments:     []strata.NamedRenderable{named("logo", `root logo`)},
		Pages: []strata.PageSpec{
			page("/", `{{ layout "org.example.theme.main" }}{{ define "zone:content" }}{{ config "brand" }} {{ include "logo" }} {{ include "org.example.theme.logo" }}{{ end }}`),
		},
	}
	app := buildApp(t, strata.AppSpec{
		ContextPath:   "/shop/",
		Configuration: map[string]string{"shared": "everywhere"},
		Components:    []strata.ComponentSpec{theme, root},
	})
	assert.Equal(t, "/shop", app.ContextPath())

	outcome := serve(t, app, "/shop/")
	require.Equal(t, strata.OutcomeOK, outcome.Kind, "error: %v", outcome.Err)
	assert.Equal(t, `Theme Co/everywhere: <img src="/shop/public/theme/logo.png"> Root Co root logo <img src="/shop/public/theme/logo.png">`, outcome.Body)
}

func TestRenderConcurrentRequestsAreIsolated(t *testing.T) {
	t.Parallel()

	app := rootApp(t, strata.ComponentSpec{
		Layouts: []strata.NamedRenderable{named("main", `{{ placeholder "title" }}:{{ defineZone "content" }}`)},
		Pages: []strata.PageSpec{
			page("/items/{id}", `{{ layout "main" }}{{ title .uriParams.id }}{{ define "zone:content" }}{{ .uriParams.id }}{{ end }}`),
		},
	})

	var group errgroup.Group
	for i := range 50 {
		group.Go(func() error {
			id := fmt.Sprint(i)
			outcome := strata.Serve(context.Background(), app, testRequest{path: "/items/" + id})
			if outcome.Err != nil {
				return outcome.Err
			}
			if expected := id + ":" + id; outcome.Body != expected {
				return fmt.Errorf("expected %q, got %q", expected, outcome.Body)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestNewAppErrors(t *testing.T) {
	t.Parallel()

	type testCase struct {
		spec strata.AppSpec
		err  error
	}

	tests := map[string]testCase{
		"missing-layout": {
			spec: strata.AppSpec{ContextPath: "/", Components: []strata.ComponentSpec{{
				Name:  strata.RootComponentName,
				Pages: []strata.PageSpec{page("/", `{{ layout "nope" }}`)},
			}}},
			err: strata.ErrNameNotFound,
		},
		"missing-bound-fragment": {
			spec: strata.AppSpec{ContextPath: "/", Components: []strata.ComponentSpec{{
				Name:     strata.RootComponentName,
				Bindings: map[string][]string{"sidebar": {"nope"}},
			}}},
			err: strata.ErrNameNotFound,
		},
		"missing-dependency": {
			spec: strata.AppSpec{ContextPath: "/", Components: []strata.ComponentSpec{{
				Name:         strata.RootComponentName,
				Dependencies: []string{"org.example.nope"},
			}}},
			err: strata.ErrNameNotFound,
		},
		"duplicate-component": {
			spec: strata.AppSpec{ContextPath: "/", Components: []strata.ComponentSpec{
				{Name: strata.RootComponentName},
				{Name: strata.RootComponentName},
			}},
			err: strata.ErrDuplicateName,
		},
		"duplicate-page": {
			spec: strata.AppSpec{ContextPath: "/", Components: []strata.ComponentSpec{{
				Name:  strata.RootComponentName,
				Pages: []strata.PageSpec{page("/a", `a`), page("a", `a`)},
			}}},
			err: strata.ErrDuplicateName,
		},
		"invalid-pattern": {
			spec: strata.AppSpec{ContextPath: "/", Components: []strata.ComponentSpec{{
				Name:  strata.RootComponentName,
				Pages: []strata.PageSpec{page("/{}", `a`)},
			}}},
			err: strata.ErrInvalidURIPattern,
		},
		"cycle": {
			spec: strata.AppSpec{ContextPath: "/", Components: []strata.ComponentSpec{
				{Name: "org.example.a", Dependencies: []string{"org.example.b"}},
				{Name: "org.example.b", Dependencies: []string{"org.example.a"}},
			}},
			err: strata.ErrComponentCycle,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := strata.NewApp(testContext(t), test.spec)
			assert.ErrorIs(t, err, test.err)
		})
	}

	_, err := strata.NewApp(testContext(t), strata.AppSpec{ContextPath: "shop"})
	assert.Error(t, err, "context paths must start with a /")
}

func TestNewRenderableDeclarations(t *testing.T) {
	t.Parallel()

	r, err := strata.NewRenderable("pages/index.html", `{{ layout "main" }}
{{ css "a.css" }}{{ css "a.css" }}
{{ if .x }}{{ headJs "b.js" }}{{ else }}{{ footJs "c.js" "defer" }}{{ end }}
{{ range .items }}{{ fillZone "sidebar" . }}{{ end }}
{{ define "zone:content" }}{{ defineZone "nested" }}{{ end }}`, nil)
	require.NoError(t, err)

	assert.Equal(t, strata.Declarations{
		Layout:       "main",
		DefinedZones: []string{"nested"},
		FilledZones:  []string{"sidebar", "content"},
		Resources: []strata.ResourceRef{
			{Placeholder: strata.PlaceholderCSS, Path: "a.css"},
			{Placeholder: strata.PlaceholderHeadJS, Path: "b.js"},
			{Placeholder: strata.PlaceholderFootJS, Path: "c.js"},
		},
	}, r.Declarations())
}

func TestNewRenderableErrors(t *testing.T) {
	t.Parallel()

	for name, source := range map[string]string{
		"parse-error":        `{{ if }}`,
		"layout-not-literal": `{{ layout .name }}`,
		"two-layouts":        `{{ layout "a" }}{{ layout "b" }}`,
		"zone-block-no-name": `{{ define "zone:" }}x{{ end }}`,
		"undefined-function": `{{ nope }}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := strata.NewRenderable("pages/"+name+".html", source, nil)
			require.ErrorIs(t, err, strata.ErrTemplate)

			var tmplErr *strata.TemplateError
			require.ErrorAs(t, err, &tmplErr)
			assert.Equal(t, "pages/"+name+".html", tmplErr.Path)
		})
	}
}

func TestNewRenderableErrorLocation(t *testing.T) {
	t.Parallel()

	_, err := strata.NewRenderable("pages/index.html", "<p>\n{{ layout .name }}", nil)
	require.ErrorIs(t, err, strata.ErrInvalidHelperCall)
	assert.Contains(t, err.Error(), "pages/index.html:2:3")
	assert.NotContains(t, err.Error(), "%!")
}
