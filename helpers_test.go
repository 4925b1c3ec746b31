package strata_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"impractical.co/strata"
)

// testRequest is a Request that can carry paths net/http wouldn't produce.
type testRequest struct {
	path    string
	headers map[string]string
}

func (r testRequest) Method() string {
	return "GET"
}

func (r testRequest) Path() string {
	return r.path
}

func (r testRequest) Header(name string) string {
	return r.headers[name]
}

func (testRequest) Cookie(string) (string, bool) {
	return "", false
}

func (testRequest) Body() io.Reader {
	return strings.NewReader("")
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	return strata.LoggingContext(context.Background(), slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// testWriter sends log output to the test's log, so it only shows up for
// failing tests.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// rootApp builds an App served from / out of a single root component.
func rootApp(t *testing.T, comp strata.ComponentSpec) *strata.App {
	t.Helper()
	return buildApp(t, strata.AppSpec{
		Name:        "test",
		ContextPath: "/",
		Components:  []strata.ComponentSpec{comp},
	})
}

func buildApp(t *testing.T, spec strata.AppSpec) *strata.App {
	t.Helper()
	if spec.Name == "" {
		spec.Name = "test"
	}
	for pos := range spec.Components {
		if spec.Components[pos].Name == "" {
			spec.Components[pos].Name = strata.RootComponentName
		}
	}
	app, err := strata.NewApp(testContext(t), spec)
	require.NoError(t, err)
	return app
}

func serve(t *testing.T, app *strata.App, path string, opts ...strata.ServeOption) strata.Outcome {
	t.Helper()
	return strata.Serve(testContext(t), app, testRequest{path: path}, opts...)
}

func page(pattern, source string) strata.PageSpec {
	return strata.PageSpec{
		Pattern:    pattern,
		Renderable: strata.MustRenderable("pages"+pattern+".html", source, nil),
	}
}

func named(name, source string) strata.NamedRenderable {
	return strata.NamedRenderable{
		Name:       name,
		Renderable: strata.MustRenderable(name+".html", source, nil),
	}
}
