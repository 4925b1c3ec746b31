package httpserver_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"impractical.co/strata"
	"impractical.co/strata/artifact"
	"impractical.co/strata/httpserver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func file(contents string) *fstest.MapFile {
	return &fstest.MapFile{
		Data:    []byte(contents),
		Mode:    0644,
		ModTime: time.Now(),
	}
}

func appsFS() fstest.MapFS {
	return fstest.MapFS{
		"shop/components/root/component.yaml":    file("dependencies: [org.example.theme]\n"),
		"shop/components/root/pages/index.html":  file(`{{ layout "org.example.theme.main" }}{{ title "Shop" }}{{ define "zone:content" }}Welcome{{ end }}`),
		"shop/components/root/pages/cart.html":   file(`{{ setHeader "Cache-Control" "no-store" }}cart`),
		"shop/components/root/pages/broken.html": file(`{{ include "nope" }}`),

		"shop/components/org.example.theme/component.yaml":             file("context: theme\n"),
		"shop/components/org.example.theme/layouts/main.html":          file(`<title>{{ placeholder "title" }}</title>{{ css "css/theme.css" }}{{ placeholder "css" }}{{ defineZone "content" }}`),
		"shop/components/org.example.theme/fragments/promo/promo.html": file(`promo`),
		"shop/components/org.example.theme/public/css/theme.css":       file(`body { color: red; }`),

		"broken/components/root/component.yaml": file("dependencies: ["),
	}
}

type testServer struct {
	*httptest.Server
	prom *prometheus.Registry
}

func newServer(t *testing.T, opts ...httpserver.Option) testServer {
	t.Helper()
	loader := artifact.NewLoader(appsFS())
	prom := prometheus.NewRegistry()
	opts = append([]httpserver.Option{
		httpserver.WithPublicFiles(loader),
		httpserver.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		httpserver.WithPrometheusRegistry(prom),
	}, opts...)
	srv := httptest.NewServer(httpserver.New(strata.NewRegistry(loader), opts...))
	t.Cleanup(srv.Close)
	return testServer{Server: srv, prom: prom}
}

type response struct {
	status  int
	body    string
	headers http.Header
}

func (s testServer) get(t *testing.T, method, path string) response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, s.URL+path, nil)
	require.NoError(t, err)
	client := *s.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return response{status: resp.StatusCode, body: string(body), headers: resp.Header}
}

func TestServePages(t *testing.T) {
	t.Parallel()

	srv := newServer(t)

	resp := srv.get(t, http.MethodGet, "/shop/")
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "text/html; charset=utf-8", resp.headers.Get("Content-Type"))
	assert.Equal(t, "<title>Shop</title>"+
		`<link href="/shop/public/theme/css/theme.css" rel="stylesheet" type="text/css" />`+"\n"+
		"Welcome", resp.body)

	resp = srv.get(t, http.MethodGet, "/shop/cart")
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "cart", resp.body)
	assert.Equal(t, "no-store", resp.headers.Get("Cache-Control"))

	resp = srv.get(t, http.MethodHead, "/shop/cart")
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Empty(t, resp.body)

	resp = srv.get(t, http.MethodGet, "/shop")
	assert.Equal(t, http.StatusMovedPermanently, resp.status)
	assert.Equal(t, "/shop/", resp.headers.Get("Location"))

	resp = srv.get(t, http.MethodGet, "/shop/cart/")
	assert.Equal(t, http.StatusMovedPermanently, resp.status)
	assert.Equal(t, "/shop/cart", resp.headers.Get("Location"))

	resp = srv.get(t, http.MethodGet, "/shop/nope")
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "Not found.", resp.body)

	resp = srv.get(t, http.MethodGet, "/shop/broken")
	assert.Equal(t, http.StatusInternalServerError, resp.status)
	assert.Equal(t, "Server error.", resp.body)
}

func TestServeUnknownApps(t *testing.T) {
	t.Parallel()

	srv := newServer(t)

	for _, path := range []string{"/", "/blog/", "/favicon.ico", "/../shop/"} {
		resp := srv.get(t, http.MethodGet, path)
		assert.Equal(t, http.StatusNotFound, resp.status, path)
	}

	resp := srv.get(t, http.MethodGet, "/broken/")
	assert.Equal(t, http.StatusInternalServerError, resp.status)
	assert.Equal(t, "Server error.\n", resp.body, "deploy errors shouldn't be described outside development mode")
}

func TestServeStatic(t *testing.T) {
	t.Parallel()

	srv := newServer(t)

	resp := srv.get(t, http.MethodGet, "/shop/public/theme/css/theme.css")
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "body { color: red; }", resp.body)
	assert.Contains(t, resp.headers.Get("Content-Type"), "text/css")

	for _, path := range []string{
		"/shop/public/theme/css/missing.css",
		"/shop/public/nope/css/theme.css",
		"/shop/public/root/css/theme.css",
		"/blog/public/theme/css/theme.css",
	} {
		resp = srv.get(t, http.MethodGet, path)
		assert.Equal(t, http.StatusNotFound, resp.status, path)
	}
}

func TestServeDevelopmentMode(t *testing.T) {
	t.Parallel()

	prod := newServer(t)
	dev := newServer(t, httpserver.WithDevelopmentMode(true))

	resp := prod.get(t, http.MethodGet, "/shop/debug/pages")
	assert.Equal(t, http.StatusNotFound, resp.status, "debug endpoints are only served in development mode")

	resp = dev.get(t, http.MethodGet, "/shop/debug/pages")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "application/json", resp.headers.Get("Content-Type"))

	type page struct {
		Pattern   string   `json:"pattern"`
		Component string   `json:"component"`
		Layout    string   `json:"layout"`
		Zones     []string `json:"zones"`
	}
	var pages []page
	require.NoError(t, json.Unmarshal([]byte(resp.body), &pages))
	assert.Equal(t, []page{
		{Pattern: "/", Component: "root", Layout: "org.example.theme.main", Zones: []string{"content"}},
		{Pattern: "/broken", Component: "root"},
		{Pattern: "/cart", Component: "root"},
	}, pages)

	resp = dev.get(t, http.MethodGet, "/shop/debug/fragments")
	require.Equal(t, http.StatusOK, resp.status)
	assert.JSONEq(t, `[{"name": "org.example.theme.promo", "component": "org.example.theme"}]`, resp.body)

	resp = dev.get(t, http.MethodGet, "/shop/broken")
	assert.Equal(t, http.StatusInternalServerError, resp.status)
	assert.True(t, strings.HasPrefix(resp.body, "Server error.\n\n"), "expected a development error body, got %q", resp.body)
	assert.Contains(t, resp.body, `fragment "nope"`)

	resp = dev.get(t, http.MethodGet, "/broken/")
	assert.Equal(t, http.StatusInternalServerError, resp.status)
	assert.Contains(t, resp.body, "component.yaml")
}

func TestServeMetrics(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	srv.get(t, http.MethodGet, "/shop/")
	srv.get(t, http.MethodGet, "/shop/")
	srv.get(t, http.MethodGet, "/shop/nope")
	srv.get(t, http.MethodGet, "/broken/")

	resp := srv.get(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.body, `strata_requests_total{app="shop",outcome="ok",status="200"} 2`)
	assert.Contains(t, resp.body, `strata_requests_total{app="shop",outcome="not-found",status="404"} 1`)
	assert.Contains(t, resp.body, `strata_render_duration_seconds_count{app="shop"} 3`)
	assert.Contains(t, resp.body, `strata_deploy_errors_total{app="broken"} 1`)

	families, err := srv.prom.Gather()
	require.NoError(t, err)
	var names []string
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.ElementsMatch(t, []string{
		"strata_requests_total",
		"strata_render_duration_seconds",
		"strata_deploy_errors_total",
	}, names)
}

func TestWriteOutcome(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/shop/", nil)
	httpserver.WriteOutcome(rec, req, strata.Outcome{
		Kind:    strata.OutcomeOK,
		Status:  http.StatusOK,
		Body:    `{"ok": true}`,
		Headers: http.Header{"Content-Type": {"application/json"}, "Set-Cookie": {"a=1", "b=2"}},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), "headers set while rendering win")
	assert.Equal(t, []string{"a=1", "b=2"}, rec.Header().Values("Set-Cookie"))
	assert.Equal(t, `{"ok": true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	httpserver.WriteOutcome(rec, req, strata.Outcome{
		Kind:     strata.OutcomeRedirect,
		Status:   http.StatusMovedPermanently,
		Location: "/shop/cart",
		Headers:  http.Header{},
	})
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/shop/cart", rec.Header().Get("Location"))
}
