package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	config, err := loadServerConfig(filepath.Join(dir, "strata.yaml"), false)
	require.NoError(t, err, "a missing default config file is fine")
	assert.Equal(t, defaultServerConfig(), config)

	_, err = loadServerConfig(filepath.Join(dir, "strata.yaml"), true)
	assert.Error(t, err, "a missing config file that was asked for isn't")

	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: 127.0.0.1:9000\ndev: true\nlog_format: json\n"), 0o644))
	config, err = loadServerConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, serverConfig{
		Addr:      "127.0.0.1:9000",
		Apps:      ".",
		Dev:       true,
		LogLevel:  "info",
		LogFormat: "json",
	}, config)

	require.NoError(t, os.WriteFile(path, []byte("addr: [\n"), 0o644))
	_, err = loadServerConfig(path, true)
	assert.Error(t, err)
}

func TestServerConfigLogger(t *testing.T) {
	t.Parallel()

	for _, config := range []serverConfig{
		{LogLevel: "debug", LogFormat: "text"},
		{LogLevel: "WARN", LogFormat: "JSON"},
		{LogLevel: "error"},
	} {
		logger, err := config.logger()
		require.NoError(t, err)
		assert.NotNil(t, logger)
	}

	_, err := serverConfig{LogLevel: "loud"}.logger()
	assert.Error(t, err)
	_, err = serverConfig{LogLevel: "info", LogFormat: "xml"}.logger()
	assert.Error(t, err)
}

func TestRoutesCmd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pages := filepath.Join(dir, "shop", "components", "root", "pages")
	layouts := filepath.Join(dir, "shop", "components", "root", "layouts")
	require.NoError(t, os.MkdirAll(filepath.Join(pages, "items"), 0o755))
	require.NoError(t, os.MkdirAll(layouts, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(layouts, "main.html"), []byte(`{{ defineZone "content" }}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pages, "index.html"), []byte(`{{ layout "main" }}{{ define "zone:content" }}hi{{ end }}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pages, "items", "[id].html"), []byte(`item`), 0o644))

	var out bytes.Buffer
	cmd := routesCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--apps", dir, "shop"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, `PATTERN           COMPONENT  LAYOUT     ZONES
/shop/            root       root.main  content
/shop/items/{id}  root       -          -
`, out.String())

	cmd = routesCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--apps", dir, "blog"})
	assert.Error(t, cmd.Execute())
}
