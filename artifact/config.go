package artifact

import (
	"errors"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"
)

const (
	appConfigFile       = "app.yaml"
	componentConfigFile = "component.yaml"
)

// appConfig is the optional app.yaml at the root of an app directory.
type appConfig struct {
	// Config is available to every component of the app.
	Config map[string]string `yaml:"config"`

	// ErrorPages maps status codes to the page rendered for them, like
	// 404: /errors/not-found.
	ErrorPages map[int]string `yaml:"errorPages"`
}

// componentConfig is the optional component.yaml at the root of a component
// directory.
type componentConfig struct {
	Version string `yaml:"version"`

	// Context overrides the path the component's public files are served
	// under.
	Context      string              `yaml:"context"`
	Dependencies []string            `yaml:"dependencies"`
	Bindings     map[string][]string `yaml:"bindings"`
	Config       map[string]string   `yaml:"config"`
}

// readYAML decodes the YAML file at path into out. A missing file leaves out
// untouched.
func readYAML(fsys fs.FS, path string, out any) error {
	contents, err := fs.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(contents, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
