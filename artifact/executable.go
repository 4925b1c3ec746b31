package artifact

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"
	"slices"
	"strconv"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"impractical.co/strata"
)

const strataPackage = "impractical.co/strata"

// strataSymbols is the part of strata executables can use.
var strataSymbols = interp.Exports{
	strataPackage + "/strata": {
		"Redirect":      reflect.ValueOf(strata.Redirect),
		"SendError":     reflect.ValueOf(strata.SendError),
		"RedirectError": reflect.ValueOf((*strata.RedirectError)(nil)),
		"HTTPError":     reflect.ValueOf((*strata.HTTPError)(nil)),
	},
}

// ExecutableCompiler turns the source of an executable file into a
// strata.Executable.
type ExecutableCompiler interface {
	Compile(path string, source []byte) (strata.Executable, error)
}

// Interpreter compiles executables written in Go with the yaegi interpreter.
// An executable declares one of
//
//	func Execute(input map[string]interface{}) interface{}
//	func Execute(input map[string]interface{}) (interface{}, error)
//
// and can only import the standard library packages in its allow list, plus
// impractical.co/strata for stopping a render:
//
//	return nil, strata.Redirect("/login")
type Interpreter struct {
	allowedPackages []string
}

// NewInterpreter returns an Interpreter that allows the standard library
// packages with no filesystem, network, or process access.
func NewInterpreter() *Interpreter {
	return &Interpreter{
		allowedPackages: []string{
			"bytes",
			"encoding/base64",
			"encoding/json",
			"errors",
			"fmt",
			"math",
			"net/url",
			"path",
			"regexp",
			"sort",
			"strconv",
			"strings",
			"time",
			"unicode",
			strataPackage,
		},
	}
}

// Compile interprets source and returns its Execute function as a
// strata.Executable.
func (i *Interpreter) Compile(path string, source []byte) (strata.Executable, error) {
	pkg, err := i.checkImports(path, source)
	if err != nil {
		return nil, err
	}
	in := interp.New(interp.Options{})
	if err := in.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("loading stdlib: %w", err)
	}
	if err := in.Use(strataSymbols); err != nil {
		return nil, fmt.Errorf("loading %s: %w", strataPackage, err)
	}
	if _, err := in.Eval(string(source)); err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", path, err)
	}
	execute, err := in.Eval(pkg + ".Execute")
	if err != nil {
		return nil, fmt.Errorf("%s doesn't declare Execute: %w", path, err)
	}
	exec := &interpretedExecutable{path: path}
	switch fn := execute.Interface().(type) {
	case func(map[string]interface{}) interface{}:
		exec.fn = func(input map[string]interface{}) (interface{}, error) {
			return fn(input), nil
		}
	case func(map[string]interface{}) (interface{}, error):
		exec.fn = fn
	default:
		return nil, fmt.Errorf("%s: Execute has signature %T, expected func(map[string]interface{}) interface{}", path, execute.Interface())
	}
	return exec, nil
}

// checkImports returns the package name source declares, after making sure
// it only imports allowed packages.
func (i *Interpreter) checkImports(path string, source []byte) (string, error) {
	file, err := parser.ParseFile(token.NewFileSet(), path, source, parser.ImportsOnly)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", path, err)
	}
	var forbidden []string
	for _, imp := range file.Imports {
		pkg, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return "", fmt.Errorf("parsing %s: import %s: %w", path, imp.Path.Value, err)
		}
		if !slices.Contains(i.allowedPackages, pkg) {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return "", fmt.Errorf("%s imports %v, only %v are allowed", path, forbidden, i.allowedPackages)
	}
	return file.Name.Name, nil
}

// interpretedExecutable serializes calls into the interpreter it came from.
type interpretedExecutable struct {
	path string
	mu   sync.Mutex
	fn   func(map[string]interface{}) (interface{}, error)
}

func (e *interpretedExecutable) Execute(ctx context.Context, input map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out, err := e.fn(input)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.path, err)
	}
	return out, nil
}
