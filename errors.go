package strata

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidURIPattern is returned when a URI pattern can't be
	// parsed.
	ErrInvalidURIPattern = errors.New("invalid uri pattern")

	// ErrDuplicateName is returned when two pages, fragments, layouts, or
	// components in the same scope share a name.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrComponentCycle is returned when the dependencies between
	// components in an App form a cycle.
	ErrComponentCycle = errors.New("component dependency cycle detected")

	// ErrNameNotFound is returned when a fragment, layout, or component
	// name can't be resolved.
	ErrNameNotFound = errors.New("name not found")

	// ErrZoneAlreadyFilled is returned when a zone is filled more than
	// once during a single request.
	ErrZoneAlreadyFilled = errors.New("zone already filled")

	// ErrTemplate is returned when a template can't be parsed or
	// executed.
	ErrTemplate = errors.New("template error")

	// ErrInvalidModel is returned when an Executable returns something
	// other than a map.
	ErrInvalidModel = errors.New("executable returned an invalid model")

	// ErrPageNotFound is returned when no Page matches a request path.
	ErrPageNotFound = errors.New("page not found")

	// ErrInvalidRequestPath is returned when a request path is malformed.
	ErrInvalidRequestPath = errors.New("invalid request path")

	// ErrAppNotFound is returned when no App is deployed at a context
	// path.
	ErrAppNotFound = errors.New("app not found")

	// ErrIncludeDepth is returned when fragments include each other more
	// deeply than maxIncludeDepth, which almost always means a fragment
	// includes itself.
	ErrIncludeDepth = errors.New("fragment include depth exceeded")

	// ErrTitleAlreadySet is returned when a page title is set twice.
	ErrTitleAlreadySet = errors.New("title already set")

	// ErrInvalidHelperCall is returned when a template helper is called
	// with unusable arguments.
	ErrInvalidHelperCall = errors.New("invalid helper call")
)

// NameNotFoundError describes a fragment, layout, or component that couldn't
// be resolved. It matches ErrNameNotFound with errors.Is.
type NameNotFoundError struct {
	// Kind is "fragment", "layout", or "component".
	Kind string

	// Name is the name as it was requested, possibly qualified.
	Name string

	// Component is the component the name was resolved from.
	Component string
}

func (e *NameNotFoundError) Error() string {
	return fmt.Sprintf("%s %q referenced from component %q: %s", e.Kind, e.Name, e.Component, ErrNameNotFound)
}

func (e *NameNotFoundError) Unwrap() error {
	return ErrNameNotFound
}

// ZoneAlreadyFilledError describes a second fill of the same zone within one
// request. It matches ErrZoneAlreadyFilled with errors.Is.
type ZoneAlreadyFilledError struct {
	Zone string
}

func (e *ZoneAlreadyFilledError) Error() string {
	return fmt.Sprintf("zone %q: %s", e.Zone, ErrZoneAlreadyFilled)
}

func (e *ZoneAlreadyFilledError) Unwrap() error {
	return ErrZoneAlreadyFilled
}

// TemplateError identifies the template that failed to parse or execute. It
// matches ErrTemplate with errors.Is, and the underlying error with
// errors.As.
type TemplateError struct {
	Path string
	Err  error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q: %s", e.Path, e.Err)
}

func (e *TemplateError) Unwrap() []error {
	return []error{ErrTemplate, e.Err}
}

// InvalidModelError is returned when an Executable produces a value that
// can't be merged into the render model.
type InvalidModelError struct {
	Path  string
	Value any
}

func (e *InvalidModelError) Error() string {
	return fmt.Sprintf("executable for %q returned %T, expected map[string]any: %s", e.Path, e.Value, ErrInvalidModel)
}

func (e *InvalidModelError) Unwrap() error {
	return ErrInvalidModel
}

// PageNotFoundError carries the full request URI that no Page matched.
type PageNotFoundError struct {
	URI string
}

func (e *PageNotFoundError) Error() string {
	return fmt.Sprintf("%q: %s", e.URI, ErrPageNotFound)
}

func (e *PageNotFoundError) Unwrap() error {
	return ErrPageNotFound
}

// RedirectError stops a render and sends the client to Location instead.
// Executables return it, usually through Redirect, and Serve turns it into
// an OutcomeRedirect.
type RedirectError struct {
	Location string

	// Status is the redirect status code. It defaults to 302 Found.
	Status int
}

// Redirect returns a *RedirectError sending the client to location with a
// 302 Found.
//
//	if !loggedIn {
//	    return nil, strata.Redirect("/login")
//	}
func Redirect(location string) *RedirectError {
	return &RedirectError{Location: location, Status: http.StatusFound}
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect to %q", e.Location)
}

// HTTPError stops a render and responds with Status. Executables return it,
// usually through SendError, and Serve turns it into an Outcome with that
// status and Message as the body, or the App's error page for Status.
type HTTPError struct {
	Status  int
	Message string

	// Err is the optional underlying error.
	Err error
}

// SendError returns an *HTTPError responding with status and message.
func SendError(status int, message string) *HTTPError {
	return &HTTPError{Status: status, Message: message}
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("http error %d", e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}
