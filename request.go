package strata

import (
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Request is the read-only view of an HTTP request that rendering gets to see.
// It's passed into the render model as .request, so Executables and templates
// can use it.
type Request interface {
	Method() string
	Path() string
	Header(name string) string
	Cookie(name string) (string, bool)
	Body() io.Reader
}

// HTTPRequest adapts a *net/http.Request to the Request interface.
func HTTPRequest(r *http.Request) Request {
	return httpRequest{r: r}
}

type httpRequest struct {
	r *http.Request
}

func (h httpRequest) Method() string {
	return h.r.Method
}

func (h httpRequest) Path() string {
	return h.r.URL.Path
}

func (h httpRequest) Header(name string) string {
	return h.r.Header.Get(name)
}

func (h httpRequest) Cookie(name string) (string, bool) {
	c, err := h.r.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

func (h httpRequest) Body() io.Reader {
	if h.r.Body == nil {
		return strings.NewReader("")
	}
	return h.r.Body
}

// RequestContext holds the mutable state of a single render: the stack of
// public URIs resources resolve against, placeholder buffers, zone contents,
// and the response headers set while rendering.
//
// A RequestContext belongs to exactly one request. It does no locking and
// must not be shared between goroutines.
type RequestContext struct {
	id           string
	appContext   string
	request      Request
	uriParams    map[string]string
	publicURIs   []string
	placeholders map[string]*strings.Builder
	zones        map[string]string
	headers      http.Header
}

// NewRequestContext returns an empty RequestContext for a request to the app
// deployed at appContext.
func NewRequestContext(appContext string, req Request) *RequestContext {
	return &RequestContext{
		id:           uuid.NewString(),
		appContext:   appContext,
		request:      req,
		uriParams:    map[string]string{},
		placeholders: map[string]*strings.Builder{},
		zones:        map[string]string{},
		headers:      http.Header{},
	}
}

// ID uniquely identifies the request. It's used to correlate log lines and
// to mark placeholder positions in rendered output.
func (rc *RequestContext) ID() string {
	return rc.id
}

// AppContext returns the context path of the app serving the request.
func (rc *RequestContext) AppContext() string {
	return rc.appContext
}

// Request returns the request being rendered.
func (rc *RequestContext) Request() Request {
	return rc.request
}

// URIParams returns the values of the wildcards in the matched page's
// URIPattern.
func (rc *RequestContext) URIParams() map[string]string {
	return rc.uriParams
}

func (rc *RequestContext) setURIParams(params map[string]string) {
	rc.uriParams = params
}

// PushPublicURI makes uri the base for relative resource references until
// the returned function is called. The returned function must be called
// exactly once, and frames must be released in the reverse of the order they
// were pushed; callers should defer it:
//
//	defer rc.PushPublicURI(uri)()
func (rc *RequestContext) PushPublicURI(uri string) func() {
	rc.publicURIs = append(rc.publicURIs, uri)
	depth := len(rc.publicURIs)
	var released bool
	return func() {
		if released {
			panic("strata: public uri frame released twice")
		}
		if len(rc.publicURIs) != depth {
			panic("strata: public uri frames released out of order")
		}
		released = true
		rc.publicURIs = rc.publicURIs[:depth-1]
	}
}

// PublicURI returns the innermost public URI, or the app context if no frame
// is active.
func (rc *RequestContext) PublicURI() string {
	if len(rc.publicURIs) < 1 {
		return rc.appContext
	}
	return rc.publicURIs[len(rc.publicURIs)-1]
}

func (rc *RequestContext) publicURIDepth() int {
	return len(rc.publicURIs)
}

// AddToPlaceholder appends content to the named placeholder's buffer.
func (rc *RequestContext) AddToPlaceholder(name, content string) {
	buf, ok := rc.placeholders[name]
	if !ok {
		buf = &strings.Builder{}
		rc.placeholders[name] = buf
	}
	buf.WriteString(content)
}

// PlaceholderContent returns everything written to the named placeholder so
// far.
func (rc *RequestContext) PlaceholderContent(name string) (string, bool) {
	buf, ok := rc.placeholders[name]
	if !ok {
		return "", false
	}
	return buf.String(), true
}

// PlaceholderContents returns a snapshot of every placeholder buffer.
func (rc *RequestContext) PlaceholderContents() map[string]string {
	results := make(map[string]string, len(rc.placeholders))
	for name, buf := range rc.placeholders {
		results[name] = buf.String()
	}
	return results
}

// PutToZone fills the named zone. A zone can only be filled once per request;
// filling it again returns a *ZoneAlreadyFilledError.
func (rc *RequestContext) PutToZone(name, content string) error {
	if _, ok := rc.zones[name]; ok {
		return &ZoneAlreadyFilledError{Zone: name}
	}
	rc.zones[name] = content
	return nil
}

// ZoneContent returns the content the named zone was filled with.
func (rc *RequestContext) ZoneContent(name string) (string, bool) {
	content, ok := rc.zones[name]
	return content, ok
}

// SetResponseHeader sets a header to be sent with the rendered response,
// replacing any previous value.
func (rc *RequestContext) SetResponseHeader(name, value string) {
	rc.headers.Set(name, value)
}

// AddResponseHeader adds a header value to be sent with the rendered
// response, keeping any previous values. It's what Set-Cookie needs.
func (rc *RequestContext) AddResponseHeader(name, value string) {
	rc.headers.Add(name, value)
}

// ResponseHeaders returns the headers set while rendering.
func (rc *RequestContext) ResponseHeaders() http.Header {
	return rc.headers
}
