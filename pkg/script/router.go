// Package script is the script environment for inbound requests.
//
// A Router holds routes loaded from configuration. Each route matches on
// method and a doublestar path glob, optionally guarded by an expr-lang
// condition, and computes its response body with an expr-lang program. All
// evaluation happens on the loop goroutine the bridge delivers requests on.
package script

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	json "github.com/goccy/go-json"

	"github.com/getmockd/scriptbridge/pkg/logging"
	"github.com/getmockd/scriptbridge/pkg/loop"
	"github.com/getmockd/scriptbridge/pkg/webserver"
)

// ErrInvalidRoute is returned by NewRouter for a route that cannot be compiled.
var ErrInvalidRoute = errors.New("invalid route")

// Route describes one scripted endpoint.
type Route struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Method matches the request method; empty or "*" matches any.
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Path is a doublestar glob matched against the decoded request path.
	Path string `json:"path" yaml:"path"`

	// When is an optional boolean expression that must hold for the route to match.
	When string `json:"when,omitempty" yaml:"when,omitempty"`

	// Status defaults to 200.
	Status  int               `json:"status,omitempty" yaml:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is an expression. Strings are written as is, anything else is
	// written as JSON.
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	Encoding string `json:"encoding,omitempty" yaml:"encoding,omitempty"`

	// Delay keeps the response open across loop turns before closing it.
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// Env is what route expressions see.
type Env struct {
	Method  string            `expr:"method"`
	URL     string            `expr:"url"`
	Path    string            `expr:"path"`
	Query   map[string]string `expr:"query"`
	Headers map[string]string `expr:"headers"`
	Form    map[string]string `expr:"form"`
	Body    string            `expr:"body"`
	Remote  string            `expr:"remote"`
}

type compiledRoute struct {
	Route
	when *vm.Program
	body *vm.Program
}

// Router dispatches inbound requests to compiled routes.
type Router struct {
	routes []compiledRoute
	poster loop.Poster
	log    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger for evaluation failures and unmatched requests.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithPoster sets the loop used to close delayed responses. Routes with a
// Delay respond immediately when no poster is configured.
func WithPoster(p loop.Poster) Option {
	return func(r *Router) { r.poster = p }
}

// NewRouter compiles routes. Every expression and glob is checked up front so
// a bad route fails at startup rather than per request.
func NewRouter(routes []Route, opts ...Option) (*Router, error) {
	r := &Router{log: logging.Nop()}
	for _, opt := range opts {
		opt(r)
	}

	for i, route := range routes {
		c, err := compileRoute(route)
		if err != nil {
			name := route.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("%w %s: %w", ErrInvalidRoute, name, err)
		}
		r.routes = append(r.routes, c)
	}
	return r, nil
}

func compileRoute(route Route) (compiledRoute, error) {
	c := compiledRoute{Route: route}
	if route.Path == "" {
		return c, errors.New("path is required")
	}
	if !doublestar.ValidatePattern(route.Path) {
		return c, fmt.Errorf("bad path pattern %q", route.Path)
	}
	if route.Status != 0 && (route.Status < 100 || route.Status > 999) {
		return c, fmt.Errorf("status %d out of range", route.Status)
	}
	if route.Delay < 0 {
		return c, fmt.Errorf("negative delay %s", route.Delay)
	}

	var err error
	if route.When != "" {
		c.when, err = expr.Compile(route.When, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return c, fmt.Errorf("compile when: %w", err)
		}
	}
	if route.Body != "" {
		c.body, err = expr.Compile(route.Body, expr.Env(Env{}))
		if err != nil {
			return c, fmt.Errorf("compile body: %w", err)
		}
	}
	return c, nil
}

// Len returns the number of routes.
func (r *Router) Len() int { return len(r.routes) }

// Handle answers req. It has the webserver.Handler signature and must run on
// the loop goroutine.
func (r *Router) Handle(req *webserver.Request, resp *webserver.Response) {
	env := newEnv(req)

	route, err := r.match(env)
	if err != nil {
		r.fail(resp, req, err)
		return
	}
	if route == nil {
		r.log.Debug("no route matched", "method", req.Method, "url", req.URL)
		resp.SetStatusCode(http.StatusNotFound)
		resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
		resp.Write("Not Found")
		resp.Close()
		return
	}

	body, contentType, err := route.render(env)
	if err != nil {
		r.fail(resp, req, err)
		return
	}

	status := route.Status
	if status == 0 {
		status = http.StatusOK
	}
	resp.SetStatusCode(status)
	if contentType != "" {
		resp.SetHeader("Content-Type", contentType)
	}
	for name, value := range route.Headers {
		resp.SetHeader(name, value)
	}
	if route.Encoding != "" {
		resp.SetEncoding(route.Encoding)
	}

	if route.Delay <= 0 || r.poster == nil {
		resp.Write(body)
		resp.Close()
		return
	}

	// Send headers now and finish on a later loop turn.
	resp.Write("")
	time.AfterFunc(route.Delay, func() {
		err := r.poster.Post(func() {
			resp.Write(body)
			resp.Close()
		})
		if err != nil {
			r.log.Debug("delayed response dropped", "url", req.URL, "error", err)
		}
	})
}

func (r *Router) match(env Env) (*compiledRoute, error) {
	for i := range r.routes {
		route := &r.routes[i]
		if route.Method != "" && route.Method != "*" && !strings.EqualFold(route.Method, env.Method) {
			continue
		}
		ok, err := doublestar.Match(route.Path, env.Path)
		if err != nil || !ok {
			continue
		}
		if route.when != nil {
			out, err := expr.Run(route.when, env)
			if err != nil {
				return nil, fmt.Errorf("eval when for %s: %w", route.Path, err)
			}
			if held, _ := out.(bool); !held {
				continue
			}
		}
		return route, nil
	}
	return nil, nil
}

func (c *compiledRoute) render(env Env) (body, contentType string, err error) {
	if c.body == nil {
		return "", "", nil
	}
	out, err := expr.Run(c.body, env)
	if err != nil {
		return "", "", fmt.Errorf("eval body for %s: %w", c.Path, err)
	}
	switch v := out.(type) {
	case nil:
		return "", "", nil
	case string:
		return v, "", nil
	case []byte:
		return string(v), "", nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", "", fmt.Errorf("encode body for %s: %w", c.Path, err)
	}
	return string(data), "application/json", nil
}

func (r *Router) fail(resp *webserver.Response, req *webserver.Request, err error) {
	r.log.Error("route evaluation failed", "method", req.Method, "url", req.URL, "error", err)
	resp.SetStatusCode(http.StatusInternalServerError)
	resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
	resp.Write(err.Error())
	resp.Close()
}

func newEnv(req *webserver.Request) Env {
	env := Env{
		Method:  req.Method,
		URL:     req.URL,
		Path:    req.URL,
		Query:   map[string]string{},
		Headers: req.Headers,
		Form:    map[string]string{},
		Remote:  req.RemoteAddr,
	}
	if u, err := url.ParseRequestURI(req.URL); err == nil {
		env.Path = u.Path
		for name, values := range u.Query() {
			env.Query[name] = values[len(values)-1]
		}
	}
	if form, ok := req.Form(); ok {
		env.Form = form.Map()
	}
	env.Body, _ = req.Body()
	return env
}
