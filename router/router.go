// Package router maps request uris onto handlers. The table is built once
// from an explicit list of routes and is read-only afterwards, so Dispatch
// may be called from any number of connection goroutines without locking.
package router

import (
	"cmp"
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/VictoriaMetrics/metrics"

	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/perfmonitor"
	"github.com/cyberinferno/campusrpc/protocol"
)

// HandlerFunc serves one request. It returns either a payload, which the
// router wraps in a SUCCESS response, or a complete *protocol.Response.
// Returned errors of type *Error keep their status; any other error becomes
// INTERNAL_ERROR. Handlers must be safe for concurrent use.
type HandlerFunc func(ctx context.Context, req *protocol.Request) (any, error)

// Route is one registration entry.
type Route struct {
	URI         string
	Role        string
	Description string
	Handler     HandlerFunc
}

// RouteInfo is the immutable table entry built from a Route.
type RouteInfo struct {
	URI          string
	Handler      HandlerFunc
	RequiredRole string
	Description  string

	requirement []string
}

// Router dispatches requests to handlers under the role policy.
type Router struct {
	routes  map[string]RouteInfo
	policy  *Policy
	logger  logger.Logger
	metrics *metrics.Set
}

// New builds the route table.
//
// Parameters:
//   - policy: Role rules; nil means exact role matching only
//   - log: Logger for handler failures
//   - routes: Every route the server exposes
//
// Returns:
//   - The router
//   - An error for an empty uri, a nil handler or a duplicate uri
func New(policy *Policy, log logger.Logger, routes ...Route) (*Router, error) {
	if policy == nil {
		policy = NewPolicy()
	}

	r := &Router{
		routes:  make(map[string]RouteInfo, len(routes)),
		policy:  policy,
		logger:  log.With(logger.Field{Key: "component", Value: "router"}),
		metrics: metrics.NewSet(),
	}

	for _, route := range routes {
		uri := strings.TrimSpace(route.URI)
		if uri == "" {
			return nil, fmt.Errorf("route with empty uri (%q)", route.Description)
		}

		if route.Handler == nil {
			return nil, fmt.Errorf("route %s has no handler", uri)
		}

		if _, exists := r.routes[uri]; exists {
			return nil, fmt.Errorf("duplicate route %s", uri)
		}

		requirement := ParseRequirement(route.Role)
		r.routes[uri] = RouteInfo{
			URI:          uri,
			Handler:      route.Handler,
			RequiredRole: strings.Join(requirement, ","),
			Description:  route.Description,
			requirement:  requirement,
		}
	}

	return r, nil
}

// Lookup returns the entry registered for uri.
func (r *Router) Lookup(uri string) (RouteInfo, bool) {
	info, ok := r.routes[uri]
	return info, ok
}

// Routes returns every entry sorted by uri.
func (r *Router) Routes() []RouteInfo {
	out := make([]RouteInfo, 0, len(r.routes))
	for _, info := range r.routes {
		out = append(out, info)
	}

	slices.SortFunc(out, func(a, b RouteInfo) int { return cmp.Compare(a.URI, b.URI) })
	return out
}

// Policy returns the role policy the router evaluates.
func (r *Router) Policy() *Policy {
	return r.policy
}

// Metrics returns the set holding request counters and latency histograms.
func (r *Router) Metrics() *metrics.Set {
	return r.metrics
}

// Dispatch routes req and always returns a response carrying req.ID. It
// never panics because of a handler.
func (r *Router) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	pm := perfmonitor.StartNew()

	resp, label := r.dispatch(ctx, req)
	resp.ID = req.ID

	pm.Stop()
	r.metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_requests_total{uri=%q,status=%q}`, label, resp.Status)).Inc()
	r.metrics.GetOrCreateHistogram(fmt.Sprintf(`rpc_request_duration_seconds{uri=%q}`, label)).Update(pm.ElapsedSeconds())

	return resp
}

// dispatch returns the response and the metrics label of the matched route;
// unknown uris share one label to keep the series count bounded.
func (r *Router) dispatch(ctx context.Context, req *protocol.Request) (*protocol.Response, string) {
	info, ok := r.routes[req.URI]
	if !ok {
		return protocol.NotFound(fmt.Sprintf("no route for %q", req.URI)), "unknown"
	}

	if !r.policy.Allowed(req.Session, info.requirement) {
		if !req.Session.IsActive() {
			return protocol.Forbidden("login required"), info.URI
		}

		return protocol.Forbidden("permission denied"), info.URI
	}

	return r.invoke(ctx, info, req), info.URI
}

func (r *Router) invoke(ctx context.Context, info RouteInfo, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				logger.Field{Key: "uri", Value: info.URI},
				logger.Field{Key: "panic", Value: fmt.Sprint(rec)},
				logger.Field{Key: "stack", Value: string(debug.Stack())},
			)
			resp = protocol.InternalError(fmt.Sprintf("internal error: %v", rec))
		}
	}()

	result, err := info.Handler(ctx, req)
	if err != nil {
		return r.errorResponse(info, err)
	}

	switch v := result.(type) {
	case *protocol.Response:
		if v == nil {
			return protocol.Success(nil)
		}
		return v
	case protocol.Response:
		return &v
	default:
		return protocol.Success(result)
	}
}

func (r *Router) errorResponse(info RouteInfo, err error) *protocol.Response {
	if e, ok := AsError(err); ok {
		if e.Err != nil {
			r.logger.Debug("handler rejected request",
				logger.Field{Key: "uri", Value: info.URI},
				logger.Field{Key: "status", Value: string(e.Status)},
				logger.Err(e.Err),
			)
		}

		return protocol.NewResponse(e.Status, e.Message, nil)
	}

	r.logger.Error("handler failed", logger.Field{Key: "uri", Value: info.URI}, logger.Err(err))
	return protocol.InternalError(err.Error())
}
