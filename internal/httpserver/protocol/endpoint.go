// Package protocol describes how a group of HTTP routes plugs into the server.
package protocol

import "net/http"

// EndpointRoute binds one method and path to a handler.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint is a named set of routes registered together.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
