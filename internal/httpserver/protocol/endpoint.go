// Package protocol describes how HTTP endpoint groups declare their routes.
package protocol

import "net/http"

// Access is the caller requirement for a route.
type Access int

const (
	// Public routes need no credentials.
	Public Access = iota
	// Authenticated routes need a valid bearer token.
	Authenticated
	// Admin routes need a bearer token carrying the ADMIN role.
	Admin
)

// EndpointRoute binds one method and path to a handler.
type EndpointRoute struct {
	Method  string
	Path    string
	Access  Access
	Handler http.Handler
}

// Endpoint is a named group of routes registered together.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
