package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Registry holds all registered endpoints.
type Registry struct {
	endpoints []Endpoint
}

// NewRegistry creates a new endpoint registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an endpoint to the registry.
func (r *Registry) Register(ep Endpoint) {
	r.endpoints = append(r.endpoints, ep)
}

// RegisterRoutes registers all endpoint HTTP routes with the given mux.
// initMiddleware wraps handlers that require full server initialization.
func (r *Registry) RegisterRoutes(mux *http.ServeMux, initMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	for _, ep := range r.endpoints {
		method, path, handler := ep.Route()
		if ep.RequiresInit() {
			handler = initMiddleware(handler)
		}
		mux.HandleFunc(method+" "+path, handler)
	}
}

// BuildCommands returns a cobra.Command tree for all registered endpoints.
// Endpoints with a Group share a parent command of that name.
// getServerURL is called at runtime to get the server URL.
func (r *Registry) BuildCommands(getServerURL func() string) *cobra.Command {
	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Commands that call the running server",
		Long: `API commands call a running doc2json server via HTTP.

These commands require a running server (doc2json serve).
Use --server to specify a custom server URL.

Examples:
  doc2json api health                       # Check server health
  doc2json api schemas list                 # List registered schemas
  doc2json api extract invoice a.txt b.txt  # Extract documents remotely`,
	}

	groups := make(map[string]*cobra.Command)
	for _, ep := range r.endpoints {
		parent := apiCmd
		if g, ok := ep.(Grouped); ok && g.Group() != "" {
			name := g.Group()
			if groups[name] == nil {
				groups[name] = &cobra.Command{Use: name, Short: name + " commands"}
				apiCmd.AddCommand(groups[name])
			}
			parent = groups[name]
		}
		parent.AddCommand(ep.Command(getServerURL))
	}

	return apiCmd
}

// Endpoints returns all registered endpoints.
func (r *Registry) Endpoints() []Endpoint {
	return r.endpoints
}
