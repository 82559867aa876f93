package endpoints

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/DataFenix-Ltd/doc2json/internal/api"
	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/svcctx"
)

// SchemaSummary is one entry of the schema list.
type SchemaSummary struct {
	Name          string `json:"name"`
	ActiveVersion int    `json:"active_version"`
	Fields        int    `json:"fields"`
}

// ListSchemasResponse lists registered schemas.
type ListSchemasResponse struct {
	Schemas []SchemaSummary `json:"schemas"`
}

// SchemaHistoryResponse lists every version of a schema, oldest first.
type SchemaHistoryResponse struct {
	Name     string                   `json:"name"`
	Versions []*descriptor.Descriptor `json:"versions"`
}

// RollbackRequest selects the version whose fields become active again.
type RollbackRequest struct {
	Version int `json:"version"`
}

// ListSchemasEndpoint handles GET /api/schemas.
type ListSchemasEndpoint struct{}

func (e *ListSchemasEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/schemas", e.handler
}

func (e *ListSchemasEndpoint) RequiresInit() bool { return true }
func (e *ListSchemasEndpoint) Group() string      { return "schemas" }

// handler lists registered schemas with their active version.
func (e *ListSchemasEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schemas := svcctx.SchemasFrom(ctx)
	if schemas == nil {
		writeError(w, http.StatusInternalServerError, "schema registry not available")
		return
	}

	names, err := schemas.Names(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := ListSchemasResponse{Schemas: make([]SchemaSummary, 0, len(names))}
	for _, name := range names {
		d, err := schemas.GetActive(ctx, name)
		if err != nil {
			writeErr(w, err)
			return
		}
		resp.Schemas = append(resp.Schemas, SchemaSummary{Name: name, ActiveVersion: d.Version, Fields: len(d.Fields)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListSchemasEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListSchemasResponse
			if err := client.Get(cmd.Context(), "/api/schemas", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetSchemaEndpoint handles GET /api/schemas/{name}.
type GetSchemaEndpoint struct{}

func (e *GetSchemaEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/schemas/{name}", e.handler
}

func (e *GetSchemaEndpoint) RequiresInit() bool { return true }
func (e *GetSchemaEndpoint) Group() string      { return "schemas" }

// handler returns the active version, or the one named by ?version=.
func (e *GetSchemaEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schemas := svcctx.SchemasFrom(ctx)
	if schemas == nil {
		writeError(w, http.StatusInternalServerError, "schema registry not available")
		return
	}

	name := r.PathValue("name")
	var d *descriptor.Descriptor
	var err error
	if v := r.URL.Query().Get("version"); v != "" {
		version, convErr := strconv.Atoi(v)
		if convErr != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid version: %q must be an integer", v))
			return
		}
		d, err = schemas.Get(ctx, name, version)
	} else {
		d, err = schemas.GetActive(ctx, name)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (e *GetSchemaEndpoint) Command(getServerURL func() string) *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Get a schema version (default active)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			path := "/api/schemas/" + url.PathEscape(args[0])
			if version > 0 {
				path += "?version=" + strconv.Itoa(version)
			}
			var d descriptor.Descriptor
			if err := client.Get(cmd.Context(), path, &d); err != nil {
				return err
			}
			return api.Output(d)
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Version to show")
	return cmd
}

// SchemaHistoryEndpoint handles GET /api/schemas/{name}/history.
type SchemaHistoryEndpoint struct{}

func (e *SchemaHistoryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/schemas/{name}/history", e.handler
}

func (e *SchemaHistoryEndpoint) RequiresInit() bool { return true }
func (e *SchemaHistoryEndpoint) Group() string      { return "schemas" }

func (e *SchemaHistoryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schemas := svcctx.SchemasFrom(ctx)
	if schemas == nil {
		writeError(w, http.StatusInternalServerError, "schema registry not available")
		return
	}

	name := r.PathValue("name")
	versions, err := schemas.History(ctx, name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SchemaHistoryResponse{Name: name, Versions: versions})
}

func (e *SchemaHistoryEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "history <name>",
		Short: "List every version of a schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp SchemaHistoryResponse
			if err := client.Get(cmd.Context(), "/api/schemas/"+url.PathEscape(args[0])+"/history", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// RegisterSchemaEndpoint handles POST /api/schemas.
type RegisterSchemaEndpoint struct{}

func (e *RegisterSchemaEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/schemas", e.handler
}

func (e *RegisterSchemaEndpoint) RequiresInit() bool { return true }
func (e *RegisterSchemaEndpoint) Group() string      { return "schemas" }

// handler registers a descriptor as version 1. Existing names get 409.
func (e *RegisterSchemaEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schemas := svcctx.SchemasFrom(ctx)
	if schemas == nil {
		writeError(w, http.StatusInternalServerError, "schema registry not available")
		return
	}

	var d descriptor.Descriptor
	if err := decodeBody(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	registered, err := schemas.Register(ctx, &d)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (e *RegisterSchemaEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "register <file>",
		Short: "Register a schema from a YAML or JSON descriptor file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := descriptor.Load(args[0])
			if err != nil {
				return err
			}
			client := api.NewClient(getServerURL())
			var registered descriptor.Descriptor
			if err := client.Post(cmd.Context(), "/api/schemas", d, &registered); err != nil {
				return err
			}
			return api.Output(registered)
		},
	}
}

// RollbackSchemaEndpoint handles POST /api/schemas/{name}/rollback.
type RollbackSchemaEndpoint struct{}

func (e *RollbackSchemaEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/schemas/{name}/rollback", e.handler
}

func (e *RollbackSchemaEndpoint) RequiresInit() bool { return true }
func (e *RollbackSchemaEndpoint) Group() string      { return "schemas" }

// handler copies an earlier version's fields into a new active version.
func (e *RollbackSchemaEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schemas := svcctx.SchemasFrom(ctx)
	if schemas == nil {
		writeError(w, http.StatusInternalServerError, "schema registry not available")
		return
	}

	var req RollbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := schemas.Rollback(ctx, r.PathValue("name"), req.Version)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (e *RollbackSchemaEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <name> <version>",
		Short: "Make an earlier version's fields active again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[1])
			}
			client := api.NewClient(getServerURL())
			var d descriptor.Descriptor
			path := "/api/schemas/" + url.PathEscape(args[0]) + "/rollback"
			if err := client.Post(cmd.Context(), path, RollbackRequest{Version: version}, &d); err != nil {
				return err
			}
			return api.Output(d)
		},
	}
}

// AnalyzeSchemaEndpoint handles GET /api/schemas/{name}/analysis.
type AnalyzeSchemaEndpoint struct{}

func (e *AnalyzeSchemaEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/schemas/{name}/analysis", e.handler
}

func (e *AnalyzeSchemaEndpoint) RequiresInit() bool { return true }
func (e *AnalyzeSchemaEndpoint) Group() string      { return "schemas" }

func (e *AnalyzeSchemaEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schemas := svcctx.SchemasFrom(ctx)
	if schemas == nil {
		writeError(w, http.StatusInternalServerError, "schema registry not available")
		return
	}
	d, err := schemas.GetActive(ctx, r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, descriptor.Analyze(d))
}

func (e *AnalyzeSchemaEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <name>",
		Short: "Summarize the active version's fields and output size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var a descriptor.Analysis
			if err := client.Get(cmd.Context(), "/api/schemas/"+url.PathEscape(args[0])+"/analysis", &a); err != nil {
				return err
			}
			return api.Output(a)
		},
	}
}
