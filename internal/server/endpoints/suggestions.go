package endpoints

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/DataFenix-Ltd/doc2json/internal/api"
	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/registry"
	"github.com/DataFenix-Ltd/doc2json/internal/svcctx"
)

// SuggestionsResponse lists suggestions.
type SuggestionsResponse struct {
	Suggestions []*registry.Suggestion `json:"suggestions"`
}

// ProposeEndpoint handles POST /api/schemas/{name}/suggestions.
// Assessments come from records stored by the sql destination.
type ProposeEndpoint struct{}

func (e *ProposeEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/schemas/{name}/suggestions", e.handler
}

func (e *ProposeEndpoint) RequiresInit() bool { return true }
func (e *ProposeEndpoint) Group() string      { return "suggestions" }

// handler aggregates the assessments of stored records into a pending
// suggestion. ?min_count= and ?min_percent= override the registry policy.
func (e *ProposeEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a := svcctx.AppFrom(ctx)
	if a == nil {
		writeError(w, http.StatusInternalServerError, "application not available")
		return
	}

	policy := a.Schemas().Policy()
	q := r.URL.Query()
	if v := q.Get("min_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid min_count")
			return
		}
		policy.MinRecords = n
	}
	if v := q.Get("min_percent"); v != "" {
		pct, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid min_percent")
			return
		}
		policy.MinFraction = pct / 100
	}
	if err := policy.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := r.PathValue("name")
	records, err := a.StoredRecords(ctx, name)
	if err != nil {
		writeErr(w, err)
		return
	}
	s, err := a.ProposeWithPolicy(ctx, name, records, policy)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (e *ProposeEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "propose <schema>",
		Short: "Propose new fields from stored assessments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var s registry.Suggestion
			if err := client.Post(cmd.Context(), "/api/schemas/"+url.PathEscape(args[0])+"/suggestions", nil, &s); err != nil {
				return err
			}
			return api.Output(s)
		},
	}
}

// ListSuggestionsEndpoint handles GET /api/suggestions.
type ListSuggestionsEndpoint struct{}

func (e *ListSuggestionsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/suggestions", e.handler
}

func (e *ListSuggestionsEndpoint) RequiresInit() bool { return true }
func (e *ListSuggestionsEndpoint) Group() string      { return "suggestions" }

func (e *ListSuggestionsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schemas := svcctx.SchemasFrom(ctx)
	if schemas == nil {
		writeError(w, http.StatusInternalServerError, "schema registry not available")
		return
	}

	q := r.URL.Query()
	all, err := schemas.Suggestions(ctx, q.Get("schema"))
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := SuggestionsResponse{Suggestions: []*registry.Suggestion{}}
	status := q.Get("status")
	for _, s := range all {
		if status == "" || string(s.Status) == status {
			resp.Suggestions = append(resp.Suggestions, s)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListSuggestionsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var schema, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if schema != "" {
				params.Set("schema", schema)
			}
			if status != "" {
				params.Set("status", status)
			}
			path := "/api/suggestions"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}
			client := api.NewClient(getServerURL())
			var resp SuggestionsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&schema, "schema", "", "Filter by schema name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, applied, discarded)")
	return cmd
}

// GetSuggestionEndpoint handles GET /api/suggestions/{id}.
type GetSuggestionEndpoint struct{}

func (e *GetSuggestionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/suggestions/{id}", e.handler
}

func (e *GetSuggestionEndpoint) RequiresInit() bool { return true }
func (e *GetSuggestionEndpoint) Group() string      { return "suggestions" }

func (e *GetSuggestionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schemas := svcctx.SchemasFrom(ctx)
	if schemas == nil {
		writeError(w, http.StatusInternalServerError, "schema registry not available")
		return
	}
	s, err := schemas.Suggestion(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (e *GetSuggestionEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a suggestion by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var s registry.Suggestion
			if err := client.Get(cmd.Context(), "/api/suggestions/"+url.PathEscape(args[0]), &s); err != nil {
				return err
			}
			return api.Output(s)
		},
	}
}

// ApplySuggestionEndpoint handles POST /api/suggestions/{id}/apply.
type ApplySuggestionEndpoint struct{}

func (e *ApplySuggestionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/suggestions/{id}/apply", e.handler
}

func (e *ApplySuggestionEndpoint) RequiresInit() bool { return true }
func (e *ApplySuggestionEndpoint) Group() string      { return "suggestions" }

// handler promotes a pending suggestion. A stale base version gets 409.
func (e *ApplySuggestionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schemas := svcctx.SchemasFrom(ctx)
	if schemas == nil {
		writeError(w, http.StatusInternalServerError, "schema registry not available")
		return
	}
	d, err := schemas.Apply(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (e *ApplySuggestionEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <id>",
		Short: "Promote a pending suggestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var d descriptor.Descriptor
			if err := client.Post(cmd.Context(), "/api/suggestions/"+url.PathEscape(args[0])+"/apply", nil, &d); err != nil {
				return err
			}
			return api.Output(d)
		},
	}
}

// DiscardSuggestionEndpoint handles POST /api/suggestions/{id}/discard.
type DiscardSuggestionEndpoint struct{}

func (e *DiscardSuggestionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/suggestions/{id}/discard", e.handler
}

func (e *DiscardSuggestionEndpoint) RequiresInit() bool { return true }
func (e *DiscardSuggestionEndpoint) Group() string      { return "suggestions" }

func (e *DiscardSuggestionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schemas := svcctx.SchemasFrom(ctx)
	if schemas == nil {
		writeError(w, http.StatusInternalServerError, "schema registry not available")
		return
	}
	id := r.PathValue("id")
	if err := schemas.Discard(ctx, id); err != nil {
		writeErr(w, err)
		return
	}
	s, err := schemas.Suggestion(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (e *DiscardSuggestionEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Discard a pending suggestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var s registry.Suggestion
			if err := client.Post(cmd.Context(), "/api/suggestions/"+url.PathEscape(args[0])+"/discard", nil, &s); err != nil {
				return err
			}
			return api.Output(s)
		},
	}
}
