package endpoints

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/DataFenix-Ltd/doc2json/internal/api"
	"github.com/DataFenix-Ltd/doc2json/internal/app"
	"github.com/DataFenix-Ltd/doc2json/internal/destinations"
	"github.com/DataFenix-Ltd/doc2json/internal/svcctx"
	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

// ExtractDocument is one document in an extraction request.
type ExtractDocument struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	MimeHint string `json:"mime_hint,omitempty"`
	Pages    int    `json:"pages,omitempty"`
}

// ExtractRequest runs a batch against a schema.
type ExtractRequest struct {
	Schema        string            `json:"schema"`
	Documents     []ExtractDocument `json:"documents"`
	PinnedVersion int               `json:"pinned_version,omitempty"`
	Assess        *bool             `json:"assess,omitempty"`
	MaxWorkers    int               `json:"max_workers,omitempty"`
}

// ExtractResponse is the outcome of a batch. Records are also stored in
// the registry database so suggestions can be proposed from them later.
type ExtractResponse struct {
	Run      *types.RunMetadata   `json:"run"`
	Files    []types.FileMetadata `json:"files"`
	Records  []*types.Record      `json:"records"`
	Failures []*types.Failure     `json:"failures"`
}

// ExtractEndpoint handles POST /api/extract.
type ExtractEndpoint struct{}

func (e *ExtractEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/extract", e.handler
}

func (e *ExtractEndpoint) RequiresInit() bool { return true }

// handler extracts the posted documents against a schema and returns the
// records, failures and run metadata. POST /api/extract.
func (e *ExtractEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a := svcctx.AppFrom(ctx)
	if a == nil {
		writeError(w, http.StatusInternalServerError, "application not available")
		return
	}

	var req ExtractRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Schema == "" {
		writeError(w, http.StatusBadRequest, "schema is required")
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "at least one document is required")
		return
	}

	docs := make([]types.Document, len(req.Documents))
	for i, d := range req.Documents {
		if d.ID == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("documents[%d]: id is required", i))
			return
		}
		docs[i] = types.Document{ID: d.ID, Name: d.ID, Text: d.Text, MimeHint: d.MimeHint, Pages: d.Pages}
	}

	res, err := a.RunDocuments(ctx, app.RunRequest{
		Schema:        req.Schema,
		Destination:   &destinations.Config{Type: destinations.KindSQL},
		PinnedVersion: req.PinnedVersion,
		Assess:        req.Assess,
		MaxWorkers:    req.MaxWorkers,
	}, docs)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := ExtractResponse{
		Run:      res.Run,
		Files:    res.Run.Files,
		Records:  res.Records,
		Failures: res.Failures,
	}
	if resp.Records == nil {
		resp.Records = []*types.Record{}
	}
	if resp.Failures == nil {
		resp.Failures = []*types.Failure{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ExtractEndpoint) Command(getServerURL func() string) *cobra.Command {
	var version, workers int
	var assess, noAssess bool
	cmd := &cobra.Command{
		Use:   "extract <schema> <file>...",
		Short: "Extract text files on a running server",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ExtractRequest{Schema: args[0], PinnedVersion: version, MaxWorkers: workers}
			switch {
			case assess && noAssess:
				return errors.New("--assess and --no-assess are mutually exclusive")
			case assess:
				req.Assess = &assess
			case noAssess:
				off := false
				req.Assess = &off
			}
			for _, path := range args[1:] {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				req.Documents = append(req.Documents, ExtractDocument{ID: filepath.Base(path), Text: string(data)})
			}

			client := api.NewClient(getServerURL())
			var resp ExtractResponse
			if err := client.Post(cmd.Context(), "/api/extract", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Extract against this schema version instead of the active one")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent documents (default from config)")
	cmd.Flags().BoolVar(&assess, "assess", false, "Force the assessment pass on")
	cmd.Flags().BoolVar(&noAssess, "no-assess", false, "Force the assessment pass off")
	return cmd
}
