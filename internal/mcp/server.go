// internal/mcp/server.go
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/colebrumley/fsstream/internal/checkpoint"
)

// Server exposes the checkpoint store and the daemon's stream status as MCP tools.
type Server struct {
	store     *checkpoint.Store
	stateDir  string
	statusURL string
	client    *http.Client
	server    *mcp.Server
}

// ListCheckpointsInput is the input schema for the list_checkpoints tool
type ListCheckpointsInput struct{}

// ListCheckpointsOutput is the output schema for the list_checkpoints tool
type ListCheckpointsOutput struct {
	Checkpoints []checkpoint.Record `json:"checkpoints"`
	Count       int                 `json:"count"`
}

// GetCheckpointInput is the input schema for the get_checkpoint tool
type GetCheckpointInput struct {
	Path string `json:"path" jsonschema:"Absolute watched path as configured"`
}

// GetCheckpointOutput is the output schema for the get_checkpoint tool
type GetCheckpointOutput struct {
	Found      bool               `json:"found"`
	Checkpoint *checkpoint.Record `json:"checkpoint,omitempty"`
}

// ResetCheckpointInput is the input schema for the reset_checkpoint tool
type ResetCheckpointInput struct {
	Path string `json:"path" jsonschema:"Absolute watched path whose checkpoint is discarded"`
}

// ResetCheckpointOutput is the output schema for the reset_checkpoint tool
type ResetCheckpointOutput struct {
	Message string `json:"message"`
}

// ListStreamsInput is the input schema for the list_streams tool
type ListStreamsInput struct{}

// ListStreamsOutput is the output schema for the list_streams tool
type ListStreamsOutput struct {
	Streams []map[string]any `json:"streams"`
}

// NewServer creates an MCP server over the checkpoint database at dbPath.
// stateDir holds the daemon lock that reset_checkpoint must take.
// statusURL is the daemon's status API base; empty disables list_streams.
func NewServer(dbPath, stateDir, statusURL string) (*Server, error) {
	store, err := checkpoint.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}

	s := &Server{
		store:     store,
		stateDir:  stateDir,
		statusURL: statusURL,
		client:    &http.Client{Timeout: 5 * time.Second},
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "fsstream",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_checkpoints",
		Description: "List the saved resume point of every watched path: event id, device and when it was saved.",
	}, s.handleListCheckpoints)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_checkpoint",
		Description: "Show the saved resume point for one watched path.",
	}, s.handleGetCheckpoint)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reset_checkpoint",
		Description: "Discard the saved resume point for a watched path. The next daemon start watches it from now on and skips history. Only use when asked to.",
	}, s.handleResetCheckpoint)

	if statusURL != "" {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "list_streams",
			Description: "Show the live state of every stream in the running daemon: phase, checkpoint, delivered counts and last error.",
		}, s.handleListStreams)
	}

	s.server = server
	return s, nil
}

func (s *Server) handleListCheckpoints(ctx context.Context, req *mcp.CallToolRequest, input ListCheckpointsInput) (*mcp.CallToolResult, ListCheckpointsOutput, error) {
	records, err := s.store.List()
	if err != nil {
		return nil, ListCheckpointsOutput{}, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if records == nil {
		records = []checkpoint.Record{}
	}
	return nil, ListCheckpointsOutput{Checkpoints: records, Count: len(records)}, nil
}

func (s *Server) handleGetCheckpoint(ctx context.Context, req *mcp.CallToolRequest, input GetCheckpointInput) (*mcp.CallToolResult, GetCheckpointOutput, error) {
	if input.Path == "" {
		return nil, GetCheckpointOutput{}, fmt.Errorf("path is required")
	}
	rec, ok, err := s.store.Load(input.Path)
	if err != nil {
		return nil, GetCheckpointOutput{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !ok {
		return nil, GetCheckpointOutput{}, nil
	}
	return nil, GetCheckpointOutput{Found: true, Checkpoint: &rec}, nil
}

func (s *Server) handleResetCheckpoint(ctx context.Context, req *mcp.CallToolRequest, input ResetCheckpointInput) (*mcp.CallToolResult, ResetCheckpointOutput, error) {
	if input.Path == "" {
		return nil, ResetCheckpointOutput{}, fmt.Errorf("path is required")
	}
	var existed bool
	err := checkpoint.Exclusive(s.stateDir, func() error {
		var err error
		existed, err = s.store.Reset(input.Path)
		return err
	})
	if errors.Is(err, checkpoint.ErrDaemonRunning) {
		return nil, ResetCheckpointOutput{}, err
	}
	if err != nil {
		return nil, ResetCheckpointOutput{}, fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	if !existed {
		return nil, ResetCheckpointOutput{}, fmt.Errorf("no checkpoint saved for %s", input.Path)
	}
	return nil, ResetCheckpointOutput{
		Message: fmt.Sprintf("Reset checkpoint for %s; the next daemon start watches it from now on", input.Path),
	}, nil
}

func (s *Server) handleListStreams(ctx context.Context, req *mcp.CallToolRequest, input ListStreamsInput) (*mcp.CallToolResult, ListStreamsOutput, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.statusURL+"/api/streams", nil)
	if err != nil {
		return nil, ListStreamsOutput{}, err
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, ListStreamsOutput{}, fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ListStreamsOutput{}, fmt.Errorf("daemon returned %s", resp.Status)
	}

	var out ListStreamsOutput
	if err := json.NewDecoder(resp.Body).Decode(&out.Streams); err != nil {
		return nil, ListStreamsOutput{}, fmt.Errorf("decoding stream status: %w", err)
	}
	return nil, out, nil
}

// Run starts the MCP server on stdio
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close closes the database connection
func (s *Server) Close() error {
	return s.store.Close()
}
