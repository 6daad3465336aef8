// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Ansuz tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/syncservice"
)

// Server wraps the MCP server with Ansuz tools.
type Server struct {
	mcp *server.MCPServer
	svc *syncservice.Service
}

// New creates a new MCP server with all Ansuz tools registered.
func New(svc *syncservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Ansuz",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("due_cards",
		mcp.WithDescription("List flashcards currently due for review, soonest first."),
		mcp.WithString("collection", mcp.Description("Optional collection to restrict to")),
		mcp.WithNumber("limit", mcp.Description("Max cards returned (default 100)")),
	), s.dueCards)

	s.mcp.AddTool(mcp.NewTool("grade_card",
		mcp.WithDescription("Record a review grade for a card and advance its schedule. "+
			"Grades: 1=Again, 2=Hard, 3=Good, 4=Easy."),
		mcp.WithString("note_id", mcp.Required(), mcp.Description("Note id the card belongs to")),
		mcp.WithNumber("cloze_index", mcp.Required(), mcp.Description("Cloze id within the note")),
		mcp.WithNumber("grade", mcp.Required(), mcp.Description("Review grade, 1 to 4")),
	), s.gradeCard)

	s.mcp.AddTool(mcp.NewTool("sync_vault",
		mcp.WithDescription("Reconcile every markdown file in the vault against the card store."),
	), s.syncVault)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the full content of a markdown note from the vault."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note (e.g. topics/biology.md)")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("cloze_diagnostics",
		mcp.WithDescription("Report cloze deletions found in a note, including unclosed, "+
			"malformed, and dangling spans. Use this to debug why a card is missing. "+
			"Read the authoring rules first via the get_cloze_contract tool or the "+
			"ansuz://cloze-format resource."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note")),
	), s.clozeDiagnostics)

	s.mcp.AddTool(mcp.NewTool("get_cloze_contract",
		mcp.WithDescription("Returns the canonical Ansuz cloze authoring contract. "+
			"Call this before writing or editing cloze deletions in notes."),
	), s.getClozeContract)

	// Resource: cloze authoring contract.
	s.mcp.AddResource(
		mcp.NewResource("ansuz://cloze-format", "Cloze Format Contract",
			mcp.WithResourceDescription("Canonical cloze deletion syntax that vault notes must follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readClozeFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) dueCards(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	collection := req.GetString("collection", "")
	limit := req.GetInt("limit", 0)

	cards, err := s.svc.DueCards(ctx, collection, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(cards) == 0 {
		return mcp.NewToolResultText("no cards due"), nil
	}
	out, _ := json.MarshalIndent(cards, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) gradeCard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	noteID, err := req.RequireString("note_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	clozeIndex, err := req.RequireInt("cloze_index")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	grade, err := req.RequireInt("grade")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	card, err := s.svc.Grade(ctx, noteID, clozeIndex, models.Grade(grade), 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(card, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) syncVault(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := s.svc.SyncVault(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"synced: %d, skipped: %d, removed: %d, failed: %d",
		out.Synced, out.Skipped, out.Removed, out.Failed)), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := s.svc.ReadNote(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) clozeDiagnostics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.svc.Diagnostics(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getClozeContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ClozeFormatContract), nil
}

func (s *Server) readClozeFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "ansuz://cloze-format",
			MIMEType: "text/markdown",
			Text:     ClozeFormatContract,
		},
	}, nil
}
