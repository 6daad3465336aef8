package mcpserver

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/ansuz/internal/testutil"
)

func testServer(t *testing.T) (*Server, *testutil.Env) {
	t.Helper()
	env := testutil.NewEnv(t)
	return New(env.Service), env
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go doesn't expose a direct "call tool" test helper, so we call
	// the handler functions directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "due_cards":
		result, err = srv.dueCards(ctx, req)
	case "grade_card":
		result, err = srv.gradeCard(ctx, req)
	case "sync_vault":
		result, err = srv.syncVault(ctx, req)
	case "read_note":
		result, err = srv.readNote(ctx, req)
	case "cloze_diagnostics":
		result, err = srv.clozeDiagnostics(ctx, req)
	case "get_cloze_contract":
		result, err = srv.getClozeContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestSyncVaultAndDueCards(t *testing.T) {
	srv, env := testServer(t)
	env.WriteNote(t, "geo.md", "France: {{c1::Paris}}")

	r := callTool(t, srv, "sync_vault", map[string]interface{}{})
	if !strings.Contains(resultText(r), "synced: 1") {
		t.Errorf("sync result = %q", resultText(r))
	}

	r = callTool(t, srv, "due_cards", map[string]interface{}{})
	text := resultText(r)
	if !strings.Contains(text, `"cloze_index": 1`) {
		t.Errorf("due result missing card: %q", text)
	}
}

func TestDueCardsEmpty(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "due_cards", map[string]interface{}{})
	if resultText(r) != "no cards due" {
		t.Errorf("result = %q", resultText(r))
	}
}

func TestGradeCard(t *testing.T) {
	srv, env := testServer(t)
	env.WriteNote(t, "g.md", "Austria: {{c1::Vienna}}")
	_ = callTool(t, srv, "sync_vault", map[string]interface{}{})
	id := env.NoteID(t, "g.md")

	r := callTool(t, srv, "grade_card", map[string]interface{}{
		"note_id":     id,
		"cloze_index": float64(1),
		"grade":       float64(3),
	})
	if r.IsError {
		t.Fatalf("grade error: %q", resultText(r))
	}
	if !strings.Contains(resultText(r), `"reps": 1`) {
		t.Errorf("graded card = %q", resultText(r))
	}

	r = callTool(t, srv, "grade_card", map[string]interface{}{
		"note_id":     id,
		"cloze_index": float64(1),
		"grade":       float64(9),
	})
	if !r.IsError {
		t.Error("expected error for out-of-range grade")
	}
}

func TestReadNoteMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_note", map[string]interface{}{"path": "nope.md"})
	if !r.IsError {
		t.Error("expected error for missing note")
	}
}

func TestClozeDiagnostics(t *testing.T) {
	srv, env := testServer(t)
	env.WriteNote(t, "diag.md", "broken {{c1::span and {{c2::fine}}")

	r := callTool(t, srv, "cloze_diagnostics", map[string]interface{}{"path": "diag.md"})
	text := resultText(r)
	if !strings.Contains(text, "unclosed") {
		t.Errorf("diagnostics missing unclosed span: %q", text)
	}
}

func TestGetClozeContract(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_cloze_contract", map[string]interface{}{})
	if !strings.Contains(resultText(r), "Cloze Format Contract") {
		t.Error("contract text missing")
	}
}
