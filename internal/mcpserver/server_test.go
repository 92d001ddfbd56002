package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/cellar/internal/cells"
	"github.com/starford/cellar/internal/executor"
	"github.com/starford/cellar/internal/host"
	"github.com/starford/cellar/internal/journal"
	"github.com/starford/cellar/internal/notebook"
	"github.com/starford/cellar/internal/testutil"
)

const cellA = "AAAAAAAAAAAAAAAAAAAAA"

type headless struct{}

func (headless) StartCellExecution(context.Context, string, string, bool) bool { return true }
func (headless) OutputStdout(_, _, _ string)                                  {}
func (headless) OutputStderr(_, _, _ string)                                  {}
func (headless) UpdateCellOutput(context.Context, string, string, executor.CellOutput) {
}
func (headless) EndCellExecution(context.Context, string, string, *executor.CellOutput) {
}

type nopPublisher struct{}

func (nopPublisher) PublishModuleUpdate([]string) {}
func (nopPublisher) PublishFullReload()           {}

func testServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	logger := testutil.QuietLogger()

	h, err := host.New(root, nopPublisher{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Close)

	db := testutil.TestJournal(t)
	svc := notebook.New(cells.New(), h, nil, logger)
	h.SetLoader(svc)
	svc.SetExecutor(executor.New(h, svc, headless{}, executor.Options{Journal: db, Logger: logger}))

	return New(svc, db), filepath.Join(root, "demo.vnb")
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "execute_cell":
		result, err = srv.executeCell(ctx, req)
	case "list_cells":
		result, err = srv.listCells(ctx, req)
	case "read_cell":
		result, err = srv.readCell(ctx, req)
	case "recent_executions":
		result, err = srv.recentExecutions(ctx, req)
	case "get_cell_contract":
		result, err = srv.getCellContract(ctx, req)
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

func TestExecuteCell(t *testing.T) {
	srv, doc := testServer(t)

	r := callTool(t, srv, "execute_cell", map[string]any{
		"path":   doc,
		"code":   "console.log('hi'); 1 + 2",
		"cellId": cellA,
	})
	if r.IsError {
		t.Fatalf("execute failed: %s", resultText(r))
	}
	var res executeResult
	if err := json.Unmarshal([]byte(resultText(r)), &res); err != nil {
		t.Fatal(err)
	}
	if res.CellID != cellA || res.Status != journal.StatusCompleted {
		t.Errorf("result = %+v", res)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items = %+v, want stdout and result", res.Items)
	}
	if res.Items[0].Mime != executor.MimeStdout || res.Items[0].Text != "hi\n" {
		t.Errorf("stdout item = %+v", res.Items[0])
	}
	if res.Items[1].Text != "3" {
		t.Errorf("result item = %+v", res.Items[1])
	}
}

func TestExecuteCellNewID(t *testing.T) {
	srv, doc := testServer(t)

	r := callTool(t, srv, "execute_cell", map[string]any{"path": doc, "code": "'x'"})
	var res executeResult
	if err := json.Unmarshal([]byte(resultText(r)), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.CellID) != 21 {
		t.Errorf("generated cell id = %q", res.CellID)
	}
}

func TestExecuteCellStreams(t *testing.T) {
	srv, doc := testServer(t)

	r := callTool(t, srv, "execute_cell", map[string]any{
		"path": doc,
		"code": "(function* () { yield 1; yield 2 })()",
	})
	var res executeResult
	if err := json.Unmarshal([]byte(resultText(r)), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Updates) != 2 {
		t.Errorf("updates = %+v, want 2", res.Updates)
	}
}

func TestExecuteCellBadLanguage(t *testing.T) {
	srv, doc := testServer(t)

	r := callTool(t, srv, "execute_cell", map[string]any{"path": doc, "code": "1", "language": "python"})
	if !r.IsError {
		t.Error("expected error for unknown language")
	}
}

func TestListAndReadCell(t *testing.T) {
	srv, doc := testServer(t)
	_ = callTool(t, srv, "execute_cell", map[string]any{
		"path":     doc,
		"code":     "const x: number = 5",
		"language": "typescript",
		"cellId":   cellA,
	})

	r := callTool(t, srv, "list_cells", map[string]any{"path": doc})
	var list []cellSummary
	if err := json.Unmarshal([]byte(resultText(r)), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].CellID != cellA || list[0].Language != "typescript" {
		t.Fatalf("list = %+v", list)
	}

	r = callTool(t, srv, "read_cell", map[string]any{"path": doc, "cellId": cellA})
	if r.IsError {
		t.Fatalf("read failed: %s", resultText(r))
	}
	var detail cellDetail
	if err := json.Unmarshal([]byte(resultText(r)), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Code != "const x: number = 5" {
		t.Errorf("code = %q", detail.Code)
	}
	if detail.Module == nil || strings.Contains(detail.Module.Code, ": number") {
		t.Errorf("module was not lowered: %+v", detail.Module)
	}
}

func TestReadCellMissing(t *testing.T) {
	srv, doc := testServer(t)
	r := callTool(t, srv, "read_cell", map[string]any{"path": doc, "cellId": cellA})
	if !r.IsError {
		t.Error("expected error for missing cell")
	}
}

func TestRecentExecutions(t *testing.T) {
	srv, doc := testServer(t)
	_ = callTool(t, srv, "execute_cell", map[string]any{"path": doc, "code": "throw new RangeError('no')"})

	r := callTool(t, srv, "recent_executions", map[string]any{"limit": 5})
	var entries []journal.Entry
	if err := json.Unmarshal([]byte(resultText(r)), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Status != journal.StatusError || entries[0].Error != "RangeError" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestCellContract(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_cell_contract", map[string]any{})
	if !strings.Contains(resultText(r), "use client") {
		t.Error("contract does not describe client cells")
	}
}
