// Package mcpserver provides an MCP (Model Context Protocol) server that
// lets LLM agents run and inspect notebook cells over streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/cellar/internal/cells"
	"github.com/starford/cellar/internal/cellid"
	"github.com/starford/cellar/internal/executor"
	"github.com/starford/cellar/internal/journal"
	"github.com/starford/cellar/internal/notebook"
	"github.com/starford/cellar/internal/rewrite"
)

const contractURI = "cellar://cell-contract"

// Notebook is the part of the notebook service the tools drive.
type Notebook interface {
	ExecuteCells(ctx context.Context, cs []notebook.Cell, force, executeDirty bool) ([]executor.Outcome, error)
	Cells(path string) []cells.Cell
	Lookup(key cellid.Key) (cells.Cell, bool)
	Describe(id cellid.ID) (*rewrite.SourceDescription, error)
}

// ExecutionLog returns recent executions.
type ExecutionLog interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Server wraps the MCP server with cellar tools.
type Server struct {
	mcp     *server.MCPServer
	nb      Notebook
	journal ExecutionLog
}

// New creates a new MCP server with all cellar tools registered.
func New(nb Notebook, log ExecutionLog) *Server {
	s := &Server{nb: nb, journal: log}

	s.mcp = server.NewMCPServer(
		"Cellar",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("execute_cell",
		mcp.WithDescription("Store and run a notebook cell. Returns the decoded output items "+
			"and any streamed updates. Read the contract first via the get_cell_contract tool "+
			"or the "+contractURI+" resource."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path of the notebook document")),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source of the cell")),
		mcp.WithString("language", mcp.Description("javascript, typescript, javascriptreact or typescriptreact (default javascript)")),
		mcp.WithString("cellId", mcp.Description("Id of an existing cell to replace (a new cell is created when empty)")),
	), s.executeCell)

	s.mcp.AddTool(mcp.NewTool("list_cells",
		mcp.WithDescription("List the cells of a notebook document in creation order."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path of the notebook document")),
	), s.listCells)

	s.mcp.AddTool(mcp.NewTool("read_cell",
		mcp.WithDescription("Read a cell's code and the module it was rewritten to."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path of the notebook document")),
		mcp.WithString("cellId", mcp.Required(), mcp.Description("Cell id")),
	), s.readCell)

	s.mcp.AddTool(mcp.NewTool("recent_executions",
		mcp.WithDescription("List the most recent cell executions, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 50)")),
	), s.recentExecutions)

	s.mcp.AddTool(mcp.NewTool("get_cell_contract",
		mcp.WithDescription("Returns how cells are written and how their results are rendered."),
	), s.getCellContract)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Cell Contract",
			mcp.WithResourceDescription("How notebook cells are written and rendered."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// Handler returns the streamable HTTP transport for the server.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

type decodedItem struct {
	Mime string `json:"mime"`
	Text string `json:"text"`
}

type executeResult struct {
	CellID  string          `json:"cellId"`
	Status  string          `json:"status"`
	Items   []decodedItem   `json:"items"`
	Updates [][]decodedItem `json:"updates,omitempty"`
}

func decode(out *executor.CellOutput) []decodedItem {
	items := []decodedItem{}
	if out == nil {
		return items
	}
	for _, it := range out.Items {
		items = append(items, decodedItem{Mime: it.Mime, Text: string(it.Data)})
	}
	return items
}

func (s *Server) executeCell(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cellID := req.GetString("cellId", "")
	if cellID == "" {
		cellID = cellid.New()
	}
	lang := cellid.Language(req.GetString("language", string(cellid.JavaScript)))

	outcomes, err := s.nb.ExecuteCells(ctx, []notebook.Cell{{
		Path:     path,
		CellID:   cellID,
		Language: lang,
		Code:     &code,
	}}, true, false)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(outcomes) == 0 {
		return mcp.NewToolResultError("cell was not run"), nil
	}

	o := outcomes[0]
	res := executeResult{CellID: cellID, Status: o.Status, Items: decode(o.Output)}
	for i := range o.Updates {
		res.Updates = append(res.Updates, decode(&o.Updates[i]))
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

type cellSummary struct {
	CellID   string   `json:"cellId"`
	Language string   `json:"language"`
	Code     string   `json:"code"`
	Exports  []string `json:"exports"`
}

func (s *Server) listCells(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	list := []cellSummary{}
	for _, c := range s.nb.Cells(path) {
		exports := c.Exports
		if exports == nil {
			exports = []string{}
		}
		list = append(list, cellSummary{
			CellID:   c.ID.CellID,
			Language: string(c.Language),
			Code:     c.Code,
			Exports:  exports,
		})
	}
	out, _ := json.MarshalIndent(list, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

type cellDetail struct {
	ModuleID string                     `json:"moduleId"`
	Code     string                     `json:"code"`
	Module   *rewrite.SourceDescription `json:"module"`
}

func (s *Server) readCell(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cellID, err := req.RequireString("cellId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, ok := s.nb.Lookup(cellid.Key{Path: path, CellID: cellID})
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s#%s", path, cellID)), nil
	}
	desc, err := s.nb.Describe(c.ID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(cellDetail{ModuleID: c.ID.String(), Code: c.Code, Module: desc}, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) recentExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.journal.Recent(ctx, req.GetInt("limit", 50))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	out, _ := json.MarshalIndent(entries, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getCellContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(CellContract), nil
}

func (s *Server) readContractResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     CellContract,
		},
	}, nil
}
