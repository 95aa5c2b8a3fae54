// CLAUDE:SUMMARY MCP diagnostics: weft_mods catalog listing tool.

package modlib

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ModsInput is the (empty) input of weft_mods.
type ModsInput struct{}

// ModSummary is one row of the weft_mods listing.
type ModSummary struct {
	Name      string `json:"name" jsonschema:"mod name"`
	Version   string `json:"version" jsonschema:"installed version"`
	Enabled   bool   `json:"enabled" jsonschema:"whether the mod joins the merge"`
	LoadOrder int    `json:"load_order" jsonschema:"merge position, low merges first"`
	Digest    string `json:"digest" jsonschema:"bundle content digest"`
}

// ModsOutput is the result of weft_mods.
type ModsOutput struct {
	Mods []ModSummary `json:"mods" jsonschema:"installed mods in load order"`
}

// RegisterMCP adds the library's listing tool to srv.
func (l *Library) RegisterMCP(srv *mcp.Server) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "weft_mods",
		Description: "List installed mods with enabled state and load order.",
	}, l.mcpMods)
}

func (l *Library) mcpMods(ctx context.Context, req *mcp.CallToolRequest, in ModsInput) (*mcp.CallToolResult, ModsOutput, error) {
	mods, err := l.List(ctx)
	if err != nil {
		return nil, ModsOutput{}, err
	}
	out := ModsOutput{Mods: make([]ModSummary, len(mods))}
	for i, m := range mods {
		out.Mods[i] = ModSummary{
			Name:      m.Name,
			Version:   m.Version,
			Enabled:   m.Enabled,
			LoadOrder: m.LoadOrder,
			Digest:    m.Digest,
		}
	}
	return nil, out, nil
}
