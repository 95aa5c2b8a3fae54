// CLAUDE:SUMMARY MCP diagnostics tools: weft_status and weft_simulate.

package patch

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/storyweft/weft/story"
)

// StatusInput is the input of the weft_status tool. No parameters.
type StatusInput struct{}

// StatusOutput reports the orchestrator state and the last session, if any.
type StatusOutput struct {
	State            string   `json:"state" jsonschema:"current pipeline state"`
	SessionID        string   `json:"session_id,omitempty" jsonschema:"id of the most recent patch session"`
	Mods             []string `json:"mods,omitempty" jsonschema:"mods applied in the most recent session"`
	Conflicts        int      `json:"conflicts,omitempty" jsonschema:"conflict count of the most recent session"`
	FailedTransforms int      `json:"failed_transforms,omitempty" jsonschema:"transform failures in the most recent session"`
	Completed        bool     `json:"completed,omitempty" jsonschema:"whether the most recent session ran the full pipeline"`
	Valid            bool     `json:"valid,omitempty" jsonschema:"whether the most recent session saw a well-formed tree"`
	Duration         string   `json:"duration,omitempty" jsonschema:"wall time of the most recent session"`
}

// SimulateInput is the input of the weft_simulate tool. No parameters; the
// simulation runs the configured entry source against the current baseline.
type SimulateInput struct{}

// SimulateOutput is the dry-run merge report, per kind.
type SimulateOutput struct {
	Mods      []string            `json:"mods,omitempty" jsonschema:"mods included in the simulation"`
	Conflicts map[string][]string `json:"conflicts,omitempty" jsonschema:"conflicting record names per kind"`
	Replaced  map[string]int      `json:"replaced,omitempty" jsonschema:"baseline records that would be replaced, per kind"`
	Added     map[string]int      `json:"added,omitempty" jsonschema:"records that would be appended, per kind"`
}

// RegisterMCP registers the patch diagnostics tools on srv. entries supplies
// the mod entries simulations run against (typically modlib's Entries); nil
// leaves weft_simulate unregistered.
func (o *Orchestrator) RegisterMCP(srv *mcp.Server, entries func(context.Context) ([]story.ModEntry, error)) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "weft_status",
		Description: "Report the patch pipeline state and the outcome of the most recent patch session.",
	}, o.mcpStatus)

	if entries == nil {
		return
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "weft_simulate",
		Description: "Dry-run the merge of the enabled mods against the current story baseline. Reports conflicts and per-kind replace/add counts without touching the story.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input SimulateInput) (*mcp.CallToolResult, SimulateOutput, error) {
		mods, err := entries(ctx)
		if err != nil {
			return nil, SimulateOutput{}, err
		}
		report, err := o.Simulate(ctx, mods)
		if err != nil {
			return nil, SimulateOutput{}, err
		}

		out := SimulateOutput{Mods: modNames(mods)}
		for _, k := range story.Kinds {
			if names := report.Conflicts.Kind(k); len(names) > 0 {
				if out.Conflicts == nil {
					out.Conflicts = make(map[string][]string)
				}
				out.Conflicts[k.String()] = names
			}
			d := report.Delta(k)
			if d.Replaced > 0 {
				if out.Replaced == nil {
					out.Replaced = make(map[string]int)
				}
				out.Replaced[k.String()] = d.Replaced
			}
			if d.Added > 0 {
				if out.Added == nil {
					out.Added = make(map[string]int)
				}
				out.Added[k.String()] = d.Added
			}
		}
		return nil, out, nil
	})
}

func (o *Orchestrator) mcpStatus(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	out := StatusOutput{State: o.State().String()}
	if last, ok := o.Last(); ok {
		out.SessionID = last.SessionID
		out.Mods = last.Mods
		out.Conflicts = last.Conflicts.Total()
		out.FailedTransforms = last.Transforms.Failed()
		out.Completed = last.Completed()
		out.Valid = last.Valid()
		out.Duration = last.Duration.String()
	}
	return nil, out, nil
}
