// Package tools implements the Tool capability interface (spec §9:
// "{name, description, parameters, execute, receive_context?}") and the
// registry/policy layer the Agent Loop and Subagent Manager call through.
// Grounded on the teacher's internal/tools package for the Result shape
// and shell-denylist idiom, and on original_source/nibot/registry.py for
// the execute-catches-everything contract.
package tools

import (
	"context"

	"github.com/nibot/nibot/internal/types"
)

// Tool is one capability the Agent Loop can advertise to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, tc types.ToolContext, args map[string]interface{}) (*Result, error)
}

// ContextReceiver is implemented by tools that want the ToolContext stashed
// ahead of a call that doesn't itself carry it (matching the teacher's
// "receive_context?" optional capability).
type ContextReceiver interface {
	ReceiveContext(tc types.ToolContext)
}
