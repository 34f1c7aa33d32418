package subagent

import (
	"context"
	"fmt"

	"github.com/nibot/nibot/internal/tools"
	"github.com/nibot/nibot/internal/types"
)

// SpawnTool exposes Manager.Spawn as an LLM-callable tool (spec §9's
// "spawn" orchestration tool). It lives in this package rather than
// internal/tools to avoid an import cycle (the Manager itself depends on
// internal/tools for the Registry/Result types); the composition root
// registers it into the shared tools.Registry alongside the rest of the
// catalog.
type SpawnTool struct {
	manager *Manager
}

func NewSpawnTool(manager *Manager) *SpawnTool { return &SpawnTool{manager: manager} }

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn an isolated background subagent to work on a task and report back when done."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task":  map[string]interface{}{"type": "string", "description": "The task for the subagent to perform."},
			"label": map[string]interface{}{"type": "string", "description": "A short human-readable tag for this task."},
		},
		"required": []string{"task", "label"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, tc types.ToolContext, args map[string]interface{}) (*tools.Result, error) {
	task, _ := args["task"].(string)
	label, _ := args["label"].(string)
	if task == "" || label == "" {
		return tools.ErrorResult("task and label are required"), nil
	}
	taskID := t.manager.Spawn(task, label, tc.Channel, tc.ChatID, AgentConfig{}, nil)
	return tools.NewResult(fmt.Sprintf("Spawned subagent %s (%s)", taskID, label)), nil
}
