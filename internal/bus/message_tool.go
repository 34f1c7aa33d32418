package bus

import (
	"context"

	"github.com/nibot/nibot/internal/tools"
	"github.com/nibot/nibot/internal/types"
)

// MessageTool lets the LLM proactively push a message to the originating
// channel/chat mid-turn (spec §9's "message" orchestration tool), outside
// the normal final-reply path. It lives here rather than internal/tools to
// publish directly onto the bus without an import cycle; the composition
// root registers it into the shared tools.Registry.
type MessageTool struct {
	bus *MessageBus
}

func NewMessageTool(bus *MessageBus) *MessageTool { return &MessageTool{bus: bus} }

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to the current channel and chat immediately, without waiting for the final reply."
}

func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{"type": "string", "description": "The message text to send."},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, tc types.ToolContext, args map[string]interface{}) (*tools.Result, error) {
	content, _ := args["content"].(string)
	if content == "" {
		return tools.ErrorResult("content is required"), nil
	}
	t.bus.PublishOutbound(types.Envelope{
		Channel:  tc.Channel,
		ChatID:   tc.ChatID,
		SenderID: "agent",
		Content:  content,
	})
	return tools.NewResult("message sent"), nil
}
