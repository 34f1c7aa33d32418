// Package context assembles the per-turn message list the Agent Loop sends
// to a provider (spec §4.9): layered system prompt (identity bootstrap
// files, runtime context, memory, skills) + the session's compacted
// summary (if any) + trimmed recent history + the current user turn.
//
// Grounded on original_source/nibot/context.py's ContextBuilder.build/
// _build_system_prompt/_build_user_content almost directly for the prompt
// layering and multimodal user-turn shape, combined with the teacher
// internal/agent/loop.go's token-budget trimming and compaction-scheduling
// hooks. The dedup map guarding "at most one compaction task per session"
// is protected by an explicit sync.Mutex, resolving spec §9's Open
// Question in favor of an explicit mutex over confining scheduling to an
// actor.
package context

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nibot/nibot/internal/store"
	"github.com/nibot/nibot/internal/types"
)

// BootstrapFiles are read, in order, from the workspace root and — when
// present and non-empty — concatenated into the identity layer of the
// system prompt.
var BootstrapFiles = []string{"IDENTITY.md", "AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md"}

// MemoryProvider supplies the long-term-memory layer of the system prompt.
type MemoryProvider interface {
	GetContext() string
}

// Skill is one loaded skill body.
type Skill struct {
	Name string
	Body string
}

// SkillsProvider supplies the always-on skill bodies plus a summary of
// skills available but not inlined.
type SkillsProvider interface {
	AlwaysSkills() []Skill
	BuildSummary() string
}

// Config carries the tunables this builder needs from the larger
// application configuration.
type Config struct {
	Workspace      string
	MaxMessages    int // session.get_history(max_messages=N); 0 = unlimited
	ContextWindow  int // tokens
	ContextReserve int // tokens held back for the model's own response
}

// Builder produces ordered message lists and tracks which sessions have a
// compaction task already in flight.
type Builder struct {
	cfg     Config
	memory  MemoryProvider
	skills  SkillsProvider
	now     func() time.Time
	compMu  sync.Mutex
	pending map[string]bool
}

func New(cfg Config, memory MemoryProvider, skills SkillsProvider) *Builder {
	return &Builder{cfg: cfg, memory: memory, skills: skills, now: time.Now, pending: make(map[string]bool)}
}

// BuildResult is the message list plus whether a compaction task should be
// scheduled for this session (fire-and-forget, deduplicated by the caller
// via ShouldCompact/MarkCompactionDone).
type BuildResult struct {
	Messages     []types.Message
	NeedsCompact bool
}

// Build assembles the message list for one turn. It is idempotent and
// side-effect-free except for the pending-compaction bookkeeping.
func (b *Builder) Build(sess *store.Session, current types.Envelope) BuildResult {
	var messages []types.Message

	messages = append(messages, types.Message{
		Role:      "system",
		Content:   b.buildSystemPrompt(current.Channel, current.ChatID),
		Timestamp: b.now(),
	})

	if sess.CompactedSummary != "" {
		messages = append(messages, types.Message{
			Role:      "system",
			Content:   "Summary of earlier conversation:\n" + sess.CompactedSummary,
			Timestamp: b.now(),
		})
	}

	history := sess.Messages
	needsCompact := false
	if b.cfg.MaxMessages > 0 && len(history) > b.cfg.MaxMessages {
		history = history[len(history)-b.cfg.MaxMessages:]
		needsCompact = true
	}
	messages = append(messages, history...)

	userMsg := types.Message{Role: "user", Content: current.Content, Timestamp: b.now()}
	userMsg.Images = b.encodeMediaImages(current.Media)
	messages = append(messages, userMsg)

	if budget := b.cfg.ContextWindow - b.cfg.ContextReserve; budget > 0 {
		for estimateTokens(messages) > budget && len(history) > 0 {
			history = history[1:]
			needsCompact = true
			messages = rebuildWithHistory(messages, history, len(messages)-len(history)-1)
		}
	}

	return BuildResult{Messages: messages, NeedsCompact: needsCompact && b.ShouldCompact(sess.Key)}
}

// rebuildWithHistory replaces the history slice embedded between the fixed
// prefix (system + optional summary) and the trailing user message.
func rebuildWithHistory(messages []types.Message, history []types.Message, prefixLen int) []types.Message {
	out := make([]types.Message, 0, prefixLen+len(history)+1)
	out = append(out, messages[:prefixLen]...)
	out = append(out, history...)
	out = append(out, messages[len(messages)-1])
	return out
}

// estimateTokens is a rough char/4 heuristic, matching the order of
// magnitude providers' own tokenizers produce without depending on a
// vendor-specific tokenizer library.
func estimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total
}

func (b *Builder) buildSystemPrompt(channel, chatID string) string {
	var sections []string

	for _, fname := range BootstrapFiles {
		data, err := os.ReadFile(filepath.Join(b.cfg.Workspace, fname))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			sections = append(sections, s)
		}
	}

	sections = append(sections, fmt.Sprintf("Current time: %s", b.now().Format(time.RFC3339)))
	if channel != "" {
		sections = append(sections, fmt.Sprintf("Current session: %s:%s", channel, chatID))
	}

	if b.memory != nil {
		if mem := b.memory.GetContext(); mem != "" {
			sections = append(sections, mem)
		}
	}

	if b.skills != nil {
		for _, s := range b.skills.AlwaysSkills() {
			sections = append(sections, fmt.Sprintf("## Skill: %s\n%s", s.Name, s.Body))
		}
		if summary := b.skills.BuildSummary(); summary != "" {
			sections = append(sections, "## Available Skills\nTo use a skill, read its SKILL.md with read_file.\n"+summary)
		}
	}

	return strings.Join(sections, "\n\n---\n\n")
}

// encodeMediaImages base64-encodes each media path into an ImageContent;
// per-provider request shaping (e.g. Anthropic vs OpenAI image parts)
// happens downstream in the provider package, not here.
func (b *Builder) encodeMediaImages(media []string) []types.ImageContent {
	var images []types.ImageContent
	for _, path := range media {
		if enc, mimeType, ok := encodeMedia(path); ok {
			images = append(images, types.ImageContent{MimeType: mimeType, Data: enc})
		}
	}
	return images
}

func encodeMedia(path string) (string, string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", false
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "image/png"
	}
	return base64.StdEncoding.EncodeToString(data), mimeType, true
}

// ShouldCompact reports whether no compaction task is currently pending
// for key, and if so marks one as pending (dedup happens here, under an
// explicit lock, unlike the synchronous un-locked check in the original).
func (b *Builder) ShouldCompact(key string) bool {
	b.compMu.Lock()
	defer b.compMu.Unlock()
	if b.pending[key] {
		return false
	}
	b.pending[key] = true
	return true
}

// MarkCompactionDone clears the pending flag once a compaction task
// finishes (success or failure), allowing a future turn to schedule again.
func (b *Builder) MarkCompactionDone(key string) {
	b.compMu.Lock()
	defer b.compMu.Unlock()
	delete(b.pending, key)
}
