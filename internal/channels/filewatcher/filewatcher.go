// Package filewatcher implements the file-watcher channel named in spec
// §1's front-end list and exercised by §6's `source_file`/`task_type`
// metadata round-trip: a directory is polled for new `.md` files, each
// one becomes one inbound envelope, and the agent's reply is written back
// alongside (or notifies a chat channel) rather than going nowhere.
//
// Grounded directly on original_source/nibot/channels/vault.py (poll
// loop, per-task-type subdirectory routing, processed-file state
// persisted to JSON so a restart does not replay old files, output path
// escape guard), translated into the Channel interface's Start/Stop/Send
// shape and a ticker-driven poll loop matching the Scheduler's own
// (internal/scheduler/scheduler.go) "wake every N seconds" pattern rather
// than the original's asyncio.to_thread scan.
package filewatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/channels"
	"github.com/nibot/nibot/internal/types"
)

const maxFileSize = 512 * 1024

// Config configures one watched directory.
type Config struct {
	WatchDir      string
	OutputDir     string // empty disables write-back
	PollInterval  time.Duration
	Tasks         map[string]string // task-type subdirectory -> prompt prefix
	NotifyChannel string            // empty disables the chat notification
	NotifyChatID  string
	StatePath     string // persisted set of already-processed relative paths
}

// Channel watches Config.WatchDir for new *.md files, one subdirectory
// per task type plus root-level files with no task type, and publishes
// each as an inbound envelope carrying source_file/task_type metadata.
type Channel struct {
	*channels.BaseChannel

	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	processed map[string]bool

	cancel context.CancelFunc
}

// New constructs a file-watcher channel. Start begins polling.
func New(cfg Config, b *bus.MessageBus, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("filewatcher", b, nil),
		cfg:         cfg,
		log:         log,
		processed:   make(map[string]bool),
	}
}

// Start loads persisted state and spawns the poll loop.
func (c *Channel) Start(ctx context.Context) error {
	if info, err := os.Stat(c.cfg.WatchDir); err != nil || !info.IsDir() {
		c.log.Warn("filewatcher watch_dir does not exist, channel idle", "dir", c.cfg.WatchDir)
		return nil
	}
	c.loadState()

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.SetRunning(true)

	go c.pollLoop(runCtx)
	return nil
}

// Stop cancels the poll loop and persists state one last time.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.SetRunning(false)
	c.saveState()
	return nil
}

func (c *Channel) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanAndProcess()
		}
	}
}

func (c *Channel) scanAndProcess() {
	for _, item := range c.scan() {
		c.processFile(item.path, item.taskType)
	}
}

type pending struct {
	path     string
	taskType string
}

// scan lists new .md files: one pass over task-type subdirectories, one
// pass over root-level files with an empty task type. Symlinks are
// skipped so a crafted link cannot point the watcher outside the tree.
func (c *Channel) scan() []pending {
	entries, err := os.ReadDir(c.cfg.WatchDir)
	if err != nil {
		c.log.Error("filewatcher: cannot list watch_dir", "error", err)
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []pending
	for _, e := range entries {
		if e.Type()&os.ModeSymlink != 0 {
			continue
		}
		if e.IsDir() {
			out = append(out, c.scanDir(filepath.Join(c.cfg.WatchDir, e.Name()), e.Name())...)
			continue
		}
		if strings.HasSuffix(e.Name(), ".md") {
			rel := e.Name()
			if !c.isProcessed(rel) {
				out = append(out, pending{path: filepath.Join(c.cfg.WatchDir, e.Name()), taskType: ""})
			}
		}
	}
	return out
}

func (c *Channel) scanDir(dir, taskType string) []pending {
	entries, err := os.ReadDir(dir)
	if err != nil {
		c.log.Warn("filewatcher: cannot scan subdirectory", "dir", dir, "error", err)
		return nil
	}
	var out []pending
	for _, e := range entries {
		if e.Type()&os.ModeSymlink != 0 || e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		rel := filepath.Join(taskType, e.Name())
		if !c.isProcessed(rel) {
			out = append(out, pending{path: filepath.Join(dir, e.Name()), taskType: taskType})
		}
	}
	return out
}

func (c *Channel) processFile(path, taskType string) {
	rel, err := filepath.Rel(c.cfg.WatchDir, path)
	if err != nil {
		rel = path
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() > maxFileSize {
		c.log.Warn("filewatcher: skipping oversized file", "file", path, "bytes", info.Size())
		c.markProcessed(rel)
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		c.log.Warn("filewatcher: cannot read file", "file", path, "error", err)
		c.markProcessed(rel)
		return
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		c.markProcessed(rel)
		return
	}

	body := string(content)
	if prompt, ok := c.cfg.Tasks[taskType]; ok && prompt != "" {
		body = "[task: " + taskType + "]\n" + prompt + "\n\n---\n\n" + body
	}

	chatID := taskType
	if chatID == "" {
		chatID = "default"
	}

	c.HandleMessage("filewatcher", chatID, body, nil, map[string]string{
		types.MetaSourceFile: path,
		types.MetaTaskType:   taskType,
	})
	c.markProcessed(rel)
	c.log.Info("filewatcher: queued file", "file", path, "task_type", taskType)
}

// Send writes the agent's reply back to OutputDir (mirroring source_file's
// basename under task_type) and/or relays a preview to NotifyChannel.
// Interim streaming chunks are ignored; only the terminal reply is
// persisted.
func (c *Channel) Send(ctx context.Context, e types.Envelope) error {
	if e.Metadata[types.MetaStreaming] == "true" && e.Metadata[types.MetaStreamDone] != "true" {
		return nil
	}

	taskType := sanitizeName(e.Metadata[types.MetaTaskType])
	sourceFile := e.Metadata[types.MetaSourceFile]
	filename := "output.md"
	if sourceFile != "" {
		filename = sanitizeName(filepath.Base(sourceFile))
	}

	if c.cfg.OutputDir != "" {
		outDir := c.cfg.OutputDir
		if taskType != "" {
			outDir = filepath.Join(outDir, taskType)
		}
		outPath := filepath.Join(outDir, filename)
		absOut, err1 := filepath.Abs(outPath)
		absRoot, err2 := filepath.Abs(c.cfg.OutputDir)
		if err1 != nil || err2 != nil || !strings.HasPrefix(absOut, absRoot) {
			c.log.Warn("filewatcher: output path escape blocked", "path", outPath)
			return nil
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(outPath, []byte(e.Content), 0o644); err != nil {
			return err
		}
		c.log.Info("filewatcher: output written", "path", outPath)
	}

	if c.cfg.NotifyChannel != "" && c.cfg.NotifyChatID != "" {
		preview := channels.Truncate(e.Content, 500)
		label := "[filewatcher] " + filename
		if taskType != "" {
			label = "[filewatcher/" + taskType + "] " + filename
		}
		c.Bus().PublishOutbound(types.Envelope{
			Channel:  c.cfg.NotifyChannel,
			ChatID:   c.cfg.NotifyChatID,
			SenderID: "filewatcher",
			Content:  label + "\n\n" + preview,
		})
	}
	return nil
}

func sanitizeName(name string) string {
	name = filepath.Base(name)
	if name == "." || name == ".." || name == "" {
		return "_invalid_"
	}
	return name
}

func (c *Channel) isProcessed(rel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed[rel]
}

func (c *Channel) markProcessed(rel string) {
	c.mu.Lock()
	c.processed[rel] = true
	c.mu.Unlock()
	c.saveState()
}

type stateFile struct {
	Processed []string `json:"processed"`
}

func (c *Channel) loadState() {
	if c.cfg.StatePath == "" {
		return
	}
	data, err := os.ReadFile(c.cfg.StatePath)
	if err != nil {
		return
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return
	}
	c.mu.Lock()
	for _, rel := range sf.Processed {
		c.processed[rel] = true
	}
	c.mu.Unlock()
}

func (c *Channel) saveState() {
	if c.cfg.StatePath == "" {
		return
	}
	c.mu.Lock()
	rels := make([]string, 0, len(c.processed))
	for rel := range c.processed {
		rels = append(rels, rel)
	}
	c.mu.Unlock()
	sort.Strings(rels)

	data, err := json.Marshal(stateFile{Processed: rels})
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.StatePath), 0o755); err != nil {
		c.log.Error("filewatcher: failed to save state", "error", err)
		return
	}
	tmp := c.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.log.Error("filewatcher: failed to save state", "error", err)
		return
	}
	os.Rename(tmp, c.cfg.StatePath)
}
