// Package eventlog implements the append-only JSONL operational trace
// (spec §4.8). Grounded on original_source/nibot/event_log.py's four
// event shapes and best-effort swallow-on-error writes. Unlike the Python
// original, which serializes appends with a blocking threading.Lock, this
// implementation routes every record through a single dedicated writer
// goroutine reading off a buffered channel -- producers never block on
// disk I/O, satisfying spec §4.8's explicit "without using a blocking
// lock that would stall the event loop" requirement.
package eventlog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

const queueCapacity = 1024

// Log is an append-only JSONL event writer.
type Log struct {
	path    string
	enabled bool
	log     *slog.Logger

	records  chan map[string]any
	done     chan struct{}
	failures atomic.Int32
}

// New starts the writer goroutine. Call Close to flush and stop it.
func New(path string, enabled bool, log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	l := &Log{
		path:    path,
		enabled: enabled,
		log:     log,
		records: make(chan map[string]any, queueCapacity),
		done:    make(chan struct{}),
	}
	if enabled {
		go l.run()
	} else {
		close(l.done)
	}
	return l
}

func (l *Log) run() {
	defer close(l.done)

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.log.Warn("eventlog: cannot create directory", "error", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Warn("eventlog: cannot open file, events will be discarded", "error", err)
		for range l.records {
		}
		return
	}
	defer f.Close()

	for rec := range l.records {
		b, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		b = append(b, '\n')
		if _, err := f.Write(b); err != nil {
			n := l.failures.Add(1)
			if n == 3 {
				l.log.Warn("eventlog: repeated write failures", "error", err)
			}
			continue
		}
		l.failures.Store(0)
	}
}

func (l *Log) append(eventType string, data map[string]any) {
	if !l.enabled {
		return
	}
	rec := map[string]any{
		"ts":   time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		"type": eventType,
	}
	for k, v := range data {
		rec[k] = v
	}
	select {
	case l.records <- rec:
	default:
		// Queue full: drop rather than block the hot path.
	}
}

// LogLLMCall records an llm_call event.
func (l *Log) LogLLMCall(provider, model string, inputTokens, outputTokens int, latencyMs float64, success bool, errMsg string) {
	data := map[string]any{
		"provider":      provider,
		"model":         model,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"latency_ms":    round1(latencyMs),
		"success":       success,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	l.append("llm_call", data)
}

// LogToolCall records a tool_call event.
func (l *Log) LogToolCall(tool string, durationMs float64, success bool, errMsg string) {
	data := map[string]any{
		"tool":        tool,
		"duration_ms": round1(durationMs),
		"success":     success,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	l.append("tool_call", data)
}

// LogProviderSwitch records a provider_switch event.
func (l *Log) LogProviderSwitch(chain []string, selected string, skipped []string, reason string) {
	l.append("provider_switch", map[string]any{
		"chain":    chain,
		"selected": selected,
		"skipped":  skipped,
		"reason":   reason,
	})
}

// LogRequest records a request event.
func (l *Log) LogRequest(channel, sessionKey string, latencyMs float64, toolCount, totalTokens int, provider string) {
	l.append("request", map[string]any{
		"channel":      channel,
		"session_key":  sessionKey,
		"latency_ms":   round1(latencyMs),
		"tool_count":   toolCount,
		"total_tokens": totalTokens,
		"provider":     provider,
	})
}

// Close drains and stops the writer goroutine.
func (l *Log) Close() {
	if !l.enabled {
		return
	}
	close(l.records)
	<-l.done
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
