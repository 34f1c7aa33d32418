package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/nibot/nibot/internal/types"
)

// denyPatterns blocks the shell tool's most common misuse shapes: destructive
// file ops, exfiltration, reverse shells, and privilege escalation. Trimmed
// from the teacher's internal/tools/shell.go defaultDenyPatterns to the
// categories this module's tool catalog (illustrative, not exhaustively
// audited) needs to demonstrate the contract; a production deployment should
// run this tool inside an OS-level sandbox rather than relying on regexes
// alone.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bmount\b|\bumount\b`),
	regexp.MustCompile(`/var/run/docker\.sock`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
	regexp.MustCompile(`^\s*env\s*$`),
	regexp.MustCompile(`\bprintenv\b`),
}

// ShellTool runs a shell command on the host and returns its combined
// output. Grounded on the teacher's ExecTool, with the sandbox/approval
// layers dropped: this spec's tool catalog is explicitly out of scope
// beyond the contract, so a single direct-exec implementation suffices to
// exercise the Tool interface and the deny-pattern idiom.
type ShellTool struct {
	workingDir string
	timeout    time.Duration
}

func NewShellTool(workingDir string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShellTool{workingDir: workingDir, timeout: timeout}
}

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Description() string { return "Run a shell command and return its output." }

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to run.",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, tc types.ToolContext, args map[string]interface{}) (*Result, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required"), nil
	}
	for _, p := range denyPatterns {
		if p.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command rejected by policy: matches %s", p.String())), nil
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.workingDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s", t.timeout)), nil
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("exit error: %s\n%s", err, out.String())), nil
	}
	return NewResult(out.String()), nil
}
