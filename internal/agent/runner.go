// Package agent invokes the Claude Code CLI as an isolated subprocess,
// assembling the prompt from conversation context and collecting the
// structured result, notifier output and token usage.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/claudio-sh/claudio/internal/history"
)

const (
	// runTimeout bounds one CLI invocation end to end.
	runTimeout = 600 * time.Second

	// killGrace is the wait between SIGTERM and SIGKILL on timeout.
	killGrace = 5 * time.Second
)

// toolsCSV lists the tools the CLI may use, including the MCP bridge
// tools exposed back into the chat.
const toolsCSV = "Read,Write,Edit,Bash,Glob,Grep,WebFetch,WebSearch,Task,TaskOutput,TaskStop,TodoWrite," +
	"mcp__claudio-tools__send_telegram_message,mcp__claudio-tools__restart_service"

// Runner executes the claude binary for one bot.
type Runner struct {
	binary string
	log    *slog.Logger

	// Bot-scoped settings.
	botDir         string
	telegramToken  string
	telegramChatID string
	mcpCommand     []string
	usage          *history.Store
}

// Result is the outcome of one agent run.
type Result struct {
	Response  string
	Notifiers []string
	ToolLines []string
}

// Options configures a Runner.
type Options struct {
	BotDir         string
	TelegramToken  string
	TelegramChatID string
	// MCPCommand launches the MCP tool server; empty disables the
	// claudio-tools server.
	MCPCommand []string
	// Usage receives token accounting; nil disables recording.
	Usage *history.Store
	Log   *slog.Logger
}

// NewRunner locates the claude binary and builds a runner.
func NewRunner(opts Options) (*Runner, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	binary, err := findBinary()
	if err != nil {
		return nil, err
	}
	return &Runner{
		binary:         binary,
		log:            log,
		botDir:         opts.BotDir,
		telegramToken:  opts.TelegramToken,
		telegramChatID: opts.TelegramChatID,
		mcpCommand:     opts.MCPCommand,
		usage:          opts.Usage,
	}, nil
}

// findBinary resolves claude via PATH, then the usual install locations.
func findBinary() (string, error) {
	if path, err := exec.LookPath("claude"); err == nil {
		return path, nil
	}
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".local", "bin", "claude"),
		"/opt/homebrew/bin/claude",
		"/usr/local/bin/claude",
		"/usr/bin/claude",
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("claude binary not found in PATH or standard locations")
}

// PromptContext carries the optional context blocks assembled around the
// user's message.
type PromptContext struct {
	Memories string
	History  string
}

// BuildPrompt wraps the user prompt with recalled memories and recent
// conversation history. A bare prompt passes through untouched.
func BuildPrompt(prompt string, pc PromptContext) string {
	if pc.Memories == "" && pc.History == "" {
		return prompt
	}
	var b strings.Builder
	if pc.Memories != "" {
		b.WriteString("<recalled-memories>\n")
		b.WriteString(pc.Memories)
		b.WriteString("</recalled-memories>\n")
	}
	if pc.History != "" {
		b.WriteString("<conversation-history>\n")
		b.WriteString(pc.History)
		b.WriteString("</conversation-history>\n")
	}
	b.WriteString("\nNow respond to this new message:\n\n")
	b.WriteString(prompt)
	return b.String()
}

// Run executes the CLI with prompt and model, returning the parsed
// result. The subprocess runs in its own session so a timeout can kill
// the entire process group, including anything the agent spawned.
func (r *Runner) Run(ctx context.Context, prompt, model string) (*Result, error) {
	workDir, err := os.MkdirTemp("", "claudio-run-")
	if err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	mcpConfig := filepath.Join(workDir, "mcp.json")
	notifierLog := filepath.Join(workDir, "notifier.log")
	toolLog := filepath.Join(workDir, "tools.log")
	for _, p := range []string{mcpConfig, notifierLog, toolLog} {
		if err := os.WriteFile(p, nil, 0o600); err != nil {
			return nil, fmt.Errorf("prepare run file: %w", err)
		}
	}
	if err := r.writeMCPConfig(mcpConfig, notifierLog); err != nil {
		return nil, err
	}

	args := []string{
		"--disable-slash-commands",
		"--mcp-config", mcpConfig,
		"--model", model,
		"--no-chrome",
		"--no-session-persistence",
		"--output-format", "json",
		"--tools", toolsCSV,
	}
	for _, tool := range strings.Split(toolsCSV, ",") {
		args = append(args, "--allowedTools", tool)
	}
	if sys := r.systemPrompt(); sys != "" {
		args = append(args, "--append-system-prompt", sys)
	}
	if model != "haiku" {
		args = append(args, "--fallback-model", "haiku")
	}
	args = append(args, "-p", "-")

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	cmd := exec.Command(r.binary, args...)
	cmd.Dir = r.botDir
	cmd.Stdin = strings.NewReader(prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	home, _ := os.UserHomeDir()
	env := append(os.Environ(),
		"CLAUDE_CODE_DISABLE_BACKGROUND_TASKS=1",
		"CLAUDIO_NOTIFIER_LOG="+notifierLog,
		"CLAUDIO_TOOL_LOG="+toolLog,
	)
	env = prependPath(env, filepath.Join(home, ".local", "bin"))
	cmd.Env = env

	stdout := &strings.Builder{}
	stderr := &strings.Builder{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}

	waitErr := r.waitOrKill(runCtx, cmd)
	elapsed := time.Since(start)

	result := &Result{
		Notifiers: readNotifierLines(notifierLog),
		ToolLines: readToolLines(toolLog),
	}
	response, usage := parseOutput(stdout.String())
	result.Response = response

	if waitErr != nil {
		r.log.Error("agent.run_failed", "error", waitErr, "stderr", truncate(stderr.String(), 2000), "elapsed", elapsed)
		if result.Response == "" {
			return result, fmt.Errorf("claude run failed: %w", waitErr)
		}
	}
	if r.usage != nil && usage != nil {
		usage.DurationMS = elapsed.Milliseconds()
		go r.usage.RecordUsage(*usage)
	}
	r.log.Info("agent.run_complete", "model", model, "elapsed", elapsed, "response_chars", len(result.Response))
	return result, nil
}

// waitOrKill waits for the process; on deadline it escalates from
// SIGTERM to SIGKILL against the whole process group.
func (r *Runner) waitOrKill(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	pgid := -cmd.Process.Pid
	r.log.Warn("agent.run_timeout", "pid", cmd.Process.Pid)
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case err := <-done:
		return fmt.Errorf("timed out (terminated): %w", orTimeout(err))
	case <-time.After(killGrace):
	}
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	select {
	case err := <-done:
		return fmt.Errorf("timed out (killed): %w", orTimeout(err))
	case <-time.After(killGrace):
		return fmt.Errorf("timed out, process group did not exit")
	}
}

func orTimeout(err error) error {
	if err == nil {
		return context.DeadlineExceeded
	}
	return err
}

// Complete runs a bare prompt with the haiku model and returns the text
// result. Satisfies the memory engine's LLM dependency.
func (r *Runner) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := r.Run(ctx, prompt, "haiku")
	if err != nil {
		return "", err
	}
	return result.Response, nil
}

// cliOutput is the JSON the CLI emits with --output-format json.
type cliOutput struct {
	Result       string             `json:"result"`
	TotalCostUSD float64            `json:"total_cost_usd"`
	DurationMS   int64              `json:"duration_ms"`
	Usage        map[string]int64   `json:"usage"`
	ModelUsage   map[string]any     `json:"modelUsage"`
}

// parseOutput extracts the response text and usage from CLI stdout,
// falling back to the raw text when it is not JSON.
func parseOutput(stdout string) (string, *history.Usage) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return "", nil
	}
	var out cliOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return trimmed, nil
	}
	usage := &history.Usage{
		InputTokens:         out.Usage["input_tokens"],
		OutputTokens:        out.Usage["output_tokens"],
		CacheReadTokens:     out.Usage["cache_read_input_tokens"],
		CacheCreationTokens: out.Usage["cache_creation_input_tokens"],
		CostUSD:             out.TotalCostUSD,
		DurationMS:          out.DurationMS,
	}
	for model := range out.ModelUsage {
		usage.Model = model
		break
	}
	if usage.Model == "" && usage.InputTokens == 0 && usage.OutputTokens == 0 && usage.CostUSD == 0 {
		usage = nil
	}
	return out.Result, usage
}

// writeMCPConfig emits the MCP server definition handing the CLI the
// claudio bridge tools.
func (r *Runner) writeMCPConfig(path, notifierLog string) error {
	if len(r.mcpCommand) == 0 {
		return os.WriteFile(path, []byte(`{"mcpServers":{}}`), 0o600)
	}
	cfg := map[string]any{
		"mcpServers": map[string]any{
			"claudio-tools": map[string]any{
				"command": r.mcpCommand[0],
				"args":    r.mcpCommand[1:],
				"env": map[string]string{
					"TELEGRAM_BOT_TOKEN": r.telegramToken,
					"TELEGRAM_CHAT_ID":   r.telegramChatID,
					"NOTIFIER_LOG_FILE":  notifierLog,
				},
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// systemPrompt concatenates the installation-wide SYSTEM_PROMPT.md with
// the bot's own CLAUDE.md, either optional.
func (r *Runner) systemPrompt() string {
	var parts []string
	for _, name := range []string{"SYSTEM_PROMPT.md", "CLAUDE.md"} {
		data, err := os.ReadFile(filepath.Join(r.botDir, name))
		if err == nil && len(data) > 0 {
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, "\n\n")
}

// readNotifierLines collects notifier output, stripping JSON string
// quoting the MCP tool uses.
func readNotifierLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var unquoted string
		if err := json.Unmarshal([]byte(line), &unquoted); err == nil {
			line = unquoted
		}
		out = append(out, "[Notification: "+line+"]")
	}
	return out
}

// readToolLines collects deduplicated tool log entries.
func readToolLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, "[Tool: "+line+"]")
	}
	return out
}

func prependPath(env []string, dir string) []string {
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = "PATH=" + dir + string(os.PathListSeparator) + strings.TrimPrefix(kv, "PATH=")
			return env
		}
	}
	return append(env, "PATH="+dir)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
