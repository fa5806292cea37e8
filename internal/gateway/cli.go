package gateway

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// PromptPlaceholder in a CLI argument is replaced with the prompt text.
const PromptPlaceholder = "{prompt}"

// CLI runs a command line tool once per call, for example `claude -p <prompt>`
// or `codex exec <prompt>`. When no argument contains PromptPlaceholder the
// prompt is written to the tool's stdin.
type CLI struct {
	name    string
	command string
	args    []string
	dir     string
	env     []string
}

// NewCLI returns a CLI predictor.
func NewCLI(name, command string, args []string) *CLI {
	return &CLI{name: name, command: command, args: append([]string(nil), args...)}
}

// WithDir sets the working directory of the child process.
func (c *CLI) WithDir(dir string) *CLI {
	c.dir = dir
	return c
}

// WithEnv appends KEY=VALUE entries to the child environment.
func (c *CLI) WithEnv(env ...string) *CLI {
	c.env = append(c.env, env...)
	return c
}

// Name returns the predictor identity.
func (c *CLI) Name() string { return c.name }

// Invoke runs the command with the prompt.
func (c *CLI) Invoke(ctx context.Context, text string, timeout time.Duration) Result {
	return invoke(ctx, text, timeout, c.run)
}

func (c *CLI) run(ctx context.Context, prompt string) (string, error) {
	args, usesStdin := c.buildArgs(prompt)

	cmd := exec.CommandContext(ctx, c.command, args...)
	// Children that inherit the pipes must not keep Wait blocked after a kill.
	cmd.WaitDelay = time.Second
	if c.dir != "" {
		cmd.Dir = c.dir
	}
	if len(c.env) > 0 {
		cmd.Env = append(cmd.Environ(), c.env...)
	}
	if usesStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("%s: %w", c.command, err)
		}
		return "", fmt.Errorf("%s: %w (stderr: %s)", c.command, err, truncate(msg, 2000))
	}

	return stdout.String(), nil
}

func (c *CLI) buildArgs(prompt string) ([]string, bool) {
	args := make([]string, len(c.args))
	found := false
	for i, a := range c.args {
		if strings.Contains(a, PromptPlaceholder) {
			found = true
			a = strings.ReplaceAll(a, PromptPlaceholder, prompt)
		}
		args[i] = a
	}
	return args, !found
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
