package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/openclaw/clawwrap/internal/process"
)

// CLI invokes the gateway's command-line interface through a Runner.
type CLI struct {
	name    string
	prefix  []string
	env     []string
	runner  *process.Runner
	timeout time.Duration
}

// NewCLI returns a CLI that runs `name prefix... <args>` with env.
func NewCLI(name string, prefix, env []string, runner *process.Runner, timeout time.Duration) *CLI {
	return &CLI{
		name:    name,
		prefix:  prefix,
		env:     env,
		runner:  runner,
		timeout: timeout,
	}
}

// Command builds the process.Command for args without running it.
func (c *CLI) Command(args ...string) process.Command {
	full := make([]string, 0, len(c.prefix)+len(args))
	full = append(full, c.prefix...)
	full = append(full, args...)
	return process.Command{
		Name:    c.name,
		Args:    full,
		Env:     c.env,
		Timeout: c.timeout,
	}
}

// Run executes the CLI with args.
func (c *CLI) Run(ctx context.Context, args ...string) (process.CommandResult, error) {
	return c.runner.Run(ctx, c.Command(args...))
}

// RunCommand is the long-running `gateway run` invocation bound to loopback.
func (c *CLI) RunCommand(port int, token string) process.Command {
	return c.Command("gateway", "run",
		"--bind", "loopback",
		"--port", strconv.Itoa(port),
		"--auth", "token",
		"--token", token,
	)
}

// ConfigSet runs `config set <key> <value>`.
func (c *CLI) ConfigSet(ctx context.Context, key, value string) (process.CommandResult, error) {
	return c.Run(ctx, "config", "set", key, value)
}

// ConfigSetJSON runs `config set --json <key> <json>`, for values that are
// not plain strings such as gateway.trustedProxies.
func (c *CLI) ConfigSetJSON(ctx context.Context, key string, value any) (process.CommandResult, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return process.CommandResult{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Run(ctx, "config", "set", "--json", key, string(data))
}

// Onboard runs `onboard <args>`.
func (c *CLI) Onboard(ctx context.Context, args []string) (process.CommandResult, error) {
	return c.Run(ctx, append([]string{"onboard"}, args...)...)
}

// Doctor runs `doctor`, whose output explains why a gateway won't come up.
func (c *CLI) Doctor(ctx context.Context) (process.CommandResult, error) {
	return c.Run(ctx, "doctor")
}

// Version runs `--version`.
func (c *CLI) Version(ctx context.Context) (process.CommandResult, error) {
	return c.Run(ctx, "--version")
}
