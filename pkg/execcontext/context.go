// Package execcontext carries the immutable execution context handed to
// every command a pipeline stage runs, locally or on a remote host. It
// replaces implicit environment-variable propagation between stages with an
// explicit value threaded through each call.
package execcontext

import (
	"fmt"
	"maps"
	"os/exec"
	"sort"
	"strings"
)

// Context exposes the environment and command prefix applied to commands.
// Implementations must be safe for concurrent read access.
type Context interface {
	// Envs returns a copy of the environment variables.
	Envs() map[string]string
	// PrependCmd returns a copy of the command prefix (e.g. "sudo").
	PrependCmd() []string
}

// New creates a Context from the given environment and command prefix. The
// maps and slices are copied; callers may mutate their arguments afterwards.
func New(envs map[string]string, prependCmd []string) Context {
	c := &context{
		envs:       make(map[string]string, len(envs)),
		prependCmd: make([]string, len(prependCmd)),
	}
	maps.Copy(c.envs, envs)
	copy(c.prependCmd, prependCmd)
	return c
}

// Merge returns a new Context combining base with extra environment
// variables. Keys in extra win over keys in base. The command prefix is
// inherited from base.
func Merge(base Context, extra map[string]string) Context {
	envs := base.Envs()
	maps.Copy(envs, extra)
	return New(envs, base.PrependCmd())
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// ApplyToCmd applies the context to a local *exec.Cmd: environment variables
// are appended and the command prefix is prepended to the argv.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	cmd.Env = append(cmd.Env, sortedEnvs(ctx)...)

	prepend := ctx.PrependCmd()
	if len(prepend) == 0 {
		return
	}

	resolved := exec.Command(prepend[0], prepend[1:]...)
	cmd.Args = append(resolved.Args, cmd.Args...)
	cmd.Path = resolved.Path
}

// FormatCmd renders the context and command as a single shell line suitable
// for execution through a remote session. Environment assignments come
// first, then the command prefix, then the command itself. Arguments are
// quoted unless they are shell control operators.
//
// Assignment prefixes only bind the single command they precede, so for
// compound lines the assignments are re-emitted after every control
// operator; otherwise `K=v cd dir && ./run.sh` would run ./run.sh without K.
func FormatCmd(ctx Context, cmd ...string) string {
	var b strings.Builder

	envs := sortedEnvs(ctx)
	writeEnvs := func() {
		for _, kv := range envs {
			k, v, _ := strings.Cut(kv, "=")
			fmt.Fprintf(&b, "%s=%q ", k, v)
		}
	}

	writeEnvs()

	for _, s := range ctx.PrependCmd() {
		appendQuoted(&b, s)
	}

	for _, s := range cmd {
		if _, ok := controlOperators[s]; ok {
			fmt.Fprintf(&b, "%s ", s)
			writeEnvs()
			continue
		}
		appendQuoted(&b, s)
	}

	return strings.TrimSpace(b.String())
}

// sortedEnvs returns KEY=VALUE pairs in deterministic key order.
func sortedEnvs(ctx Context) []string {
	envs := ctx.Envs()
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, envs[k]))
	}
	return out
}

// Shell control operators that must not be quoted when rendering a command
// line.
var controlOperators = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"|":  {},
	"&":  {},
}

func appendQuoted(b *strings.Builder, s string) {
	fmt.Fprintf(b, "%q ", s)
}
