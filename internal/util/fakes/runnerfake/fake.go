// Package runnerfake provides an in-memory ssh.Runner implementation for
// unit tests. It records every command and serves scripted responses and
// remote files.
package runnerfake

import (
	"fmt"
	"strings"
	"sync"

	"github.com/stratus-cloud/stratus-ci/pkg/execcontext"
)

// Call records a single remote command invocation.
type Call struct {
	Cmd []string
	Env map[string]string
}

// Line renders the call as a space-joined command line, without the
// environment assignments.
func (c Call) Line() string {
	return strings.Join(c.Cmd, " ")
}

// Response is what the fake returns for a command.
type Response struct {
	Stdout string
	Stderr string
	Err    error
}

type rule struct {
	prefix string
	resp   Response
}

// Fake is a scriptable ssh.Runner and ssh.FileFetcher. The zero value is
// not usable; construct with New. Safe for concurrent use.
type Fake struct {
	mu    sync.Mutex
	calls []Call
	rules []rule
	files map[string][]byte

	// Handler, when set, takes precedence over scripted rules. It allows
	// stateful scripting (e.g. fail N times, then succeed).
	Handler func(call Call) Response
}

// New creates an empty fake that answers every command with success.
func New() *Fake {
	return &Fake{files: map[string][]byte{}}
}

// RespondTo registers a response for commands whose rendered line starts
// with prefix. Rules are matched in registration order.
func (f *Fake) RespondTo(prefix string, resp Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, resp: resp})
}

// AddFile registers a remote file served by Fetch.
func (f *Fake) AddFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
}

// Run implements ssh.Runner.
func (f *Fake) Run(
	ctx execcontext.Context,
	cmd ...string,
) (stdout, stderr string, err error) {
	call := Call{Cmd: cmd, Env: ctx.Envs()}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	handler := f.Handler
	rules := f.rules
	f.mu.Unlock()

	if handler != nil {
		resp := handler(call)
		return resp.Stdout, resp.Stderr, resp.Err
	}

	line := call.Line()
	for _, r := range rules {
		if strings.HasPrefix(line, r.prefix) {
			return r.resp.Stdout, r.resp.Stderr, r.resp.Err
		}
	}

	return "", "", nil
}

// Fetch implements ssh.FileFetcher.
func (f *Fake) Fetch(remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[remotePath]
	if !ok {
		return nil, fmt.Errorf("unable to fetch %s: No such file or directory", remotePath)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Calls returns a copy of all recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CommandLines returns the rendered command line of every recorded call.
func (f *Fake) CommandLines() []string {
	calls := f.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Line())
	}
	return out
}
