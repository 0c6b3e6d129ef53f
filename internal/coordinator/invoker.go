package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/torosent/crankswarm/internal/transport"
	"github.com/torosent/crankswarm/internal/worker"
)

// Invoker starts one worker execution and waits for its Result.
type Invoker interface {
	Invoke(ctx context.Context, inv worker.Invocation) (worker.Result, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, inv worker.Invocation) (worker.Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv worker.Invocation) (worker.Result, error) {
	return f(ctx, inv)
}

// LocalInvoker runs workers as goroutines of this process. All of them
// publish through the same transport handle.
type LocalInvoker struct {
	Transport transport.Transport
	Options   worker.Options
}

func (l *LocalInvoker) Invoke(ctx context.Context, inv worker.Invocation) (worker.Result, error) {
	opts := l.Options
	opts.Transport = l.Transport
	return worker.Run(ctx, inv, opts)
}

// ProcessInvoker re-executes a binary, by default this one, as
// `<path> worker`. The invocation is written to the child's stdin and the
// JSON Result read from its stdout; stderr is passed through.
type ProcessInvoker struct {
	Path   string
	Args   []string
	Env    []string
	Stderr io.Writer
}

// NewProcessInvoker returns an invoker that re-executes the running binary.
func NewProcessInvoker(extraArgs ...string) (*ProcessInvoker, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ProcessInvoker{Path: self, Args: append([]string{"worker"}, extraArgs...), Stderr: os.Stderr}, nil
}

func (p *ProcessInvoker) Invoke(ctx context.Context, inv worker.Invocation) (worker.Result, error) {
	if transport.IsProcessLocal(inv.Destination) {
		return worker.Result{}, fmt.Errorf("destination %q is not reachable from a worker process", inv.Destination)
	}
	input, err := worker.EncodeInvocation(inv)
	if err != nil {
		return worker.Result{}, err
	}

	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = p.Stderr
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), p.Env...)
	}

	runErr := cmd.Run()
	var res worker.Result
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &res); err != nil && runErr == nil {
			return res, fmt.Errorf("worker %s: decode result %q: %w", inv.WorkerID, truncate(string(out), 200), err)
		}
	}
	if runErr != nil {
		return res, fmt.Errorf("worker %s: %w", inv.WorkerID, runErr)
	}
	return res, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
