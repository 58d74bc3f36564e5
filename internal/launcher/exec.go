package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const protocolVersion = "2025-06-18"

// ExecLauncher spawns command servers as child processes and drives their
// stdio JSON-RPC session.
type ExecLauncher struct {
	logger *zap.Logger
}

func NewExecLauncher(logger *zap.Logger) *ExecLauncher {
	return &ExecLauncher{logger: logger}
}

// Spawn starts the command, wires the stdio session, and performs the
// initialize handshake. The handshake doubles as spawn confirmation: a
// process that starts but never answers fails the spawn within ctx's
// deadline.
func (l *ExecLauncher) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = mergedEnv(spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("Spawn: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("Spawn: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("Spawn: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("Spawn: start %s: %w", spec.Command, err)
	}

	h := &execHandle{
		spec:   spec,
		cmd:    cmd,
		rpc:    newStdioClient(stdin, stdout),
		logger: l.logger,
		exited: make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()
	go h.pipeStderr(stderr)

	if err := h.initialize(ctx); err != nil {
		// Pre-cancelled context: skip the graceful wait, kill outright.
		killCtx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = h.Terminate(killCtx)
		return nil, fmt.Errorf("Spawn: initialize %s: %w", spec.Name, err)
	}
	return h, nil
}

// execHandle is a live child process plus its stdio session.
type execHandle struct {
	spec   Spec
	cmd    *exec.Cmd
	rpc    *stdioClient
	logger *zap.Logger

	exited  chan struct{}
	waitErr error

	grpcOnce sync.Once
	grpcConn *grpc.ClientConn
	grpcErr  error
}

func (h *execHandle) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "warden",
			"version": "1",
		},
	}
	if err := h.rpc.Call(ctx, "initialize", params, nil); err != nil {
		return err
	}
	return h.rpc.Notify("notifications/initialized", nil)
}

func (h *execHandle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

func (h *execHandle) Probe(ctx context.Context) error {
	if !h.Alive() {
		return fmt.Errorf("Probe: process exited: %v", h.waitErr)
	}
	if h.spec.HealthAddr != "" {
		return h.probeGRPC(ctx)
	}
	if err := h.rpc.Call(ctx, "ping", nil, nil); err != nil {
		return fmt.Errorf("Probe: %w", err)
	}
	return nil
}

// probeGRPC checks the standard grpc.health.v1 protocol. The connection is
// dialed lazily once and reused across probes.
func (h *execHandle) probeGRPC(ctx context.Context) error {
	h.grpcOnce.Do(func() {
		h.grpcConn, h.grpcErr = grpc.NewClient(h.spec.HealthAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	})
	if h.grpcErr != nil {
		return fmt.Errorf("probeGRPC: %w", h.grpcErr)
	}
	resp, err := healthpb.NewHealthClient(h.grpcConn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("probeGRPC: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("probeGRPC: status %s", resp.GetStatus())
	}
	return nil
}

func (h *execHandle) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if !h.Alive() {
		return nil, fmt.Errorf("ListTools: process exited: %v", h.waitErr)
	}
	return listToolsPaged(ctx, h.rpc)
}

// listToolsPaged walks tools/list cursor pagination until the server reports
// no next page.
func listToolsPaged(ctx context.Context, rpc *stdioClient) ([]ToolDescriptor, error) {
	var tools []ToolDescriptor
	cursor := ""
	for {
		var params interface{}
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		var page struct {
			Tools      []ToolDescriptor `json:"tools"`
			NextCursor string           `json:"nextCursor"`
		}
		if err := rpc.Call(ctx, "tools/list", params, &page); err != nil {
			return nil, fmt.Errorf("ListTools: %w", err)
		}
		tools = append(tools, page.Tools...)
		if strings.TrimSpace(page.NextCursor) == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// Terminate closes stdin, sends SIGTERM, and escalates to SIGKILL when ctx
// expires before the process exits.
func (h *execHandle) Terminate(ctx context.Context) error {
	select {
	case <-h.exited:
		h.closeGRPC()
		return nil
	default:
	}

	_ = h.rpc.Close()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-h.exited:
	case <-ctx.Done():
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-h.exited
	}
	h.closeGRPC()
	return nil
}

func (h *execHandle) closeGRPC() {
	if h.grpcConn != nil {
		_ = h.grpcConn.Close()
	}
}

func (h *execHandle) pipeStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		h.logger.Debug("server stderr",
			zap.String("server", h.spec.Name),
			zap.String("line", line),
		)
	}
}

// mergedEnv overlays overrides onto the parent environment, replacing keys
// rather than appending duplicates.
func mergedEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return os.Environ()
	}
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}
