package launcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"
)

// fakeServer scripts the far side of a stdio session over in-memory pipes.
type fakeServer struct {
	requests chan rpcRequest
	writer   io.Writer
}

func newFakeServer() (*fakeServer, *stdioClient) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	fs := &fakeServer{
		requests: make(chan rpcRequest, 16),
		writer:   respW,
	}
	go func() {
		sc := bufio.NewScanner(reqR)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			var req rpcRequest
			if json.Unmarshal(sc.Bytes(), &req) == nil {
				fs.requests <- req
			}
		}
		close(fs.requests)
	}()
	return fs, newStdioClient(reqW, respR)
}

func (fs *fakeServer) sendRaw(line string) {
	fmt.Fprintln(fs.writer, line)
}

func (fs *fakeServer) respond(id int64, result string) {
	fs.sendRaw(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))
}

func (fs *fakeServer) nextRequest(t *testing.T) rpcRequest {
	t.Helper()
	select {
	case req := <-fs.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
		return rpcRequest{}
	}
}

func TestStdioClient_CallSkipsNotifications(t *testing.T) {
	fs, client := newFakeServer()

	done := make(chan error, 1)
	var result map[string]string
	go func() {
		done <- client.Call(context.Background(), "ping", nil, &result)
	}()

	req := fs.nextRequest(t)
	if req.Method != "ping" || req.ID == nil {
		t.Fatalf("unexpected request %+v", req)
	}
	// A server-initiated notification arrives before the response.
	fs.sendRaw(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`)
	fs.respond(*req.ID, `{"status":"ok"}`)

	if err := <-done; err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result["status"] != "ok" {
		t.Fatalf("result = %v", result)
	}
}

func TestStdioClient_CallErrorResponse(t *testing.T) {
	fs, client := newFakeServer()

	done := make(chan error, 1)
	go func() {
		done <- client.Call(context.Background(), "tools/list", nil, nil)
	}()

	req := fs.nextRequest(t)
	fs.sendRaw(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, *req.ID))

	err := <-done
	if err == nil {
		t.Fatal("expected error from error response")
	}
}

func TestStdioClient_CallContextDeadline(t *testing.T) {
	_, client := newFakeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, "ping", nil, nil)
	if err == nil {
		t.Fatal("expected deadline error against a silent server")
	}
}

func TestListToolsPaged_FollowsCursor(t *testing.T) {
	fs, client := newFakeServer()

	done := make(chan struct {
		tools []ToolDescriptor
		err   error
	}, 1)
	go func() {
		tools, err := listToolsPaged(context.Background(), client)
		done <- struct {
			tools []ToolDescriptor
			err   error
		}{tools, err}
	}()

	req := fs.nextRequest(t)
	fs.respond(*req.ID, `{"tools":[{"name":"search"}],"nextCursor":"p2"}`)

	req = fs.nextRequest(t)
	params, _ := req.Params.(map[string]interface{})
	if params["cursor"] != "p2" {
		t.Fatalf("second page params = %v, want cursor p2", req.Params)
	}
	fs.respond(*req.ID, `{"tools":[{"name":"fetch"}]}`)

	out := <-done
	if out.err != nil {
		t.Fatalf("listToolsPaged: %v", out.err)
	}
	if len(out.tools) != 2 || out.tools[0].Name != "search" || out.tools[1].Name != "fetch" {
		t.Fatalf("tools = %+v", out.tools)
	}
}

func TestBuiltinSet_SpawnAndLifecycle(t *testing.T) {
	set := NewBuiltinSet()
	set.Register("clock-tools", []ToolDescriptor{{Name: "now"}})

	h, err := set.spawn(Spec{Name: "clock-tools", Builtin: true})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !h.Alive() {
		t.Fatal("builtin should start alive")
	}
	if err := h.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	tools, err := h.ListTools(context.Background())
	if err != nil || len(tools) != 1 || tools[0].Name != "now" {
		t.Fatalf("ListTools = %v, %v", tools, err)
	}

	if err := h.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if h.Alive() {
		t.Fatal("builtin alive after Terminate")
	}
	if err := h.Probe(context.Background()); err == nil {
		t.Fatal("probe should fail after Terminate")
	}
}

func TestBuiltinSet_SpawnUnknown(t *testing.T) {
	set := NewBuiltinSet()
	_, err := set.spawn(Spec{Name: "ghost", Builtin: true})
	if err == nil {
		t.Fatal("expected error for unregistered builtin")
	}
}

func TestRouter_RoutesBuiltin(t *testing.T) {
	set := NewBuiltinSet()
	set.Register("clock-tools", nil)
	router := NewRouter(nil, set)

	h, err := router.Spawn(context.Background(), Spec{Name: "clock-tools", Builtin: true})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !h.Alive() {
		t.Fatal("expected live builtin handle")
	}
}
