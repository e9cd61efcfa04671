package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawworker/internal/agent"
	"github.com/nextlevelbuilder/clawworker/internal/bus"
	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/internal/cron"
	"github.com/nextlevelbuilder/clawworker/internal/scheduler"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

type echoAgent struct {
	tasks chan protocol.TaskAssignment
}

func (a *echoAgent) ID() string      { return "echo" }
func (a *echoAgent) Model() string   { return "test-model" }
func (a *echoAgent) IsRunning() bool { return false }

func (a *echoAgent) StartTask(ctx context.Context, task protocol.TaskAssignment) (*agent.RunResult, error) {
	a.tasks <- task
	return &agent.RunResult{Output: "done", State: agent.StateDone}, nil
}

func (a *echoAgent) StartChat(ctx context.Context, turn protocol.ChatTurn) (*agent.RunResult, error) {
	return &agent.RunResult{SessionID: "chat-1", Output: "echo: " + turn.Message, State: agent.StateDone}, nil
}

type fixture struct {
	srv   *Server
	http  *httptest.Server
	agent *echoAgent
	bus   *bus.MessageBus
	cron  *cron.Service
}

func newFixture(t *testing.T, cfg config.GatewayConfig) *fixture {
	t.Helper()
	ag := &echoAgent{tasks: make(chan protocol.TaskAssignment, 8)}
	router := agent.NewRouter()
	router.Register(ag)
	disp := scheduler.NewDispatcher(context.Background(), router, scheduler.QueueConfig{})
	mb := bus.New()
	cs := cron.NewService("", func(ctx context.Context, job *cron.Job) (string, error) {
		task := job.Task(time.Now())
		_, err := disp.Submit(ctx, task)
		return task.TaskID, err
	})

	srv := NewServer(cfg, Deps{Agents: router, Dispatcher: disp, Bus: mb, Cron: cs})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		disp.Close()
		srv.shutdownClients()
	})
	return &fixture{srv: srv, http: hs, agent: ag, bus: mb, cron: cs}
}

func (f *fixture) post(t *testing.T, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, f.http.URL+path, bytes.NewReader(data))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestServer_SubmitTask(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{Token: "secret"})

	resp, _ := f.post(t, "/v1/tasks", "", protocol.TaskAssignment{AgentID: "echo", Title: "x"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", resp.StatusCode)
	}

	resp, body := f.post(t, "/v1/tasks", "secret", protocol.TaskAssignment{TaskID: "t1", AgentID: "Echo", Title: "write report"})
	if resp.StatusCode != http.StatusAccepted || body["taskId"] != "t1" {
		t.Fatalf("submit = %d %v", resp.StatusCode, body)
	}
	select {
	case got := <-f.agent.tasks:
		if got.Title != "write report" {
			t.Errorf("task = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never reached the agent")
	}

	resp, _ = f.post(t, "/v1/tasks", "secret", protocol.TaskAssignment{AgentID: "nobody", Title: "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown agent status = %d", resp.StatusCode)
	}
	resp, _ = f.post(t, "/v1/tasks", "secret", protocol.TaskAssignment{AgentID: "echo"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing title status = %d", resp.StatusCode)
	}
}

func TestServer_Chat(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})

	resp, body := f.post(t, "/v1/chat", "", protocol.ChatTurn{AgentID: "echo", Message: "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	if body["output"] != "echo: hello" || body["sessionId"] != "chat-1" {
		t.Errorf("body = %v", body)
	}
	if resp.Header.Get("X-Run-ID") == "" {
		t.Error("missing run id header")
	}
}

func TestServer_RateLimit(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{RateLimitRPM: 1, RateLimitBurst: 1})

	resp, _ := f.post(t, "/v1/chat", "", protocol.ChatTurn{AgentID: "echo", Message: "a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	resp, _ = f.post(t, "/v1/chat", "", protocol.ChatTurn{AgentID: "echo", Message: "b"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", resp.StatusCode)
	}
}

func dial(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()
	raw, _ := json.Marshal(params)
	if err := conn.WriteJSON(protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readFrame returns the next frame matching want ("res" or "event").
func readFrame(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		if frame["type"] == want {
			return frame
		}
	}
}

func TestServer_WebSocketRPCAndEvents(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{Token: "secret"})
	conn := dial(t, f)

	call(t, conn, "1", protocol.MethodStatus, nil)
	if res := readFrame(t, conn, protocol.FrameTypeResponse); res["ok"] != false {
		t.Fatalf("status before connect = %v", res)
	}

	call(t, conn, "2", protocol.MethodConnect, map[string]string{"token": "wrong"})
	if res := readFrame(t, conn, protocol.FrameTypeResponse); res["ok"] != false {
		t.Fatalf("connect with wrong token = %v", res)
	}

	call(t, conn, "3", protocol.MethodConnect, map[string]string{"token": "secret", "user_id": "u1"})
	if res := readFrame(t, conn, protocol.FrameTypeResponse); res["ok"] != true {
		t.Fatalf("connect = %v", res)
	}

	call(t, conn, "4", protocol.MethodTaskSubmit, protocol.TaskAssignment{TaskID: "ws-1", AgentID: "echo", Title: "t"})
	res := readFrame(t, conn, protocol.FrameTypeResponse)
	if res["ok"] != true || res["id"] != "4" {
		t.Fatalf("task.submit = %v", res)
	}
	<-f.agent.tasks

	f.bus.Broadcast(bus.Event{Name: protocol.EventTask, Payload: bus.AgentEvent{Type: protocol.TaskEventCompleted, AgentID: "echo", TaskID: "ws-1"}})
	f.bus.Broadcast(bus.Event{Name: protocol.EventConfigReloaded})
	ev := readFrame(t, conn, protocol.FrameTypeEvent)
	if ev["event"] != protocol.EventTask || ev["agentId"] != "echo" {
		t.Errorf("event = %v", ev)
	}

	call(t, conn, "5", protocol.MethodChatSend, protocol.ChatTurn{AgentID: "echo", Message: "hi"})
	res = readFrame(t, conn, protocol.FrameTypeResponse)
	payload, _ := res["payload"].(map[string]any)
	result, _ := payload["result"].(map[string]any)
	if res["ok"] != true || result["output"] != "echo: hi" {
		t.Errorf("chat.send = %v", res)
	}

	call(t, conn, "6", protocol.MethodChatAbort, map[string]string{"runId": "missing"})
	res = readFrame(t, conn, protocol.FrameTypeResponse)
	if payload, _ := res["payload"].(map[string]any); payload["aborted"] != false {
		t.Errorf("chat.abort = %v", res)
	}

	call(t, conn, "7", protocol.MethodSessionsList, nil)
	if res := readFrame(t, conn, protocol.FrameTypeResponse); res["ok"] != false {
		t.Errorf("sessions.list without store = %v", res)
	}
}

func TestServer_CronMethods(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	every := int64(3_600_000)
	job, err := f.cron.AddJob("hourly", "echo", cron.Schedule{Kind: "every", EveryMS: &every}, cron.Payload{Title: "sweep"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	conn := dial(t, f)
	call(t, conn, "1", protocol.MethodConnect, nil)
	readFrame(t, conn, protocol.FrameTypeResponse)

	call(t, conn, "2", protocol.MethodCronList, nil)
	res := readFrame(t, conn, protocol.FrameTypeResponse)
	payload, _ := res["payload"].(map[string]any)
	if jobs, _ := payload["jobs"].([]any); len(jobs) != 1 {
		t.Fatalf("cron.list = %v", res)
	}

	call(t, conn, "3", protocol.MethodCronRun, map[string]any{"jobId": job.ID})
	res = readFrame(t, conn, protocol.FrameTypeResponse)
	if payload, _ := res["payload"].(map[string]any); payload["ran"] != false {
		t.Fatalf("cron.run not due = %v", res)
	}

	call(t, conn, "4", protocol.MethodCronRun, map[string]any{"jobId": job.ID, "force": true})
	res = readFrame(t, conn, protocol.FrameTypeResponse)
	if payload, _ := res["payload"].(map[string]any); payload["ran"] != true {
		t.Fatalf("cron.run force = %v", res)
	}
	select {
	case got := <-f.agent.tasks:
		if got.Title != "sweep" || !strings.HasPrefix(got.TaskID, "cron-"+job.ID) {
			t.Errorf("task = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cron task never reached the agent")
	}

	call(t, conn, "5", protocol.MethodCronDelete, map[string]any{"jobId": "missing"})
	res = readFrame(t, conn, protocol.FrameTypeResponse)
	errShape, _ := res["error"].(map[string]any)
	if res["ok"] != false || errShape["code"] != protocol.ErrNotFound {
		t.Errorf("cron.delete missing = %v", res)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	defer rl.Close()
	for range 100 {
		if !rl.Allow("k") {
			t.Fatal("disabled limiter rejected")
		}
	}
}

func TestServer_ServeListener(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeListener: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeListener did not return after cancel")
	}
}

func TestRateLimiter_BurstThenRetryAfter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	defer rl.Close()

	for i := range 2 {
		if ok, _ := rl.Reserve("10.0.0.1"); !ok {
			t.Fatalf("request %d within burst rejected", i)
		}
	}
	ok, wait := rl.Reserve("10.0.0.1")
	if ok || wait <= 0 || wait > time.Second {
		t.Fatalf("over burst = %v, wait %s", ok, wait)
	}
	if got := retryAfterSeconds(wait); got != 1 {
		t.Errorf("Retry-After = %d, want 1", got)
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("separate key shares a bucket")
	}
}
