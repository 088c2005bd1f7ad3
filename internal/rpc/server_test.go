package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/boardfleet/internal/host"
	"github.com/nerrad567/boardfleet/internal/infrastructure/config"
	"github.com/nerrad567/boardfleet/internal/infrastructure/logging"
	"github.com/nerrad567/boardfleet/internal/intercept"
	"github.com/nerrad567/boardfleet/internal/lease"
	"github.com/nerrad567/boardfleet/internal/sdk"
)

var testConfig = sdk.Config{Name: "logo", Power: 60, Speed: 800, Frequency: 30, Passes: 1}

const testSecret = "0123456789abcdef0123456789abcdef"

type testHost struct {
	ctrl   *host.Controller
	server *Server
	http   *httptest.Server
	client *Client
}

func newTestHost(t *testing.T, opts host.Options) *testHost {
	t.Helper()
	board := sdk.NewSimulated(sdk.SimConfig{
		Sync:         intercept.NewTable(intercept.NewNative(t.TempDir())),
		StepInterval: 5 * time.Millisecond,
		StepPercent:  25,
	})
	t.Cleanup(func() { board.Close() })

	th := &testHost{}
	opts.Address = "192.168.1.10"
	opts.Sink = host.SinkFunc(func(e host.Event) { th.server.Hub().Emit(e) })
	th.ctrl = host.New(board, opts)

	srv, err := New(Deps{
		Device:    th.ctrl,
		Logger:    logging.Discard(),
		WebSocket: config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		ServiceID: "dev_A",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	th.server = srv
	th.http = httptest.NewServer(srv.Handler())
	t.Cleanup(th.http.Close)
	th.client = NewClient(th.http.URL)
	return th
}

func (th *testHost) post(t *testing.T, method, body string) (*http.Response, Response) {
	t.Helper()
	resp, err := http.Post(th.http.URL+"/rpc/"+method, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding %s response: %v", method, err)
	}
	return resp, out
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without device returned nil error")
	}
}

func TestRPC_QueryBeforeInit(t *testing.T) {
	th := newTestHost(t, host.Options{})

	resp, out := th.post(t, "IsSdkInitialized", "")
	if resp.StatusCode != http.StatusOK || out.Result != false {
		t.Errorf("IsSdkInitialized = %d %v", resp.StatusCode, out.Result)
	}

	status, err := th.client.GetStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.WorkingStatus != host.StateDisconnected {
		t.Errorf("WorkingStatus = %s", status.WorkingStatus)
	}
}

func TestRPC_ErrorCodes(t *testing.T) {
	th := newTestHost(t, host.Options{})

	resp, out := th.post(t, "StartMark", "")
	if resp.StatusCode != http.StatusServiceUnavailable || out.Error == nil || out.Error.Code != CodeSystemNotReady {
		t.Errorf("StartMark before init = %d %+v", resp.StatusCode, out.Error)
	}
	if err := th.client.StartMark(context.Background()); !errors.Is(err, host.ErrSDKNotInitialized) {
		t.Errorf("client StartMark() error = %v, want system not ready", err)
	}

	th.ctrl.Init(context.Background())
	th.ctrl.Connect(context.Background())

	resp, out = th.post(t, "StartMark", "")
	if resp.StatusCode != http.StatusPreconditionFailed || out.Error.Code != CodeDeviceNotReady {
		t.Errorf("StartMark without config = %d %+v", resp.StatusCode, out.Error)
	}

	resp, out = th.post(t, "LoadConfiguration", "{not json")
	if resp.StatusCode != http.StatusBadRequest || out.Error.Code != CodeInvalidRequest {
		t.Errorf("LoadConfiguration bad JSON = %d %+v", resp.StatusCode, out.Error)
	}

	resp, out = th.post(t, "FormatDisk", "")
	if resp.StatusCode != http.StatusNotFound || out.Error.Code != CodeNotFound {
		t.Errorf("unknown method = %d %+v", resp.StatusCode, out.Error)
	}

	resp, out = th.post(t, "PauseMark", "")
	if resp.StatusCode != http.StatusConflict || out.Error.Code != CodeInvalidState {
		t.Errorf("PauseMark while connected = %d %+v", resp.StatusCode, out.Error)
	}
}

func TestRPC_MarkOverHTTP(t *testing.T) {
	th := newTestHost(t, host.Options{})
	ctx := context.Background()
	th.ctrl.Init(ctx)
	th.ctrl.Connect(ctx)

	if err := th.client.LoadConfiguration(ctx, testConfig); err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}
	var loaded sdk.Config
	if err := th.client.Call(ctx, "GetConfiguration", nil, &loaded); err != nil || loaded.Name != "logo" {
		t.Errorf("GetConfiguration = %+v, %v", loaded, err)
	}
	if err := th.client.StartMark(ctx); err != nil {
		t.Fatalf("StartMark() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := th.client.GetStatus(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if status.IsMarkFinish {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mark did not finish, status %+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var ok bool
	if err := th.client.Call(ctx, "DownloadFile", DownloadParams{Path: "/no/such/file"}, &ok); err == nil {
		t.Error("DownloadFile of a missing file returned nil error")
	}
}

func TestRPC_RenewLease(t *testing.T) {
	l := lease.New(testSecret, "dev_A", "inst-1", time.Second)
	th := newTestHost(t, host.Options{Lease: l})
	issuer := lease.NewIssuer(testSecret, time.Minute)

	token, want, err := issuer.Issue("dev_A", "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	renewer := NewLeaseRenewer()
	got, err := renewer.RenewLease(context.Background(), th.http.URL, token)
	if err != nil {
		t.Fatalf("RenewLease() error = %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("expires = %v, want %v", got, want)
	}
	if len(renewer.clients) != 1 {
		t.Errorf("renewer clients = %d", len(renewer.clients))
	}

	wrong, _, _ := issuer.Issue("dev_A", "inst-2")
	var rpcErr *Error
	if _, err := th.client.RenewLease(context.Background(), wrong); !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidRequest {
		t.Errorf("RenewLease(wrong instance) error = %v", err)
	}
}

func TestHealth(t *testing.T) {
	th := newTestHost(t, host.Options{})
	if err := th.client.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestMethods(t *testing.T) {
	table := methodTable(newTestHost(t, host.Options{}).ctrl)
	names := Methods()
	if len(names) != len(table) {
		t.Fatalf("catalog has %d names, table has %d", len(names), len(table))
	}
	for _, n := range names {
		if _, ok := table[n]; !ok {
			t.Errorf("catalog name %q missing from table", n)
		}
	}
	if !sort.StringsAreSorted(names) {
		t.Error("Methods() not sorted")
	}
}

func TestListenAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:9001", want: "localhost:9001"},
		{in: "http://0.0.0.0:9101/", want: "0.0.0.0:9101"},
		{in: "http://localhost", wantErr: true},
		{in: "ftp://localhost:21", wantErr: true},
		{in: "::bad", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ListenAddr(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ListenAddr(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestServer_StartClose(t *testing.T) {
	th := newTestHost(t, host.Options{})
	if err := th.server.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := NewClient("http://" + th.server.Addr()).Health(context.Background()); err != nil {
		t.Errorf("Health() on started server error = %v", err)
	}
	if err := th.server.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{host.ErrBusy, http.StatusConflict, CodeBusy},
		{fmt.Errorf("wrapped: %w", host.ErrNotConnected), http.StatusPreconditionFailed, CodeDeviceNotReady},
		{host.ErrConfigNotLoaded, http.StatusPreconditionFailed, CodeDeviceNotReady},
		{host.ErrSDKNotInitialized, http.StatusServiceUnavailable, CodeSystemNotReady},
		{host.ErrInvalidConfig, http.StatusBadRequest, CodeInvalidRequest},
		{lease.ErrTokenInvalid, http.StatusBadRequest, CodeInvalidRequest},
		{errUnknownMethod, http.StatusNotFound, CodeNotFound},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("classify(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
		}
	}

	if !errors.Is(&Error{Code: CodeBusy}, host.ErrBusy) {
		t.Error("busy Error does not match host.ErrBusy")
	}
}

func dialHub(t *testing.T, th *testHost) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(th.http.URL, "http") + "/hub"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f map[string]any
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return f
}

func TestHub_InvocationAndEvents(t *testing.T) {
	th := newTestHost(t, host.Options{})
	conn := dialHub(t, th)

	if err := conn.WriteJSON(map[string]any{"type": "invocation", "id": "1", "method": "GetHostAddress"}); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, conn)
	if f["type"] != FrameCompletion || f["id"] != "1" || f["result"] != "192.168.1.10" {
		t.Errorf("completion = %v", f)
	}

	conn.WriteJSON(map[string]any{"type": "invocation", "id": "2", "method": "StartMark"})
	f = readFrame(t, conn)
	errBody, _ := f["error"].(map[string]any)
	if errBody["code"] != CodeSystemNotReady {
		t.Errorf("StartMark completion = %v", f)
	}

	// Wait until the hub has registered the client before raising events.
	deadline := time.Now().Add(2 * time.Second)
	for th.server.Hub().ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	th.ctrl.Init(context.Background())

	f = readFrame(t, conn)
	if f["type"] != FrameEvent || f["event"] != host.EventStatusChanged {
		t.Errorf("event frame = %v", f)
	}
}

func TestHub_SubscribeFilter(t *testing.T) {
	th := newTestHost(t, host.Options{})
	conn := dialHub(t, th)

	conn.WriteJSON(map[string]any{"type": "subscribe", "id": "s", "events": []string{host.EventConnected}})
	if f := readFrame(t, conn); f["type"] != FrameCompletion {
		t.Fatalf("subscribe reply = %v", f)
	}

	th.ctrl.Init(context.Background())
	th.ctrl.Connect(context.Background())

	// Status changes are filtered out; the first frame is the connect.
	f := readFrame(t, conn)
	if f["event"] != host.EventConnected {
		t.Errorf("first event = %v, want connected", f["event"])
	}
	payload, _ := f["payload"].(map[string]any)
	if payload["isConnected"] != true {
		t.Errorf("payload = %v", payload)
	}
}

// TestHub_UnsubscribeEverything checks that dropping the last subscription
// silences a client, and that unsubscribing before any subscribe only skips
// the events named.
func TestHub_UnsubscribeEverything(t *testing.T) {
	th := newTestHost(t, host.Options{})
	quiet := dialHub(t, th)
	watcher := dialHub(t, th)

	quiet.WriteJSON(map[string]any{"type": "subscribe", "id": "s", "events": []string{host.EventConnected}})
	if f := readFrame(t, quiet); f["type"] != FrameCompletion {
		t.Fatalf("subscribe reply = %v", f)
	}
	quiet.WriteJSON(map[string]any{"type": "unsubscribe", "id": "u", "events": []string{host.EventConnected}})
	if f := readFrame(t, quiet); f["type"] != FrameCompletion {
		t.Fatalf("unsubscribe reply = %v", f)
	}

	watcher.WriteJSON(map[string]any{"type": "unsubscribe", "id": "u", "events": []string{host.EventStatusChanged}})
	if f := readFrame(t, watcher); f["type"] != FrameCompletion {
		t.Fatalf("unsubscribe reply = %v", f)
	}

	deadline := time.Now().Add(2 * time.Second)
	for th.server.Hub().ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	th.ctrl.Init(context.Background())
	th.ctrl.Connect(context.Background())

	if f := readFrame(t, watcher); f["event"] != host.EventConnected {
		t.Fatalf("watcher first event = %v, want connected", f["event"])
	}

	quiet.WriteJSON(map[string]any{"type": "ping", "id": "p"})
	if f := readFrame(t, quiet); f["type"] != FramePong {
		t.Errorf("quiet client received %v, want only the pong", f)
	}
	quiet.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var extra map[string]any
	if err := quiet.ReadJSON(&extra); err == nil {
		t.Errorf("quiet client received %v after unsubscribing", extra)
	}
}

func TestHub_PingAndBadFrames(t *testing.T) {
	th := newTestHost(t, host.Options{})
	conn := dialHub(t, th)

	conn.WriteJSON(map[string]any{"type": "ping", "id": "p"})
	if f := readFrame(t, conn); f["type"] != FramePong || f["id"] != "p" {
		t.Errorf("pong = %v", f)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("{nope"))
	if f := readFrame(t, conn); f["type"] != FrameError {
		t.Errorf("bad JSON reply = %v", f)
	}

	conn.WriteJSON(map[string]any{"type": "shout"})
	if f := readFrame(t, conn); f["type"] != FrameError {
		t.Errorf("unknown type reply = %v", f)
	}
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	msgs   []DeviceEventMessage
}

func (p *fakePublisher) PublishJSON(topic string, v any, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if retained {
		return errors.New("device events must not be retained")
	}
	p.topics = append(p.topics, topic)
	p.msgs = append(p.msgs, v.(DeviceEventMessage))
	return nil
}

type fakeProgress struct {
	phases   []string
	percents []int
}

func (f *fakeProgress) WriteDeviceProgress(_, phase string, percent int) {
	f.phases = append(f.phases, phase)
	f.percents = append(f.percents, percent)
}

func TestMQTTSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, "dev_A", logging.Discard())

	sink.Emit(host.Event{Type: host.EventConnected, Status: host.DeviceStatus{IsConnected: true}, Time: time.Now()})

	if len(pub.topics) != 1 || pub.topics[0] != "boardfleet/device/dev_A/event" {
		t.Fatalf("topics = %v", pub.topics)
	}
	if msg := pub.msgs[0]; msg.Event != host.EventConnected || !msg.Status.IsConnected || msg.ServiceID != "dev_A" {
		t.Errorf("message = %+v", msg)
	}
}

func TestMetricsSink(t *testing.T) {
	w := &fakeProgress{}
	sink := NewMetricsSink(w, "dev_A")

	sink.Emit(host.Event{Type: host.EventDownloadProgress, Status: host.DeviceStatus{DownloadProgress: 40}})
	sink.Emit(host.Event{Type: host.EventMarkFinished, Status: host.DeviceStatus{MarkProgress: 100}})
	sink.Emit(host.Event{Type: host.EventConnected})

	if len(w.phases) != 2 || w.phases[0] != "download" || w.percents[0] != 40 || w.phases[1] != "mark" || w.percents[1] != 100 {
		t.Errorf("written = %v %v", w.phases, w.percents)
	}
}
