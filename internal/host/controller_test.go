package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/boardfleet/internal/intercept"
	"github.com/nerrad567/boardfleet/internal/lease"
	"github.com/nerrad567/boardfleet/internal/sdk"
)

var testConfig = sdk.Config{Name: "logo", Power: 60, Speed: 800, Frequency: 30, Passes: 1}

// eventLog records emitted event types.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) has(typ string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

type fixture struct {
	board *sdk.Simulated
	ctrl  *Controller
	log   *eventLog
}

func newFixture(t *testing.T, simCfg sdk.SimConfig, opts Options) *fixture {
	t.Helper()
	if simCfg.Sync == nil {
		simCfg.Sync = intercept.NewTable(intercept.NewNative(t.TempDir()))
	}
	if simCfg.StepInterval == 0 {
		simCfg.StepInterval = 5 * time.Millisecond
	}
	if simCfg.StepPercent == 0 {
		simCfg.StepPercent = 20
	}
	board := sdk.NewSimulated(simCfg)
	t.Cleanup(func() { board.Close() })

	log := &eventLog{}
	if opts.Address == "" {
		opts.Address = "192.168.1.10"
	}
	opts.Sink = log
	return &fixture{board: board, ctrl: New(board, opts), log: log}
}

// ready returns an initialized, connected, configured controller.
func ready(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, sdk.SimConfig{}, Options{})
	ctx := context.Background()
	if err := f.ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := f.ctrl.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := f.ctrl.LoadConfiguration(testConfig); err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func writeJob(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.bin")
	if err := os.WriteFile(path, []byte("vectors"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestController_DefaultsBeforeInit(t *testing.T) {
	f := newFixture(t, sdk.SimConfig{}, Options{})
	c := f.ctrl

	status := c.GetStatus()
	if status.WorkingStatus != StateDisconnected || status.IsConnected || status.IsMarking {
		t.Errorf("initial status = %+v", status)
	}
	if c.IsSdkInitialized() {
		t.Error("IsSdkInitialized() = true before Init")
	}
	if _, err := c.GetFixedIndex(); !errors.Is(err, ErrSDKNotInitialized) {
		t.Errorf("GetFixedIndex() error = %v", err)
	}
	if err := c.StartMark(); !errors.Is(err, ErrSDKNotInitialized) {
		t.Errorf("StartMark() error = %v, want ErrSDKNotInitialized", err)
	}
	if err := c.LoadConfiguration(testConfig); !errors.Is(err, ErrSDKNotInitialized) {
		t.Errorf("LoadConfiguration() error = %v, want ErrSDKNotInitialized", err)
	}
	if got := c.GetHostAddress(); got != "192.168.1.10" {
		t.Errorf("GetHostAddress() = %q", got)
	}
}

func TestController_DeviceNotReady(t *testing.T) {
	f := newFixture(t, sdk.SimConfig{}, Options{})
	c := f.ctrl
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := c.StartMark(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartMark() while disconnected error = %v, want ErrNotConnected", err)
	}
	if _, err := c.GetBoardIndex(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("GetBoardIndex() error = %v, want ErrNotConnected", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := c.GetStatus().WorkingStatus; got != StateConnected {
		t.Errorf("state after connect = %s, want connected", got)
	}
	if err := c.StartMark(); !errors.Is(err, ErrConfigNotLoaded) {
		t.Errorf("StartMark() without config error = %v, want ErrConfigNotLoaded", err)
	}
}

func TestController_ConfigBeforeConnectIsApplied(t *testing.T) {
	f := newFixture(t, sdk.SimConfig{}, Options{})
	c := f.ctrl
	ctx := context.Background()
	c.Init(ctx)

	if err := c.LoadConfiguration(testConfig); err != nil {
		t.Fatalf("LoadConfiguration() while disconnected error = %v", err)
	}
	if !c.IsConfigurationLoaded() {
		t.Error("IsConfigurationLoaded() = false")
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if got := c.GetStatus().WorkingStatus; got != StateIdle {
		t.Errorf("state = %s, want idle once the stored config is applied", got)
	}
}

func TestController_LoadConfigurationValidation(t *testing.T) {
	f := ready(t)
	bad := testConfig
	bad.Power = 150

	if err := f.ctrl.LoadConfiguration(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("LoadConfiguration() error = %v, want ErrInvalidConfig", err)
	}
	if got := f.ctrl.GetConfiguration(); got == nil || got.Power != testConfig.Power {
		t.Errorf("GetConfiguration() = %+v, want previous config kept", got)
	}
}

func TestController_MarkLifecycle(t *testing.T) {
	f := ready(t)
	c := f.ctrl

	if err := c.StartMark(); err != nil {
		t.Fatalf("StartMark() error = %v", err)
	}
	if err := c.StartMark(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second StartMark() error = %v, want ErrInvalidTransition", err)
	}

	waitFor(t, "mark complete", func() bool { return c.GetStatus().WorkingStatus == StateMarkComplete })
	status := c.GetStatus()
	if !status.IsMarkFinish || status.MarkProgress != 100 || status.IsMarking {
		t.Errorf("status after mark = %+v", status)
	}
	if !f.log.has(EventMarkFinished) || !f.log.has(EventMarkProgress) {
		t.Error("mark events not emitted")
	}

	// MarkComplete -> Marking again.
	if err := c.StartMark(); err != nil {
		t.Errorf("StartMark() after completion error = %v", err)
	}
}

func TestController_PauseResumeStop(t *testing.T) {
	f := newFixture(t, sdk.SimConfig{StepInterval: 50 * time.Millisecond, StepPercent: 5}, Options{})
	c := f.ctrl
	ctx := context.Background()
	c.Init(ctx)
	c.Connect(ctx)
	c.LoadConfiguration(testConfig)

	if err := c.PauseMark(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("PauseMark() while idle error = %v, want ErrInvalidTransition", err)
	}

	if err := c.StartMark(); err != nil {
		t.Fatal(err)
	}
	if err := c.PauseMark(); err != nil {
		t.Fatalf("PauseMark() error = %v", err)
	}
	if s := c.GetStatus(); s.WorkingStatus != StatePaused || !s.IsMarking {
		t.Errorf("status after pause = %+v", s)
	}
	if err := c.LoadConfiguration(testConfig); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("LoadConfiguration() while paused error = %v", err)
	}

	if err := c.StartMark(); err != nil {
		t.Fatalf("StartMark() to resume error = %v", err)
	}
	if got := c.GetStatus().WorkingStatus; got != StateMarking {
		t.Errorf("state after resume = %s", got)
	}

	if err := c.StopMark(); err != nil {
		t.Fatalf("StopMark() error = %v", err)
	}
	if s := c.GetStatus(); s.WorkingStatus != StateIdle || s.IsMarking || s.IsMarkFinish {
		t.Errorf("status after stop = %+v", s)
	}
	if err := c.StopMark(); err != nil {
		t.Errorf("StopMark() while idle error = %v, want nil", err)
	}
}

func TestController_DownloadFile(t *testing.T) {
	f := ready(t)
	c := f.ctrl

	if _, err := c.DownloadFile(filepath.Join(t.TempDir(), "missing.bin")); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("DownloadFile(missing) error = %v, want ErrFileNotFound", err)
	}

	ok, err := c.DownloadFile(writeJob(t))
	if err != nil || !ok {
		t.Fatalf("DownloadFile() = %v, %v", ok, err)
	}
	waitFor(t, "download finished", c.IsDownloadFinished)
	if got := c.GetDownloadProgress(); got != 100 {
		t.Errorf("GetDownloadProgress() = %d, want 100", got)
	}
	if !f.log.has(EventDownloadFinished) {
		t.Error("download_finished not emitted")
	}
}

func TestController_MarkRejectedDuringDownload(t *testing.T) {
	f := newFixture(t, sdk.SimConfig{StepInterval: 50 * time.Millisecond, StepPercent: 5}, Options{})
	c := f.ctrl
	ctx := context.Background()
	c.Init(ctx)
	c.Connect(ctx)
	c.LoadConfiguration(testConfig)

	if _, err := c.DownloadFile(writeJob(t)); err != nil {
		t.Fatal(err)
	}
	if err := c.StartMark(); !errors.Is(err, ErrBusy) {
		t.Errorf("StartMark() during download error = %v, want ErrBusy", err)
	}
	if _, err := c.DownloadFile(writeJob(t)); !errors.Is(err, ErrBusy) {
		t.Errorf("second DownloadFile() error = %v, want ErrBusy", err)
	}
}

func TestController_ConcurrentCommandsNeverInterleave(t *testing.T) {
	f := newFixture(t, sdk.SimConfig{CallLatency: 30 * time.Millisecond}, Options{})
	c := f.ctrl
	ctx := context.Background()
	c.Init(ctx)
	c.Connect(ctx)

	const callers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		busy  int
		other []error
	)
	start := make(chan struct{})
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := c.LoadConfiguration(testConfig)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrBusy):
				busy++
			case err != nil:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if v := f.board.Violations(); v != 0 {
		t.Errorf("SDK saw %d overlapping calls", v)
	}
	if busy == 0 {
		t.Error("no caller was rejected with ErrBusy")
	}
	if busy == callers {
		t.Error("every caller was rejected")
	}
	if len(other) > 0 {
		t.Errorf("unexpected errors: %v", other)
	}
}

func TestController_QueriesDoNotWaitForCommands(t *testing.T) {
	f := newFixture(t, sdk.SimConfig{CallLatency: 200 * time.Millisecond}, Options{})
	c := f.ctrl
	ctx := context.Background()
	c.Init(ctx)

	go c.Connect(ctx)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	_ = c.GetStatus()
	_ = c.IsConnected()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("queries took %v while a command held the SDK", elapsed)
	}
}

func TestController_ReconnectsAfterLinkLoss(t *testing.T) {
	f := newFixture(t, sdk.SimConfig{}, Options{ReconnectInterval: 20 * time.Millisecond})
	c := f.ctrl
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Init(ctx); err != nil {
		t.Fatal(err)
	}
	c.LoadConfiguration(testConfig)

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	waitFor(t, "initial connect", c.IsConnected)
	waitFor(t, "idle", func() bool { return c.GetStatus().WorkingStatus == StateIdle })

	f.board.DropConnection()
	waitFor(t, "disconnect event", func() bool { return f.log.has(EventDisconnected) })
	waitFor(t, "reconnected and configured", func() bool { return c.GetStatus().WorkingStatus == StateIdle })
	if !strings.Contains(c.GetStatus().LastError, "connection") {
		t.Errorf("LastError = %q", c.GetStatus().LastError)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if c.IsSdkInitialized() {
		t.Error("SDK still initialized after Run returned")
	}
}

func TestController_DisconnectStopsReconnect(t *testing.T) {
	f := newFixture(t, sdk.SimConfig{}, Options{ReconnectInterval: 10 * time.Millisecond})
	c := f.ctrl
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Init(ctx)
	go c.Run(ctx)

	waitFor(t, "connect", c.IsConnected)
	// The reconnect loop may still hold the SDK for a moment.
	var err error
	waitFor(t, "disconnect", func() bool {
		err = c.Disconnect()
		return !errors.Is(err, ErrBusy)
	})
	if err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if c.IsConnected() {
		t.Error("controller reconnected after an explicit Disconnect")
	}
}

func TestController_RenewLease(t *testing.T) {
	f := newFixture(t, sdk.SimConfig{}, Options{})
	if _, err := f.ctrl.RenewLease("token"); !errors.Is(err, ErrLeaseDisabled) {
		t.Errorf("RenewLease() without lease error = %v", err)
	}

	secret := strings.Repeat("k", 32)
	l := lease.New(secret, "dev_A", "inst-1", time.Second)
	f = newFixture(t, sdk.SimConfig{}, Options{Lease: l})

	token, _, err := lease.NewIssuer(secret, time.Minute).Issue("dev_A", "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	expires, err := f.ctrl.RenewLease(token)
	if err != nil {
		t.Fatalf("RenewLease() error = %v", err)
	}
	if time.Until(expires) < 30*time.Second {
		t.Errorf("lease expires in %v, want about a minute", time.Until(expires))
	}
}

func TestAsyncSink(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	gate := make(chan struct{})
	slow := SinkFunc(func(e Event) {
		<-gate
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
	})

	a := NewAsyncSink(2, slow)
	a.Emit(Event{Type: "a"})
	// The first event may already be in flight; fill the queue behind it.
	time.Sleep(10 * time.Millisecond)
	a.Emit(Event{Type: "b"})
	a.Emit(Event{Type: "c"})
	a.Emit(Event{Type: "d"})
	close(gate)
	a.Close()

	if a.Dropped() == 0 {
		t.Error("Dropped() = 0, want overflow counted")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 || got[0] != "a" {
		t.Errorf("delivered = %v, want in order starting with a", got)
	}
}
