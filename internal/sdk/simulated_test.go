package sdk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/boardfleet/internal/intercept"
)

var testConfig = Config{Name: "logo", Power: 60, Speed: 800, Frequency: 30, Passes: 1}

func newBoard(t *testing.T, api intercept.API) *Simulated {
	t.Helper()
	if api == nil {
		api = intercept.NewTable(intercept.NewNative(t.TempDir()))
	}
	b := NewSimulated(SimConfig{Sync: api, StepInterval: 5 * time.Millisecond, StepPercent: 25})
	t.Cleanup(func() { b.Close() })
	return b
}

func connected(t *testing.T) *Simulated {
	t.Helper()
	b := newBoard(t, nil)
	ctx := context.Background()
	if err := b.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Connect(ctx, "192.168.1.10"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return b
}

// jobResult collects callbacks of one job.
type jobResult struct {
	mu       sync.Mutex
	progress []int
	done     chan error
}

func newJobResult() *jobResult {
	return &jobResult{done: make(chan error, 1)}
}

func (r *jobResult) onProgress(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *jobResult) onDone(err error) { r.done <- err }

func (r *jobResult) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
		return nil
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing name", mutate: func(c *Config) { c.Name = " " }, wantErr: true},
		{name: "power too high", mutate: func(c *Config) { c.Power = 101 }, wantErr: true},
		{name: "zero speed", mutate: func(c *Config) { c.Speed = 0 }, wantErr: true},
		{name: "zero frequency", mutate: func(c *Config) { c.Frequency = 0 }, wantErr: true},
		{name: "zero passes", mutate: func(c *Config) { c.Passes = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
		})
	}
}

func TestSimulated_SingletonWithoutInterception(t *testing.T) {
	dir := t.TempDir()
	// Two processes without the hook: both see the real vendor name.
	first := newBoard(t, intercept.NewTable(intercept.NewNative(dir)))
	second := newBoard(t, intercept.NewTable(intercept.NewNative(dir)))

	if err := first.Init(context.Background()); err != nil {
		t.Fatalf("first Init() error = %v", err)
	}
	if err := second.Init(context.Background()); !errors.Is(err, ErrSingletonHeld) {
		t.Errorf("second Init() error = %v, want ErrSingletonHeld", err)
	}
}

func TestSimulated_CoexistWithInterception(t *testing.T) {
	dir := t.TempDir()
	boards := make([]*Simulated, 2)
	for i, suffix := range []string{"hostA", "hostB"} {
		table := intercept.NewTable(intercept.NewNative(dir))
		if _, err := table.Install(intercept.Options{Suffix: suffix}); err != nil {
			t.Fatal(err)
		}
		boards[i] = newBoard(t, table)
		if err := boards[i].Init(context.Background()); err != nil {
			t.Fatalf("Init() under %s error = %v", suffix, err)
		}
	}
	if boards[0].MutexName() == boards[1].MutexName() {
		t.Errorf("both boards hold %q", boards[0].MutexName())
	}
}

func TestSimulated_RequiresInitAndConnection(t *testing.T) {
	b := newBoard(t, nil)
	if err := b.Connect(context.Background(), "192.168.1.10"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Connect() before Init error = %v", err)
	}
	if err := b.LoadConfig(testConfig); !errors.Is(err, ErrNotConnected) {
		t.Errorf("LoadConfig() before Connect error = %v", err)
	}
}

func TestSimulated_MarkRunsToCompletion(t *testing.T) {
	b := connected(t)
	if err := b.StartMark(nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("StartMark() without config error = %v", err)
	}
	if err := b.LoadConfig(testConfig); err != nil {
		t.Fatal(err)
	}

	r := newJobResult()
	if err := b.StartMark(r.onProgress, r.onDone); err != nil {
		t.Fatalf("StartMark() error = %v", err)
	}
	if err := r.wait(t); err != nil {
		t.Fatalf("mark ended with %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if want := []int{25, 50, 75, 100}; len(r.progress) != len(want) || r.progress[3] != 100 {
		t.Errorf("progress = %v, want %v", r.progress, want)
	}
}

func TestSimulated_PauseResumeStop(t *testing.T) {
	b := connected(t)
	b.LoadConfig(testConfig)

	r := newJobResult()
	if err := b.StartMark(r.onProgress, r.onDone); err != nil {
		t.Fatal(err)
	}
	if err := b.PauseMark(); err != nil {
		t.Fatalf("PauseMark() error = %v", err)
	}
	r.mu.Lock()
	before := len(r.progress)
	r.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	r.mu.Lock()
	after := len(r.progress)
	r.mu.Unlock()
	if after > before+1 {
		t.Errorf("progress advanced while paused: %d -> %d", before, after)
	}

	if err := b.ResumeMark(); err != nil {
		t.Fatal(err)
	}
	if err := b.StopMark(); err != nil {
		t.Fatalf("StopMark() error = %v", err)
	}
	if err := r.wait(t); !errors.Is(err, ErrMarkStopped) {
		t.Errorf("done error = %v, want ErrMarkStopped", err)
	}
	if err := b.StopMark(); !errors.Is(err, ErrNoJob) {
		t.Errorf("second StopMark() error = %v, want ErrNoJob", err)
	}
}

func TestSimulated_OneJobAtATime(t *testing.T) {
	b := connected(t)
	file := filepath.Join(t.TempDir(), "job.bin")
	if err := os.WriteFile(file, []byte("vectors"), 0o600); err != nil {
		t.Fatal(err)
	}

	r := newJobResult()
	if err := b.Download(file, r.onProgress, r.onDone); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if err := b.Download(file, nil, nil); !errors.Is(err, ErrJobRunning) {
		t.Errorf("second Download() error = %v, want ErrJobRunning", err)
	}
	if err := r.wait(t); err != nil {
		t.Errorf("download ended with %v", err)
	}
	if err := b.Download(filepath.Join(t.TempDir(), "missing"), nil, nil); err == nil {
		t.Error("Download() of a missing file returned nil")
	}
}

func TestSimulated_DropConnection(t *testing.T) {
	b := connected(t)
	b.LoadConfig(testConfig)

	r := newJobResult()
	b.StartMark(r.onProgress, r.onDone)
	b.DropConnection()

	if err := r.wait(t); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("done error = %v, want ErrConnectionLost", err)
	}
	select {
	case ev := <-b.Events():
		if ev.Connected {
			t.Errorf("event = %+v, want disconnect", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no link event")
	}
	if err := b.LoadConfig(testConfig); !errors.Is(err, ErrNotConnected) {
		t.Errorf("LoadConfig() after drop error = %v", err)
	}
}

func TestSimulated_CountsOverlappingCalls(t *testing.T) {
	b := NewSimulated(SimConfig{
		Sync:        intercept.NewTable(intercept.NewNative(t.TempDir())),
		CallLatency: 20 * time.Millisecond,
	})
	defer b.Close()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Init(context.Background())
		}()
	}
	wg.Wait()
	if b.Violations() == 0 {
		t.Error("Violations() = 0 after unsynchronized concurrent calls")
	}
}
