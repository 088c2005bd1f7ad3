package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/boardfleet/internal/host"
	"github.com/nerrad567/boardfleet/internal/infrastructure/config"
	"github.com/nerrad567/boardfleet/internal/watchdog"
)

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("BOARDFLEET_CONFIG", path)
	t.Setenv("BOARDFLEET_ENV_FILE", filepath.Join(dir, "missing.env"))
	return path
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("BOARDFLEET_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_InvalidRegistry(t *testing.T) {
	writeConfig(t, `
logging:
  output: discard
services:
  - id: dev_A
    path: ""
    url: http://127.0.0.1:9101
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with an invalid service descriptor")
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	port := freePort(t)
	writeConfig(t, fmt.Sprintf(`
logging:
  output: discard
database:
  path: ":memory:"
api:
  port: %d
`, port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/health", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url) //nolint:noctx // test helper
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("health status = %d, want 200", resp.StatusCode)
			}
			break
		}
		select {
		case err := <-errCh:
			t.Fatalf("run() exited early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("API never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run() error = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func TestRun_WatchProcessLapse(t *testing.T) {
	writeConfig(t, fmt.Sprintf(`
logging:
  output: discard
database:
  path: ":memory:"
api:
  port: %d
supervisor:
  watch_process: boardfleet-no-such-process
watchdog:
  interval: 50ms
`, freePort(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx)
	if !errors.Is(err, watchdog.ErrOrphaned) {
		t.Fatalf("run() error = %v, want ErrOrphaned", err)
	}
}

func TestLoadRegistry(t *testing.T) {
	cfg := &config.Config{Services: []config.ServiceConfig{
		{ID: "dev_A", Path: "/opt/boards/boardhost", URL: "http://127.0.0.1:9101"},
	}}
	reg, err := loadRegistry(cfg)
	if err != nil {
		t.Fatalf("loadRegistry() error = %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}

	cfg.RegistryFile = "/nonexistent/services.yaml"
	if _, err := loadRegistry(cfg); err == nil {
		t.Error("loadRegistry() should prefer the missing registry file and fail")
	}
}

// TestShippedConfig_HostArguments checks that every inline service in the
// shipped config starts its host with arguments the host accepts, serving
// on the URL the supervisor polls.
func TestShippedConfig_HostArguments(t *testing.T) {
	t.Setenv("BOARDFLEET_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := config.Load(filepath.Join("..", "..", defaultConfigPath))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		t.Fatalf("loadRegistry() error = %v", err)
	}
	if reg.Len() == 0 {
		t.Fatal("shipped config has no services")
	}

	for _, d := range reg.List() {
		a, err := host.ParseArgs(d.StartupArguments)
		if err != nil {
			t.Errorf("%s: args %q rejected: %v", d.ID, d.StartupArguments, err)
			continue
		}
		if a.ServiceURL != d.BaseURL {
			t.Errorf("%s: host serves on %q, supervisor polls %q", d.ID, a.ServiceURL, d.BaseURL)
		}
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("BOARDFLEET_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
	t.Setenv("BOARDFLEET_CONFIG", "/etc/boardfleet.yaml")
	if got := getConfigPath(); got != "/etc/boardfleet.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

// TestShippedConfig_HostArgs loads configs/config.yaml and checks every
// service would start a board host with both positional arguments.
func TestShippedConfig_HostArgs(t *testing.T) {
	t.Setenv("BOARDFLEET_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := config.Load(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		t.Fatalf("loadRegistry() error = %v", err)
	}
	if reg.Len() == 0 {
		t.Fatal("shipped config declares no services")
	}

	for _, d := range reg.List() {
		args, err := host.ParseArgs(d.StartupArguments)
		if err != nil {
			t.Errorf("%s: ParseArgs(%q) error = %v", d.ID, d.StartupArguments, err)
			continue
		}
		if args.ServiceURL != d.BaseURL {
			t.Errorf("%s: service URL argument = %q, want %q", d.ID, args.ServiceURL, d.BaseURL)
		}
	}
}
