// Package main is the CLI entry point for chainaudit, a multi-tenant,
// tamper-evident audit log.
//
// Every recorded event is hashed together with its tenant's previous hash,
// so each tenant's log forms a SHA-256 chain. Editing, removing or
// reordering a stored event breaks the chain from that point on, and
// `chainaudit verify` reports where.
//
//	client --> chainaudit serve (:3200) --> audit.Service --> SQLite (or memory)
//	                |                           |
//	                +-- /v1/tenants/{tenant}/...+-- per-tenant hash chains
//	                +-- /v1/tenants/{tenant}/feed (WebSocket)
//	                +-- /metrics (Prometheus)
//
// CLI commands (cobra):
//
//	chainaudit serve              - Run the HTTP API
//	chainaudit stop               - Stop a running server
//	chainaudit status             - Check whether the server is up
//	chainaudit record             - Record one event
//	chainaudit get <tenant> <id>  - Print one event
//	chainaudit query <tenant>     - Search events
//	chainaudit verify <tenant>    - Verify a tenant's chain (or an export file)
//	chainaudit prove <tenant> <id>- Print an event with its chain hashes
//	chainaudit tail <tenant> [-f] - Show (and follow) recent events
//	chainaudit export <tenant>    - Export a tenant's chain
//	chainaudit config             - Show or create the configuration
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ctrlai/chainaudit/internal/audit"
	"github.com/ctrlai/chainaudit/internal/config"
	"github.com/ctrlai/chainaudit/internal/metrics"
	"github.com/ctrlai/chainaudit/internal/server"
	"github.com/ctrlai/chainaudit/internal/sqlitestore"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-10-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const pidFileName = "chainaudit.pid"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir holds config.yaml and the PID file. Defaults to ~/.chainaudit/.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "chainaudit",
	Short: "chainaudit: tamper-evident audit log",
	Long: `chainaudit records audit events into per-tenant SHA-256 hash chains.
Any later modification of a stored event is detectable with 'chainaudit verify'.

Run 'chainaudit serve' to start the HTTP API, or use the other commands to
work with the configured database directly.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		config.DefaultDir(),
		"Path to chainaudit config directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(proveCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

func configPath() string {
	return filepath.Join(configDir, config.FileName)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured audit store. The returned close function
// is never nil.
func openStore(cfg *config.Config) (audit.Store, func() error, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return audit.NewMemoryStore(), func() error { return nil }, nil
	default:
		st, err := sqlitestore.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		return st, st.Close, nil
	}
}

// openLocal opens the SQLite database for the one-shot commands. The memory
// driver only holds events inside a running server, so those commands would
// always see an empty log.
func openLocal() (*sqlitestore.Store, *audit.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.Driver != config.DriverSQLite {
		return nil, nil, fmt.Errorf("storage driver %q keeps events inside 'chainaudit serve'; use the HTTP API instead", cfg.Storage.Driver)
	}
	st, err := sqlitestore.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	svc := audit.NewService(audit.Options{
		Store:            st,
		MaxAppendRetries: cfg.Audit.MaxAppendRetries,
	})
	return st, svc, nil
}

// newLogger installs a text slog handler on stderr whose level can be
// changed at runtime through the returned LevelVar.
func newLogger(w io.Writer, level string) *slog.LevelVar {
	lv := new(slog.LevelVar)
	if l, err := config.ParseLevel(level); err == nil {
		lv.Set(l)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})))
	return lv
}

// ============================================================================
// chainaudit serve: Run the HTTP API
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the audit HTTP API",
	Long: `Start the audit HTTP API in the foreground. Tenants record, search,
verify and export events under /v1/tenants/{tenant}/. Newly recorded events
are pushed to WebSocket subscribers of /v1/tenants/{tenant}/feed.

Press Ctrl+C or run 'chainaudit stop' to shut down gracefully.`,
	RunE: runServe,
}

// runServe wires everything together:
//  1. Load config and set up logging
//  2. Open the audit store
//  3. Register metrics
//  4. Create the audit service and HTTP server
//  5. Write the PID file
//  6. Watch config.yaml for log level changes
//  7. Listen until SIGINT/SIGTERM or POST /shutdown
func runServe(cmd *cobra.Command, args []string) error {
	// --- Step 1: Config and logging ---
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	levelVar := newLogger(os.Stderr, cfg.Log.Level)

	// --- Step 2: Audit store ---
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			fmt.Fprintf(os.Stderr, "[chainaudit] Warning: failed to close store: %v\n", err)
		}
	}()
	if cfg.Storage.Driver == config.DriverMemory {
		fmt.Println("[chainaudit] Using in-memory storage; events are lost on exit")
	} else {
		fmt.Printf("[chainaudit] Audit database: %s\n", cfg.Storage.Path)
	}

	// --- Step 3: Metrics ---
	var (
		m        *metrics.Metrics
		registry *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if err := m.Register(registry); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	// --- Step 4: Service and server ---
	// The server is created after the service but the service needs the
	// server's broadcaster, so OnRecord goes through a closure.
	var srv *server.Server
	opts := audit.Options{
		Store:            store,
		MaxAppendRetries: cfg.Audit.MaxAppendRetries,
		OnRecord: func(e audit.Event) {
			srv.BroadcastEvent(e)
		},
	}
	if m != nil {
		opts.Observer = m
	}
	svc := audit.NewService(opts)

	srvOpts := server.Options{Service: svc}
	if m != nil {
		srvOpts.Metrics = m
		srvOpts.Gatherer = registry
	}
	srv = server.New(srvOpts)
	defer srv.Close()

	shutdownCh := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.HandleFunc("POST /shutdown", func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, `{"error":"shutdown is only accepted from localhost"}`, http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	addr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Step 5: PID file ---
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	pidPath := filepath.Join(configDir, pidFileName)
	if err := writePIDFile(pidPath); err != nil {
		fmt.Fprintf(os.Stderr, "[chainaudit] Warning: failed to write PID file: %v\n", err)
	}
	defer os.Remove(pidPath)

	// --- Step 6: Config watcher ---
	// Only the log level is applied live; other settings need a restart.
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func() {
			newCfg, err := config.Load(configPath())
			if err != nil {
				slog.Warn("ignoring invalid config change", "error", err)
				return
			}
			level, err := config.ParseLevel(newCfg.Log.Level)
			if err != nil {
				return
			}
			if level != levelVar.Level() {
				levelVar.Set(level)
				slog.Info("log level changed", "level", level)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	// --- Step 7: Serve until stopped ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[chainaudit] Listening on http://%s\n", addr)
		if m != nil {
			fmt.Printf("[chainaudit] Metrics at http://%s/metrics\n", addr)
		}
		fmt.Println("[chainaudit] Press Ctrl+C to stop")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[chainaudit] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[chainaudit] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[chainaudit] Shutdown error: %v\n", err)
	}

	fmt.Println("[chainaudit] Stopped")
	return nil
}

// writePIDFile writes the current process ID to path. `chainaudit stop`
// falls back to it when the HTTP shutdown endpoint does not answer.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// isLoopback reports whether remoteAddr ("ip:port") is a loopback address.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// chainaudit stop: Stop the server
// ============================================================================

// stopCmd stops a running server: HTTP POST /shutdown first, then SIGTERM
// through the PID file on Unix.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running chainaudit server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		base := "http://" + cfg.Server.Addr()

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(base+"/shutdown", "application/json", nil)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Println("[chainaudit] Stop signal sent to server")
				return nil
			}
		}

		if runtime.GOOS == "windows" {
			return fmt.Errorf("server is not responding at %s", base)
		}

		pidPath := filepath.Join(configDir, pidFileName)
		data, err := os.ReadFile(pidPath)
		if err != nil {
			return fmt.Errorf("server is not responding at %s and no PID file found", base)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("invalid PID file %s: %w", pidPath, err)
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("process %d not found: %w", pid, err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			os.Remove(pidPath)
			return fmt.Errorf("failed to signal process %d (stale PID file removed): %w", pid, err)
		}
		fmt.Printf("[chainaudit] Sent SIGTERM to process %d\n", pid)
		return nil
	},
}

// ============================================================================
// chainaudit status: Check the server
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		base := "http://" + cfg.Server.Addr()

		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get(base + "/health")
		if err != nil {
			fmt.Printf("[chainaudit] Server is not running at %s\n", base)
			return nil
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Printf("[chainaudit] Server at %s is unhealthy (HTTP %d)\n", base, resp.StatusCode)
			return nil
		}

		fmt.Printf("[chainaudit] Server running at %s\n", base)
		fmt.Printf("  Storage: %s", cfg.Storage.Driver)
		if cfg.Storage.Driver == config.DriverSQLite {
			fmt.Printf(" (%s)", cfg.Storage.Path)
		}
		fmt.Println()
		return nil
	},
}

// ============================================================================
// chainaudit config: Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration",
	Long: `Manage the chainaudit configuration. The config file lives at
~/.chainaudit/config.yaml and defines the listen address, storage driver,
append retry budget, log level and metrics toggle.`,
}

// configInitForce overwrites an existing config.yaml.
var configInitForce bool

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config.yaml")
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(configPath())
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s (defaults are in effect)\n", configPath())
				fmt.Println("Run 'chainaudit config init' to write one.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("[chainaudit] Wrote %s\n", path)
		return nil
	},
}
