// ============================================================================
// IdleForge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   idleforge                      # Root command
//   ├── run                        # Start the sync server
//   │   └── --config, -c          # Specify config file
//   ├── recover                    # Run the recovery chain for one player
//   │   ├── --player, -p          # Player ID
//   │   └── --degraded            # Allow degraded results under load
//   ├── status                     # View system configuration
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - server: Sync server port
//   - storage: sqlite or memory driver, snapshot retention
//   - lock: Per-player lock TTL and sweep interval
//   - breaker: Circuit breaker thresholds
//   - sync: Heartbeat and delta buffer settings
//   - monitor: Resource budgets for degradation decisions
//   - metrics: Prometheus monitoring configuration
//
// run Command:
//   Starts the complete sync server, including:
//   1. Load config file
//   2. Open the persistence store (SQLite or in-memory)
//   3. Wire lock table, retry executor, sync service and WebSocket server
//   4. Start Metrics HTTP server (if enabled)
//   5. Listen for system signals (SIGINT, SIGTERM)
//   6. Gracefully shutdown the system
//
//   Examples:
//     ./idleforge run
//     ./idleforge run -c custom-config.yaml
//
// recover Command:
//   Runs the four-tier recovery chain for a single player against the
//   configured store and prints the outcome.
//
//   Examples:
//     ./idleforge recover -p player-42
//     ./idleforge recover -p player-42 --degraded
//
// Signal Handling:
//   run command captures the following signals and gracefully shuts down:
//   - SIGINT (Ctrl+C): User interrupt
//   - SIGTERM: System terminate request
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/idleforge/internal/lock"
	"github.com/ChuLiYu/idleforge/internal/metrics"
	"github.com/ChuLiYu/idleforge/internal/monitor"
	"github.com/ChuLiYu/idleforge/internal/recovery"
	"github.com/ChuLiYu/idleforge/internal/retry"
	"github.com/ChuLiYu/idleforge/internal/server"
	"github.com/ChuLiYu/idleforge/internal/storage"
	"github.com/ChuLiYu/idleforge/internal/storage/sqlite"
	idlesync "github.com/ChuLiYu/idleforge/internal/sync"
	"github.com/ChuLiYu/idleforge/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Storage struct {
		Driver            string `yaml:"driver"` // sqlite | memory
		Path              string `yaml:"path"`
		SnapshotRetention int    `yaml:"snapshot_retention"`
	} `yaml:"storage"`

	Lock struct {
		TTL           time.Duration `yaml:"ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"lock"`

	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		Cooldown         time.Duration `yaml:"cooldown"`
		Window           time.Duration `yaml:"window"`
	} `yaml:"breaker"`

	Sync struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		StaleAfter        time.Duration `yaml:"stale_after"`
		DeltaBuffer       int           `yaml:"delta_buffer"`
	} `yaml:"sync"`

	Monitor struct {
		MemoryBudgetMB  int `yaml:"memory_budget_mb"`
		GoroutineBudget int `yaml:"goroutine_budget"`
	} `yaml:"monitor"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "idleforge",
		Short: "IdleForge: queue consistency and resilience service",
		Long: `IdleForge keeps idle-game task queues consistent across crashes and
reconnects:
- Optimistic-concurrency atomic queue updates
- Four-tier corruption recovery with circuit breakers
- Delta-based client/server synchronization
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildRecoverCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the IdleForge sync server",
		Long:  "Start the WebSocket sync server backed by the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting IdleForge with config: %s\n", configFile)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore()

	collector := metrics.NewCollector()

	locks := lock.NewTable(lock.Config{
		TTL:           cfg.Lock.TTL,
		SweepInterval: cfg.Lock.SweepInterval,
	})
	defer locks.Close()

	exec := retry.NewExecutor(retry.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		Window:           cfg.Breaker.Window,
	})

	syncSvc := idlesync.NewService(store, exec, nil, collector, idlesync.Config{
		BufferCap: cfg.Sync.DeltaBuffer,
		Heartbeat: idlesync.HeartbeatConfig{
			Interval:   cfg.Sync.HeartbeatInterval,
			StaleAfter: cfg.Sync.StaleAfter,
		},
	})
	defer syncSvc.Close()

	srv := server.NewServer(server.Config{Port: cfg.Server.Port}, syncSvc, collector)
	syncSvc.SetSender(srv.Endpoint())

	// Start Metrics
	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := collector.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	// 定期把運行狀態落盤，供 status 命令離程序讀取
	statusStop := make(chan struct{})
	defer close(statusStop)
	go writeStatusLoop(statusFilePath(cfg), locks, exec, syncSvc, statusStop)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	log.Println("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("\nReceived shutdown signal, stopping gracefully...")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v\n", err)
	}

	log.Println("System stopped. Goodbye!")
	return nil
}

func buildRecoverCommand() *cobra.Command {
	var playerID string
	var degraded bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run the recovery chain for one player",
		Long:  "Attempt snapshot restore, state repair, backup restore and fallback creation in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if playerID == "" {
				return fmt.Errorf("player ID is required (use --player or -p)")
			}
			return recoverPlayer(playerID, degraded)
		},
	}

	cmd.Flags().StringVarP(&playerID, "player", "p", "", "player ID to recover")
	cmd.Flags().BoolVar(&degraded, "degraded", false, "allow degraded results when the system is overloaded")
	cmd.MarkFlagRequired("player")

	return cmd
}

func recoverPlayer(playerID string, degraded bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore()

	mon := monitor.New(monitor.Config{
		MemoryBudgetBytes: uint64(cfg.Monitor.MemoryBudgetMB) << 20,
		GoroutineBudget:   cfg.Monitor.GoroutineBudget,
	})
	exec := retry.NewExecutor(retry.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		Window:           cfg.Breaker.Window,
	})

	// 離線恢復沒有客戶端會話快取可用，backup_restore 層會自然跳過
	svc := recovery.NewService(store, storage.NewMemorySessionCache(), mon, exec, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := svc.RecoverQueue(ctx, types.PlayerID(playerID), recovery.Options{
		GracefulDegradation: degraded,
	})

	fmt.Println()
	if result.Success {
		fmt.Printf("✅ Recovery succeeded via %s (%.0fms)\n", result.Method, float64(result.Duration.Milliseconds()))
	} else {
		fmt.Printf("❌ Recovery failed (%.0fms)\n", float64(result.Duration.Milliseconds()))
	}
	if result.RecoveredQueue != nil {
		fmt.Printf("   Queue version: %d, queued tasks: %d\n",
			result.RecoveredQueue.Version, len(result.RecoveredQueue.QueuedTasks))
	}
	for _, w := range result.Warnings {
		fmt.Printf("   ⚠️  %s\n", w)
	}
	for _, e := range result.Errors {
		fmt.Printf("   ❌ %s\n", e)
	}
	fmt.Println()

	if !result.Success {
		return fmt.Errorf("recovery failed for player %s", playerID)
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system configuration",
		Long:  "Display the effective configuration and endpoint layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║           IdleForge System Status                          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("📋 Configuration:")
	fmt.Printf("  └─ Config File:       %s\n", configFile)
	fmt.Printf("  └─ Sync Server Port:  %d\n", cfg.Server.Port)
	fmt.Println()

	fmt.Println("💾 Storage:")
	fmt.Printf("  ├─ Driver:              %s\n", cfg.Storage.Driver)
	if cfg.Storage.Driver == "sqlite" {
		fmt.Printf("  ├─ Database Path:       %s\n", cfg.Storage.Path)
	}
	fmt.Printf("  └─ Snapshot Retention:  %d per player\n", cfg.Storage.SnapshotRetention)
	fmt.Println()

	fmt.Println("🔒 Locking & Retry:")
	fmt.Printf("  ├─ Lock TTL:            %s\n", cfg.Lock.TTL)
	fmt.Printf("  ├─ Lock Sweep:          %s\n", cfg.Lock.SweepInterval)
	fmt.Printf("  ├─ Breaker Threshold:   %d failures\n", cfg.Breaker.FailureThreshold)
	fmt.Printf("  └─ Breaker Cooldown:    %s\n", cfg.Breaker.Cooldown)
	fmt.Println()

	fmt.Println("🔄 Sync:")
	fmt.Printf("  ├─ Heartbeat Interval:  %s\n", cfg.Sync.HeartbeatInterval)
	fmt.Printf("  ├─ Stale After:         %s\n", cfg.Sync.StaleAfter)
	fmt.Printf("  └─ Delta Buffer:        %d per player\n", cfg.Sync.DeltaBuffer)
	fmt.Println()

	if st := readRuntimeStatus(statusFilePath(cfg)); st != nil {
		fmt.Println("📊 Runtime (live instance):")
		fmt.Printf("  ├─ Connected Players:   %d\n", st.ConnectedPlayers)
		fmt.Printf("  ├─ Active Locks:        %d\n", len(st.ActiveLocks))
		open := 0
		for _, b := range st.CircuitBreakers {
			if b.State != retry.StateClosed {
				open++
			}
		}
		fmt.Printf("  └─ Breakers Not Closed: %d of %d\n", open, len(st.CircuitBreakers))
	} else {
		fmt.Println("📊 Runtime:")
		fmt.Println("  └─ Instance not running (run 'idleforge run' to start)")
	}
	fmt.Println()

	fmt.Println("📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  └─ Status: ⚠️  Disabled")
	}
	fmt.Println()

	fmt.Println("═══════════════════════════════════════════════════════════")
	return nil
}

// ============================================================================
// 運行狀態檔：run 進程定期落盤，status 命令離程序讀取
// ============================================================================

// runtimeStatus 運行中實例的狀態摘要
type runtimeStatus struct {
	UpdatedAt        int64                          `json:"updated_at"` // Unix 毫秒
	ConnectedPlayers int                            `json:"connected_players"`
	ActiveLocks      []types.Lock                   `json:"active_locks"`
	CircuitBreakers  map[string]retry.BreakerStatus `json:"circuit_breakers"`
}

// statusStaleAfter 狀態檔超過此時間未更新即視為實例已停止
const statusStaleAfter = 30 * time.Second

func statusFilePath(cfg *Config) string {
	dir := filepath.Dir(cfg.Storage.Path)
	if cfg.Storage.Path == "" {
		dir = "data"
	}
	return filepath.Join(dir, "status.json")
}

// writeStatusLoop 每 10 秒寫一次狀態檔（暫存檔 + rename，讀方不會看到半成品）
func writeStatusLoop(path string, locks *lock.Table, exec *retry.Executor, syncSvc *idlesync.Service, stop <-chan struct{}) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("Status file directory error: %v\n", err)
		return
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	write := func() {
		st := runtimeStatus{
			UpdatedAt:        time.Now().UnixMilli(),
			ConnectedPlayers: syncSvc.Connected(),
			ActiveLocks:      locks.ActiveLocks(),
			CircuitBreakers:  exec.AllCircuitBreakerStatuses(),
		}
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			log.Printf("Status file marshal error: %v\n", err)
			return
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			log.Printf("Status file write error: %v\n", err)
			return
		}
		if err := os.Rename(tmp, path); err != nil {
			log.Printf("Status file rename error: %v\n", err)
		}
	}

	write()
	for {
		select {
		case <-stop:
			_ = os.Remove(path)
			return
		case <-ticker.C:
			write()
		}
	}
}

func readRuntimeStatus(path string) *runtimeStatus {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var st runtimeStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil
	}
	if time.Since(time.UnixMilli(st.UpdatedAt)) > statusStaleAfter {
		return nil
	}
	return &st
}

// openStore 依設定開啟持久層，回傳關閉函式
func openStore(cfg *Config) (storage.Persistence, func(), error) {
	switch cfg.Storage.Driver {
	case "", "sqlite":
		path := cfg.Storage.Path
		if path == "" {
			path = "data/idleforge.db"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err := sqlite.Open(sqlite.Config{
			Path:          path,
			SnapshotLimit: cfg.Storage.SnapshotRetention,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Printf("Store close error: %v\n", err)
			}
		}, nil

	case "memory":
		store := storage.NewMemoryStore(storage.MemoryConfig{
			SnapshotLimit: cfg.Storage.SnapshotRetention,
		})
		return store, func() {}, nil
	}

	return nil, nil, fmt.Errorf("unknown storage driver %q (expected sqlite or memory)", cfg.Storage.Driver)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
