package main

// ============================================================================
// IdleForge 情境演示
//
// 以記憶體儲存在單一進程內演練三個子系統：
//   atomic  - 樂觀並發的原子佇列更新與失敗回滾
//   recover - 人為弄壞狀態後走四層恢復鏈
//   sync    - 客戶端/伺服器分歧後的衝突偵測與裁決
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	idleatomic "github.com/ChuLiYu/idleforge/internal/atomic"
	"github.com/ChuLiYu/idleforge/internal/lock"
	"github.com/ChuLiYu/idleforge/internal/monitor"
	"github.com/ChuLiYu/idleforge/internal/recovery"
	"github.com/ChuLiYu/idleforge/internal/retry"
	"github.com/ChuLiYu/idleforge/internal/storage"
	idlesync "github.com/ChuLiYu/idleforge/internal/sync"
	"github.com/ChuLiYu/idleforge/pkg/types"
)

const demoPlayer = types.PlayerID("demo-player")

type env struct {
	store *storage.MemoryStore
	cache *storage.MemorySessionCache
	mgr   *idleatomic.Manager
	rec   *recovery.Service
	sync  *idlesync.Service
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <atomic|recover|sync>")
		os.Exit(1)
	}

	e := setup()
	defer e.sync.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "atomic":
		demoAtomic(ctx, e)
	case "recover":
		demoRecover(ctx, e)
	case "sync":
		demoSync(ctx, e)
	default:
		fmt.Printf("Unknown mode %q (expected atomic, recover or sync)\n", os.Args[1])
		os.Exit(1)
	}
}

func setup() *env {
	store := storage.NewMemoryStore(storage.MemoryConfig{})
	cache := storage.NewMemorySessionCache()
	locks := lock.NewTable(lock.Config{})
	exec := retry.NewExecutor(retry.Config{})
	mon := monitor.New(monitor.Config{})

	return &env{
		store: store,
		cache: cache,
		mgr:   idleatomic.NewManager(store, locks, exec, nil),
		rec:   recovery.NewService(store, cache, mon, exec, nil),
		sync:  idlesync.NewService(store, exec, nil, nil, idlesync.Config{}),
	}
}

// seedQueue 建立含一個採集任務的基準佇列，並留下一份耐久快照
func seedQueue(ctx context.Context, e *env) *types.Queue {
	res := idleatomic.ExecuteAtomicOperation(e.mgr, ctx, demoPlayer, "seed",
		func(_ context.Context, q *types.Queue) (struct{}, error) {
			q.QueuedTasks = append(q.QueuedTasks, types.Task{
				ID:        "harvest-iron",
				Kind:      types.KindHarvesting,
				StartTime: time.Now().UnixMilli(),
				Duration:  int64(10 * time.Minute / time.Millisecond),
				Activity: types.ActivityData{
					Harvest: &types.HarvestData{ResourceID: "iron_ore", NodeTier: 2, YieldPerSec: 1.5},
				},
			})
			q.IsRunning = true
			return struct{}{}, nil
		},
		idleatomic.OperationOptions{CreateIfMissing: true, ValidateBeforeUpdate: true, CreateSnapshot: true})
	if !res.Success {
		log.Fatalf("Failed to seed queue: %v", res.Err)
	}
	return res.Queue
}

func demoAtomic(ctx context.Context, e *env) {
	q := seedQueue(ctx, e)
	fmt.Printf("✓ Seeded queue (version=%d, checksum=%s)\n", q.Version, q.Checksum)

	// 正常更新：版本剛好 +1，校驗和重算
	res := idleatomic.ExecuteAtomicOperation(e.mgr, ctx, demoPlayer, "advance_progress",
		func(_ context.Context, q *types.Queue) (float64, error) {
			q.QueuedTasks[0].Progress = 0.4
			return 0.4, nil
		},
		idleatomic.OperationOptions{ValidateBeforeUpdate: true})
	fmt.Printf("✓ Progress advanced to %.0f%% (version %d → %d, %d attempt(s))\n",
		res.Value*100, q.Version, res.Queue.Version, res.Attempts)

	// 失敗操作 + 回滾：從最近的耐久快照還原
	fail := idleatomic.ExecuteAtomicOperation(e.mgr, ctx, demoPlayer, "risky_update",
		func(_ context.Context, q *types.Queue) (struct{}, error) {
			q.QueuedTasks = nil // 假裝改壞了
			return struct{}{}, fmt.Errorf("simulated game-logic failure")
		},
		idleatomic.OperationOptions{RollbackOnFailure: true})
	fmt.Printf("❌ Risky update failed as expected: %v\n", fail.Err)
	if fail.RolledBack {
		fmt.Printf("✓ Rolled back to durable snapshot (version=%d)\n", fail.Queue.Version)
	}

	final, _ := e.store.LoadQueue(ctx, demoPlayer)
	fmt.Printf("\n📊 Final State:\n")
	fmt.Printf("  Version:      %d\n", final.Version)
	fmt.Printf("  Queued Tasks: %d\n", len(final.QueuedTasks))
	fmt.Printf("  Checksum OK:  %v\n", types.VerifyChecksum(final))
}

func demoRecover(ctx context.Context, e *env) {
	q := seedQueue(ctx, e)
	fmt.Printf("✓ Seeded queue (version=%d)\n", q.Version)

	// 直接寫入一份校驗和不符的狀態，模擬損壞
	corrupted := q.Clone()
	corrupted.Version++
	corrupted.Checksum = "deadbeef"
	if err := e.store.SaveQueueWithAtomicUpdate(ctx, corrupted, storage.SaveOptions{}); err != nil {
		log.Fatalf("Failed to plant corruption: %v", err)
	}
	fmt.Println("⚠️  Planted checksum corruption")

	result := e.rec.RecoverQueue(ctx, demoPlayer, recovery.Options{})
	fmt.Printf("\n📊 Recovery Result:\n")
	fmt.Printf("  Success:  %v\n", result.Success)
	fmt.Printf("  Method:   %s\n", result.Method)
	fmt.Printf("  Duration: %s\n", result.Duration)
	for _, w := range result.Warnings {
		fmt.Printf("  ⚠️  %s\n", w)
	}

	// 完全沒有任何狀態的玩家：鏈會落到 fallback_creation
	fallback := e.rec.RecoverQueue(ctx, "ghost-player", recovery.Options{})
	fmt.Printf("\n✓ Unknown player recovered via %s (fresh queue, version=%d)\n",
		fallback.Method, fallback.RecoveredQueue.Version)
}

func demoSync(ctx context.Context, e *env) {
	server := seedQueue(ctx, e)
	fmt.Printf("✓ Server queue at version %d\n", server.Version)

	// 客戶端離線期間：推進了進度，又排了一個製作任務
	local := server.Clone()
	local.Version += 2 // 客戶端本地也演進過
	local.QueuedTasks[0].Progress = 0.8
	local.QueuedTasks = append(local.QueuedTasks, types.Task{
		ID:   "craft-sword",
		Kind: types.KindCrafting,
		Activity: types.ActivityData{
			Craft: &types.CraftData{RecipeID: "iron_sword", BatchSize: 1},
		},
	})

	// 伺服器這邊：同一個任務只推進到一半，且暫停了佇列
	srvUpdate := idleatomic.ExecuteAtomicOperation(e.mgr, ctx, demoPlayer, "server_progress",
		func(_ context.Context, q *types.Queue) (struct{}, error) {
			q.QueuedTasks[0].Progress = 0.5
			q.IsPaused = true
			return struct{}{}, nil
		},
		idleatomic.OperationOptions{})
	if !srvUpdate.Success {
		log.Fatalf("Failed to advance server state: %v", srvUpdate.Err)
	}

	res := e.sync.SyncQueueState(ctx, demoPlayer, local)
	if res.Err != nil {
		log.Fatalf("Sync failed: %v", res.Err)
	}

	fmt.Printf("\n📊 Sync Result (%d conflict(s)):\n", len(res.Conflicts))
	for _, c := range res.Conflicts {
		fmt.Printf("  ├─ %-20s task=%-12s → %s\n", c.Type, c.TaskID, c.Resolution)
	}
	fmt.Printf("  └─ Resolved version: %d\n", res.Queue.Version)
	fmt.Printf("\n✓ Merged progress: %.0f%% (max of both sides)\n",
		res.Queue.QueuedTasks[0].Progress*100)
	fmt.Printf("✓ Queue paused (server wins): %v\n", res.Queue.IsPaused)
	fmt.Printf("✓ Client-added task kept: %v\n", res.Queue.FindTask("craft-sword") != nil)
}
