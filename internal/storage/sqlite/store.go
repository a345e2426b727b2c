// ============================================================================
// IdleForge SQLite 儲存 - Persistence 的耐久實作
// ============================================================================
//
// Package: internal/storage/sqlite
// 文件: store.go
// 功能: 以 SQLite（WAL 模式）實作持久化契約，供單節點部署使用
//
// 設計理念:
//   1. 佇列整體序列化為 JSON blob，版本欄位獨立成列，
//      條件式更新用一條 upsert 完成（WHERE version < excluded.version）
//   2. 快照同樣整佇列落盤，每位玩家保留最近 N 份
//   3. 連線以 WAL journal 模式加 busy_timeout 開啟，
//      避免並發寫入時的 database-is-locked 錯誤
//
// ============================================================================

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/idleforge/internal/storage"
	"github.com/ChuLiYu/idleforge/pkg/types"
)

var log = slog.Default()

const schema = `
CREATE TABLE IF NOT EXISTS queues (
	player_id  TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	checksum   TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id TEXT PRIMARY KEY,
	player_id   TEXT NOT NULL,
	taken_at    INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	meta        TEXT NOT NULL,
	data        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_player
	ON snapshots (player_id, taken_at DESC);
`

// Store Persistence 的 SQLite 實作
type Store struct {
	db            *sql.DB
	snapshotLimit int
}

// Config Store 參數
type Config struct {
	Path          string // 資料庫檔案路徑
	SnapshotLimit int    // 每位玩家的快照保留數（預設 storage.DefaultSnapshotLimit）
}

var _ storage.Persistence = (*Store)(nil)

// Open 開啟（必要時建立）資料庫並套用 schema
//
// 連線以 WAL journal 模式加 5 秒 busy_timeout 開啟，
// 回傳前先 Ping 確認連線可用
func Open(cfg Config) (*Store, error) {
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = storage.DefaultSnapshotLimit
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", cfg.Path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", cfg.Path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", cfg.Path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema on %s: %w", cfg.Path, err)
	}

	log.Info("SQLite store opened", "path", cfg.Path)
	return &Store{db: db, snapshotLimit: cfg.SnapshotLimit}, nil
}

// Close 關閉底層資料庫
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================================
// 核心方法實作
// ============================================================================

// LoadQueue 讀取並反序列化佇列，不存在時回傳 (nil, nil)
func (s *Store) LoadQueue(ctx context.Context, playerID types.PlayerID) (*types.Queue, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM queues WHERE player_id = ?`, string(playerID)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue for %s: %w", playerID, err)
	}

	var q types.Queue
	if err := json.Unmarshal([]byte(data), &q); err != nil {
		return nil, types.WithKind(types.KindValidation,
			fmt.Errorf("corrupt queue row for %s: %w", playerID, err))
	}
	return &q, nil
}

// SaveQueueWithAtomicUpdate 條件式寫入佇列
//
// 單條 upsert 配合 WHERE queues.version < excluded.version，
// RowsAffected 為 0 即代表儲存中的版本不低於寫入版本
func (s *Store) SaveQueueWithAtomicUpdate(ctx context.Context, q *types.Queue, opts storage.SaveOptions) error {
	if opts.ValidateBeforeUpdate {
		if report := storage.ValidateQueue(q); !report.IsValid {
			return types.WithKind(types.KindValidation,
				fmt.Errorf("queue failed integrity validation before save: %v", report.Errors))
		}
	}

	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal queue for %s: %w", q.PlayerID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO queues (player_id, version, checksum, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			version    = excluded.version,
			checksum   = excluded.checksum,
			data       = excluded.data,
			updated_at = excluded.updated_at
		WHERE queues.version < excluded.version`,
		string(q.PlayerID), q.Version, q.Checksum, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save queue for %s: %w", q.PlayerID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save queue for %s: %w", q.PlayerID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: player=%s incoming=%d",
			storage.ErrVersionConflict, q.PlayerID, q.Version)
	}

	if opts.CreateSnapshot {
		if _, err := s.insertSnapshot(ctx, tx, q, opts.SnapshotReason); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ValidateQueueIntegrity 驗證佇列完整性（引擎無關邏輯的轉接）
func (s *Store) ValidateQueueIntegrity(_ context.Context, q *types.Queue) (*types.IntegrityReport, error) {
	return storage.ValidateQueue(q), nil
}

// RepairQueue 套用修復動作並回傳修復後的副本（不自動持久化）
func (s *Store) RepairQueue(_ context.Context, q *types.Queue, actions []types.RepairAction) (*types.Queue, error) {
	return storage.RepairQueue(q, actions), nil
}

// ============================================================================
// 快照
// ============================================================================

// CreateStateSnapshot 為佇列建立耐久快照，回傳快照 ID
func (s *Store) CreateStateSnapshot(ctx context.Context, q *types.Queue, reason string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := s.insertSnapshot(ctx, tx, q, reason)
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

// insertSnapshot 在既有交易內寫入快照並修剪到保留上限
func (s *Store) insertSnapshot(ctx context.Context, tx *sql.Tx, q *types.Queue, reason string) (string, error) {
	meta := q.Snapshot(reason)
	meta.SnapshotID = uuid.NewString()

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot meta for %s: %w", q.PlayerID, err)
	}
	data, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot queue for %s: %w", q.PlayerID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_id, player_id, taken_at, reason, meta, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		meta.SnapshotID, string(q.PlayerID), meta.TakenAt, reason, string(metaJSON), string(data)); err != nil {
		return "", fmt.Errorf("insert snapshot for %s: %w", q.PlayerID, err)
	}

	// 修剪到保留上限，最舊的先走
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE player_id = ? AND snapshot_id NOT IN (
			SELECT snapshot_id FROM snapshots
			WHERE player_id = ?
			ORDER BY taken_at DESC, rowid DESC
			LIMIT ?
		)`,
		string(q.PlayerID), string(q.PlayerID), s.snapshotLimit); err != nil {
		return "", fmt.Errorf("trim snapshots for %s: %w", q.PlayerID, err)
	}

	return meta.SnapshotID, nil
}

// PlayerSnapshots 回傳玩家的快照中繼資料，最新在前
func (s *Store) PlayerSnapshots(ctx context.Context, playerID types.PlayerID, limit int) ([]types.StateSnapshot, error) {
	if limit <= 0 {
		limit = s.snapshotLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT meta FROM snapshots
		WHERE player_id = ?
		ORDER BY taken_at DESC, rowid DESC
		LIMIT ?`,
		string(playerID), limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", playerID, err)
	}
	defer rows.Close()

	var out []types.StateSnapshot
	for rows.Next() {
		var metaJSON string
		if err := rows.Scan(&metaJSON); err != nil {
			return nil, fmt.Errorf("scan snapshot for %s: %w", playerID, err)
		}
		var meta types.StateSnapshot
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("corrupt snapshot meta for %s: %w", playerID, err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// RestoreFromSnapshot 從快照重建佇列並持久化
//
// snapshotID 為空字串時使用最新的快照。還原後的版本一律高於
// 儲存中的當前版本
func (s *Store) RestoreFromSnapshot(ctx context.Context, playerID types.PlayerID, snapshotID string) (*types.Queue, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin restore tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	if snapshotID == "" {
		err = tx.QueryRowContext(ctx, `
			SELECT data FROM snapshots
			WHERE player_id = ?
			ORDER BY taken_at DESC, rowid DESC
			LIMIT 1`, string(playerID)).Scan(&data)
	} else {
		err = tx.QueryRowContext(ctx, `
			SELECT data FROM snapshots
			WHERE player_id = ? AND snapshot_id = ?`,
			string(playerID), snapshotID).Scan(&data)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: player=%s snapshot=%q", storage.ErrSnapshotNotFound, playerID, snapshotID)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", playerID, err)
	}

	var restored types.Queue
	if err := json.Unmarshal([]byte(data), &restored); err != nil {
		return nil, types.WithKind(types.KindValidation,
			fmt.Errorf("corrupt snapshot data for %s: %w", playerID, err))
	}

	var currentVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM queues WHERE player_id = ?`, string(playerID)).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read current version for %s: %w", playerID, err)
	}

	if currentVersion >= restored.Version {
		restored.Version = currentVersion
	}
	restored.Version++
	restored.UpdatedAt = time.Now().UnixMilli()
	restored.Checksum = types.ComputeChecksum(&restored)

	payload, err := json.Marshal(&restored)
	if err != nil {
		return nil, fmt.Errorf("marshal restored queue for %s: %w", playerID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queues (player_id, version, checksum, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			version    = excluded.version,
			checksum   = excluded.checksum,
			data       = excluded.data,
			updated_at = excluded.updated_at`,
		string(playerID), restored.Version, restored.Checksum, string(payload), restored.UpdatedAt); err != nil {
		return nil, fmt.Errorf("persist restored queue for %s: %w", playerID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit restore for %s: %w", playerID, err)
	}

	log.Info("Queue restored from snapshot",
		"player_id", playerID,
		"restored_version", restored.Version)

	return &restored, nil
}
