package types

// ============================================================================
// 校驗和計算
// 職責：對佇列的標準欄位子集計算與驗證 CRC32 校驗和
// ============================================================================

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
)

// ComputeChecksum 計算佇列的 CRC32 校驗和
//
// 演算法：
//   - 取標準欄位子集：playerId、currentTaskId、排序後的 queuedTaskIds、
//     isRunning、isPaused、totalTasksCompleted
//   - 任務 ID 先排序再串接，因此對排隊順序不敏感
//     （排隊順序屬於 QueuedTasks 本身，不屬於校驗和的關注點）
//   - 不包含 Version 與時間戳，還原後重算仍然一致
//   - 使用 CRC32-IEEE 多項式，十六進位字串輸出
func ComputeChecksum(q *Queue) string {
	var cur TaskID
	if q.CurrentTask != nil {
		cur = q.CurrentTask.ID
	}

	ids := make([]string, len(q.QueuedTasks))
	for i, t := range q.QueuedTasks {
		ids[i] = string(t.ID)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(string(q.PlayerID))
	b.WriteByte('|')
	b.WriteString(string(cur))
	b.WriteByte('|')
	b.WriteString(strings.Join(ids, ","))
	b.WriteByte('|')
	fmt.Fprintf(&b, "%t|%t|%d", q.IsRunning, q.IsPaused, q.TotalTasksCompleted)

	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(b.String())))
}

// VerifyChecksum 驗證佇列記錄的校驗和是否與當前內容相符
func VerifyChecksum(q *Queue) bool {
	return q.Checksum == ComputeChecksum(q)
}
