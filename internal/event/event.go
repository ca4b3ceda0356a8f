// ============================================================================
// ppc-flow 取消事件管理器 - 每個 task 一個一次性取消旗標
// ============================================================================
//
// Package: internal/event
// 文件: event.go
// 功能: 管理 task 的取消事件（CancelEvent）
//
// 設計:
//   每個 task_id 對應一個 entry：
//   - set: 是否已觸發（一旦觸發，直到 Remove 前都保持觸發）
//   - done: 觸發時關閉的 channel，讓阻塞的 pull 以 select 等待，而非輪詢
//
// 並發安全:
//   - Status 是熱路徑（stub pull 會頻繁查詢），使用 RLock
//   - Register/Set/Remove 使用 Lock
//
// ============================================================================

package event

import "sync"

type entry struct {
	set  bool
	done chan struct{}
}

// Manager 取消事件註冊表
type Manager struct {
	mu     sync.RWMutex
	events map[string]*entry
}

// NewManager 建立事件管理器
func NewManager() *Manager {
	return &Manager{events: make(map[string]*entry)}
}

// getOrCreate 呼叫端必須持有寫鎖
func (m *Manager) getOrCreate(id string) *entry {
	e, ok := m.events[id]
	if !ok {
		e = &entry{done: make(chan struct{})}
		m.events[id] = e
	}
	return e
}

// Register 註冊事件，已存在則不變
func (m *Manager) Register(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(id)
}

// Set 觸發事件（冪等）；未註冊的 id 會先建立再觸發
func (m *Manager) Set(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getOrCreate(id)
	if !e.set {
		e.set = true
		close(e.done)
	}
}

// Status 事件是否已觸發，未知 id 回傳 false
func (m *Manager) Status(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	return ok && e.set
}

// Done 回傳事件觸發時關閉的 channel
//
// 未註冊的 id 會被註冊，以便之後的 Set 能喚醒等待者。
func (m *Manager) Done(id string) <-chan struct{} {
	m.mu.RLock()
	e, ok := m.events[id]
	m.mu.RUnlock()
	if ok {
		return e.done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreate(id).done
}

// Remove 移除事件（清理快取時呼叫）
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
}

// Len 目前註冊的事件數量
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
