package pipeline

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"askdocs-go/internal/model"
)

const (
	defaultProgressRetention = time.Hour
	// 终态被读取过一次后只再保留这么久
	completedGrace = 5 * time.Minute
)

// ProgressSink 在每次阶段切换时被调用，调用方据此推送进度。
type ProgressSink func(model.IngestionProgress)

type progressEntry struct {
	progress model.IngestionProgress
	observed bool
}

// ProgressTracker 在内存中保存最近的入库进度，过期后自动淘汰。
type ProgressTracker struct {
	mu        sync.Mutex
	items     *gocache.Cache
	retention time.Duration
	listeners map[string][]chan model.IngestionProgress
}

// NewProgressTracker 创建进度跟踪器，retention 为进度记录的保留时长。
func NewProgressTracker(retention time.Duration) *ProgressTracker {
	if retention <= 0 {
		retention = defaultProgressRetention
	}
	return &ProgressTracker{
		items:     gocache.New(retention, retention),
		retention: retention,
		listeners: make(map[string][]chan model.IngestionProgress),
	}
}

// Update 记录最新进度并通知订阅者。
func (t *ProgressTracker) Update(p model.IngestionProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items.Set(p.DocumentID, &progressEntry{progress: p}, t.retention)
	for _, ch := range t.listeners[p.DocumentID] {
		select {
		case ch <- p:
		default:
			// 订阅方消费过慢时丢弃中间状态，终态之后会关闭通道
		}
	}
	if p.Done() {
		for _, ch := range t.listeners[p.DocumentID] {
			close(ch)
		}
		delete(t.listeners, p.DocumentID)
	}
}

// Get 返回文档的最新进度。终态首次被读取后缩短其保留时间。
func (t *ProgressTracker) Get(documentID string) (model.IngestionProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items.Get(documentID)
	if !ok {
		return model.IngestionProgress{}, false
	}
	entry := v.(*progressEntry)
	if entry.progress.Done() && !entry.observed {
		entry.observed = true
		grace := completedGrace
		if grace > t.retention {
			grace = t.retention
		}
		t.items.Set(documentID, entry, grace)
	}
	return entry.progress, true
}

// Remove 删除文档的进度记录。
func (t *ProgressTracker) Remove(documentID string) {
	t.items.Delete(documentID)
}

// Subscribe 订阅文档的后续进度。返回的通道在终态后关闭，cancel 用于提前退订。
func (t *ProgressTracker) Subscribe(documentID string) (<-chan model.IngestionProgress, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan model.IngestionProgress, 16)
	if v, ok := t.items.Get(documentID); ok {
		entry := v.(*progressEntry)
		ch <- entry.progress
		if entry.progress.Done() {
			close(ch)
			return ch, func() {}
		}
	}
	t.listeners[documentID] = append(t.listeners[documentID], ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			subs := t.listeners[documentID]
			for i, c := range subs {
				if c == ch {
					t.listeners[documentID] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
			if len(t.listeners[documentID]) == 0 {
				delete(t.listeners, documentID)
			}
		})
	}
	return ch, cancel
}
