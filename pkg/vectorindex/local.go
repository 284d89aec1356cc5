package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"

	"askdocs-go/pkg/log"
)

const localFileExt = ".json"

// localFile 是单个组织的落盘格式，四个数组按下标对齐。
type localFile struct {
	Embeddings [][]float32      `json:"embeddings"`
	Documents  []string         `json:"documents"`
	Metadatas  []map[string]any `json:"metadatas"`
	IDs        []string         `json:"ids"`
}

// LocalIndex 每个组织一个文件，整体读入、修改、再整体原子替换写回。
type LocalIndex struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalIndex 创建本地索引，dir 不存在时自动创建。
func NewLocalIndex(dir string) (*LocalIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建向量存储目录失败: %w", err)
	}
	return &LocalIndex{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// lock 返回组织级互斥锁，同一组织的读改写串行执行。
func (l *LocalIndex) lock(namespace string) func() {
	l.mu.Lock()
	m, ok := l.locks[namespace]
	if !ok {
		m = &sync.Mutex{}
		l.locks[namespace] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (l *LocalIndex) path(namespace string) string {
	return filepath.Join(l.dir, url.PathEscape(namespace)+localFileExt)
}

func (l *LocalIndex) load(namespace string) (*localFile, error) {
	data, err := os.ReadFile(l.path(namespace))
	if errors.Is(err, os.ErrNotExist) {
		return &localFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	var f localFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析向量文件失败: %w", err)
	}
	if len(f.Embeddings) != len(f.IDs) || len(f.Documents) != len(f.IDs) || len(f.Metadatas) != len(f.IDs) {
		return nil, fmt.Errorf("向量文件数组长度不一致: ids=%d embeddings=%d", len(f.IDs), len(f.Embeddings))
	}
	return &f, nil
}

// save 先写临时文件再 rename，失败时旧文件保持完整。
func (l *LocalIndex) save(namespace string, f *localFile) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return atomic.WriteFile(l.path(namespace), bytes.NewReader(data))
}

func validNamespace(namespace string) error {
	if strings.TrimSpace(namespace) == "" {
		return errors.New("namespace is required")
	}
	return nil
}

// Upsert 写入记录，已存在的 ID 原位替换。
func (l *LocalIndex) Upsert(_ context.Context, namespace string, records []Record) error {
	if err := validNamespace(namespace); err != nil {
		return &IndexError{Op: "upsert", Namespace: namespace, Err: err}
	}
	if len(records) == 0 {
		return nil
	}
	unlock := l.lock(namespace)
	defer unlock()

	f, err := l.load(namespace)
	if err != nil {
		return &IndexError{Op: "upsert", Namespace: namespace, Err: err}
	}
	pos := make(map[string]int, len(f.IDs))
	for i, id := range f.IDs {
		pos[id] = i
	}
	for _, r := range records {
		if r.ID == "" || len(r.Vector) == 0 {
			return &IndexError{Op: "upsert", Namespace: namespace, Err: fmt.Errorf("record %q has no id or vector", r.ID)}
		}
		if i, ok := pos[r.ID]; ok {
			f.Embeddings[i], f.Documents[i], f.Metadatas[i] = r.Vector, r.Text, r.Metadata
			continue
		}
		pos[r.ID] = len(f.IDs)
		f.IDs = append(f.IDs, r.ID)
		f.Embeddings = append(f.Embeddings, r.Vector)
		f.Documents = append(f.Documents, r.Text)
		f.Metadatas = append(f.Metadatas, r.Metadata)
	}
	if err := l.save(namespace, f); err != nil {
		return &IndexError{Op: "upsert", Namespace: namespace, Err: err}
	}
	log.Debugf("[LocalIndex] 组织 %s 写入 %d 条记录, 当前共 %d 条", namespace, len(records), len(f.IDs))
	return nil
}

// Delete 删除匹配过滤条件的记录，空过滤条件删除整个命名空间。
func (l *LocalIndex) Delete(_ context.Context, namespace string, filter Filter) (int, error) {
	if err := validNamespace(namespace); err != nil {
		return 0, &IndexError{Op: "delete", Namespace: namespace, Err: err}
	}
	unlock := l.lock(namespace)
	defer unlock()

	f, err := l.load(namespace)
	if err != nil {
		return 0, &IndexError{Op: "delete", Namespace: namespace, Err: err}
	}
	kept := &localFile{}
	removed := 0
	for i, id := range f.IDs {
		if matches(f.Metadatas[i], filter) {
			removed++
			continue
		}
		kept.IDs = append(kept.IDs, id)
		kept.Embeddings = append(kept.Embeddings, f.Embeddings[i])
		kept.Documents = append(kept.Documents, f.Documents[i])
		kept.Metadatas = append(kept.Metadatas, f.Metadatas[i])
	}
	if removed == 0 {
		return 0, nil
	}
	if err := l.save(namespace, kept); err != nil {
		return 0, &IndexError{Op: "delete", Namespace: namespace, Err: err}
	}
	return removed, nil
}

// Query 线性扫描计算余弦相似度，维度与查询向量不同的记录直接跳过。
func (l *LocalIndex) Query(_ context.Context, namespace string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	if err := validNamespace(namespace); err != nil {
		return nil, &IndexError{Op: "query", Namespace: namespace, Err: err}
	}
	if topK <= 0 || len(vector) == 0 {
		return nil, nil
	}
	unlock := l.lock(namespace)
	f, err := l.load(namespace)
	unlock()
	if err != nil {
		return nil, &IndexError{Op: "query", Namespace: namespace, Err: err}
	}

	results := make([]SearchResult, 0, min(topK, len(f.IDs)))
	skipped := 0
	for i, emb := range f.Embeddings {
		if len(emb) != len(vector) {
			skipped++
			continue
		}
		if !matches(f.Metadatas[i], filter) {
			continue
		}
		sim, ok := CosineSimilarity(vector, emb)
		if !ok {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:    f.IDs[i],
			DocumentID: documentIDOf(f.Metadatas[i]),
			Text:       f.Documents[i],
			Metadata:   f.Metadatas[i],
			Similarity: clamp01(sim),
		})
	}
	if skipped > 0 {
		log.Debugf("[LocalIndex] 组织 %s 查询跳过 %d 条维度不一致的记录", namespace, skipped)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Stats 统计记录数，Dimension 为占多数的维度。
func (l *LocalIndex) Stats(_ context.Context, namespace string) (Stats, error) {
	namespaces := []string{namespace}
	if namespace == "" {
		var err error
		if namespaces, err = l.namespaces(); err != nil {
			return Stats{}, &IndexError{Op: "stats", Err: err}
		}
	}

	st := Stats{Dimensions: make(map[int]int)}
	for _, ns := range namespaces {
		unlock := l.lock(ns)
		f, err := l.load(ns)
		unlock()
		if err != nil {
			return Stats{}, &IndexError{Op: "stats", Namespace: ns, Err: err}
		}
		st.VectorCount += len(f.IDs)
		for _, emb := range f.Embeddings {
			st.Dimensions[len(emb)]++
		}
	}
	best := 0
	for dim, n := range st.Dimensions {
		if n > best || (n == best && dim > st.Dimension) {
			best, st.Dimension = n, dim
		}
	}
	return st, nil
}

func (l *LocalIndex) namespaces() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, localFileExt) {
			continue
		}
		ns, err := url.PathUnescape(strings.TrimSuffix(name, localFileExt))
		if err != nil {
			continue
		}
		out = append(out, ns)
	}
	return out, nil
}
