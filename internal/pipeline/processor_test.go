package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askdocs-go/internal/chunker"
	"askdocs-go/internal/extractor"
	"askdocs-go/internal/metadata"
	"askdocs-go/internal/model"
	"askdocs-go/pkg/graph"
	"askdocs-go/pkg/tasks"
	"askdocs-go/pkg/vectorindex"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
	// gate 非空时，EmbedBatch 先通知 entered，再等待 gate 关闭
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)%7 + 1), 1, 0.5}
	}
	return out, nil
}

type memStore struct {
	mu   sync.Mutex
	rows map[string]model.Document
}

func newMemStore() *memStore { return &memStore{rows: map[string]model.Document{}} }

func (s *memStore) Upsert(_ context.Context, doc *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[documentKey(doc.OrganizationID, doc.DocumentID)] = *doc
	return nil
}

func (s *memStore) UpdateStatus(_ context.Context, id, org, status, errMsg string, chunks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[documentKey(org, id)]
	if !ok {
		return nil
	}
	row.Status, row.ErrorMessage, row.ChunkCount = status, errMsg, chunks
	s.rows[documentKey(org, id)] = row
	return nil
}

func (s *memStore) Delete(_ context.Context, id, org string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[documentKey(org, id)]; !ok {
		return false, nil
	}
	delete(s.rows, documentKey(org, id))
	return true, nil
}

func (s *memStore) get(org, id string) model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[documentKey(org, id)]
}

type recordingGraph struct {
	hints []graph.Hint
	err   error
}

func (g *recordingGraph) RecordRelationships(_ context.Context, _, _ string, hints []graph.Hint) error {
	g.hints = append(g.hints, hints...)
	return g.err
}

// flakyIndex 写入一半记录后报错，模拟后端中途失败。
type flakyIndex struct {
	vectorindex.Index
	failUpsert bool
}

func (f *flakyIndex) Upsert(ctx context.Context, ns string, records []vectorindex.Record) error {
	if f.failUpsert {
		_ = f.Index.Upsert(ctx, ns, records[:len(records)/2+1])
		return errors.New("bulk rejected")
	}
	return f.Index.Upsert(ctx, ns, records)
}

type memBlobs struct {
	objects map[string][]byte
}

func (b *memBlobs) Get(_ context.Context, name string) ([]byte, error) {
	data, ok := b.objects[name]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

func (b *memBlobs) Remove(_ context.Context, name string) error {
	delete(b.objects, name)
	return nil
}

type harness struct {
	proc     *Processor
	index    *flakyIndex
	embedder *fakeEmbedder
	store    *memStore
	graph    *recordingGraph
	blobs    *memBlobs
}

func newHarness(t *testing.T, maxTokens int) *harness {
	t.Helper()
	local, err := vectorindex.NewLocalIndex(t.TempDir())
	require.NoError(t, err)
	h := &harness{
		index:    &flakyIndex{Index: local},
		embedder: &fakeEmbedder{},
		store:    newMemStore(),
		graph:    &recordingGraph{},
		blobs:    &memBlobs{objects: map[string][]byte{}},
	}
	tok := chunker.WordTokenizer{}
	h.proc = NewProcessor(Deps{
		Extractor: extractor.New(),
		Metadata:  metadata.New(tok),
		Chunker:   chunker.New(chunker.WithTokenizer(tok), chunker.WithMaxTokens(maxTokens), chunker.WithOverlapTokens(5), chunker.WithMinChunkTokens(3)),
		Embedder:  h.embedder,
		Index:     h.index,
		Documents: h.store,
		Graph:     h.graph,
		Blobs:     h.blobs,
	})
	return h
}

func sampleText() string {
	paras := []string{
		"Quarterly invoice summary for Acme Corporation. Payment is due within thirty days of receipt.",
		"The second paragraph lists every line item that was shipped during the period. Freight was billed separately.",
		"Please contact the billing team with any questions about this statement. Thank you for your business.",
	}
	return strings.Join(paras, "\n\n")
}

func (h *harness) count(t *testing.T, org string) int {
	t.Helper()
	st, err := h.index.Stats(context.Background(), org)
	require.NoError(t, err)
	return st.VectorCount
}

func TestIngest_Success(t *testing.T) {
	h := newHarness(t, 20)
	var mu sync.Mutex
	var seen []model.IngestionProgress
	sink := func(p model.IngestionProgress) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p)
	}

	res := h.proc.Ingest(context.Background(), IngestRequest{
		Content:        []byte(sampleText()),
		FileName:       "invoice.txt",
		OrganizationID: "org-1",
		DocumentID:     "doc-1",
		SourceSystem:   "gmail",
		MetadataOverride: &MetadataOverride{
			Author: "billing@acme.com",
		},
	}, sink)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "doc-1", res.DocumentID)
	assert.Greater(t, res.ChunksCreated, 1)
	assert.Equal(t, res.ChunksCreated, res.VectorsIndexed)
	assert.Equal(t, model.StageComplete, res.Stage)
	assert.Equal(t, res.VectorsIndexed, h.count(t, "org-1"))

	var stages []model.Stage
	for i, p := range seen {
		stages = append(stages, p.Stage)
		if i > 0 {
			assert.GreaterOrEqual(t, p.Progress, seen[i-1].Progress)
		}
	}
	assert.Equal(t, []model.Stage{
		model.StageInitialized, model.StageExtraction, model.StageMetadata, model.StageChunking,
		model.StageEmbedding, model.StageIndexing, model.StageGraph, model.StageComplete,
	}, stages)

	prog, ok := h.proc.GetProgress("doc-1")
	require.True(t, ok)
	assert.True(t, prog.Done())
	require.NotNil(t, prog.Success)
	assert.True(t, *prog.Success)

	row := h.store.get("org-1", "doc-1")
	assert.Equal(t, model.DocumentStatusIndexed, row.Status)
	assert.Equal(t, "billing@acme.com", row.Author)
	assert.Equal(t, res.ChunksCreated, row.ChunkCount)
	assert.Equal(t, "gmail", row.SourceSystem)

	assert.Contains(t, h.graph.hints, graph.Hint{
		From:     graph.Node{Kind: "Person", ID: "billing@acme.com"},
		Relation: graph.RelAuthored,
		To:       graph.Node{Kind: "Document", ID: "doc-1"},
	})
	assert.Zero(t, h.proc.locks.size())
}

func TestIngest_GeneratesDocumentID(t *testing.T) {
	h := newHarness(t, 50)
	res := h.proc.Ingest(context.Background(), IngestRequest{Content: []byte("hello there world"), OrganizationID: "org-1"}, nil)
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.DocumentID, 36)
}

func TestIngest_ReindexIsIdempotent(t *testing.T) {
	h := newHarness(t, 20)
	req := IngestRequest{Content: []byte(sampleText()), OrganizationID: "org-1", DocumentID: "doc-1"}

	first := h.proc.Ingest(context.Background(), req, nil)
	second := h.proc.Ingest(context.Background(), req, nil)
	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, first.VectorsIndexed, second.VectorsIndexed)
	assert.Equal(t, second.VectorsIndexed, h.count(t, "org-1"))

	results, err := h.index.Query(context.Background(), "org-1", []float32{1, 1, 0.5}, 100, nil)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, r := range results {
		assert.False(t, ids[r.ChunkID], "duplicate chunk %s", r.ChunkID)
		ids[r.ChunkID] = true
	}
}

func TestIngest_ShrinkingDocumentRemovesStaleChunks(t *testing.T) {
	h := newHarness(t, 20)
	first := h.proc.Ingest(context.Background(), IngestRequest{Content: []byte(sampleText()), OrganizationID: "org-1", DocumentID: "doc-1"}, nil)
	require.True(t, first.Success)
	require.Greater(t, first.VectorsIndexed, 1)

	second := h.proc.Ingest(context.Background(), IngestRequest{Content: []byte("Just one short line now."), OrganizationID: "org-1", DocumentID: "doc-1"}, nil)
	require.True(t, second.Success)
	assert.Equal(t, 1, h.count(t, "org-1"))
}

func TestIngest_EmbeddingFailureKeepsPreviousVersion(t *testing.T) {
	h := newHarness(t, 20)
	req := IngestRequest{Content: []byte(sampleText()), OrganizationID: "org-1", DocumentID: "doc-1"}
	first := h.proc.Ingest(context.Background(), req, nil)
	require.True(t, first.Success)

	h.embedder.err = errors.New("rate limited")
	res := h.proc.Ingest(context.Background(), req, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.StageEmbedding, res.Stage)
	assert.Contains(t, res.Error, "rate limited")
	assert.Equal(t, first.VectorsIndexed, h.count(t, "org-1"))
	assert.Equal(t, model.DocumentStatusFailed, h.store.get("org-1", "doc-1").Status)

	prog, ok := h.proc.GetProgress("doc-1")
	require.True(t, ok)
	assert.Equal(t, model.StageComplete, prog.Stage)
	require.NotNil(t, prog.Success)
	assert.False(t, *prog.Success)
}

func TestIngest_UpsertFailureLeavesNoPartialSet(t *testing.T) {
	h := newHarness(t, 20)
	h.index.failUpsert = true

	res := h.proc.Ingest(context.Background(), IngestRequest{Content: []byte(sampleText()), OrganizationID: "org-1", DocumentID: "doc-1"}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.StageIndexing, res.Stage)
	assert.Zero(t, h.count(t, "org-1"))
}

func TestIngest_UnsupportedFormat(t *testing.T) {
	h := newHarness(t, 20)
	res := h.proc.Ingest(context.Background(), IngestRequest{
		Content:        []byte{0x89, 'P', 'N', 'G'},
		MimeType:       "image/png",
		OrganizationID: "org-1",
		DocumentID:     "img",
	}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.StageExtraction, res.Stage)
	assert.Zero(t, h.embedder.calls)
}

func TestIngest_EmptyDocumentFailsAtChunking(t *testing.T) {
	h := newHarness(t, 20)
	res := h.proc.Ingest(context.Background(), IngestRequest{Content: []byte("   \n\n  "), OrganizationID: "org-1"}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.StageChunking, res.Stage)
}

func TestIngest_RequiresOrganization(t *testing.T) {
	h := newHarness(t, 20)
	res := h.proc.Ingest(context.Background(), IngestRequest{Content: []byte("text")}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.StageInitialized, res.Stage)
}

func TestIngest_GraphFailureIsIgnored(t *testing.T) {
	h := newHarness(t, 20)
	h.graph.err = errors.New("graph backend down")
	res := h.proc.Ingest(context.Background(), IngestRequest{
		Content:          []byte(sampleText()),
		OrganizationID:   "org-1",
		MetadataOverride: &MetadataOverride{Author: "a@b.c"},
	}, nil)
	assert.True(t, res.Success, res.Error)
}

func TestIngest_ConcurrentDocuments(t *testing.T) {
	h := newHarness(t, 20)
	var wg sync.WaitGroup
	results := make([]model.IngestionResult, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.proc.Ingest(context.Background(), IngestRequest{
				Content:        []byte(sampleText()),
				OrganizationID: "org-1",
				DocumentID:     []string{"a", "b", "c"}[i%3],
			}, nil)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.True(t, r.Success, r.Error)
	}
	assert.Equal(t, 3*results[0].VectorsIndexed, h.count(t, "org-1"))
}

func TestIngest_QueuedReindexKeepsInFlightProgress(t *testing.T) {
	h := newHarness(t, 20)
	h.embedder.gate = make(chan struct{})
	h.embedder.entered = make(chan struct{}, 1)
	req := IngestRequest{Content: []byte(sampleText()), OrganizationID: "org-1", DocumentID: "doc-1"}

	var wg sync.WaitGroup
	results := make([]model.IngestionResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = h.proc.Ingest(context.Background(), req, nil)
	}()
	<-h.embedder.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = h.proc.Ingest(context.Background(), req, nil)
	}()
	// 第二个请求已在文档锁上排队
	assert.Eventually(t, func() bool { return h.proc.locks.waiters(documentKey("org-1", "doc-1")) == 2 }, time.Second, 5*time.Millisecond)

	prog, ok := h.proc.GetProgress("doc-1")
	require.True(t, ok)
	assert.Equal(t, model.StageEmbedding, prog.Stage)

	close(h.embedder.gate)
	wg.Wait()
	for _, r := range results {
		require.True(t, r.Success, r.Error)
	}
	assert.Equal(t, results[1].VectorsIndexed, h.count(t, "org-1"))
}

func TestIngest_SameDocumentIDAcrossOrganizations(t *testing.T) {
	h := newHarness(t, 20)
	a := h.proc.Ingest(context.Background(), IngestRequest{Content: []byte(sampleText()), OrganizationID: "org-a", DocumentID: "shared"}, nil)
	b := h.proc.Ingest(context.Background(), IngestRequest{Content: []byte("Short memo for org b."), OrganizationID: "org-b", DocumentID: "shared"}, nil)
	require.True(t, a.Success, a.Error)
	require.True(t, b.Success, b.Error)

	assert.Equal(t, a.VectorsIndexed, h.count(t, "org-a"))
	assert.Equal(t, "org-a", h.store.get("org-a", "shared").OrganizationID)
	assert.Equal(t, "org-b", h.store.get("org-b", "shared").OrganizationID)

	deleted, err := h.proc.Delete(context.Background(), "shared", "org-b")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, a.VectorsIndexed, h.count(t, "org-a"))
	assert.Equal(t, model.DocumentStatusIndexed, h.store.get("org-a", "shared").Status)
}

func TestDelete(t *testing.T) {
	h := newHarness(t, 20)
	res := h.proc.Ingest(context.Background(), IngestRequest{Content: []byte(sampleText()), OrganizationID: "org-1", DocumentID: "doc-1"}, nil)
	require.True(t, res.Success)

	deleted, err := h.proc.Delete(context.Background(), "doc-1", "org-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Zero(t, h.count(t, "org-1"))
	_, ok := h.proc.GetProgress("doc-1")
	assert.False(t, ok)

	deleted, err = h.proc.Delete(context.Background(), "doc-1", "org-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestProcess_AsyncTask(t *testing.T) {
	h := newHarness(t, 20)
	h.blobs.objects["raw/org-1/doc-1"] = []byte(sampleText())

	err := h.proc.Process(context.Background(), tasks.IngestTask{
		DocumentID:     "doc-1",
		OrganizationID: "org-1",
		ObjectName:     "raw/org-1/doc-1",
		FileName:       "notes.txt",
		Title:          "Billing notes",
	})
	require.NoError(t, err)
	assert.Empty(t, h.blobs.objects)
	assert.Equal(t, "Billing notes", h.store.get("org-1", "doc-1").Title)
}

func TestProcess_RetryableFailureKeepsBlob(t *testing.T) {
	h := newHarness(t, 20)
	h.blobs.objects["raw/org-1/doc-1"] = []byte(sampleText())
	h.embedder.err = errors.New("timeout")

	err := h.proc.Process(context.Background(), tasks.IngestTask{DocumentID: "doc-1", OrganizationID: "org-1", ObjectName: "raw/org-1/doc-1"})
	require.Error(t, err)
	assert.Contains(t, h.blobs.objects, "raw/org-1/doc-1")

	// 抽取失败不可重试
	h.blobs.objects["raw/org-1/img"] = []byte{0x00}
	err = h.proc.Process(context.Background(), tasks.IngestTask{DocumentID: "img", OrganizationID: "org-1", ObjectName: "raw/org-1/img", MimeType: "image/png"})
	assert.NoError(t, err)
	assert.NotContains(t, h.blobs.objects, "raw/org-1/img")
}

func TestProgressTracker_Subscribe(t *testing.T) {
	tr := NewProgressTracker(time.Minute)
	ch, cancel := tr.Subscribe("doc")
	defer cancel()

	tr.Update(model.IngestionProgress{DocumentID: "doc", Stage: model.StageExtraction, Progress: 0.1})
	done := true
	tr.Update(model.IngestionProgress{DocumentID: "doc", Stage: model.StageComplete, Progress: 1, Success: &done})

	var got []model.Stage
	for p := range ch {
		got = append(got, p.Stage)
	}
	assert.Equal(t, []model.Stage{model.StageExtraction, model.StageComplete}, got)

	// 已完成的文档订阅后立即得到终态
	late, lateCancel := tr.Subscribe("doc")
	defer lateCancel()
	p, ok := <-late
	require.True(t, ok)
	assert.True(t, p.Done())
	_, ok = <-late
	assert.False(t, ok)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	acquired := make(chan struct{})
	go func() {
		u := k.Lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, 5*time.Millisecond)
}
