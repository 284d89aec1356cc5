package vectorindex

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askdocs-go/internal/config"
	"askdocs-go/pkg/es"
)

// fakeES 模拟 Elasticsearch 的最小 HTTP 接口。
type fakeES struct {
	mu        sync.Mutex
	indices   map[string]bool
	bulkLines []string
	requests  []string
	lastBody  map[string]any
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path
	switch {
	case r.Method == http.MethodHead:
		if f.indices[strings.TrimPrefix(path, "/")] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodPut:
		f.indices[strings.TrimPrefix(path, "/")] = true
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	case strings.HasSuffix(path, "/_bulk"):
		sc := bufio.NewScanner(strings.NewReader(string(body)))
		sc.Buffer(make([]byte, 1<<20), 1<<20)
		for sc.Scan() {
			f.bulkLines = append(f.bulkLines, sc.Text())
		}
		_, _ = w.Write([]byte(`{"errors":false,"items":[]}`))
	case strings.HasSuffix(path, "/_delete_by_query"):
		_ = json.Unmarshal(body, &f.lastBody)
		_, _ = w.Write([]byte(`{"deleted":2}`))
	case strings.HasSuffix(path, "/_search"):
		_ = json.Unmarshal(body, &f.lastBody)
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_id":"doc-1#0","_score":0.9,"_source":{"document_id":"doc-1","text":"hello","metadata":{"title":"Hello"}}},
			{"_id":"doc-2#3","_score":0.4,"_source":{"document_id":"doc-2","text":"bye","metadata":{}}}
		]}}`))
	case strings.HasPrefix(path, "/_cat/indices"):
		_, _ = w.Write([]byte(`[{"index":"test-chunks-3"}]`))
	case strings.HasSuffix(path, "/_count"):
		_, _ = w.Write([]byte(`{"count":5}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}
}

func newElastic(t *testing.T) (*ElasticIndex, *fakeES) {
	t.Helper()
	fake := &fakeES{indices: map[string]bool{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := es.NewClient(config.ElasticsearchConfig{Addresses: srv.URL})
	require.NoError(t, err)
	return NewElasticIndex(client, ElasticConfig{IndexPrefix: "test-chunks", BatchSize: 2}), fake
}

func TestElasticIndex_UpsertCreatesIndexAndBatches(t *testing.T) {
	idx, fake := newElastic(t)
	records := []Record{rec("doc-1", 0, 1, 0, 0), rec("doc-1", 1, 0, 1, 0), rec("doc-1", 2, 0, 0, 1)}

	require.NoError(t, idx.Upsert(context.Background(), "org", records))
	require.NoError(t, idx.Upsert(context.Background(), "org", records[:1]))

	assert.True(t, fake.indices["test-chunks-3"])
	creates := 0
	bulks := 0
	for _, r := range fake.requests {
		if strings.HasPrefix(r, "PUT ") {
			creates++
		}
		if strings.HasSuffix(r, "/_bulk") {
			bulks++
		}
	}
	assert.Equal(t, 1, creates, "index is created once")
	assert.Equal(t, 3, bulks, "three records at batch size two plus one more upsert")
	require.Len(t, fake.bulkLines, 8)

	var action map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(fake.bulkLines[0]), &action))
	assert.Equal(t, "doc-1#0", action["index"]["_id"])
	assert.Equal(t, "test-chunks-3", action["index"]["_index"])

	var doc esChunk
	require.NoError(t, json.Unmarshal([]byte(fake.bulkLines[1]), &doc))
	assert.Equal(t, "org", doc.OrganizationID)
	assert.Equal(t, "doc-1", doc.DocumentID)
}

func TestElasticIndex_QueryConvertsScores(t *testing.T) {
	idx, fake := newElastic(t)
	res, err := idx.Query(context.Background(), "org", []float32{1, 0, 0}, 5, Filter{"source_system": "gmail"})
	require.NoError(t, err)
	require.Len(t, res, 2)

	assert.Equal(t, "doc-1#0", res[0].ChunkID)
	assert.InDelta(t, 0.8, res[0].Similarity, 1e-9)
	assert.Equal(t, "Hello", res[0].Metadata["title"])
	assert.InDelta(t, 0.0, res[1].Similarity, 1e-9)

	knn := fake.lastBody["knn"].(map[string]any)
	assert.EqualValues(t, 5, knn["k"])
	filter := knn["filter"].(map[string]any)["bool"].(map[string]any)["filter"].([]any)
	require.Len(t, filter, 2)
	searched := false
	for _, r := range fake.requests {
		searched = searched || strings.HasSuffix(r, " /test-chunks-3/_search")
	}
	assert.True(t, searched, "search targets the index of the query dimension")
}

func TestElasticIndex_DeleteAndStats(t *testing.T) {
	idx, fake := newElastic(t)

	n, err := idx.Delete(context.Background(), "org", Filter{"document_id": "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	q := fake.lastBody["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]any)
	assert.Len(t, q, 2)

	st, err := idx.Stats(context.Background(), "org")
	require.NoError(t, err)
	assert.Equal(t, 5, st.VectorCount)
	assert.Equal(t, 3, st.Dimension)
}
