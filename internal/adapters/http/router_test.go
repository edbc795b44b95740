package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirillkom/knowledge-retrieval/internal/config"
	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

type searcherFake struct {
	req     domain.SearchRequest
	results []domain.ScoredChunk
	err     error
}

func (f *searcherFake) Search(_ context.Context, req domain.SearchRequest) ([]domain.ScoredChunk, error) {
	f.req = req
	return f.results, f.err
}

type classifierFake struct {
	query   string
	history []domain.ChatMessage
}

func (f *classifierFake) Classify(_ context.Context, query string, history []domain.ChatMessage) domain.RouteDecision {
	f.query = query
	f.history = history
	return domain.RouteDecision{Intent: domain.IntentGreeting, Confidence: 0.9, Path: domain.RouteFast}
}

type retrieverFake struct {
	err error
}

func (f retrieverFake) Retrieve(_ context.Context, req domain.RetrieveRequest) (domain.RetrieveResult, error) {
	if f.err != nil {
		return domain.RetrieveResult{}, f.err
	}
	return domain.RetrieveResult{Query: req.Query, Chunks: []domain.ScoredChunk{}}, nil
}

type maintainerFake struct {
	indexed       []domain.Chunk
	removedSource string
	removedTenant string
	err           error
}

func (f *maintainerFake) Index(_ context.Context, chunks []domain.Chunk) ([]string, error) {
	f.indexed = chunks
	if f.err != nil {
		return nil, f.err
	}
	ids := make([]string, len(chunks))
	for i := range chunks {
		ids[i] = "id-" + chunks[i].Source
	}
	return ids, nil
}

func (f *maintainerFake) Remove(_ context.Context, source, tenantID string) (int, error) {
	f.removedSource = tenantID + "/" + source
	return 3, f.err
}

func (f *maintainerFake) RemoveTenant(_ context.Context, tenantID string) (int, error) {
	f.removedTenant = tenantID
	return 7, f.err
}

type sourcesFake struct {
	err error
}

func (f sourcesFake) ListSources(context.Context, string) ([]domain.SourceInfo, error) {
	return []domain.SourceInfo{{Source: "handbook", SourceType: "pdf", ChunkCount: 4}}, f.err
}

func (f sourcesFake) ChunksBySource(context.Context, string, string) ([]domain.ScoredChunk, error) {
	return []domain.ScoredChunk{}, f.err
}

func (f sourcesFake) ChunkWithContext(_ context.Context, chunkID, _ string, _ int) (domain.ChunkWindow, error) {
	if f.err != nil {
		return domain.ChunkWindow{}, f.err
	}
	return domain.ChunkWindow{Target: domain.ScoredChunk{Chunk: domain.Chunk{ID: chunkID}}}, nil
}

type queueFake struct {
	index  []domain.IndexCommand
	remove []domain.RemoveCommand
}

func (f *queueFake) PublishIndex(_ context.Context, cmd domain.IndexCommand) error {
	f.index = append(f.index, cmd)
	return nil
}

func (f *queueFake) PublishRemove(_ context.Context, cmd domain.RemoveCommand) error {
	f.remove = append(f.remove, cmd)
	return nil
}

func (f *queueFake) SubscribeIndex(context.Context, func(context.Context, domain.IndexCommand) error) error {
	return nil
}

func (f *queueFake) SubscribeRemove(context.Context, func(context.Context, domain.RemoveCommand) error) error {
	return nil
}

func newTestDeps() Dependencies {
	return Dependencies{
		Searcher:   &searcherFake{},
		Classifier: &classifierFake{},
		Retriever:  retrieverFake{},
		Maintainer: &maintainerFake{},
		Sources:    sourcesFake{},
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestSearchAppliesDefaults(t *testing.T) {
	deps := newTestDeps()
	searcher := &searcherFake{results: []domain.ScoredChunk{{Chunk: domain.Chunk{ID: "c1"}}}}
	deps.Searcher = searcher
	handler := NewRouter(config.Config{RAGTopK: 7, RAGSimilarityThreshold: 0.25}, deps).Handler()

	res := doJSON(t, handler, http.MethodPost, "/v1/search", map[string]any{"query": "refund policy", "tenant_id": "acme"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if searcher.req.TopK != 7 || searcher.req.Threshold != 0.25 || searcher.req.TenantID != "acme" {
		t.Fatalf("unexpected search request %+v", searcher.req)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestSearchRejectsRequestsOutsideSchema(t *testing.T) {
	handler := NewRouter(config.Config{}, newTestDeps()).Handler()

	cases := []map[string]any{
		{"tenant_id": "acme"},
		{"query": "x", "top_k": 0},
		{"query": "x", "threshold": 2},
	}
	for _, body := range cases {
		res := doJSON(t, handler, http.MethodPost, "/v1/search", body)
		if res.Code != http.StatusBadRequest {
			t.Fatalf("body %v: expected 400, got %d", body, res.Code)
		}
	}
}

func TestSearchMapsRetrievalErrorTo502(t *testing.T) {
	deps := newTestDeps()
	deps.Searcher = &searcherFake{err: domain.WrapError(domain.ErrRetrieval, "dense search", errors.New("qdrant down"))}
	handler := NewRouter(config.Config{}, deps).Handler()

	res := doJSON(t, handler, http.MethodPost, "/v1/search", map[string]any{"query": "x"})
	if res.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", res.Code)
	}
}

func TestRoutePassesHistory(t *testing.T) {
	deps := newTestDeps()
	classifier := &classifierFake{}
	deps.Classifier = classifier
	handler := NewRouter(config.Config{}, deps).Handler()

	res := doJSON(t, handler, http.MethodPost, "/v1/route", map[string]any{
		"query":   "hi there",
		"history": []map[string]string{{"role": "user", "content": "earlier"}},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var decision domain.RouteDecision
	if err := json.NewDecoder(res.Body).Decode(&decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.Intent != domain.IntentGreeting || len(classifier.history) != 1 {
		t.Fatalf("unexpected decision %+v history=%v", decision, classifier.history)
	}
}

func TestIndexChunksSync(t *testing.T) {
	deps := newTestDeps()
	maintainer := &maintainerFake{}
	deps.Maintainer = maintainer
	handler := NewRouter(config.Config{}, deps).Handler()

	res := doJSON(t, handler, http.MethodPost, "/v1/chunks", map[string]any{
		"chunks": []map[string]any{{"text": "hello", "source": "a.md", "chunk_index": 0, "total_chunks": 1}},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if len(maintainer.indexed) != 1 {
		t.Fatalf("expected chunk passed to maintainer")
	}
}

func TestIndexChunksPartialFailureReportsAppliedIDs(t *testing.T) {
	deps := newTestDeps()
	deps.Maintainer = &maintainerFake{err: &domain.PartialBatchError{
		Operation:  "dense index",
		Applied:    1,
		Total:      2,
		AppliedIDs: []string{"c0"},
		Err:        domain.WrapError(domain.ErrTemporary, "upsert", errors.New("503")),
	}}
	handler := NewRouter(config.Config{}, deps).Handler()

	res := doJSON(t, handler, http.MethodPost, "/v1/chunks", map[string]any{
		"chunks": []map[string]any{
			{"text": "a", "source": "a.md", "chunk_index": 0, "total_chunks": 2},
			{"text": "b", "source": "a.md", "chunk_index": 1, "total_chunks": 2},
		},
	})
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if len(body.AppliedIDs) != 1 || body.AppliedIDs[0] != "c0" {
		t.Fatalf("expected applied ids in response, got %+v", body)
	}
}

func TestIndexAndRemoveAsyncPublishToQueue(t *testing.T) {
	deps := newTestDeps()
	queue := &queueFake{}
	deps.Queue = queue
	handler := NewRouter(config.Config{IndexAsync: true}, deps).Handler()

	res := doJSON(t, handler, http.MethodPost, "/v1/chunks", map[string]any{
		"chunks": []map[string]any{{"text": "hello", "source": "a.md", "chunk_index": 0, "total_chunks": 1}},
	})
	if res.Code != http.StatusAccepted || len(queue.index) != 1 {
		t.Fatalf("expected queued index, got %d and %d commands", res.Code, len(queue.index))
	}

	res = doJSON(t, handler, http.MethodDelete, "/v1/sources?source=a.md&tenant_id=acme", nil)
	if res.Code != http.StatusAccepted || len(queue.remove) != 1 || queue.remove[0].Source != "a.md" {
		t.Fatalf("expected queued remove, got %d %+v", res.Code, queue.remove)
	}

	res = doJSON(t, handler, http.MethodDelete, "/v1/tenants/acme", nil)
	if res.Code != http.StatusAccepted || len(queue.remove) != 2 || queue.remove[1].TenantID != "acme" || queue.remove[1].Source != "" {
		t.Fatalf("expected queued tenant remove, got %d %+v", res.Code, queue.remove)
	}
}

func TestRemoveSourceRequiresSource(t *testing.T) {
	handler := NewRouter(config.Config{}, newTestDeps()).Handler()
	res := doJSON(t, handler, http.MethodDelete, "/v1/sources?tenant_id=acme", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestRemoveTenantSync(t *testing.T) {
	deps := newTestDeps()
	maintainer := &maintainerFake{}
	deps.Maintainer = maintainer
	handler := NewRouter(config.Config{}, deps).Handler()

	res := doJSON(t, handler, http.MethodDelete, "/v1/tenants/acme", nil)
	if res.Code != http.StatusOK || maintainer.removedTenant != "acme" {
		t.Fatalf("expected tenant removed, got %d %q", res.Code, maintainer.removedTenant)
	}
}

func TestChunkContextMapsNotFoundTo404(t *testing.T) {
	deps := newTestDeps()
	deps.Sources = sourcesFake{err: domain.WrapError(domain.ErrNotFound, "chunk with context", errors.New("chunk \"x\""))}
	handler := NewRouter(config.Config{}, deps).Handler()

	res := doJSON(t, handler, http.MethodGet, "/v1/chunks/x/context?tenant_id=acme&size=1", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestRebuildSparseWithoutRebuilder(t *testing.T) {
	handler := NewRouter(config.Config{}, newTestDeps()).Handler()
	res := doJSON(t, handler, http.MethodPost, "/v1/admin/rebuild-sparse", nil)
	if res.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", res.Code)
	}
}

func TestListSources(t *testing.T) {
	handler := NewRouter(config.Config{}, newTestDeps()).Handler()
	res := doJSON(t, handler, http.MethodGet, "/v1/sources?tenant_id=acme", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body struct {
		Sources []domain.SourceInfo `json:"sources"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode sources: %v", err)
	}
	if len(body.Sources) != 1 || body.Sources[0].Source != "handbook" {
		t.Fatalf("unexpected sources %+v", body.Sources)
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.WrapError(domain.ErrInvalidInput, "op", errors.New("x")), http.StatusBadRequest},
		{domain.WrapError(domain.ErrNotFound, "op", errors.New("x")), http.StatusNotFound},
		{domain.WrapError(domain.ErrConfiguration, "op", errors.New("x")), http.StatusNotImplemented},
		{domain.WrapError(domain.ErrRetrieval, "op", domain.WrapError(domain.ErrTemporary, "embed", errors.New("x"))), http.StatusServiceUnavailable},
		{domain.WrapError(domain.ErrRetrieval, "op", errors.New("x")), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("x"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := mapErrorToHTTPStatus(tc.err); got != tc.want {
			t.Fatalf("mapErrorToHTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
