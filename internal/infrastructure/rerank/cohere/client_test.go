package cohere

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

func TestRerankParsesResults(t *testing.T) {
	var payload struct {
		Model     string   `json:"model"`
		Query     string   `json:"query"`
		Documents []string `json:"documents"`
		TopN      int      `json:"top_n"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/rerank" || r.Header.Get("Authorization") != "Bearer key" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"results":[{"index":2,"relevance_score":0.97},{"index":0,"relevance_score":0.4}]}`))
	}))
	defer server.Close()

	client, err := New(Config{APIKey: "key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	results, err := client.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 5)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if payload.TopN != 3 || payload.Model != DefaultModel || len(payload.Documents) != 3 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len(results) != 2 || results[0].Index != 2 || results[0].Score != 0.97 {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestRerankServerErrorIsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, _ := New(Config{APIKey: "key", BaseURL: server.URL})
	_, err := client.Rerank(context.Background(), "q", []string{"a"}, 1)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); !domain.IsKind(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
