package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaProvider(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/embeddings" || r.Method != http.MethodPost {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		vec := make([]float32, 8)
		vec[0] = float32(len(req.Prompt))
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "test-model", 8)
	assert.Equal(t, 8, p.Dimensions())

	vec, err := p.Embed(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, float32(3), vec.Slice()[0])

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, v := range vecs {
		assert.Equal(t, float32(i+1), v.Slice()[0], "batch keeps input order")
	}
	assert.Equal(t, int32(6), calls.Load())

	empty, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestOllamaProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}},
		{"empty embedding", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{})
		}},
		{"wrong dimensions", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1, 2}})
		}},
		{"invalid json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()
			_, err := NewOllamaProvider(server.URL, "test-model", 8).Embed(context.Background(), "test")
			assert.Error(t, err)
		})
	}
}

func TestReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_, _ = w.Write([]byte(`{"models":[]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	assert.True(t, Reachable(context.Background(), server.URL))
	assert.False(t, Reachable(context.Background(), "http://127.0.0.1:1"))
}
