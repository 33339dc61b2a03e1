package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forge/internal/apperr"
)

func teiServer(t *testing.T, handler func(inputs any) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)

		status, body := handler(req.Inputs)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTEI_EmbedDocuments(t *testing.T) {
	srv := teiServer(t, func(inputs any) (int, any) {
		texts := inputs.([]any)
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{float32(i), 1, 0}
		}
		return http.StatusOK, out
	})

	tei, err := NewTEI(TEIConfig{BaseURL: srv.URL + "/", Model: "BAAI/bge-small-en-v1.5"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 384, tei.Dimension())

	vecs, err := tei.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 1, 0}, vecs[1])
	assert.Equal(t, 3, tei.Dimension(), "dimension follows the server")
}

func TestTEI_EmbedQuery(t *testing.T) {
	srv := teiServer(t, func(inputs any) (int, any) {
		assert.Equal(t, "find me", inputs)
		return http.StatusOK, [][]float32{{0.5, 0.5}}
	})
	tei, err := NewTEI(TEIConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	vec, err := tei.EmbedQuery(context.Background(), "find me")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vec)
}

func TestTEI_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusRequestEntityTooLarge, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := teiServer(t, func(any) (int, any) { return tt.status, map[string]string{"error": "nope"} })
			tei, err := NewTEI(TEIConfig{BaseURL: srv.URL}, nil)
			require.NoError(t, err)

			_, err = tei.EmbedQuery(context.Background(), "x")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEmbeddingFailed)
			assert.Equal(t, tt.transient, apperr.IsRetryable(err))
		})
	}
}

func TestTEI_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tei, err := NewTEI(TEIConfig{BaseURL: url}, nil)
	require.NoError(t, err)
	_, err = tei.EmbedDocuments(context.Background(), []string{"x"})
	assert.True(t, apperr.IsRetryable(err))
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestTEI_Validation(t *testing.T) {
	_, err := NewTEI(TEIConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	tei, err := NewTEI(TEIConfig{BaseURL: "http://unused"}, nil)
	require.NoError(t, err)
	_, err = tei.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = tei.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}
