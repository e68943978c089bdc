package tika

import (
	"better-dev-go/internal/config"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "%PDF-fake", string(body))

		switch r.URL.Path {
		case "/tika":
			_, _ = w.Write([]byte("  extracted body text \n"))
		case "/meta":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"title":"Report","xmpTPg:NPages":["3"],"n":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL + "/"})
	res, err := c.ExtractText(context.Background(), []byte("%PDF-fake"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "extracted body text", res.Text)
	assert.Equal(t, "Report", res.Metadata["title"])
	assert.Equal(t, "3", res.Metadata["xmpTPg:NPages"])
	_, hasNumber := res.Metadata["n"]
	assert.False(t, hasNumber)
}

func TestExtractTextServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("corrupt document"))
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL})
	_, err := c.ExtractText(context.Background(), []byte("x"), "application/pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestExtractTextNotConfigured(t *testing.T) {
	_, err := NewClient(config.TikaConfig{}).ExtractText(context.Background(), []byte("x"), "application/pdf")
	assert.Error(t, err)
}
