package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "v", r.Header.Get("X-Test"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{})
	req := NewRequest(http.MethodGet, srv.URL)
	req.Header.Set("X-Test", "v")

	resp, err := tr.RoundTrip(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.True(t, resp.OK())
	assert.Equal(t, `{"ok":true}`, resp.Text())
}

func TestRequestCloneReplaysBody(t *testing.T) {
	req := NewRequestWithBody(http.MethodPost, "http://x.test", []byte(`{"a":1}`))
	clone := req.Clone()

	firstBody := make([]byte, 32)
	n1, _ := req.Body.Read(firstBody)
	n2, _ := clone.Body.Read(firstBody[:16])

	assert.Equal(t, 7, n1)
	assert.Equal(t, 7, n2)
	assert.True(t, clone.Cloneable())
}
