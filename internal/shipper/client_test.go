package shipper

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewClient_EndpointNormalization(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "no trailing slash", url: "http://seq.local:5341", want: "http://seq.local:5341/api/events/raw"},
		{name: "trailing slash", url: "http://seq.local:5341/", want: "http://seq.local:5341/api/events/raw"},
		{name: "sub-path preserved", url: "http://host/seq", want: "http://host/seq/api/events/raw"},
		{name: "sub-path with slash", url: "http://host/seq/", want: "http://host/seq/api/events/raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.url, "", false, nil, zap.NewNop())
			assert.Equal(t, tt.want, c.Endpoint())
		})
	}
}

func TestEncodeEnvelope(t *testing.T) {
	assert.Equal(t, `{"Events":[]}`, string(encodeEnvelope(nil)))
	assert.Equal(t, `{"Events":[{"a":1}]}`, string(encodeEnvelope([]string{`{"a":1}`})))
	assert.Equal(t, `{"Events":[{"a":1},{"b":2}]}`,
		string(encodeEnvelope([]string{`{"a":1}`, `{"b":2}`})),
		"lines must be embedded verbatim, not re-encoded")
}

func TestClient_DeliverAccepted(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		assert.Equal(t, "/api/events/raw", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"MinimumLevelAccepted":"Warning"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "secret-key", false, server.Client(), zap.NewNop())
	result, err := c.Deliver(context.Background(), []string{`{"a":1}`, `{"b":2}`})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAccepted, result.Outcome)
	assert.Equal(t, `{"Events":[{"a":1},{"b":2}]}`, string(gotBody))
	assert.Equal(t, "secret-key", gotHeader.Get("X-Seq-ApiKey"))
	assert.Equal(t, "application/json; charset=utf-8", gotHeader.Get("Content-Type"))
	assert.True(t, result.HasMinimumLevel)
	assert.Equal(t, zapcore.WarnLevel, result.MinimumLevel)
}

func TestClient_DeliverAcceptedWithoutLevel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", false, server.Client(), zap.NewNop())
	result, err := c.Deliver(context.Background(), []string{`{"a":1}`})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAccepted, result.Outcome)
	assert.False(t, result.HasMinimumLevel)
}

func TestClient_NoAPIKeyHeaderWhenUnconfigured(t *testing.T) {
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", false, server.Client(), zap.NewNop())
	_, err := c.Deliver(context.Background(), []string{`{"a":1}`})
	require.NoError(t, err)

	_, present := gotHeader["X-Seq-Apikey"]
	assert.False(t, present)
}

func TestClient_ResponseClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Outcome
	}{
		{name: "200 accepted", status: http.StatusOK, want: OutcomeAccepted},
		{name: "201 accepted", status: http.StatusCreated, want: OutcomeAccepted},
		{name: "400 rejected", status: http.StatusBadRequest, want: OutcomeRejected},
		{name: "413 rejected", status: http.StatusRequestEntityTooLarge, want: OutcomeRejected},
		{name: "401 transient", status: http.StatusUnauthorized, want: OutcomeTransientFailure},
		{name: "429 transient", status: http.StatusTooManyRequests, want: OutcomeTransientFailure},
		{name: "500 transient", status: http.StatusInternalServerError, want: OutcomeTransientFailure},
		{name: "503 transient", status: http.StatusServiceUnavailable, want: OutcomeTransientFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := NewClient(server.URL, "", false, server.Client(), zap.NewNop())
			result, err := c.Deliver(context.Background(), []string{`{"a":1}`})
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Outcome)
			assert.Equal(t, tt.status, result.StatusCode)
		})
	}
}

func TestClient_RejectedKeepsUncompressedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", false, server.Client(), zap.NewNop())
	result, err := c.Deliver(context.Background(), []string{`{"huge":true}`})
	require.NoError(t, err)

	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, `{"Events":[{"huge":true}]}`, string(result.Payload))
}

func TestClient_TransportErrorIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	c := NewClient(server.URL, "", false, nil, zap.NewNop())
	result, err := c.Deliver(context.Background(), []string{`{"a":1}`})
	assert.Error(t, err)
	assert.Nil(t, result)
}

func TestClient_GzipCompression(t *testing.T) {
	var gotEncoding string
	var decompressed []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		decompressed, err = io.ReadAll(zr)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", true, server.Client(), zap.NewNop())
	result, err := c.Deliver(context.Background(), []string{`{"a":1}`})
	require.NoError(t, err)

	assert.Equal(t, "gzip", gotEncoding)
	assert.Equal(t, `{"Events":[{"a":1}]}`, string(decompressed))
	assert.Equal(t, `{"Events":[{"a":1}]}`, string(result.Payload))
}
