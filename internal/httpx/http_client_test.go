package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalHTTPClientTimeout(t *testing.T) {
	require.NotNil(t, ExternalHTTPClient())
	assert.Equal(t, defaultExternalHTTPTimeout, ExternalHTTPClient().Timeout)
}

func TestConfigureExternalHTTPClient(t *testing.T) {
	original := externalHTTPClient.Timeout
	t.Cleanup(func() {
		externalHTTPClient.Timeout = original
	})

	assert.Equal(t, defaultExternalHTTPTimeout, ConfigureExternalHTTPClient(0))
	assert.Equal(t, defaultExternalHTTPTimeout, externalHTTPClient.Timeout)

	assert.Equal(t, 120*time.Second, ConfigureExternalHTTPClient(120))
	assert.Equal(t, 120*time.Second, externalHTTPClient.Timeout)
}

func TestUserAgent(t *testing.T) {
	agents := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	resp, err := ExternalHTTPClient().Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, userAgent, <-agents)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "custom")
	resp, err = ExternalHTTPClient().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "custom", <-agents)
}
