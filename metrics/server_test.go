package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrapeOK(url string) func() bool {
	return func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}
}

func TestServer_ServesScrapeEndpoint(t *testing.T) {
	srv := NewServer(":9998")
	srv.Start()

	url := "http://localhost:9998/metrics"
	require.Eventually(t, scrapeOK(url), 5*time.Second, 20*time.Millisecond)
	assert.NoError(t, srv.Err())

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = http.Get(url)
	assert.Error(t, err)
}

func TestServer_ErrSurfacesBindFailure(t *testing.T) {
	first := NewServer(":9994")
	first.Start()
	require.Eventually(t, scrapeOK("http://localhost:9994/metrics"), 5*time.Second, 20*time.Millisecond)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = first.Shutdown(ctx)
	}()

	// Same port again: the second server cannot bind.
	second := NewServer(":9994")
	second.Start()

	assert.Eventually(t, func() bool { return second.Err() != nil }, 5*time.Second, 20*time.Millisecond)
}
