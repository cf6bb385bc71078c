package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlcore/internal/config"
	"crawlcore/pkg/types"
)

func robotsServer(t *testing.T, body string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			if hits != nil {
				hits.Add(1)
			}
			w.Write([]byte(body))
			return
		}
		w.Write([]byte("ok"))
	}))
}

func reqFor(t *testing.T, rawurl string) *types.Request {
	t.Helper()
	req, err := types.NewRequest(rawurl, "GET")
	require.NoError(t, err)
	return req
}

func TestAllowedHonoursDisallow(t *testing.T) {
	srv := robotsServer(t, "User-agent: *\nDisallow: /private/\n", nil)
	defer srv.Close()

	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "test-bot"}, srv.Client())

	assert.True(t, agent.Allowed(context.Background(), reqFor(t, srv.URL+"/public/page")))
	assert.False(t, agent.Allowed(context.Background(), reqFor(t, srv.URL+"/private/page")))
}

func TestAllowedCachesPerOrigin(t *testing.T) {
	var hits atomic.Int64
	srv := robotsServer(t, "User-agent: *\nDisallow:\n", &hits)
	defer srv.Close()

	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "test-bot"}, srv.Client())

	for i := 0; i < 5; i++ {
		assert.True(t, agent.Allowed(context.Background(), reqFor(t, srv.URL+"/a")))
	}
	assert.Equal(t, int64(1), hits.Load())

	agent.Purge(types.Origin(reqFor(t, srv.URL).URL))
	agent.Allowed(context.Background(), reqFor(t, srv.URL+"/a"))
	assert.Equal(t, int64(2), hits.Load())
}

func TestAllowedFailsOpenOnFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "test-bot"}, srv.Client())
	assert.True(t, agent.Allowed(context.Background(), reqFor(t, srv.URL+"/anywhere")))
}

func TestRespectDisabledSkipsFetch(t *testing.T) {
	var hits atomic.Int64
	srv := robotsServer(t, "User-agent: *\nDisallow: /\n", &hits)
	defer srv.Close()

	agent := NewAgent(config.RobotsConfig{Respect: false, UserAgent: "test-bot"}, srv.Client())
	assert.True(t, agent.Allowed(context.Background(), reqFor(t, srv.URL+"/blocked")))
	assert.Equal(t, int64(0), hits.Load())
}

func TestOverrideBypassesRules(t *testing.T) {
	srv := robotsServer(t, "User-agent: *\nDisallow: /\n", nil)
	defer srv.Close()

	req := reqFor(t, srv.URL+"/blocked")
	agent := NewAgent(config.RobotsConfig{
		Respect:   true,
		UserAgent: "test-bot",
		Overrides: []string{req.URL.Hostname()},
	}, srv.Client())

	assert.True(t, agent.Allowed(context.Background(), req))
}
