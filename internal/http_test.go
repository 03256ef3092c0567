package internal

import (
	"context"
	"testing"

	"github.com/WelcomerTeam/Sandwich-Gateway/internal/rest"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, string, string, []byte) (*rest.Response, error) {
	return &rest.Response{Status: fasthttp.StatusOK, Body: []byte(`{}`)}, nil
}

func newTestSandwich(t *testing.T) *Sandwich {
	t.Helper()

	sg, err := NewSandwich(testLogger(), testConfiguration(), SandwichOptions{
		Executor: nopExecutor{},
		Dialer:   newFakeDialer(),
		Queue:    immediateQueue,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = sg.Close() })

	return sg
}

func request(handler fasthttp.RequestHandler, method, path, body string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	ctx.Request.SetBodyString(body)

	handler(ctx)

	return ctx
}

func decodeResponse(t *testing.T, ctx *fasthttp.RequestCtx) BaseResponse {
	t.Helper()

	response := BaseResponse{}
	require.NoError(t, sandwichjson.Unmarshal(ctx.Response.Body(), &response))

	return response
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	sg := newTestSandwich(t)

	ctx := request(sg.NewRouter(), fasthttp.MethodGet, "/api/status", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	response := decodeResponse(t, ctx)
	assert.True(t, response.Ok)

	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, VERSION, data["version"])
}

func TestRatelimitsEndpoint(t *testing.T) {
	t.Parallel()

	sg := newTestSandwich(t)

	ctx := request(sg.NewRouter(), fasthttp.MethodGet, "/api/ratelimits", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	response := decodeResponse(t, ctx)
	assert.True(t, response.Ok)

	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, data["global_active"])
}

func TestReshardEndpoint(t *testing.T) {
	t.Parallel()

	sg := newTestSandwich(t)
	handler := sg.NewRouter()

	ctx := request(handler, fasthttp.MethodPost, "/api/reshard", "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	ctx = request(handler, fasthttp.MethodDelete, "/api/reshard", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	assert.False(t, decodeResponse(t, ctx).Ok)

	sg.Manager = NewManager(testLogger(), sg.Configuration, ManagerOptions{})
	sg.Manager.resharding.Store(true)

	ctx = request(handler, fasthttp.MethodPost, "/api/reshard", "")
	assert.Equal(t, fasthttp.StatusConflict, ctx.Response.StatusCode())
	assert.Equal(t, ErrReshardActive.Error(), decodeResponse(t, ctx).Error)
}

func TestPresenceEndpoint(t *testing.T) {
	t.Parallel()

	sg := newTestSandwich(t)
	handler := sg.NewRouter()

	ctx := request(handler, fasthttp.MethodPost, "/api/presence", `{"status":"idle"}`)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	sg.Manager = NewManager(testLogger(), sg.Configuration, ManagerOptions{})

	ctx = request(handler, fasthttp.MethodPost, "/api/presence", `{"status":`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = request(handler, fasthttp.MethodPost, "/api/presence", `{"status":"idle"}`)
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	assert.Equal(t, ErrMissingShards.Error(), decodeResponse(t, ctx).Error)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	sg := newTestSandwich(t)

	ctx := request(sg.NewRouter(), fasthttp.MethodGet, "/metrics", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "sandwich_dispatch_inflight_count")

	sg.Configuration.Prometheus.Enabled = false

	ctx = request(sg.NewRouter(), fasthttp.MethodGet, "/metrics", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}
