package internal

import (
	"errors"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// BaseResponse wraps every response of the status API.
type BaseResponse struct {
	Ok    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// NewRouter returns the status API handler.
func (sg *Sandwich) NewRouter() fasthttp.RequestHandler {
	r := router.New()

	r.GET("/api/status", sg.StatusEndpoint)
	r.GET("/api/ratelimits", sg.RatelimitsEndpoint)
	r.POST("/api/reshard", sg.ReshardEndpoint)
	r.DELETE("/api/reshard", sg.CancelReshardEndpoint)
	r.POST("/api/presence", sg.PresenceEndpoint)

	if sg.Configuration.Prometheus.Enabled {
		r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(sg.Registry, promhttp.HandlerOpts{}),
		))
	}

	return sg.requestLogger(r.Handler)
}

func (sg *Sandwich) requestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		next(ctx)

		sg.Logger.Debug().
			Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Int("status", ctx.Response.StatusCode()).
			Dur("took", time.Since(start)).
			Msg("Handled request")
	}
}

func writeResponse(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	writeJSON(ctx, status, BaseResponse{Ok: true, Data: data})
}

func writeError(ctx *fasthttp.RequestCtx, status int, err error) {
	writeJSON(ctx, status, BaseResponse{Ok: false, Error: err.Error()})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, response BaseResponse) {
	ctx.SetContentType("application/json;charset=utf-8")

	body, err := sandwichjson.Marshal(response)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"ok":false,"error":"failed to marshal response"}`)

		return
	}

	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

// StatusEndpoint handles GET /api/status.
func (sg *Sandwich) StatusEndpoint(ctx *fasthttp.RequestCtx) {
	writeResponse(ctx, fasthttp.StatusOK, sg.Status())
}

// RatelimitsEndpoint handles GET /api/ratelimits.
func (sg *Sandwich) RatelimitsEndpoint(ctx *fasthttp.RequestCtx) {
	global := sg.Ratelimiter.Global()

	status := RatelimitStatus{
		GlobalActive: global.Active(),
		Buckets:      sg.Ratelimiter.Buckets(),
	}

	if status.GlobalActive {
		status.GlobalUntil = global.Until()
	}

	writeResponse(ctx, fasthttp.StatusOK, status)
}

// ReshardEndpoint handles POST /api/reshard. The reshard runs in the background.
func (sg *Sandwich) ReshardEndpoint(ctx *fasthttp.RequestCtx) {
	if sg.Manager == nil {
		writeError(ctx, fasthttp.StatusServiceUnavailable, ErrShardClosed)

		return
	}

	if sg.Manager.Resharding() {
		writeError(ctx, fasthttp.StatusConflict, ErrReshardActive)

		return
	}

	go func() {
		if err := sg.Manager.Reshard(sg.ctx); err != nil {
			sg.Logger.Error().Err(err).Msg("Reshard failed")
		}
	}()

	writeResponse(ctx, fasthttp.StatusAccepted, nil)
}

// CancelReshardEndpoint handles DELETE /api/reshard.
func (sg *Sandwich) CancelReshardEndpoint(ctx *fasthttp.RequestCtx) {
	if sg.Manager == nil || !sg.Manager.CancelReshard() {
		writeError(ctx, fasthttp.StatusNotFound, errors.New("no reshard is running"))

		return
	}

	writeResponse(ctx, fasthttp.StatusOK, nil)
}

// PresenceEndpoint handles POST /api/presence with an UpdateStatus body.
func (sg *Sandwich) PresenceEndpoint(ctx *fasthttp.RequestCtx) {
	if sg.Manager == nil {
		writeError(ctx, fasthttp.StatusServiceUnavailable, ErrShardClosed)

		return
	}

	presence := &discord.UpdateStatus{}
	if err := sandwichjson.Unmarshal(ctx.PostBody(), presence); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err)

		return
	}

	if err := sg.Manager.UpdatePresence(ctx, presence); err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err)

		return
	}

	writeResponse(ctx, fasthttp.StatusOK, nil)
}
