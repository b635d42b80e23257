package cli

import (
	"context"
	"time"

	"github.com/UniQw/taskbus"
	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// newMetricsServer serves /metrics and /healthz. health is called with a
// short timeout on every probe.
func newMetricsServer(health func(context.Context) error) *fasthttp.Server {
	r := router.New()
	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := health(hctx); err != nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.SetBodyString(err.Error())
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})
	return &fasthttp.Server{
		Handler:      r.Handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// startMetricsServer runs srv on addr until ctx is done. An empty addr
// disables it.
func startMetricsServer(ctx context.Context, addr string, srv *fasthttp.Server, log taskbus.Logger) {
	if addr == "" {
		return
	}
	go func() {
		log.Infof("metrics server starting on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil {
			log.Errorf("metrics server run failure: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown()
	}()
}
