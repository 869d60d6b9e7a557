package handlers

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"aigateway/internal/metrics"
)

// MetricsHandler serves the Prometheus text exposition. An optional
// endpoint query argument narrows endpoint-labelled series to one endpoint.
func MetricsHandler(g prometheus.Gatherer) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		endpoint := string(ctx.QueryArgs().Peek("endpoint"))

		var buf bytes.Buffer
		if err := metrics.WriteText(&buf, g, endpoint); err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to encode metrics")
			return
		}

		ctx.SetContentType(metrics.ContentType())
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}
