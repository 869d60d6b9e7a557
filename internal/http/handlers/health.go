package handlers

import (
	"time"

	"github.com/valyala/fasthttp"
)

func Health() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		jsonResponse(ctx, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
		})
	}
}
