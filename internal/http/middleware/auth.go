package middleware

import (
	"bytes"
	"strings"

	"github.com/valyala/fasthttp"

	httpctx "aigateway/internal/http/ctx"
)

// APIKey extracts the caller's key from the api_key query parameter or a
// Bearer Authorization header and stores it on the context. The key itself
// is validated downstream, where the metering decision is made.
func APIKey() func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			token := strings.TrimSpace(string(ctx.QueryArgs().Peek("api_key")))

			if token == "" {
				auth := ctx.Request.Header.Peek("Authorization")
				const prefix = "Bearer "
				if len(auth) > 0 && !bytes.HasPrefix(auth, []byte(prefix)) {
					unauthorized(ctx, "invalid Authorization header")
					return
				}
				if len(auth) > 0 {
					token = strings.TrimSpace(string(auth[len(prefix):]))
				}
			}

			if token == "" {
				unauthorized(ctx, "missing api key")
				return
			}

			httpctx.SetAPIToken(ctx, token)
			next(ctx)
		}
	}
}

func unauthorized(ctx *fasthttp.RequestCtx, detail string) {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"detail":"` + detail + `"}`)
}
