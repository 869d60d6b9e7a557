package handlers

import (
	"context"

	"github.com/valyala/fasthttp"

	httpctx "aigateway/internal/http/ctx"
	"aigateway/internal/upstream"
)

// Dispatcher runs a metered request.
type Dispatcher interface {
	Dispatch(ctx context.Context, token, endpoint string, params map[string]string) (upstream.Result, error)
}

// Metered serves one metered endpoint. Every query argument except the key
// is passed through as an upstream parameter.
func Metered(d Dispatcher, endpoint string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token, ok := httpctx.APITokenFromCtx(ctx)
		if !ok {
			errResponse(ctx, fasthttp.StatusUnauthorized, "missing api key")
			return
		}

		params := make(map[string]string)
		ctx.QueryArgs().VisitAll(func(k, v []byte) {
			if string(k) != "api_key" {
				params[string(k)] = string(v)
			}
		})

		res, err := d.Dispatch(ctx, token, endpoint, params)
		if err != nil {
			writeError(ctx, err)
			return
		}

		switch {
		case res.Redirect != "":
			ctx.Redirect(res.Redirect, fasthttp.StatusTemporaryRedirect)
		case res.JSON != nil:
			jsonResponse(ctx, res.JSON)
		default:
			jsonResponse(ctx, res.Text)
		}
	}
}
