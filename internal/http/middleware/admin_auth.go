package middleware

import (
	"context"

	"github.com/valyala/fasthttp"

	"aigateway/internal/admin"
	httpctx "aigateway/internal/http/ctx"
)

// Authorizer checks admin credentials.
type Authorizer interface {
	Authorize(ctx context.Context, cred admin.Credentials) error
}

// AdminCredentials reads admin_username/admin_password from the query, or
// HTTP Basic credentials, and stores them on the context. Verification is
// left to the admin controller, which checks before every operation.
func AdminCredentials() func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			cred, ok := adminCredentials(ctx)
			if !ok {
				unauthorized(ctx, "missing admin credentials")
				return
			}
			httpctx.SetAdminCredentials(ctx, cred)
			next(ctx)
		}
	}
}

// AdminAuth is AdminCredentials plus an upfront check, for routes that do
// not go through the admin controller.
func AdminAuth(a Authorizer) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return AdminCredentials()(func(ctx *fasthttp.RequestCtx) {
			cred, _ := httpctx.AdminCredentialsFromCtx(ctx)
			if err := a.Authorize(ctx, cred); err != nil {
				unauthorized(ctx, "Invalid admin credentials")
				return
			}
			next(ctx)
		})
	}
}

func adminCredentials(ctx *fasthttp.RequestCtx) (admin.Credentials, bool) {
	args := ctx.QueryArgs()
	cred := admin.Credentials{
		Username: string(args.Peek("admin_username")),
		Password: string(args.Peek("admin_password")),
	}
	if cred.Username != "" && cred.Password != "" {
		return cred, true
	}

	if user, pass, ok := basicAuth(ctx); ok {
		return admin.Credentials{Username: user, Password: pass}, true
	}
	return admin.Credentials{}, false
}
