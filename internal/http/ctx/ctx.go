package ctx

import (
	"github.com/valyala/fasthttp"

	"aigateway/internal/admin"
)

const (
	APITokenKey   = "apiToken"
	AdminCredsKey = "adminCreds"
)

func SetAPIToken(ctx *fasthttp.RequestCtx, token string) {
	ctx.SetUserValue(APITokenKey, token)
}

func APITokenFromCtx(ctx *fasthttp.RequestCtx) (string, bool) {
	v := ctx.UserValue(APITokenKey)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func SetAdminCredentials(ctx *fasthttp.RequestCtx, cred admin.Credentials) {
	ctx.SetUserValue(AdminCredsKey, cred)
}

func AdminCredentialsFromCtx(ctx *fasthttp.RequestCtx) (admin.Credentials, bool) {
	v := ctx.UserValue(AdminCredsKey)
	if v == nil {
		return admin.Credentials{}, false
	}
	c, ok := v.(admin.Credentials)
	return c, ok
}
