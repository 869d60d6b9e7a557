package middleware

import (
	"bytes"
	"encoding/base64"

	"github.com/valyala/fasthttp"
)

// basicAuth parses an HTTP Basic Authorization header.
func basicAuth(ctx *fasthttp.RequestCtx) (user, pass string, ok bool) {
	auth := ctx.Request.Header.Peek("Authorization")
	const prefix = "Basic "
	if !bytes.HasPrefix(auth, []byte(prefix)) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(string(auth[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	u, p, found := bytes.Cut(decoded, []byte(":"))
	if !found || len(u) == 0 || len(p) == 0 {
		return "", "", false
	}
	return string(u), string(p), true
}
