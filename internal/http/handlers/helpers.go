package handlers

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"aigateway/internal/admin"
	"aigateway/internal/keystore"
	"aigateway/internal/ledger"
	"aigateway/internal/quota"
	"aigateway/internal/upstream"
)

// RequestLogger returns fasthttp middleware that logs method, path, status, duration.
// Query strings are left out since they carry keys and admin passwords.
func RequestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		log.Info().
			Bytes("method", ctx.Method()).
			Bytes("path", ctx.Path()).
			Int("status", ctx.Response.StatusCode()).
			Dur("duration", time.Since(start)).
			Str("ip", ctx.RemoteIP().String()).
			Msg("request")
	}
}

func jsonResponse(ctx *fasthttp.RequestCtx, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		errResponse(ctx, fasthttp.StatusInternalServerError, "failed to encode response")
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	body, _ := json.Marshal(map[string]string{"detail": msg})
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// writeError maps a domain error to its status code.
func writeError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidKey):
		errResponse(ctx, fasthttp.StatusUnauthorized, "Invalid API key")
	case errors.Is(err, ledger.ErrInactive):
		errResponse(ctx, fasthttp.StatusUnauthorized, "API key is inactive")
	case errors.Is(err, ledger.ErrExpired):
		errResponse(ctx, fasthttp.StatusUnauthorized, "API key has expired")
	case errors.Is(err, admin.ErrUnauthorized):
		errResponse(ctx, fasthttp.StatusUnauthorized, "Invalid admin credentials")
	case errors.Is(err, ledger.ErrInsufficientCredits):
		errResponse(ctx, fasthttp.StatusPaymentRequired, "Insufficient credits")
	case errors.Is(err, quota.ErrQuotaExceeded):
		errResponse(ctx, fasthttp.StatusTooManyRequests, "Daily request limit reached")
	case errors.Is(err, admin.ErrKeyNotFound), errors.Is(err, keystore.ErrNotFound):
		errResponse(ctx, fasthttp.StatusNotFound, "API key not found")
	case errors.Is(err, admin.ErrInvalidArgument),
		errors.Is(err, upstream.ErrBadParams),
		errors.Is(err, upstream.ErrUnknown):
		errResponse(ctx, fasthttp.StatusBadRequest, err.Error())
	case errors.Is(err, upstream.ErrUpstream):
		var upErr *upstream.Error
		if errors.As(err, &upErr) {
			errResponse(ctx, fasthttp.StatusInternalServerError, upErr.Endpoint+" service error: "+upErr.Err.Error())
			return
		}
		errResponse(ctx, fasthttp.StatusInternalServerError, err.Error())
	default:
		log.Error().Err(err).Bytes("path", ctx.Path()).Msg("unhandled error")
		errResponse(ctx, fasthttp.StatusInternalServerError, "internal error")
	}
}

// intArg reads an integer query argument, falling back to def when absent.
func intArg(ctx *fasthttp.RequestCtx, name string, def int64) (int64, bool) {
	raw := ctx.QueryArgs().Peek(name)
	if len(raw) == 0 {
		return def, true
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		errResponse(ctx, fasthttp.StatusBadRequest, name+" must be an integer")
		return 0, false
	}
	return n, true
}

// requiredArg reads a non-empty query argument or writes 400.
func requiredArg(ctx *fasthttp.RequestCtx, name string) (string, bool) {
	v := string(ctx.QueryArgs().Peek(name))
	if v == "" {
		errResponse(ctx, fasthttp.StatusBadRequest, name+" is required")
		return "", false
	}
	return v, true
}

// shortKey is the prefix form used in admin messages.
func shortKey(key string) string {
	return key[:min(len(key), 8)] + "..."
}
