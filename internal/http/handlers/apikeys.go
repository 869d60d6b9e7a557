package handlers

import (
	"time"

	"github.com/valyala/fasthttp"

	"aigateway/internal/keystore"
	httpctx "aigateway/internal/http/ctx"
	"aigateway/internal/quota"
)

// KeyUsage reports the caller's own usage and balance. Inactive and
// expired keys can still look themselves up.
func KeyUsage(store keystore.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token, ok := httpctx.APITokenFromCtx(ctx)
		if !ok {
			errResponse(ctx, fasthttp.StatusUnauthorized, "missing api key")
			return
		}

		rec, err := store.Get(ctx, token)
		if err != nil {
			writeError(ctx, err)
			return
		}

		now := time.Now().UTC()
		used := quota.Used(&rec, now)
		jsonResponse(ctx, map[string]any{
			"api_key":   rec.Masked(),
			"name":      rec.Name,
			"is_active": rec.Active,
			"usage": map[string]any{
				"total_requests":  rec.TotalRequests,
				"daily_used":      used,
				"daily_limit":     rec.DailyLimit,
				"remaining_today": quota.Remaining(&rec, now),
			},
			"credits": map[string]any{
				"available":  rec.Credits,
				"total_used": rec.CreditsSpent,
			},
			"created_at": rec.CreatedAt,
			"last_used":  rec.LastUsedAt,
			"expires_at": rec.ExpiresAt,
		})
	}
}
