package handlers

import (
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"aigateway/internal/admin"
	httpctx "aigateway/internal/http/ctx"
)

// mustAdmin returns the admin credentials placed on the context by the
// AdminCredentials middleware, or sends 401.
func mustAdmin(ctx *fasthttp.RequestCtx) (admin.Credentials, bool) {
	cred, ok := httpctx.AdminCredentialsFromCtx(ctx)
	if !ok {
		errResponse(ctx, fasthttp.StatusUnauthorized, "Invalid admin credentials")
		return admin.Credentials{}, false
	}
	return cred, true
}

func GenerateKey(c *admin.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		cred, ok := mustAdmin(ctx)
		if !ok {
			return
		}
		name := string(ctx.QueryArgs().Peek("key_name"))
		limit, ok := intArg(ctx, "daily_limit", admin.DefaultDailyLimit)
		if !ok {
			return
		}
		credits, ok := intArg(ctx, "initial_credits", admin.DefaultCredits)
		if !ok {
			return
		}

		rec, err := c.IssueKey(ctx, cred, admin.IssueRequest{Name: name, DailyLimit: limit, Credits: credits})
		if err != nil {
			writeError(ctx, err)
			return
		}

		jsonResponse(ctx, map[string]any{
			"success":         true,
			"api_key":         rec.Key,
			"key_name":        rec.Name,
			"daily_limit":     rec.DailyLimit,
			"initial_credits": rec.Credits,
			"expires_at":      rec.ExpiresAt,
		})
	}
}

func ListKeys(c *admin.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		cred, ok := mustAdmin(ctx)
		if !ok {
			return
		}
		summaries, err := c.ListKeys(ctx, cred)
		if err != nil {
			writeError(ctx, err)
			return
		}

		keys := make([]map[string]any, 0, len(summaries))
		for _, s := range summaries {
			r := s.Record
			keys = append(keys, map[string]any{
				"id":                r.ID,
				"name":              r.Name,
				"key":               r.Key,
				"is_active":         r.Active,
				"total_requests":    r.TotalRequests,
				"daily_used":        s.DailyUsed,
				"daily_limit":       r.DailyLimit,
				"credits_available": r.Credits,
				"credits_used":      s.CreditsUsed,
				"logged_credits":    s.LoggedCredits,
				"created_at":        r.CreatedAt,
				"last_used":         r.LastUsedAt,
				"expires_at":        r.ExpiresAt,
			})
		}

		jsonResponse(ctx, map[string]any{
			"total_keys": len(keys),
			"keys":       keys,
		})
	}
}

func IncreaseLimit(c *admin.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		cred, ok := mustAdmin(ctx)
		if !ok {
			return
		}
		key, ok := requiredArg(ctx, "api_key")
		if !ok {
			return
		}
		limit, ok := intArg(ctx, "new_limit", 50)
		if !ok {
			return
		}

		rec, err := c.SetDailyLimit(ctx, cred, key, limit)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{
			"success":   true,
			"message":   fmt.Sprintf("Daily limit increased to %d for key %s", rec.DailyLimit, shortKey(key)),
			"new_limit": rec.DailyLimit,
		})
	}
}

func AddCredits(c *admin.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		cred, ok := mustAdmin(ctx)
		if !ok {
			return
		}
		key, ok := requiredArg(ctx, "api_key")
		if !ok {
			return
		}
		delta, ok := intArg(ctx, "credits_to_add", 10)
		if !ok {
			return
		}

		adj, err := c.AddCredits(ctx, cred, key, delta)
		if err != nil {
			writeError(ctx, err)
			return
		}

		msg := fmt.Sprintf("Added %d credits to key %s", delta, shortKey(key))
		switch {
		case adj.Floored(delta):
			msg = fmt.Sprintf("Adjusted credits for key %s by %d (requested %d, balance stopped at 0)", shortKey(key), adj.Applied, delta)
		case delta < 0:
			msg = fmt.Sprintf("Removed %d credits from key %s", -delta, shortKey(key))
		}
		jsonResponse(ctx, map[string]any{
			"success":            true,
			"message":            msg,
			"requested_change":   delta,
			"applied_change":     adj.Applied,
			"floored":            adj.Floored(delta),
			"new_credit_balance": adj.Balance,
		})
	}
}

func ResetLimit(c *admin.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		cred, ok := mustAdmin(ctx)
		if !ok {
			return
		}
		key, ok := requiredArg(ctx, "api_key")
		if !ok {
			return
		}

		at, err := c.ResetQuota(ctx, cred, key)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{
			"success":  true,
			"message":  fmt.Sprintf("Daily limit reset for key %s", shortKey(key)),
			"reset_at": at.Format(time.RFC3339),
		})
	}
}

func DeleteKey(c *admin.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		cred, ok := mustAdmin(ctx)
		if !ok {
			return
		}
		key, ok := requiredArg(ctx, "api_key")
		if !ok {
			return
		}

		prior, purged, err := c.DeleteKey(ctx, cred, key)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{
			"success":        true,
			"message":        fmt.Sprintf("API key %s deleted successfully", shortKey(key)),
			"deleted_key":    shortKey(key),
			"total_requests": prior.TotalRequests,
			"purged_entries": purged,
		})
	}
}

func SetActive(c *admin.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		cred, ok := mustAdmin(ctx)
		if !ok {
			return
		}
		key, ok := requiredArg(ctx, "api_key")
		if !ok {
			return
		}
		raw, ok := requiredArg(ctx, "active")
		if !ok {
			return
		}
		active, err := strconv.ParseBool(raw)
		if err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "active must be true or false")
			return
		}

		rec, err := c.SetActive(ctx, cred, key, active)
		if err != nil {
			writeError(ctx, err)
			return
		}
		state := "disabled"
		if rec.Active {
			state = "enabled"
		}
		jsonResponse(ctx, map[string]any{
			"success":   true,
			"message":   fmt.Sprintf("API key %s %s", shortKey(key), state),
			"is_active": rec.Active,
		})
	}
}

func Stats(c *admin.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		cred, ok := mustAdmin(ctx)
		if !ok {
			return
		}
		s, err := c.Stats(ctx, cred)
		if err != nil {
			writeError(ctx, err)
			return
		}

		top := make([]map[string]any, 0, len(s.TopUsersToday))
		for _, u := range s.TopUsersToday {
			top = append(top, map[string]any{
				"api_key":  shortKey(u.APIKey),
				"requests": u.Requests,
			})
		}

		jsonResponse(ctx, map[string]any{
			"system_stats": map[string]any{
				"total_api_keys":          s.TotalKeys,
				"active_keys":             s.ActiveKeys,
				"total_requests_all_time": s.TotalRequests,
				"total_credits_used":      s.TotalCreditsUsed,
				"requests_today":          s.RequestsToday,
			},
			"top_users_today": top,
		})
	}
}
