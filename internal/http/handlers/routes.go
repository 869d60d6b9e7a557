package handlers

import (
	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"

	"aigateway/internal/admin"
	appmw "aigateway/internal/http/middleware"
	"aigateway/internal/keystore"
	"aigateway/internal/upstream"
)

// Deps are the services the routes are built on.
type Deps struct {
	Keys       keystore.Store
	Dispatcher Dispatcher
	Admin      *admin.Controller
	Gatherer   prometheus.Gatherer
}

var meteredEndpoints = []string{
	upstream.Text, upstream.Image, upstream.QR, upstream.Voice,
	upstream.Num, upstream.Video, upstream.FFInfo,
}

// Register wires every route onto r.
func Register(r *router.Router, d Deps) {
	apiKey := appmw.APIKey()
	adminCreds := appmw.AdminCredentials()

	r.GET("/health", Health())
	r.GET("/api_key", apiKey(KeyUsage(d.Keys)))

	for _, ep := range meteredEndpoints {
		r.GET("/"+ep, apiKey(Metered(d.Dispatcher, ep)))
	}

	r.GET("/admin/generateapi", adminCreds(GenerateKey(d.Admin)))
	r.GET("/admin/listapi", adminCreds(ListKeys(d.Admin)))
	r.GET("/admin/increaseapilimit", adminCreds(IncreaseLimit(d.Admin)))
	r.GET("/admin/addcredits", adminCreds(AddCredits(d.Admin)))
	r.GET("/admin/resetapilimit", adminCreds(ResetLimit(d.Admin)))
	r.GET("/admin/deleteapi", adminCreds(DeleteKey(d.Admin)))
	r.GET("/admin/setactive", adminCreds(SetActive(d.Admin)))
	r.GET("/admin/stats", adminCreds(Stats(d.Admin)))

	if d.Gatherer != nil {
		r.GET("/metrics", appmw.AdminAuth(d.Admin)(MetricsHandler(d.Gatherer)))
	}
}
