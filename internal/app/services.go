package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/service/httpapi"
	"github.com/vladislavdragonenkov/marketplace/internal/service/listing"
	"github.com/vladislavdragonenkov/marketplace/internal/service/purchase"
)

// services собирает прикладной слой поверх хранилищ.
type services struct {
	listings  *listing.Service
	carts     *cart.Manager
	purchases *purchase.Coordinator
}

// newServices связывает сервисы с хранилищами deps.
func newServices(deps runtimeDependencies, cfg Config, pm *metrics.PurchaseMetrics, logger *log.Entry) services {
	return services{
		listings: listing.NewService(deps.listings, logger.WithField("component", "listing-service")),
		carts: cart.NewManager(deps.listings, deps.carts,
			cart.WithLogger(logger.WithField("component", "cart-manager")),
			cart.WithMetrics(pm),
		),
		purchases: purchase.NewCoordinator(deps.listings, deps.orders,
			purchase.WithOrderTTL(cfg.OrderTTL),
			purchase.WithOutbox(deps.outboxRepo),
			purchase.WithTimeline(deps.timelineRepo),
			purchase.WithMetrics(pm),
			purchase.WithLogger(logger.WithField("component", "purchase-coordinator")),
		),
	}
}

// newAPI собирает HTTP API.
func newAPI(svc services, deps runtimeDependencies, cfg Config, logger *log.Entry) *httpapi.Server {
	return httpapi.NewServer(httpapi.Deps{
		Listings:    svc.listings,
		Carts:       svc.carts,
		Purchases:   svc.purchases,
		Timeline:    deps.timelineRepo,
		Idempotency: deps.idempotencyRepo,
	},
		httpapi.WithLogger(logger.WithField("component", "http-api")),
		httpapi.WithIdempotencyTTL(cfg.IdempotencyTTL),
	)
}
