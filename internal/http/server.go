package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/merchbot/broadcast-gateway/internal/config"
	"github.com/merchbot/broadcast-gateway/internal/dispatch"
	"github.com/merchbot/broadcast-gateway/internal/http/middleware"
	"github.com/merchbot/broadcast-gateway/internal/metrics"
	"github.com/merchbot/broadcast-gateway/internal/repository"
)

// Dispatcher is the slice of the dispatch service the handlers call.
type Dispatcher interface {
	DispatchDraftToAll(ctx context.Context, campaignID int64) (dispatch.Result, error)
	DispatchScheduledToSelection(ctx context.Context, recipientIDs []int64) (dispatch.Result, error)
	EnqueueDirect(ctx context.Context, msg dispatch.DirectMessage) (string, error)
}

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client, chunkLane, sendLane dispatch.Producer) *Server {
	// repos (MySQL)
	campaignsRepo := repository.NewCampaignsRepository(mysqlDB)
	recipientsRepo := repository.NewRecipientsRepository(mysqlDB)
	deliveriesRepo := repository.NewDeliveriesRepository(mysqlDB)

	// repos (ClickHouse)
	chDeliveriesRepo := repository.NewCHDeliveriesRepository(clickhouseDB)

	// services
	dispatchSvc := dispatch.New(
		campaignsRepo,
		recipientsRepo,
		deliveriesRepo,
		chunkLane,
		sendLane,
		cfg.Dispatch.ChunkSize,
	)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.AdminTokenMiddleware(cfg.HTTP.AdminToken)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "rl:ip:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/campaigns", createCampaignHandler(campaignsRepo))
	v1.GET("/campaigns", listCampaignsHandler(campaignsRepo))
	v1.GET("/campaigns/:id", getCampaignHandler(campaignsRepo, deliveriesRepo))
	v1.PUT("/campaigns/:id", updateCampaignHandler(campaignsRepo))
	v1.POST("/campaigns/:id/dispatch", dispatchCampaignHandler(dispatchSvc, campaignsRepo))
	v1.POST("/dispatch/scheduled", dispatchScheduledHandler(dispatchSvc))
	v1.GET("/campaigns/:id/deliveries", listDeliveriesHandler(chDeliveriesRepo))
	v1.POST("/recipients", registerRecipientHandler(recipientsRepo))
	v1.GET("/recipients", listRecipientsHandler(recipientsRepo))
	v1.POST("/messages", sendMessageHandler(dispatchSvc))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
