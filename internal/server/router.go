package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/littleblessing/backend/internal/blessings"
	"github.com/littleblessing/backend/internal/campaign"
	"go.uber.org/zap"
)

const (
	messagesPath = "/messages"
	streamPath   = "/messages/stream"
	socketPath   = "/messages/ws"
	flavorPath   = "/flavor"
	tiersPath    = "/tiers"
	metricsPath  = "/metrics"
)

var errMissingService = errors.New("blessings service dependency required")

// FlavorSource produces decorative text and never fails.
type FlavorSource interface {
	Generate(ctx context.Context) string
}

// TierCatalog lists sponsorship tiers with their payment links.
type TierCatalog interface {
	Tiers() []campaign.Tier
}

// RateLimitConfig limits mutating requests per client IP. RPS <= 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type Dependencies struct {
	Service   *blessings.Service
	Flavor    FlavorSource
	Catalog   TierCatalog
	Metrics   http.Handler
	RateLimit RateLimitConfig
	Logger    *zap.Logger
}

// NewHTTPHandler builds the guestbook router. Push routes are registered only
// when the configured store can push snapshots.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Service == nil {
		return nil, errMissingService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		service: deps.Service,
		flavor:  deps.Flavor,
		catalog: deps.Catalog,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mutating := []gin.HandlerFunc{}
	if deps.RateLimit.RPS > 0 {
		mutating = append(mutating, rateLimitMiddleware(newLimiterPool(deps.RateLimit)))
	}

	router.GET(messagesPath, handler.handleList)
	router.POST(messagesPath, append(mutating, handler.handleAppend)...)
	router.DELETE(messagesPath, append(mutating, handler.handleRemove)...)
	router.OPTIONS(messagesPath, handler.handlePreflight)

	if subscriber, ok := deps.Service.Subscriber(); ok {
		handler.subscriber = subscriber
		router.GET(streamPath, handler.handleStream)
		router.GET(socketPath, handler.handleSocket)
	}
	if deps.Flavor != nil {
		router.GET(flavorPath, handler.handleFlavor)
	}
	if deps.Catalog != nil {
		router.GET(tiersPath, handler.handleTiers)
	}
	if deps.Metrics != nil {
		router.GET(metricsPath, gin.WrapH(deps.Metrics))
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins:           true,
		AllowMethods:              []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:              []string{"Content-Type"},
		MaxAge:                    12 * time.Hour,
		OptionsResponseStatusCode: http.StatusOK,
	})
}

type httpHandler struct {
	service    *blessings.Service
	subscriber blessings.Subscriber
	flavor     FlavorSource
	catalog    TierCatalog
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func (h *httpHandler) handleFlavor(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"text": h.flavor.Generate(c.Request.Context())})
}

func (h *httpHandler) handleTiers(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.Tiers())
}
