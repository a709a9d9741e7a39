package http

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/sujalbistaa/askwall/internal/ws"
)

// RouteConfig carries the transport settings of the API.
type RouteConfig struct {
	CORSOrigin   string
	WriteRPS     float64
	WriteBurst   int
	SweepEvery   time.Duration
	MaxBodyBytes int64
}

// SetupRoutes configures all application routes and middleware. Background
// work started here stops with ctx.
func SetupRoutes(ctx context.Context, router *gin.Engine, env *Env, wsServer *ws.Server, cfg RouteConfig) {

	// --- Middleware ---

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(SecurityHeadersMiddleware())

	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{corsOrigin},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", adminHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: corsOrigin != "*",
	}))

	// --- Write throttle ---

	if cfg.WriteRPS <= 0 {
		cfg.WriteRPS = 5
	}
	if cfg.WriteBurst <= 0 {
		cfg.WriteBurst = 10
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 10 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	limiter := NewIPRateLimiter(rate.Limit(cfg.WriteRPS), cfg.WriteBurst)
	go limiter.RunSweeper(ctx, cfg.SweepEvery)
	throttle := RateLimitMiddleware(limiter)

	// --- API Routes ---

	api := router.Group("/api", BodyLimitMiddleware(cfg.MaxBodyBytes))
	{
		api.GET("/tree/*path", env.GetNode)
		api.PUT("/tree/*path", throttle, env.SetNode)
		api.PATCH("/tree/*path", throttle, env.UpdateNode)
		api.POST("/tree/*path", throttle, env.PushNode)
		api.DELETE("/tree/*path", throttle, env.DeleteNode)
	}

	admin := api.Group("/admin", AdminAuthMiddleware(env.AdminToken))
	{
		admin.GET("/stale-rooms", env.StaleRooms)
		admin.DELETE("/stale-rooms", env.DeleteStaleRooms)
	}

	// --- WebSocket Route ---

	router.GET("/ws", func(c *gin.Context) {
		wsServer.HandleWS(c.Writer, c.Request)
	})

	router.GET("/healthz", env.Health)
}
