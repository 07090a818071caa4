package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"bay/internal/config"
	"bay/internal/middleware"
	"bay/internal/ship"
)

// NewRouter assembles the full HTTP surface. Health endpoints are open;
// everything under /ship requires the bearer token, and the exec/upload
// paths additionally require a session identity.
func NewRouter(cfg *config.Config, service *ship.Service) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := NewHandler(cfg, service)

	router := gin.New()
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Recovery())
	router.Use(middleware.RateLimit(1000, 50))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-SESSION-ID", "X-FILE-PATH"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", handler.Health)
	router.GET("/", handler.Root)

	ships := router.Group("/ship")
	ships.Use(middleware.RequireToken(cfg.AccessToken))
	{
		ships.GET("", handler.ListShips)
		ships.POST("", middleware.RequireSession(), handler.CreateShip)
		ships.GET("/:id", handler.GetShip)
		ships.DELETE("/:id", handler.DeleteShip)
		ships.POST("/:id/exec", middleware.RequireSession(), handler.ExecOperation)
		ships.POST("/:id/upload", middleware.RequireSession(), handler.UploadFile)
		ships.POST("/:id/extend-ttl", handler.ExtendTTL)
		ships.GET("/logs/:id", handler.GetLogs)
	}

	return router
}
