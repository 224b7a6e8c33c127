package http

import (
	"net/http"
	"time"

	"battle-quiz-service/pkg/logger"
	"battle-quiz-service/pkg/metrics"
	"github.com/gin-gonic/gin"
)

// RouterDeps are the handlers and helpers mounted on the engine.
type RouterDeps struct {
	API      *APIHandler
	WS       *WSHandler
	Identity *Identity
	Metrics  *metrics.Manager
	Log      logger.Logger
}

// NewRouter mounts the REST API, the websocket route and the operational endpoints.
func NewRouter(deps RouterDeps) *gin.Engine {
	log := deps.Log
	if log == nil {
		log = logger.Discard()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	router.GET("/ws", deps.WS.ServeWS)

	api := router.Group("/api")
	api.Use(deps.Identity.Middleware())
	{
		api.GET("/matches/:id", deps.API.GetMatch)
		api.POST("/matches/:id/answers", deps.API.SubmitAnswer)
		api.POST("/quizzes/:id/join", deps.API.Join)
		api.DELETE("/quizzes/:id/join", deps.API.Cancel)
		api.GET("/me/matches", deps.API.MyMatches)
		api.GET("/me/wallet", deps.API.Wallet)
	}
	return router
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log.Debug(c.Request.Context(), "http request",
			logger.String("method", c.Request.Method),
			logger.String("path", c.FullPath()),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("elapsed", time.Since(started)))
	}
}
