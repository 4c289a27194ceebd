package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/config"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/handler"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/middleware"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/service"
	"github.com/Bald0Wang/DeepSeek-Oracle/pkg/response"
)

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, svc *service.AnalysisService) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.Metrics())
	r.Use(cors(cfg.CORSOrigins))

	health := handler.NewHealthHandler(svc)
	r.GET("/healthz", health.Healthz)
	r.GET("/readyz", health.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	analysis := handler.NewAnalysisHandler(svc)
	limited := []gin.HandlerFunc{
		middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		middleware.Auth(cfg.JWTSecret, false),
	}

	// 前端走 /api 前缀, 其余客户端直接访问根路径
	for _, prefix := range []string{"", "/api"} {
		g := r.Group(prefix, limited...)
		g.POST("/analyze", analysis.Analyze)
		g.POST("/check_cache", analysis.CheckCache)
		g.GET("/task/:task_id", analysis.GetTask)
		g.POST("/task/:task_id/retry", analysis.RetryTask)
		g.POST("/task/:task_id/cancel", analysis.CancelTask)
		g.GET("/tasks", analysis.ListTasks)
		g.GET("/result/:id", analysis.GetResult)
		g.GET("/result/:id/:analysis_type", analysis.GetResultItem)
		g.GET("/history", analysis.History)
	}

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "route not found")
	})
	return r
}

// cors 中间件; "*" or an empty list allows every origin
func cors(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
