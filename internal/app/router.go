package app

import (
	"lms_backend/docs"
	"lms_backend/internal/middleware"
	"lms_backend/internal/model"
	"lms_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers) {
	docs.SwaggerInfo.BasePath = "/api"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
	}

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(a.Config))
	{
		a.registerReadingTestRoutes(authGroup, c)
	}
}

func (a *App) registerReadingTestRoutes(authGroup *gin.RouterGroup, c *controllers) {
	tests := authGroup.Group("/reading-tests")
	{
		// 学生只能看到已发布的试卷
		tests.GET("", c.readingTests.ListTests)
		tests.GET("/:id", c.readingTests.GetTest)

		authoring := tests.Group("")
		authoring.Use(middleware.RoleMiddleware(model.Teacher))
		{
			authoring.POST("", c.readingTests.CreateTest)
			authoring.PUT("/:id", c.readingTests.UpdateTest)
			authoring.DELETE("/:id", c.readingTests.DeleteTest)
			authoring.GET("/:id/export", c.readingTests.ExportTest)
			authoring.DELETE("/passages/:passageId", c.readingTests.DeletePassage)
			authoring.DELETE("/questions/:questionId", c.readingTests.DeleteQuestion)
		}
	}
}
