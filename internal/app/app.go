package app

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"lms_backend/internal/config"
	"lms_backend/internal/controller"
	"lms_backend/internal/model"
	"lms_backend/internal/repository"
	"lms_backend/internal/service"
	"lms_backend/internal/util"
	"lms_backend/pkg/configwatcher"
	"lms_backend/pkg/database"
	"lms_backend/pkg/logger"
	"lms_backend/pkg/monitoring"
	"lms_backend/pkg/security"
	"lms_backend/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DriverMemory 不连接数据库，使用内存存储（本地开发）
const DriverMemory = "memory"

type App struct {
	Config          *config.Config
	ConfigDir       string
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	tracer          *sdktrace.TracerProvider
	configCallbacks []func(*config.Config)
}

type services struct {
	storage *service.StorageService
	catalog *service.QuestionCatalog
	tree    *service.TestTreeManager
}

type controllers struct {
	readingTests *controller.TestController
	health       *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) applyConfig(cfg *config.Config) {
	for _, cb := range a.configCallbacks {
		cb(cfg)
	}
}

func (a *App) initStore(cfg *config.Config) repository.TreeStore {
	if cfg.Database.Driver == DriverMemory {
		logger.Log.Warn("Using in-memory tree store, data is lost on restart")
		return repository.NewMemoryTreeStore()
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}
	a.DB = db
	return repository.NewGormTreeStore(db)
}

func (a *App) initRenderCache(cfg *config.Config) service.RenderCache {
	if !cfg.Cache.Enabled {
		return nil
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		// 缓存不可用不影响主流程
		logger.Log.Error("Failed to initialize redis, render cache disabled", zap.Error(err))
		return nil
	}
	a.Redis = rdb
	return service.NewRedisRenderCache(rdb, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
}

func (a *App) initServices(cfg *config.Config) *services {
	s := &services{}

	s.storage = service.NewStorageService(cfg)

	catalog, err := service.LoadQuestionCatalog(cfg.Catalog.Path)
	if err != nil {
		logger.Log.Fatal("Failed to load question catalog", zap.String("path", cfg.Catalog.Path), zap.Error(err))
	}
	s.catalog = catalog

	store := a.initStore(cfg)
	s.tree = service.NewTestTreeManager(store, s.storage, s.catalog, a.initRenderCache(cfg), service.TreeOptionsFromConfig(cfg))

	a.RegisterConfigCallback(func(newCfg *config.Config) {
		s.tree.Configure(service.TreeOptionsFromConfig(newCfg))
	})

	return s
}

func (a *App) initControllers(s *services) *controllers {
	return &controllers{
		readingTests: controller.NewTestController(s.tree, model.ModuleReading),
		health:       controller.NewHealthController(a.DB),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

func NewApp(cfg *config.Config, configDir string) *App {
	logger.InitLogger(cfg)
	logger.Log.Info("Logger initialized successfully")

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	app := &App{
		Config:    cfg,
		ConfigDir: configDir,
	}

	services := app.initServices(cfg)
	app.services = services
	controllers := app.initControllers(services)

	// 监控初始化
	monitoring.Init()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("lms-backend", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	router := gin.Default()
	app.Router = router

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers)

	if cfg.Storage.Type == util.StorageLocal {
		router.Static(cfg.Storage.PublicPrefix, cfg.Storage.LocalPath)
	}

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	ctx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()

	// 配置热更新：题目树策略等运行时可调整项
	go func() {
		path := filepath.Join(a.ConfigDir, "config.yaml")
		if err := configwatcher.WatchConfig(ctx, path, a.applyConfig); err != nil {
			logger.Log.Warn("Config hot reload disabled", zap.String("path", path), zap.Error(err))
		}
	}()

	// 启动服务器
	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	if a.tracer != nil {
		if err := a.tracer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logger.Log.Error("Failed to close redis", zap.Error(err))
		}
	}

	logger.Log.Info("Server exiting")
}
