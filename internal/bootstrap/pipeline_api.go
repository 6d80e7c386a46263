package bootstrap

import (
	"pipeline_server/adapter/in/http"
	"pipeline_server/config"
	"pipeline_server/infra/middleware"
	"pipeline_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// NewAPI builds the operational HTTP server. When a worker runs in the same
// process its pool and scheduler feed the stats endpoint; in api-only mode
// those sections are simply absent.
func NewAPI(cfg *config.Config, w *Worker) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "mailpipe-api",
	})

	var deps *Dependencies
	cleanup := func() {}
	if w != nil {
		deps = w.Dependencies()
	} else {
		var err error
		deps, cleanup, err = NewDependencies(cfg)
		if err != nil {
			logger.WithError(err).Error("Failed to initialize dependencies")
			return nil, nil, err
		}
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	var healthHandler *http.HealthHandler
	if w != nil {
		healthHandler = http.NewHealthHandlerWithDeps(
			deps.DB, deps.Redis, deps.Mongo, w.Pool(), w.Scheduler(), deps.Budget)
	} else {
		healthHandler = http.NewHealthHandlerWithDeps(
			deps.DB, deps.Redis, deps.Mongo, nil, nil, deps.Budget)
	}
	healthHandler.Register(app)

	api := app.Group("/api/v1")

	var accountHandler *http.AccountHandler
	if w != nil {
		accountHandler = http.NewAccountHandler(deps.Registry, w.Scheduler())
	} else {
		accountHandler = http.NewAccountHandler(deps.Registry, nil)
	}
	accountHandler.Register(api)

	logger.Info("API server initialized")

	return app, cleanup, nil
}
