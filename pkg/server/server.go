package server

import (
	"context"
	"errors"

	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/probelab/deepresearch/pkg/domain"
	"github.com/probelab/deepresearch/pkg/observability"
	"github.com/probelab/deepresearch/pkg/state"
	"github.com/probelab/deepresearch/pkg/workflow"
)

// Server is the HTTP control surface. All research endpoints live under
// /research; progress-streaming endpoints answer in NDJSON.
type Server struct {
	app    *fiber.App
	addr   string
	logger *observability.StructuredLogger
}

// New builds the fiber app and registers the research routes.
func New(addr string, handler *ResearchHandler, logger *observability.StructuredLogger) *Server {
	if logger == nil {
		logger = observability.NewStructuredLogger("server")
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             1 * 1024 * 1024,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(otelfiber.Middleware())

	handler.RegisterRoutes(app)

	return &Server{app: app, addr: addr, logger: logger}
}

// App exposes the fiber app, used by tests via app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown is called.
func (s *Server) Listen() error {
	s.logger.Info(context.Background(), "http server listening", observability.Fields{
		"addr": s.addr,
	})
	return s.app.Listen(s.addr)
}

// Shutdown drains in-flight requests and stops the listener. Research
// runs detached from their originating request keep going; their
// progress lands in checkpoints.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// errorHandler maps the domain error taxonomy onto status codes.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var (
		fe   *fiber.Error
		plan *workflow.PlanInvariantViolation
	)
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, state.ErrSessionNotFound),
		errors.Is(err, domain.ErrCheckpointNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, workflow.ErrPhase):
		code = fiber.StatusConflict
	case errors.As(err, &plan):
		code = fiber.StatusUnprocessableEntity
	}

	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
