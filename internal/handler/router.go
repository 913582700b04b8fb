package handler

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-assistant/backend/internal/handler/chat"
	"github.com/zhouzirui/z-assistant/backend/internal/handler/page"
	"github.com/zhouzirui/z-assistant/backend/internal/handler/voice"
	middlewarePkg "github.com/zhouzirui/z-assistant/backend/internal/middleware"
	"github.com/zhouzirui/z-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/z-assistant/backend/internal/telemetry"
	"github.com/zhouzirui/z-assistant/backend/pkg/utils"
)

// Deps 是路由需要的核心服务。
type Deps struct {
	Driver   *assistant.Driver
	Registry *assistant.Registry
	Metrics  *telemetry.Metrics
	Title    string
	Version  string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log.Default(), NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"version":      deps.Version,
			"audioEnabled": deps.Driver.AudioEnabled(),
		})
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	// 以下路由都依赖浏览器客户端的会话状态
	r.Group(func(ui chi.Router) {
		ui.Use(middlewarePkg.SameOrigin)
		ui.Use(middlewarePkg.Client(deps.Registry))

		page.New(deps.Driver, deps.Title).RegisterRoutes(ui)
		ui.Route("/chat", chat.New(deps.Driver).RegisterRoutes)
		voice.New(deps.Driver).RegisterRoutes(ui)
	})

	return r
}
