package api

import (
	"net/http"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/api/handlers"
	"github.com/athebyme/sheetsync-platform/internal/api/middleware"
	"github.com/athebyme/sheetsync-platform/internal/domain/services"
	"github.com/athebyme/sheetsync-platform/internal/jobs"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps зависимости маршрутизатора
type Deps struct {
	SyncService   *services.SyncService
	Connections   *services.ConnectionService
	ImportResults handlers.ImportResultSource
	Webhooks      *jobs.WebhookProcessor
	WebhookSecret string
	Logger        interfaces.LoggerPort
	CORSOrigins   []string
	RateLimitRPS  int
}

// SetupRouter настраивает маршрутизатор
func SetupRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Глобальные middleware
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Recoverer(deps.Logger))
	r.Use(middleware.Metrics)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.CORS(deps.CORSOrigins))
	r.Use(middleware.SecurityHeaders)
	if deps.RateLimitRPS > 0 {
		r.Use(middleware.RateLimit(deps.RateLimitRPS))
	}

	r.Method(http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	r.Method(http.MethodHead, "/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	syncHandler := handlers.NewSyncHandler(deps.SyncService, deps.ImportResults, deps.Logger)
	mappingHandler := handlers.NewMappingHandler(deps.SyncService, deps.Logger)
	connectionHandler := handlers.NewConnectionHandler(deps.Connections, deps.Logger)
	webhookHandler := handlers.NewWebhookHandler(deps.Webhooks, deps.WebhookSecret, deps.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		// Возврат из Google OAuth: арендатор восстанавливается из state
		r.Get("/oauth/callback", connectionHandler.Callback)

		// Вебхуки Shopify: арендатор определяется по домену магазина
		r.Post("/webhooks/shopify/inventory", webhookHandler.InventoryUpdate)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Tenant)

			// Маршруты синхронизации
			r.Route("/sync", func(r chi.Router) {
				r.Post("/", syncHandler.StartSync)

				r.Route("/runs", func(r chi.Router) {
					r.Get("/", syncHandler.ListRuns)

					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", syncHandler.GetRun)
						r.Get("/progress", syncHandler.GetProgress)
						r.Get("/conflicts", syncHandler.GetConflicts)
						r.Get("/import-result", syncHandler.GetImportResult)
					})
				})
			})

			// Маршруты маппинга полей
			r.Route("/mappings", func(r chi.Router) {
				r.Get("/", mappingHandler.ListMappings)
				r.Post("/", mappingHandler.SaveMapping)
				r.Delete("/{id}", mappingHandler.DeleteMapping)
			})

			// Маршруты подключения таблицы
			r.Route("/connection", func(r chi.Router) {
				r.Get("/", connectionHandler.GetConnection)
				r.Post("/", connectionHandler.Configure)
				r.Delete("/", connectionHandler.Disconnect)
				r.Get("/authorize", connectionHandler.Authorize)
			})
		})
	})

	return r
}
