package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/mediastore/api/controllers"
	"github.com/angelmondragon/mediastore/api/middleware"
	"github.com/angelmondragon/mediastore/internal/media"
	"github.com/angelmondragon/mediastore/pkg/config"
	"github.com/angelmondragon/mediastore/pkg/db"
	"github.com/angelmondragon/mediastore/pkg/logger"
	"github.com/angelmondragon/mediastore/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	gatherer prometheus.Gatherer,
	mediaService media.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	readiness := map[string]controllers.Pinger{"db": dbP}
	if redisClient != nil {
		readiness["redis"] = redisClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	upload := controllers.UploadOptions{
		StagingDir:     cfg.Storage.StagingDir,
		MaxUploadBytes: cfg.Media.MaxUploadBytes(),
	}

	r.Route("/api/v1/media", func(r chi.Router) {
		r.Get("/", controllers.MediaList(mediaService, logg))
		r.Post("/", controllers.MediaUpload(mediaService, upload, logg))
		r.Get("/stats", controllers.MediaStats(mediaService, logg))
		r.Post("/delete", controllers.MediaDeleteBatch(mediaService, logg))
		r.Route("/{mediaId}", func(r chi.Router) {
			r.Get("/", controllers.MediaGet(mediaService, logg))
			r.Delete("/", controllers.MediaDelete(mediaService, logg))
			r.Get("/file", controllers.MediaFile(mediaService, logg))
			r.Post("/regenerate", controllers.MediaRegenerate(mediaService, logg))
		})
	})

	return r
}
