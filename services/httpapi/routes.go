package httpapi

import (
	"agent-provisioner/services/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandler,
		func(e *pipeline.Executor) TemplateApplier { return e },
	),
	fx.Invoke(Register),
)

// Register mounts the API and /metrics on the engine.
func Register(r *gin.Engine, h *Handler, reg *prometheus.Registry) {
	api := r.Group("/api")

	api.GET("/health", h.Health)

	batches := api.Group("/batches")
	batches.POST("", h.CreateBatch)
	batches.GET("", h.ListBatches)
	batches.GET("/:id", h.GetBatch)
	batches.DELETE("/:id", h.DeleteBatch)
	batches.GET("/:id/results", h.BatchResults)
	batches.GET("/:id/results/:item_id", h.ItemHistory)

	queues := api.Group("/queues")
	queues.POST("", h.Enqueue)
	queues.GET("/active", h.ActiveTasks)
	queues.GET("/:id", h.GetTask)
	queues.POST("/:id/cancel", h.CancelTask)

	logs := api.Group("/logs")
	logs.GET("", h.RecentLogs)
	logs.GET("/:task_id", h.TaskLogs)

	api.POST("/templates", h.ApplyTemplates)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
}
