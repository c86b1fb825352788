// Package api exposes the runtime's operational HTTP surface: health,
// readiness, and a debug view of registered endpoints/stages and recent
// lifecycle events. It carries no business logic, keeping a clean
// separation between the gin-based HTTP surface and the processing core.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flowmesh/flowmesh/pkg/lifecycle"
	"github.com/flowmesh/flowmesh/pkg/registry"
	"github.com/flowmesh/flowmesh/pkg/version"
)

// HealthChecker reports whether an external collaborator (broker,
// external-resource bridge) is currently reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Factory is the subset of *runtime.Factory the HTTP surface needs; it is
// carved out so this package never imports pkg/runtime directly (avoiding
// an import cycle, and keeping the surface's dependency least-privilege,
// same shape as pkg/registry.Wrapper).
type Factory interface {
	Registry() *registry.Registry
	LifecycleLog() *lifecycle.Log
}

// NewRouter builds the gin engine serving /healthz, /readyz and
// /debug/endpoints. bridge may be nil when no external-resource bridge is
// configured.
func NewRouter(f Factory, broker HealthChecker, bridge HealthChecker) *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": version.Full(),
		})
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		resp := gin.H{"registry": "accepting"}
		ready := f.Registry().Accepting()
		if !ready {
			resp["registry"] = "not accepting"
		}

		if broker != nil {
			if err := broker.Health(ctx); err != nil {
				ready = false
				resp["broker"] = err.Error()
			} else {
				resp["broker"] = "ok"
			}
		}
		if bridge != nil {
			if err := bridge.Health(ctx); err != nil {
				ready = false
				resp["external_resource"] = err.Error()
			} else {
				resp["external_resource"] = "ok"
			}
		}

		if !ready {
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/debug/endpoints", func(c *gin.Context) {
		endpoints := f.Registry().All()
		out := make([]gin.H, 0, len(endpoints))
		for _, ep := range endpoints {
			stages := make([]gin.H, 0, len(ep.Stages))
			for _, st := range ep.Stages {
				stages = append(stages, gin.H{
					"id":          st.ID,
					"index":       st.Index,
					"next_id":     st.NextID,
					"topic":       st.Topic,
					"concurrency": st.Concurrency,
				})
			}
			out = append(out, gin.H{"id": ep.ID, "stages": stages})
		}
		c.JSON(http.StatusOK, gin.H{"endpoints": out})
	})

	r.GET("/debug/lifecycle", func(c *gin.Context) {
		events := f.LifecycleLog().Recent()
		out := make([]gin.H, 0, len(events))
		for _, e := range events {
			out = append(out, gin.H{
				"kind":      e.Kind,
				"subject":   e.Subject,
				"detail":    e.Detail,
				"timestamp": e.Timestamp,
			})
		}
		c.JSON(http.StatusOK, gin.H{"events": out})
	})

	return r
}
