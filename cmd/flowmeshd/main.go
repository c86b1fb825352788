// Command flowmeshd loads the optional YAML runtime configuration, wires a
// broker adapter and optional external-resource bridge, starts the
// endpoint registry, and serves a health/metrics HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"

	"github.com/flowmesh/flowmesh/observability/metrics"
	"github.com/flowmesh/flowmesh/pkg/api"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/externaltx"
	"github.com/flowmesh/flowmesh/pkg/externaltx/sqlbridge"
	"github.com/flowmesh/flowmesh/pkg/runtime"
	"github.com/flowmesh/flowmesh/pkg/serialize"
	"github.com/flowmesh/flowmesh/pkg/serialize/jsoncodec"
	"github.com/flowmesh/flowmesh/pkg/transport"
	"github.com/flowmesh/flowmesh/pkg/transport/amqpbroker"
	"github.com/flowmesh/flowmesh/pkg/transport/memorybroker"
	"github.com/flowmesh/flowmesh/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v (continuing with existing environment)", envPath, err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	slog.Info("starting flowmeshd", "version", version.Full(), "config_dir", *configDir)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}

	broker, err := buildBroker(cfg)
	if err != nil {
		log.Fatalf("failed to construct broker adapter: %v", err)
	}

	var bridge externaltx.Bridge
	var bridgeHealth api.HealthChecker
	if cfg.ExternalResource != nil {
		b, err := sqlbridge.Open(sqlbridge.Config{
			DSN:             cfg.ExternalResource.DSN,
			MaxOpenConns:    cfg.ExternalResource.MaxOpenConns,
			MaxIdleConns:    cfg.ExternalResource.MaxIdleConns,
			ConnMaxLifetime: cfg.ExternalResource.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatalf("failed to open external resource bridge: %v", err)
		}
		if err := b.Migrate(); err != nil {
			log.Fatalf("failed to migrate external resource schema: %v", err)
		}
		defer func() {
			if err := b.Close(); err != nil {
				slog.Error("closing external resource bridge", "error", err)
			}
		}()
		bridge = b
		bridgeHealth = b
		slog.Info("external resource bridge ready")
	}

	serializer := serialize.Port(jsoncodec.New(4096))

	factory := runtime.New(cfg, broker, bridge, serializer)

	reg := prometheus.NewRegistry()
	factory.SetMetrics(metrics.New(reg))

	if err := registerEndpoints(factory); err != nil {
		log.Fatalf("failed to register endpoints: %v", err)
	}

	if err := factory.Start(ctx); err != nil {
		log.Fatalf("failed to start factory: %v", err)
	}
	slog.Info("factory started", "factory_name", cfg.Factory.Name)

	router := api.NewRouter(factory, brokerHealthChecker(broker), bridgeHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: ":" + httpPort, Handler: router}
	go func() {
		slog.Info("http server listening", "port", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", "error", err)
	}

	factory.Stop(cfg.Processor.GracefulShutdownTimeout)
	slog.Info("flowmeshd stopped")
}

// buildBroker constructs the transport.Broker adapter selected by
// cfg.Broker.Adapter. "memory" needs no external service and is the
// default so flowmeshd runs out of the box.
func buildBroker(cfg *config.Config) (transport.Broker, error) {
	switch cfg.Broker.Adapter {
	case "amqp":
		return amqpbroker.New(cfg.Broker.AMQPURL), nil
	case "memory", "":
		return memorybroker.New(cfg.Processor.Concurrency * 8), nil
	default:
		return nil, fmt.Errorf("unknown broker adapter %q", cfg.Broker.Adapter)
	}
}

func brokerHealthChecker(b transport.Broker) api.HealthChecker {
	if hc, ok := b.(api.HealthChecker); ok {
		return hc
	}
	return nil
}

// registerEndpoints is the application-specific wiring point: an embedding
// deployment replaces this with its own domain endpoints via staged
// registration. flowmeshd ships empty — it is a runnable shell, not a
// fixed business process.
func registerEndpoints(_ *runtime.Factory) error {
	return nil
}
