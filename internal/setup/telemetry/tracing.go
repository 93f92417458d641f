package telemetry

import (
	"context"

	"github.com/uptrace/uptrace-go/uptrace"
	"github.com/zionsgate/gatekeeper/internal/setup/config"
	"go.opentelemetry.io/otel/attribute"
)

// ShutdownFunc flushes and stops an exporter.
type ShutdownFunc func(ctx context.Context) error

// StartTracing installs Uptrace as the global tracer provider when a DSN is
// configured. Spans from the error log core and the bun query hook go there.
func StartTracing(cfg *config.Telemetry, serviceType ServiceType, instanceID string) ShutdownFunc {
	if !cfg.TracingEnabled() {
		return func(context.Context) error { return nil }
	}

	uptrace.ConfigureOpentelemetry(
		uptrace.WithDSN(cfg.UptraceDSN),
		uptrace.WithServiceName("gatekeeper-"+serviceType.String()),
		uptrace.WithServiceVersion(cfg.ServiceVersion),
		uptrace.WithDeploymentEnvironment(cfg.Environment),
		uptrace.WithResourceAttributes(attribute.String("service.instance.id", instanceID)),
	)

	return uptrace.Shutdown
}
