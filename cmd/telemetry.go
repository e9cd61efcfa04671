package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/internal/tracing"
	"github.com/nextlevelbuilder/clawworker/internal/tracing/otelexport"
)

// initOTelExporter attaches an OTLP exporter to the collector when
// telemetry is enabled. Collector.Stop shuts it down.
func initOTelExporter(ctx context.Context, cfg *config.Config, collector *tracing.Collector) {
	if collector == nil {
		return
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint == "" {
		slog.Debug("OTel export not enabled (set telemetry.enabled and telemetry.endpoint)")
		return
	}

	exp, err := otelexport.New(ctx, otelexport.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		slog.Warn("failed to create OTel exporter", "error", err)
		return
	}

	collector.SetExporter(exp)
	slog.Info("OpenTelemetry OTLP export enabled",
		"endpoint", cfg.Telemetry.Endpoint,
		"protocol", cfg.Telemetry.Protocol,
	)
}
