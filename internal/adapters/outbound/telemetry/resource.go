// Package telemetry wires OpenTelemetry metric and trace export for the liquidator.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// Identity names the running process in exported telemetry.
type Identity struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

func (id Identity) withDefaults() Identity {
	if id.ServiceName == "" {
		id.ServiceName = "liquidator"
	}
	if id.ServiceVersion == "" {
		id.ServiceVersion = "dev"
	}
	if id.Environment == "" {
		id.Environment = "development"
	}
	return id
}

func newResource(id Identity) (*resource.Resource, error) {
	id = id.withDefaults()
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(id.ServiceName),
			semconv.ServiceVersion(id.ServiceVersion),
			semconv.DeploymentEnvironmentName(id.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

func noopShutdown(context.Context) error { return nil }
