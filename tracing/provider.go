package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerProvider builds a TracerProvider using Config's sampler. When
// otlpAddress is empty, spans are sampled but never exported (the default
// in environments with no collector configured).
func (c Config) TracerProvider(ctx context.Context, otlpAddress string, useTLS bool) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithSampler(c.Sampler())}

	if otlpAddress != "" {
		var creds credentials.TransportCredentials
		if useTLS {
			creds = credentials.NewClientTLSFromCert(nil, "")
		} else {
			creds = insecure.NewCredentials()
		}

		conn, err := grpc.NewClient(otlpAddress, grpc.WithTransportCredentials(creds))
		if err != nil {
			return nil, nil, err
		}

		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}
