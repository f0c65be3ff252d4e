package queue

import (
	"context"
	"fmt"
)

// Backend names accepted by the factory. The config package exposes the
// same values; they are duplicated here so backends stay importable without
// dragging in configuration.
const (
	BackendEmbedded = "embedded"
	BackendNATS     = "nats"
	BackendSQS      = "sqs"
	BackendActiveMQ = "activemq"
)

// Factory builds a Broker for a backend name. Backend packages register
// themselves through the wiring in cmd; the indirection keeps this package
// free of driver imports.
type Factory struct {
	builders map[string]BuilderFunc
}

// BuilderFunc constructs one backend.
type BuilderFunc func(ctx context.Context) (Broker, error)

func NewFactory() *Factory {
	return &Factory{builders: make(map[string]BuilderFunc)}
}

// Register installs a builder for a backend name.
func (f *Factory) Register(name string, build BuilderFunc) {
	f.builders[name] = build
}

// Open builds the named backend.
func (f *Factory) Open(ctx context.Context, name string) (Broker, error) {
	build, ok := f.builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown queue backend %q (known: embedded, nats, sqs, activemq)", name)
	}
	return build(ctx)
}
