//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/google/wire"
)

// InitializeRouter builds the HTTP surface through Wire. The manual
// container in container.go is the runtime path; this injector exists so
// the provider graph stays verifiable by the wire tool.
func InitializeRouter(ctx context.Context) (*chi.Mux, error) {
	wire.Build(SuperSet)
	return nil, nil
}
