package limits

import (
	"github.com/gitulabs/governor/internal/limits/repository"
	"github.com/gitulabs/governor/internal/limits/service"
	"go.uber.org/fx"
)

var Module = fx.Module("limits.service",
	fx.Provide(repository.NewStore),
	fx.Provide(service.NewService),
)
