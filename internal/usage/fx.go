package usage

import (
	"github.com/gitulabs/governor/internal/usage/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.store",
	fx.Provide(repository.NewStore),
)
