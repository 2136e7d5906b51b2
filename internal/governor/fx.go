package governor

import (
	"github.com/gitulabs/governor/internal/governor/service"
	"go.uber.org/fx"
)

var Module = fx.Module("governor.service",
	fx.Provide(service.NewService),
)
