package roster

import (
	"github.com/beneplus/beneflow/internal/roster/service"
	"go.uber.org/fx"
)

var Module = fx.Module("roster.service",
	fx.Provide(service.NewService),
)
