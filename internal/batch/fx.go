package batch

import (
	"github.com/beneplus/beneflow/internal/batch/service"
	"go.uber.org/fx"
)

var Module = fx.Module("batch.service",
	fx.Provide(service.NewService),
)
