package ingestion

import (
	"github.com/beneplus/beneflow/internal/ingestion/pipeline"
	"go.uber.org/fx"
)

var Module = fx.Module("ingestion.service",
	fx.Provide(pipeline.NewService),
)
