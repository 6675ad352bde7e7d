package batch

import (
	"agent-provisioner/services/ledger"

	"go.uber.org/fx"
)

var Module = fx.Module("batch.service",
	fx.Provide(
		NewService,
		func(s *Service) ledger.Backfiller { return s },
	),
)
