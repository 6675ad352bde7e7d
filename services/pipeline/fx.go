package pipeline

import (
	"agent-provisioner/pkg/inventory"
	"agent-provisioner/services/steplog"

	"go.uber.org/fx"
)

var Module = fx.Module("pipeline",
	fx.Provide(
		NewPackageSource,
		NewExecutor,
		func(c *inventory.Client) Inventory { return c },
		func(s *steplog.Service) Recorder { return s },
	),
)
