package dispatcher

import (
	"agent-provisioner/services/pipeline"

	"go.uber.org/fx"
)

var Module = fx.Module("dispatcher",
	fx.Provide(
		New,
		func(e *pipeline.Executor) Executor { return e },
	),
	fx.Invoke(register),
)

func register(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: d.Start,
		OnStop:  d.Stop,
	})
}
