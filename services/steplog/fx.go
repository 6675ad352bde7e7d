package steplog

import "go.uber.org/fx"

var Module = fx.Module("steplog.service", fx.Provide(NewService))
