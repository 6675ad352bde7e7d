package remoteshell

import "go.uber.org/fx"

var Module = fx.Module("remoteshell",
	fx.Provide(
		NewSSHTransport,
		func(t *SSHTransport) Transport { return t },
	),
)
