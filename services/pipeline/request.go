package pipeline

import "agent-provisioner/pkg/remoteshell"

type Action string

const (
	ActionInstall   Action = "install"
	ActionUninstall Action = "uninstall"
	ActionRegister  Action = "register"
)

// Target is what every request knows about the host it acts on.
type Target struct {
	Addr        string
	Hostname    string
	VisibleName string
	OSType      string
	Env         string
	AgentPort   int
	JMXPort     int
	TemplateIDs []string
	GroupIDs    []string
	ProxyID     string
	MonitorURLs []string
	SSH         remoteshell.Credentials
}

func (t *Target) Address() string { return t.Addr }

func (t *Target) Credentials() remoteshell.Credentials { return t.SSH }

func (t *Target) target() *Target { return t }

// Request is one of InstallRequest, UninstallRequest or RegisterRequest.
type Request interface {
	Action() Action
	Address() string
	Credentials() remoteshell.Credentials
	target() *Target
}

type InstallRequest struct {
	Target
	Precheck       bool
	RegisterServer bool
}

func (*InstallRequest) Action() Action { return ActionInstall }

type UninstallRequest struct {
	Target
}

func (*UninstallRequest) Action() Action { return ActionUninstall }

// RegisterRequest reconciles the inventory record without touching the host.
type RegisterRequest struct {
	Target
}

func (*RegisterRequest) Action() Action { return ActionRegister }
