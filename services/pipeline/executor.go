package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agent-provisioner/pkg/errutil"
	"agent-provisioner/pkg/inventory"
	"agent-provisioner/pkg/metrics"
	"agent-provisioner/pkg/remoteshell"
	"agent-provisioner/services/steplog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Inventory is the part of the inventory client the executor reconciles with.
type Inventory interface {
	URL() string
	MajorVersion() int
	LookupHost(ctx context.Context, name, proxyID string) (*inventory.Host, error)
	CreateHost(ctx context.Context, p inventory.HostParams) (string, error)
	UpdateHost(ctx context.Context, p inventory.HostParams) error
	SetTemplates(ctx context.Context, hostID string, templateIDs []string) error
	DeleteHost(ctx context.Context, hostID string) error
	CreateInterface(ctx context.Context, iface inventory.Interface) (string, error)
	GetTemplates(ctx context.Context, ids []string) ([]inventory.Template, error)
	ListWebScenarios(ctx context.Context, hostID, name string) ([]inventory.WebScenario, error)
	CreateWebScenario(ctx context.Context, s inventory.WebScenario) (string, error)
	UpdateWebScenario(ctx context.Context, s inventory.WebScenario) error
}

// Recorder stores step log entries.
type Recorder interface {
	Add(ctx context.Context, e steplog.Entry) error
}

// Outcome is what one execution learned about the host. It is filled as far
// as the execution got, also when it failed.
type Outcome struct {
	Hostname        string
	InventoryHostID string
	InventoryURL    string
	Log             string
}

type Executor struct {
	transport remoteshell.Transport
	inventory Inventory
	logs      Recorder
	source    *PackageSource
	settings  SettingsFunc
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

type Params struct {
	fx.In
	Transport remoteshell.Transport
	Inventory Inventory
	Logs      Recorder
	Source    *PackageSource
	Metrics   *metrics.Metrics
	Settings  SettingsFunc `optional:"true"`
}

func NewExecutor(p Params) *Executor {
	settings := p.Settings
	if settings == nil {
		settings = CurrentSettings
	}
	return &Executor{
		transport: p.Transport,
		inventory: p.Inventory,
		logs:      p.Logs,
		source:    p.Source,
		settings:  settings,
		metrics:   p.Metrics,
		tracer:    otel.Tracer("agent-provisioner/pipeline"),
	}
}

// Execute runs one request against one host. taskID correlates its step log.
func (e *Executor) Execute(ctx context.Context, taskID string, req Request) (Outcome, error) {
	defer e.metrics.HostStarted()()

	r := &run{
		e:        e,
		taskID:   taskID,
		target:   req.target(),
		settings: e.settings(),
	}

	var err error
	switch req := req.(type) {
	case *InstallRequest:
		err = r.install(ctx, req)
	case *UninstallRequest:
		err = r.uninstall(ctx)
	case *RegisterRequest:
		err = r.register(ctx)
	default:
		err = errutil.BadRequest(fmt.Sprintf("unsupported request %T", req), nil)
	}

	out := Outcome{
		Hostname:        r.hostname,
		InventoryHostID: r.hostID,
		InventoryURL:    e.inventory.URL(),
		Log:             strings.Join(r.lines, "\n"),
	}
	return out, err
}

// run is the state of one execution.
type run struct {
	e        *Executor
	taskID   string
	target   *Target
	settings Settings

	session  remoteshell.Session
	hostname string
	hostID   string
	lines    []string
}

func (r *run) record(ctx context.Context, step string, status steplog.Status, msg string) {
	r.lines = append(r.lines, fmt.Sprintf("[%s] %s", step, msg))

	err := r.e.logs.Add(ctx, steplog.Entry{
		TaskID:          r.taskID,
		Step:            step,
		Status:          status,
		Message:         msg,
		Address:         r.target.Addr,
		Hostname:        r.hostname,
		InventoryHostID: r.hostID,
		InventoryURL:    r.e.inventory.URL(),
	})
	if err != nil {
		zap.L().Warn("[Pipeline] step log write failed", zap.String("task_id", r.taskID), zap.String("step", step), zap.Error(err))
	}
}

// observe wraps one step or reconciliation call in a span and records its
// duration.
func (r *run) observe(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	ctx, span := r.e.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("step", step),
		attribute.String("address", r.target.Addr),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	status := "ok"
	if err != nil {
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.e.metrics.StepFinished(step, status, time.Since(start))
	return err
}

func (r *run) agentPort() int {
	switch {
	case r.target.AgentPort > 0:
		return r.target.AgentPort
	case r.settings.Agent.Port > 0:
		return r.settings.Agent.Port
	}
	return 10050
}

func (r *run) jmxPort() int {
	switch {
	case r.target.JMXPort > 0:
		return r.target.JMXPort
	case r.settings.Agent.JMXPort > 0:
		return r.settings.Agent.JMXPort
	}
	return 10052
}

// credentials fills what the request left empty from the SSH defaults.
func (r *run) credentials() remoteshell.Credentials {
	c := r.target.SSH
	d := r.settings.SSH
	if c.User == "" {
		c.User = d.User
	}
	if c.Password == "" && c.KeyPath == "" {
		c.Password = d.Password
		c.KeyPath = d.KeyPath
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Port == 0 {
		c.Port = 22
	}
	return c
}

func (r *run) connect(ctx context.Context) error {
	session, err := r.e.transport.Connect(ctx, r.target.Addr, r.credentials())
	if err != nil {
		r.record(ctx, "connect", steplog.StatusFailed, errutil.Message(err))
		return err
	}
	r.session = session
	return nil
}

func (r *run) close() {
	if r.session == nil {
		return
	}
	if err := r.session.Close(); err != nil {
		zap.L().Debug("[Pipeline] session close failed", zap.String("address", r.target.Addr), zap.Error(err))
	}
}

var loopbackNames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
}

// resolveHostname uses the requested hostname or probes the host. Loopback
// names fall back to the address.
func (r *run) resolveHostname(ctx context.Context) {
	name := strings.TrimSpace(r.target.Hostname)
	if name == "" && r.session != nil {
		probed, err := r.probeHostname(ctx)
		if err != nil {
			zap.L().Warn("[Pipeline] hostname probe failed", zap.String("address", r.target.Addr), zap.Error(err))
		}
		name = probed
	}
	if name == "" || loopbackNames[strings.ToLower(name)] {
		name = r.target.Addr
	}
	r.hostname = name
}

func (r *run) probeHostname(ctx context.Context) (string, error) {
	script, err := render("hostname", scriptData{})
	if err != nil {
		return "", err
	}
	res, err := r.session.Run(ctx, script)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &StepFailure{Step: "hostname", ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	name := strings.TrimSpace(res.Stdout)
	if name == "" {
		return "", errors.New("hostname command returned empty")
	}
	return name, nil
}

func (r *run) visibleName() string {
	if r.target.VisibleName != "" {
		return r.target.VisibleName
	}
	return r.hostname
}
