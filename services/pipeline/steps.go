package pipeline

import (
	"context"
	"strings"

	"agent-provisioner/pkg/errutil"
	"agent-provisioner/services/steplog"
)

type step struct {
	name     string
	tolerant bool
	script   string
	// err fails the step without contacting the host.
	err error
}

func installSteps(data scriptData, precheck bool, pkgErr error) ([]step, error) {
	plan := []step{
		{name: "precheck", tolerant: true},
		{name: "pre_cleanup", tolerant: true},
		{name: "download", err: pkgErr},
		{name: "extract"},
		{name: "write_config"},
		{name: "write_unit"},
		{name: "enable_service"},
	}
	if !precheck {
		plan = plan[1:]
	}
	return renderSteps(plan, data)
}

func uninstallSteps(data scriptData) ([]step, error) {
	data.Step = "stop_agent"
	return renderSteps([]step{{name: "stop_agent"}, {name: "clean_files"}}, data)
}

func renderSteps(plan []step, data scriptData) ([]step, error) {
	for i := range plan {
		if plan[i].err != nil {
			continue
		}
		script, err := render(plan[i].name, data)
		if err != nil {
			return nil, errutil.Internal("script render failed for "+plan[i].name, err)
		}
		plan[i].script = script
	}
	return plan, nil
}

func rollbackScript(data scriptData) (string, error) {
	data.Step = "rollback"
	data.AndClean = true
	return render("stop_agent", data)
}

// runStep executes one step. Tolerant failures are logged as warnings and
// swallowed.
func (r *run) runStep(ctx context.Context, st step) error {
	var output string
	err := r.observe(ctx, st.name, func(ctx context.Context) error {
		if st.err != nil {
			return &StepFailure{Step: st.name, Err: st.err}
		}
		res, err := r.session.Run(ctx, st.script)
		if err != nil {
			return &StepFailure{Step: st.name, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Err: err}
		}
		if res.ExitCode != 0 {
			return &StepFailure{Step: st.name, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
		}
		output = res.Output()
		return nil
	})

	switch {
	case err == nil:
		r.record(ctx, st.name, steplog.StatusOK, output)
		return nil
	case st.tolerant:
		r.record(ctx, st.name, steplog.StatusWarn, st.name+" ignored: "+errutil.Message(err))
		return nil
	default:
		r.record(ctx, st.name, steplog.StatusFailed, errutil.Message(err))
		return err
	}
}

func (r *run) runAll(ctx context.Context, steps []step) error {
	for _, st := range steps {
		if err := r.runStep(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// rollback undoes a partial install. Its own failure is only logged.
func (r *run) rollback(ctx context.Context, data scriptData) {
	script, err := rollbackScript(data)
	if err == nil {
		err = r.observe(ctx, "rollback", func(ctx context.Context) error {
			res, err := r.session.Run(ctx, script)
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return &StepFailure{Step: "rollback", ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
			}
			r.record(ctx, "rollback", steplog.StatusOK, res.Output())
			return nil
		})
	}
	if err != nil {
		r.record(ctx, "rollback", steplog.StatusFailed, errutil.Message(err))
	}
}

func (r *run) install(ctx context.Context, req *InstallRequest) error {
	if osType := strings.ToLower(strings.TrimSpace(req.OSType)); osType != "" && osType != "linux" {
		return errutil.BadRequest("only linux hosts are supported", nil)
	}

	if err := r.connect(ctx); err != nil {
		return err
	}
	defer r.close()

	r.resolveHostname(ctx)

	if req.RegisterServer {
		if err := r.ensureHost(ctx); err != nil {
			return err
		}
	}

	data := newScriptData(r.settings, r.hostname, r.agentPort(), r.target.ProxyID)

	pkg, pkgErr := r.e.source.Resolve(ctx, r.settings.Agent)
	if pkgErr == nil && pkg.LocalPath != "" {
		if err := r.upload(ctx, pkg.LocalPath, data.RemoteTmp); err != nil {
			return err
		}
		data.Preuploaded = true
	}
	data.PackageURL = pkg.URL

	steps, err := installSteps(data, req.Precheck, pkgErr)
	if err != nil {
		return err
	}
	if err := r.runAll(ctx, steps); err != nil {
		r.rollback(ctx, data)
		return err
	}

	if !req.RegisterServer {
		r.record(ctx, "ensure_host", steplog.StatusWarn, "skipped server registration (register_server=false)")
		return nil
	}
	return r.reconcileAfterInstall(ctx)
}

func (r *run) upload(ctx context.Context, local, remote string) error {
	err := r.observe(ctx, "upload", func(ctx context.Context) error {
		return r.session.PutFile(ctx, local, remote)
	})
	if err != nil {
		r.record(ctx, "upload", steplog.StatusFailed, errutil.Message(err))
		return &StepFailure{Step: "upload", Err: err}
	}
	r.record(ctx, "upload", steplog.StatusOK, "upload "+local+" -> "+remote)
	return nil
}

func (r *run) uninstall(ctx context.Context) error {
	r.hostname = r.target.Hostname

	var host *registeredHost
	if r.e.inventory.URL() != "" {
		found, err := r.lookupForUninstall(ctx)
		if err != nil {
			return err
		}
		host = found
	}

	if err := r.connect(ctx); err != nil {
		return err
	}
	defer r.close()

	data := newScriptData(r.settings, r.hostname, r.agentPort(), r.target.ProxyID)
	steps, err := uninstallSteps(data)
	if err != nil {
		return err
	}
	if err := r.runAll(ctx, steps); err != nil {
		return err
	}

	if host == nil {
		return nil
	}
	err = r.observe(ctx, "inventory_delete", func(ctx context.Context) error {
		return r.e.inventory.DeleteHost(ctx, host.ID)
	})
	if err != nil {
		r.record(ctx, "inventory_delete", steplog.StatusFailed, errutil.Message(err))
		return err
	}
	r.record(ctx, "inventory_delete", steplog.StatusOK, "host removed id="+host.ID)
	return nil
}

func (r *run) register(ctx context.Context) error {
	r.hostname = strings.TrimSpace(r.target.Hostname)
	if r.hostname == "" {
		r.hostname = r.target.Addr
	}
	if err := r.ensureHost(ctx); err != nil {
		return err
	}
	return r.reconcileAfterInstall(ctx)
}

// registeredHost is the inventory record found for an uninstall.
type registeredHost struct {
	ID   string
	Name string
}

func (r *run) lookupForUninstall(ctx context.Context) (*registeredHost, error) {
	key := r.target.Hostname
	if key == "" {
		key = r.target.Addr
	}

	var found *registeredHost
	err := r.observe(ctx, "inventory_lookup", func(ctx context.Context) error {
		host, err := r.e.inventory.LookupHost(ctx, key, r.target.ProxyID)
		if err != nil {
			return err
		}
		if host != nil {
			found = &registeredHost{ID: host.HostID, Name: host.Host}
		}
		return nil
	})
	if err != nil {
		r.record(ctx, "inventory_lookup", steplog.StatusFailed, errutil.Message(err))
		return nil, err
	}
	if found == nil {
		r.record(ctx, "inventory_lookup", steplog.StatusWarn, "host "+key+" not registered")
		return nil, nil
	}

	r.hostID = found.ID
	if r.hostname == "" {
		r.hostname = found.Name
	}
	r.record(ctx, "inventory_lookup", steplog.StatusOK, "host found id="+found.ID)
	return found, nil
}
