package dispatcher

import (
	"agent-provisioner/pkg/remoteshell"
	"agent-provisioner/services/batch"
	"agent-provisioner/services/pipeline"
	"agent-provisioner/services/queue"
)

// buildRequest turns a batch host and the task payload into a pipeline
// request. Payload options override the host's template, group, proxy and JMX
// values. Monitor URLs listed on the host win over those of the payload.
func buildRequest(action queue.Action, h batch.Host, p queue.Payload) pipeline.Request {
	t := pipeline.Target{
		Addr:        h.Address,
		Hostname:    h.Hostname,
		VisibleName: h.VisibleName,
		OSType:      h.OSType,
		Env:         h.Env,
		AgentPort:   h.AgentPort,
		JMXPort:     h.JMXPort,
		TemplateIDs: h.TemplateIDs,
		GroupIDs:    h.GroupIDs,
		ProxyID:     h.ProxyID,
		MonitorURLs: pipeline.NormalizeURLs(h.MonitorURLs),
		SSH: remoteshell.Credentials{
			User:     h.SSHUser,
			Password: h.SSHPassword,
			KeyPath:  h.SSHKeyPath,
			Port:     h.SSHPort,
		},
	}

	if len(p.TemplateIDs) > 0 {
		t.TemplateIDs = p.TemplateIDs
	}
	if len(p.GroupIDs) > 0 {
		t.GroupIDs = p.GroupIDs
	}
	if p.ProxyID != "" {
		t.ProxyID = p.ProxyID
	}
	if p.JMXPort > 0 {
		t.JMXPort = p.JMXPort
	}
	if len(t.MonitorURLs) == 0 {
		t.MonitorURLs = pipeline.NormalizeURLs(p.MonitorURLs)
	}

	switch {
	case action == queue.ActionUninstall:
		return &pipeline.UninstallRequest{Target: t}
	case p.RegisterOnly:
		return &pipeline.RegisterRequest{Target: t}
	default:
		return &pipeline.InstallRequest{
			Target:         t,
			Precheck:       p.Precheck,
			RegisterServer: p.ShouldRegister(),
		}
	}
}

// selectHosts keeps batch order. An empty selection means every host.
func selectHosts(hosts []batch.Host, itemIDs []int64) (selected []batch.Host, missing []int64) {
	if len(itemIDs) == 0 {
		return hosts, nil
	}

	want := make(map[int64]bool, len(itemIDs))
	for _, id := range itemIDs {
		want[id] = true
	}
	for _, h := range hosts {
		if want[h.ItemID] {
			selected = append(selected, h)
			delete(want, h.ItemID)
		}
	}
	for _, id := range itemIDs {
		if want[id] {
			missing = append(missing, id)
			delete(want, id)
		}
	}
	return selected, missing
}
