package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"agent-provisioner/pkg/errutil"
	"agent-provisioner/pkg/inventory"
	"agent-provisioner/services/steplog"
)

// ComputeTemplateSet returns current plus incoming when binding, or current
// minus incoming when unbinding. Order follows current, then incoming.
func ComputeTemplateSet(current, incoming []string, bind bool) []string {
	drop := make(map[string]bool, len(incoming))
	for _, id := range incoming {
		drop[id] = true
	}

	out := make([]string, 0, len(current)+len(incoming))
	seen := map[string]bool{}
	for _, id := range current {
		if seen[id] || (!bind && drop[id]) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if bind {
		for _, id := range incoming {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// TemplateChange binds or unbinds templates on an already registered host.
type TemplateChange struct {
	Hostname    string
	Address     string
	ProxyID     string
	TemplateIDs []string
	Unbind      bool
}

// ApplyTemplates pushes the template set computed from the host's current
// templates and the change. It returns the resulting set.
func (e *Executor) ApplyTemplates(ctx context.Context, change TemplateChange) ([]string, error) {
	key := change.Hostname
	if key == "" {
		key = change.Address
	}
	if key == "" {
		return nil, errutil.BadRequest("hostname or address is required", nil)
	}

	host, err := e.inventory.LookupHost(ctx, key, change.ProxyID)
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, errutil.NotFound(fmt.Sprintf("host %s not found in inventory", key), nil)
	}

	set := ComputeTemplateSet(host.TemplateIDs(), change.TemplateIDs, !change.Unbind)
	if err := e.inventory.SetTemplates(ctx, host.HostID, set); err != nil {
		return nil, err
	}
	return set, nil
}

func (r *run) requestedTemplates() []string {
	if len(r.target.TemplateIDs) > 0 {
		return r.target.TemplateIDs
	}
	if r.settings.DefaultTemplateID != "" {
		return []string{r.settings.DefaultTemplateID}
	}
	return nil
}

func (r *run) requestedGroups() []string {
	if len(r.target.GroupIDs) > 0 {
		return r.target.GroupIDs
	}
	if r.settings.DefaultGroupID != "" {
		return []string{r.settings.DefaultGroupID}
	}
	return []string{"1"}
}

func (r *run) hostInterface(kind json.Number, port int) inventory.Interface {
	return inventory.Interface{
		Type:  kind,
		Main:  "1",
		UseIP: "1",
		IP:    r.target.Addr,
		Port:  strconv.Itoa(port),
	}
}

// ensureHost creates the inventory host or, when it exists, refreshes its
// groups and templates. Interfaces of an existing host are never changed,
// except that a missing JMX interface is added when a marker template is
// bound.
func (r *run) ensureHost(ctx context.Context) error {
	err := r.observe(ctx, "ensure_host", func(ctx context.Context) error {
		inv := r.e.inventory
		templates := r.requestedTemplates()

		existing, err := inv.LookupHost(ctx, r.hostname, r.target.ProxyID)
		if err != nil {
			return err
		}
		jmx, err := r.hasMarkerTemplate(ctx, templates)
		if err != nil {
			return err
		}

		params := inventory.HostParams{
			Host:        r.hostname,
			Name:        r.visibleName(),
			Groups:      inventory.GroupRefs(r.requestedGroups()),
			ProxyHostID: r.target.ProxyID,
			Tags:        r.hostTags(),
		}

		if existing != nil {
			params.HostID = existing.HostID
			params.Templates = inventory.TemplateRefs(ComputeTemplateSet(existing.TemplateIDs(), templates, true))
			if err := inv.UpdateHost(ctx, params); err != nil {
				return err
			}
			r.hostID = existing.HostID

			if jmx && !existing.HasInterface(inventory.InterfaceJMX) {
				iface := r.hostInterface(inventory.InterfaceJMX, r.jmxPort())
				iface.HostID = existing.HostID
				if _, err := inv.CreateInterface(ctx, iface); err != nil {
					return err
				}
			}
			return nil
		}

		params.Templates = inventory.TemplateRefs(templates)
		params.Interfaces = []inventory.Interface{r.hostInterface(inventory.InterfaceAgent, r.agentPort())}
		if jmx {
			params.Interfaces = append(params.Interfaces, r.hostInterface(inventory.InterfaceJMX, r.jmxPort()))
		}
		id, err := inv.CreateHost(ctx, params)
		if err != nil {
			return err
		}
		r.hostID = id
		return nil
	})
	if err != nil {
		r.record(ctx, "ensure_host", steplog.StatusFailed, errutil.Message(err))
		return err
	}
	r.record(ctx, "ensure_host", steplog.StatusOK, "host ensured id="+r.hostID)
	return nil
}

func (r *run) hostTags() []inventory.Tag {
	var tags []inventory.Tag
	if r.target.Env != "" {
		tags = append(tags, inventory.Tag{Tag: "env", Value: r.target.Env})
	}
	for _, u := range NormalizeURLs(r.target.MonitorURLs) {
		tags = append(tags, inventory.Tag{Tag: "web_monitor", Value: u})
	}
	return tags
}

func (r *run) hasMarkerTemplate(ctx context.Context, templateIDs []string) (bool, error) {
	marker := strings.ToLower(r.settings.MarkerToken)
	if marker == "" || len(templateIDs) == 0 {
		return false, nil
	}
	templates, err := r.e.inventory.GetTemplates(ctx, templateIDs)
	if err != nil {
		return false, err
	}
	for _, t := range templates {
		if strings.Contains(strings.ToLower(t.Name), marker) {
			return true, nil
		}
	}
	return false, nil
}

// reconcileAfterInstall binds templates and ensures one web scenario per
// monitored URL.
func (r *run) reconcileAfterInstall(ctx context.Context) error {
	if templates := r.requestedTemplates(); len(templates) > 0 {
		var bound []string
		err := r.observe(ctx, "bind_template", func(ctx context.Context) error {
			var err error
			bound, err = r.e.ApplyTemplates(ctx, TemplateChange{
				Hostname:    r.hostname,
				ProxyID:     r.target.ProxyID,
				TemplateIDs: templates,
			})
			return err
		})
		if err != nil {
			r.record(ctx, "bind_template", steplog.StatusFailed, errutil.Message(err))
			return err
		}
		r.record(ctx, "bind_template", steplog.StatusOK, fmt.Sprintf("templates bound: %v", bound))
	}

	for _, u := range NormalizeURLs(r.target.MonitorURLs) {
		var id string
		err := r.observe(ctx, "web_monitor", func(ctx context.Context) error {
			var err error
			id, err = r.ensureWebScenario(ctx, u)
			return err
		})
		if err != nil {
			r.record(ctx, "web_monitor", steplog.StatusFailed, errutil.Message(err))
			return err
		}
		r.record(ctx, "web_monitor", steplog.StatusOK, fmt.Sprintf("web scenario ensured id=%s url=%s", id, u))
	}
	return nil
}

func (r *run) ensureWebScenario(ctx context.Context, rawURL string) (string, error) {
	if r.hostID == "" {
		return "", errutil.BadRequest("web scenario needs a registered host", nil)
	}

	inv := r.e.inventory
	name := WebScenarioName(rawURL)
	webStep := inventory.WebStep{Name: "step1", URL: rawURL, StatusCodes: "200"}
	if inv.MajorVersion() >= 6 {
		webStep.No = 1
	}
	steps := []inventory.WebStep{webStep}

	existing, err := inv.ListWebScenarios(ctx, r.hostID, name)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		id := existing[0].HTTPTestID
		return id, inv.UpdateWebScenario(ctx, inventory.WebScenario{
			HTTPTestID: id,
			Name:       name,
			Steps:      steps,
			Delay:      "1m",
			Retries:    1,
		})
	}

	return inv.CreateWebScenario(ctx, inventory.WebScenario{
		HostID:  r.hostID,
		Name:    name,
		Steps:   steps,
		Delay:   "1m",
		Retries: 1,
		Agent:   "Mozilla/5.0",
	})
}
