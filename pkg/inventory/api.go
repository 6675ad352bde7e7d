package inventory

import (
	"context"
	"fmt"

	"agent-provisioner/pkg/errutil"
)

// LookupHost finds a host by technical name, optionally scoped to a proxy. It
// returns nil when no host matches.
func (c *Client) LookupHost(ctx context.Context, name, proxyID string) (*Host, error) {
	params := map[string]any{
		"output":                []string{"hostid", "host", "name"},
		"selectInterfaces":      []string{"interfaceid", "ip", "port", "type"},
		"selectParentTemplates": []string{"templateid", "name"},
		"filter":                map[string]any{"host": name},
	}
	if proxyID != "" {
		params["proxyids"] = []string{proxyID}
	}

	var hosts []Host
	if err := c.Call(ctx, "host.get", params, &hosts); err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, nil
	}
	return &hosts[0], nil
}

type idsResult struct {
	HostIDs      []string `json:"hostids"`
	InterfaceIDs []string `json:"interfaceids"`
	HTTPTestIDs  []string `json:"httptestids"`
}

func first(ids []string, method string) (string, error) {
	if len(ids) == 0 {
		return "", errutil.BadGateway(fmt.Sprintf("inventory %s returned no id", method), nil)
	}
	return ids[0], nil
}

func (c *Client) CreateHost(ctx context.Context, p HostParams) (string, error) {
	var res idsResult
	if err := c.Call(ctx, "host.create", p, &res); err != nil {
		return "", err
	}
	return first(res.HostIDs, "host.create")
}

func (c *Client) UpdateHost(ctx context.Context, p HostParams) error {
	return c.Call(ctx, "host.update", p, nil)
}

// SetTemplates replaces the templates linked to a host. An empty set is sent
// as an explicit empty list.
func (c *Client) SetTemplates(ctx context.Context, hostID string, templateIDs []string) error {
	return c.Call(ctx, "host.update", map[string]any{
		"hostid":    hostID,
		"templates": TemplateRefs(templateIDs),
	}, nil)
}

func (c *Client) DeleteHost(ctx context.Context, hostID string) error {
	return c.Call(ctx, "host.delete", []string{hostID}, nil)
}

func (c *Client) CreateInterface(ctx context.Context, iface Interface) (string, error) {
	var res idsResult
	if err := c.Call(ctx, "hostinterface.create", iface, &res); err != nil {
		return "", err
	}
	return first(res.InterfaceIDs, "hostinterface.create")
}

func (c *Client) GetTemplates(ctx context.Context, ids []string) ([]Template, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var templates []Template
	err := c.Call(ctx, "template.get", map[string]any{
		"templateids": ids,
		"output":      []string{"templateid", "name"},
	}, &templates)
	return templates, err
}

func (c *Client) ListWebScenarios(ctx context.Context, hostID, name string) ([]WebScenario, error) {
	var scenarios []WebScenario
	err := c.Call(ctx, "httptest.get", map[string]any{
		"hostids": []string{hostID},
		"filter":  map[string]any{"name": name},
	}, &scenarios)
	return scenarios, err
}

func (c *Client) CreateWebScenario(ctx context.Context, s WebScenario) (string, error) {
	var res idsResult
	if err := c.Call(ctx, "httptest.create", s, &res); err != nil {
		return "", err
	}
	return first(res.HTTPTestIDs, "httptest.create")
}

func (c *Client) UpdateWebScenario(ctx context.Context, s WebScenario) error {
	return c.Call(ctx, "httptest.update", s, nil)
}
