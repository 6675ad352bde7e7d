package pipeline

import (
	"context"
	"strings"
	"sync"

	"agent-provisioner/pkg/inventory"
	"agent-provisioner/pkg/remoteshell"
	"agent-provisioner/services/steplog"
)

// scriptStep reads the "# step: name" marker every script starts with.
func scriptStep(script string) string {
	first, _, _ := strings.Cut(script, "\n")
	return strings.TrimSpace(strings.TrimPrefix(first, "# step:"))
}

type fakeSession struct {
	mu      sync.Mutex
	ran     []string
	scripts map[string]string
	results map[string]remoteshell.Result
	putFile func(local, remote string) error
	puts    [][2]string
}

func newFakeSession() *fakeSession {
	return &fakeSession{scripts: map[string]string{}, results: map[string]remoteshell.Result{}}
}

func (s *fakeSession) Run(_ context.Context, script string) (remoteshell.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := scriptStep(script)
	s.ran = append(s.ran, name)
	s.scripts[name] = script
	if res, ok := s.results[name]; ok {
		return res, nil
	}
	if name == "hostname" {
		return remoteshell.Result{Stdout: "probed-host\n"}, nil
	}
	return remoteshell.Result{Stdout: name + " done\n"}, nil
}

func (s *fakeSession) PutFile(_ context.Context, local, remote string) error {
	s.mu.Lock()
	s.puts = append(s.puts, [2]string{local, remote})
	s.mu.Unlock()
	if s.putFile != nil {
		return s.putFile(local, remote)
	}
	return nil
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) ranSteps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ran...)
}

type fakeTransport struct {
	session  *fakeSession
	err      error
	connects int
	creds    remoteshell.Credentials
}

func (t *fakeTransport) Connect(_ context.Context, _ string, creds remoteshell.Credentials) (remoteshell.Session, error) {
	t.connects++
	t.creds = creds
	if t.err != nil {
		return nil, t.err
	}
	return t.session, nil
}

type fakeInventory struct {
	mu sync.Mutex

	major     int
	host      *inventory.Host
	templates []inventory.Template
	scenarios []inventory.WebScenario

	lookupErr error
	createErr error

	created      []inventory.HostParams
	updated      []inventory.HostParams
	interfaces   []inventory.Interface
	templateSets [][]string
	deleted      []string
	webCreated   []inventory.WebScenario
	webUpdated   []inventory.WebScenario
}

func (f *fakeInventory) URL() string { return "http://inventory.test/api_jsonrpc.php" }

func (f *fakeInventory) MajorVersion() int { return f.major }

func (f *fakeInventory) LookupHost(context.Context, string, string) (*inventory.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.host == nil {
		return nil, nil
	}
	h := *f.host
	return &h, nil
}

func (f *fakeInventory) CreateHost(_ context.Context, p inventory.HostParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, p)
	f.host = &inventory.Host{HostID: "20001", Host: p.Host, Interfaces: p.Interfaces}
	for _, t := range p.Templates {
		f.host.ParentTemplates = append(f.host.ParentTemplates, inventory.Template{TemplateID: t.TemplateID})
	}
	return "20001", nil
}

func (f *fakeInventory) UpdateHost(_ context.Context, p inventory.HostParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, p)
	return nil
}

func (f *fakeInventory) SetTemplates(_ context.Context, hostID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templateSets = append(f.templateSets, ids)
	if f.host != nil && f.host.HostID == hostID {
		f.host.ParentTemplates = nil
		for _, id := range ids {
			f.host.ParentTemplates = append(f.host.ParentTemplates, inventory.Template{TemplateID: id})
		}
	}
	return nil
}

func (f *fakeInventory) DeleteHost(_ context.Context, hostID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, hostID)
	return nil
}

func (f *fakeInventory) CreateInterface(_ context.Context, iface inventory.Interface) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interfaces = append(f.interfaces, iface)
	return "30001", nil
}

func (f *fakeInventory) GetTemplates(context.Context, []string) ([]inventory.Template, error) {
	return f.templates, nil
}

func (f *fakeInventory) ListWebScenarios(context.Context, string, string) ([]inventory.WebScenario, error) {
	return f.scenarios, nil
}

func (f *fakeInventory) CreateWebScenario(_ context.Context, s inventory.WebScenario) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webCreated = append(f.webCreated, s)
	return "40001", nil
}

func (f *fakeInventory) UpdateWebScenario(_ context.Context, s inventory.WebScenario) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webUpdated = append(f.webUpdated, s)
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []steplog.Entry
}

func (r *fakeRecorder) Add(_ context.Context, e steplog.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *fakeRecorder) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Step+":"+string(e.Status))
	}
	return out
}

func (r *fakeRecorder) has(step string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Step == step {
			return true
		}
	}
	return false
}
