package pipeline

import (
	"embed"
	"path"
	"strings"
	"text/template"

	"agent-provisioner/pkg/remoteshell"
)

//go:embed scripts/*.sh
var scriptFS embed.FS

var scripts = template.Must(
	template.New("scripts").
		Funcs(template.FuncMap{"q": remoteshell.Quote}).
		Option("missingkey=error").
		ParseFS(scriptFS, "scripts/*.sh"),
)

// scriptData feeds every script template.
type scriptData struct {
	Step           string
	InstallDir     string
	UnitName       string
	UnitPath       string
	PidFile        string
	ProcessPattern string
	RemoteTmp      string
	ServerHost     string
	Hostname       string
	Port           int
	ProxyID        string
	PackageURL     string
	Preuploaded    bool
	AndClean       bool
}

func newScriptData(agent Settings, hostname string, port int, proxyID string) scriptData {
	a := agent.Agent
	installDir := strings.TrimRight(a.InstallDir, "/")
	if installDir == "" {
		installDir = "/opt/zabbix-agent2"
	}
	unit := a.UnitName
	if unit == "" {
		unit = "zabbix-agent.service"
	}
	pattern := a.ProcessPattern
	if pattern == "" {
		pattern = "zabbix_agent"
	}
	remoteTmp := a.RemoteTmp
	if remoteTmp == "" {
		remoteTmp = "/tmp/zabbix-agent2.tgz"
	}

	return scriptData{
		InstallDir:     installDir,
		UnitName:       unit,
		UnitPath:       path.Join("/etc/systemd/system", unit),
		PidFile:        path.Join(installDir, "zabbix_agent.pid"),
		ProcessPattern: pattern,
		RemoteTmp:      remoteTmp,
		ServerHost:     a.ServerHost,
		Hostname:       hostname,
		Port:           port,
		ProxyID:        proxyID,
		PackageURL:     a.PackageURL,
	}
}

func render(name string, data scriptData) (string, error) {
	var b strings.Builder
	if err := scripts.ExecuteTemplate(&b, name+".sh", data); err != nil {
		return "", err
	}
	return b.String(), nil
}
