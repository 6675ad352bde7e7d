package batch

import (
	"time"

	"gorm.io/datatypes"
)

// Host is one item of a batch with its per-host overrides.
type Host struct {
	ItemID          int64    `json:"item_id"`
	Address         string   `json:"ip"`
	Hostname        string   `json:"hostname,omitempty"`
	VisibleName     string   `json:"visible_name,omitempty"`
	OSType          string   `json:"os_type,omitempty"`
	Env             string   `json:"env,omitempty"`
	AgentPort       int      `json:"port,omitempty"`
	SSHUser         string   `json:"ssh_user,omitempty"`
	SSHPassword     string   `json:"ssh_password,omitempty"`
	SSHKeyPath      string   `json:"ssh_key_path,omitempty"`
	SSHPort         int      `json:"ssh_port,omitempty"`
	TemplateIDs     []string `json:"template_ids,omitempty"`
	GroupIDs        []string `json:"group_ids,omitempty"`
	ProxyID         string   `json:"proxy_id,omitempty"`
	MonitorURLs     []string `json:"web_monitor_urls,omitempty"`
	JMXPort         int      `json:"jmx_port,omitempty"`
	InventoryHostID string   `json:"host_id,omitempty"`
}

type Batch struct {
	ID        string                    `gorm:"column:id;primaryKey;type:varchar(64)" json:"id"`
	Name      string                    `gorm:"column:name;index;type:varchar(255)" json:"name"`
	Hosts     datatypes.JSONSlice[Host] `gorm:"column:hosts" json:"hosts"`
	CreatedAt time.Time                 `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt time.Time                 `gorm:"column:updated_at" json:"updated_at"`
}

func (Batch) TableName() string {
	return "batches"
}

const maskedSecret = "******"

// Redacted returns a copy with SSH passwords masked, for API responses.
func (b Batch) Redacted() Batch {
	hosts := make([]Host, len(b.Hosts))
	for i, h := range b.Hosts {
		if h.SSHPassword != "" {
			h.SSHPassword = maskedSecret
		}
		hosts[i] = h
	}
	b.Hosts = hosts
	return b
}

// Summary is the listing view of a batch.
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	HostCount int       `json:"host_count"`
	CreatedAt time.Time `json:"created_at"`
}
