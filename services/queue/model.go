package queue

import (
	"time"

	"gorm.io/datatypes"
)

type Action string

const (
	ActionInstall   Action = "install"
	ActionUninstall Action = "uninstall"
)

func (a Action) Valid() bool {
	return a == ActionInstall || a == ActionUninstall
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

var activeStatuses = []Status{StatusPending, StatusRunning}

// Payload carries the action options applied to every selected host.
type Payload struct {
	TemplateIDs    []string `json:"template_ids,omitempty"`
	GroupIDs       []string `json:"group_ids,omitempty"`
	ProxyID        string   `json:"proxy_id,omitempty"`
	RegisterServer *bool    `json:"register_server,omitempty"`
	RegisterOnly   bool     `json:"register_only,omitempty"`
	Precheck       bool     `json:"precheck,omitempty"`
	MonitorURLs    []string `json:"web_monitor_urls,omitempty"`
	JMXPort        int      `json:"jmx_port,omitempty"`
}

// ShouldRegister defaults to true when the flag was never set.
func (p Payload) ShouldRegister() bool {
	return p.RegisterServer == nil || *p.RegisterServer
}

// Task is one requested action over some or all hosts of a batch.
//
// ActiveBatch mirrors BatchID while the task is pending or running and is
// NULL afterwards, so the unique index admits one active task per batch.
type Task struct {
	ID          string                      `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	BatchID     string                      `gorm:"column:batch_id;index;type:varchar(64);not null" json:"batch_id"`
	ActiveBatch *string                     `gorm:"column:active_batch;uniqueIndex;type:varchar(64)" json:"-"`
	ItemIDs     datatypes.JSONSlice[int64]  `gorm:"column:item_ids" json:"item_ids"`
	Action      Action                      `gorm:"column:action;type:varchar(20);not null" json:"action"`
	Payload     datatypes.JSONType[Payload] `gorm:"column:payload" json:"payload"`
	Status      Status                      `gorm:"column:status;index;type:varchar(20);default:'pending'" json:"status"`
	Error       string                      `gorm:"column:error;type:text" json:"error,omitempty"`
	CreatedAt   time.Time                   `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt   time.Time                   `gorm:"column:updated_at" json:"updated_at"`
	StartedAt   *time.Time                  `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt  *time.Time                  `gorm:"column:finished_at" json:"finished_at,omitempty"`
}

func (Task) TableName() string {
	return "queue_tasks"
}
