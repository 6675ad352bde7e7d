package steplog

import "time"

type Status string

const (
	StatusOK     Status = "ok"
	StatusWarn   Status = "warn"
	StatusFailed Status = "failed"
)

type Entry struct {
	ID              uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	TaskID          string    `gorm:"column:task_id;index;type:varchar(64)" json:"task_id"`
	Step            string    `gorm:"column:step;type:varchar(64)" json:"step"`
	Status          Status    `gorm:"column:status;type:varchar(16)" json:"status"`
	Message         string    `gorm:"column:message;type:text" json:"message"`
	Address         string    `gorm:"column:address;index;type:varchar(255)" json:"ip"`
	Hostname        string    `gorm:"column:hostname;index;type:varchar(255)" json:"hostname"`
	InventoryHostID string    `gorm:"column:inventory_host_id;index;type:varchar(64)" json:"host_id"`
	InventoryURL    string    `gorm:"column:inventory_url;index;type:varchar(512)" json:"inventory_url"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"ts"`
}

func (Entry) TableName() string {
	return "step_logs"
}

// Filter narrows ListRecent. Empty fields match everything.
type Filter struct {
	Hostname        string
	Address         string
	InventoryHostID string
	InventoryURL    string
	Limit           int
}

// Summary describes one per-host task as seen through its log entries.
type Summary struct {
	TaskID          string    `json:"task_id"`
	FirstAt         time.Time `json:"first_ts"`
	LastAt          time.Time `json:"ts"`
	LastStep        string    `json:"last_step"`
	Status          Status    `json:"status"`
	Address         string    `json:"ip"`
	Hostname        string    `json:"hostname"`
	InventoryHostID string    `json:"host_id"`
	InventoryURL    string    `json:"inventory_url"`
}
