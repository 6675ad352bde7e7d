package ledger

import "time"

type Status string

const (
	StatusInstalling Status = "installing"
	StatusOK         Status = "ok"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusOK || s == StatusFailed
}

// ResultRow is one outcome for one batch item at a point in time. Rows are
// appended, never updated; the row with the greatest RecordedAt wins.
type ResultRow struct {
	ID              uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	BatchID         string    `gorm:"column:batch_id;index:idx_result_batch_item;type:varchar(64);not null" json:"batch_id"`
	ItemID          int64     `gorm:"column:item_id;index:idx_result_batch_item;not null" json:"item_id"`
	Address         string    `gorm:"column:address;type:varchar(255)" json:"ip"`
	Hostname        string    `gorm:"column:hostname;type:varchar(255)" json:"hostname,omitempty"`
	InventoryHostID *string   `gorm:"column:inventory_host_id;type:varchar(64)" json:"host_id"`
	TaskID          *string   `gorm:"column:task_id;type:varchar(64)" json:"task_id"`
	Status          Status    `gorm:"column:status;type:varchar(20);not null" json:"status"`
	Error           *string   `gorm:"column:error;type:text" json:"error"`
	InventoryURL    string    `gorm:"column:inventory_url;type:varchar(512)" json:"inventory_url,omitempty"`
	RecordedAt      time.Time `gorm:"column:recorded_at;index" json:"ts"`
}

func (ResultRow) TableName() string {
	return "result_rows"
}
