package steplog

import (
	"context"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	now func() time.Time
}

type Params struct {
	fx.In
	DB *gorm.DB
}

func NewService(p Params) *Service {
	return &Service{db: p.DB, now: time.Now}
}

func (s *Service) Add(ctx context.Context, e Entry) error {
	e.ID = 0
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	return s.db.WithContext(ctx).Create(&e).Error
}

// ListByTask returns the entries of one task in insertion order.
func (s *Service) ListByTask(ctx context.Context, taskID string) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("id ASC").Find(&entries).Error
	return entries, err
}

type summaryRow struct {
	TaskID          string
	FirstID         uint64
	LastID          uint64
	Severity        int
	Address         string
	Hostname        string
	InventoryHostID string
	InventoryURL    string
}

var severityStatus = []Status{StatusOK, StatusWarn, StatusFailed}

// ListRecent returns one summary per task, most recently active first.
func (s *Service) ListRecent(ctx context.Context, f Filter) ([]Summary, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}

	q := s.db.WithContext(ctx).Model(&Entry{})
	if f.Hostname != "" {
		q = q.Where("hostname = ?", f.Hostname)
	}
	if f.Address != "" {
		q = q.Where("address = ?", f.Address)
	}
	if f.InventoryHostID != "" {
		q = q.Where("inventory_host_id = ?", f.InventoryHostID)
	}
	if f.InventoryURL != "" {
		q = q.Where("inventory_url = ?", f.InventoryURL)
	}

	var rows []summaryRow
	err := q.Select(`task_id,
			MIN(id) AS first_id,
			MAX(id) AS last_id,
			MAX(CASE status WHEN 'failed' THEN 2 WHEN 'warn' THEN 1 ELSE 0 END) AS severity,
			MAX(address) AS address,
			MAX(hostname) AS hostname,
			MAX(inventory_host_id) AS inventory_host_id,
			MAX(inventory_url) AS inventory_url`).
		Group("task_id").
		Order("last_id DESC").
		Limit(f.Limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []Summary{}, nil
	}

	ids := make([]uint64, 0, 2*len(rows))
	for _, r := range rows {
		ids = append(ids, r.FirstID, r.LastID)
	}
	var edges []Entry
	if err := s.db.WithContext(ctx).Select("id", "step", "created_at").Where("id IN ?", ids).Find(&edges).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint64]Entry, len(edges))
	for _, e := range edges {
		byID[e.ID] = e
	}

	out := make([]Summary, 0, len(rows))
	for _, r := range rows {
		sev := r.Severity
		if sev < 0 || sev >= len(severityStatus) {
			sev = 0
		}
		out = append(out, Summary{
			TaskID:          r.TaskID,
			FirstAt:         byID[r.FirstID].CreatedAt,
			LastAt:          byID[r.LastID].CreatedAt,
			LastStep:        byID[r.LastID].Step,
			Status:          severityStatus[sev],
			Address:         r.Address,
			Hostname:        r.Hostname,
			InventoryHostID: r.InventoryHostID,
			InventoryURL:    r.InventoryURL,
		})
	}
	return out, nil
}
