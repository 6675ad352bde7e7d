package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"agent-provisioner/pkg/errutil"
	"agent-provisioner/pkg/health"
	reply "agent-provisioner/pkg/httpapi"
	"agent-provisioner/services/batch"
	"agent-provisioner/services/ledger"
	"agent-provisioner/services/pipeline"
	"agent-provisioner/services/queue"
	"agent-provisioner/services/steplog"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

// TemplateApplier binds or unbinds templates on a registered host.
type TemplateApplier interface {
	ApplyTemplates(ctx context.Context, change pipeline.TemplateChange) ([]string, error)
}

type Handler struct {
	batches   *batch.Service
	queue     *queue.Service
	ledger    *ledger.Service
	logs      *steplog.Service
	templates TemplateApplier
	health    health.HealthService
}

type Params struct {
	fx.In
	Batches   *batch.Service
	Queue     *queue.Service
	Ledger    *ledger.Service
	Logs      *steplog.Service
	Templates TemplateApplier
	Health    health.HealthService `optional:"true"`
}

func NewHandler(p Params) *Handler {
	return &Handler{
		batches:   p.Batches,
		queue:     p.Queue,
		ledger:    p.Ledger,
		logs:      p.Logs,
		templates: p.Templates,
		health:    p.Health,
	}
}

type createBatchRequest struct {
	Name  string       `json:"name"`
	Hosts []batch.Host `json:"hosts"`
}

func (h *Handler) CreateBatch(c *gin.Context) {
	var req createBatchRequest
	if !bind(c, &req) {
		return
	}
	b, err := h.batches.Save(c.Request.Context(), req.Name, req.Hosts)
	if err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, b.Redacted())
}

func (h *Handler) ListBatches(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		b, err := h.batches.GetByName(c.Request.Context(), name)
		if err != nil {
			_ = c.Error(err)
			return
		}
		reply.OK(c, b.Redacted())
		return
	}

	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	list, err := h.batches.ListRecent(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, list)
}

func (h *Handler) GetBatch(c *gin.Context) {
	b, err := h.batches.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, b.Redacted())
}

func (h *Handler) DeleteBatch(c *gin.Context) {
	if err := h.batches.Delete(c.Request.Context(), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, gin.H{"id": c.Param("id")})
}

func (h *Handler) BatchResults(c *gin.Context) {
	ids, err := parseIDs(c.Query("item_ids"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	rows, err := h.ledger.Latest(c.Request.Context(), c.Param("id"), ids)
	if err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, rows)
}

func (h *Handler) ItemHistory(c *gin.Context) {
	itemID, err := strconv.ParseInt(c.Param("item_id"), 10, 64)
	if err != nil {
		_ = c.Error(errutil.BadRequest("item_id must be an integer", err))
		return
	}
	rows, err := h.ledger.History(c.Request.Context(), c.Param("id"), itemID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, rows)
}

type enqueueRequest struct {
	BatchID string        `json:"batch_id"`
	ItemIDs []int64       `json:"item_ids"`
	Action  queue.Action  `json:"action"`
	Payload queue.Payload `json:"payload"`
}

func (h *Handler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if !bind(c, &req) {
		return
	}
	if req.Action == "" {
		req.Action = queue.ActionInstall
	}
	if _, err := h.batches.Get(c.Request.Context(), req.BatchID); err != nil {
		_ = c.Error(err)
		return
	}

	task, err := h.queue.Enqueue(c.Request.Context(), queue.EnqueueParams{
		BatchID: req.BatchID,
		ItemIDs: req.ItemIDs,
		Action:  req.Action,
		Payload: req.Payload,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, task)
}

func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, task)
}

func (h *Handler) CancelTask(c *gin.Context) {
	cancelled, err := h.queue.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, gin.H{"id": c.Param("id"), "cancelled": cancelled})
}

func (h *Handler) ActiveTasks(c *gin.Context) {
	tasks, err := h.queue.ListActive(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, tasks)
}

func (h *Handler) RecentLogs(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	list, err := h.logs.ListRecent(c.Request.Context(), steplog.Filter{
		Hostname:        c.Query("hostname"),
		Address:         c.Query("ip"),
		InventoryHostID: c.Query("host_id"),
		InventoryURL:    c.Query("inventory_url"),
		Limit:           limit,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, list)
}

func (h *Handler) TaskLogs(c *gin.Context) {
	entries, err := h.logs.ListByTask(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, entries)
}

type templatesRequest struct {
	Hostname    string   `json:"hostname"`
	Address     string   `json:"ip"`
	ProxyID     string   `json:"proxy_id"`
	TemplateIDs []string `json:"template_ids"`
	Unbind      bool     `json:"unbind"`
}

func (h *Handler) ApplyTemplates(c *gin.Context) {
	var req templatesRequest
	if !bind(c, &req) {
		return
	}
	ids, err := h.templates.ApplyTemplates(c.Request.Context(), pipeline.TemplateChange{
		Hostname:    req.Hostname,
		Address:     req.Address,
		ProxyID:     req.ProxyID,
		TemplateIDs: req.TemplateIDs,
		Unbind:      req.Unbind,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	reply.OK(c, gin.H{"template_ids": ids})
}

func (h *Handler) Health(c *gin.Context) {
	if h.health == nil {
		reply.OK(c, gin.H{"status": "healthy"})
		return
	}
	report := h.health.Check(c.Request.Context())
	if report.Status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, reply.Response{Code: http.StatusServiceUnavailable, Msg: report.Message, Data: report})
		return
	}
	reply.OK(c, report)
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		_ = c.Error(errutil.BadRequest(key+" must be an integer", err))
		return 0, false
	}
	return n, true
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, errutil.BadRequest("item_ids must be integers", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
