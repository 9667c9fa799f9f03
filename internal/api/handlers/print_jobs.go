package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/weighprint/internal/core"
)

// JobService is the part of core.JobManager the HTTP surface needs.
type JobService interface {
	CreateOrGetJob(ctx context.Context, req core.CreateJobRequest) (core.JobView, bool, error)
	GetJob(ctx context.Context, key string) (core.JobView, error)
	ListJobs(ctx context.Context, filter core.JobFilter) ([]core.JobView, error)
	GetPDF(ctx context.Context, key string) ([]byte, error)
	Redispatch(ctx context.Context, key string) (core.JobView, error)
}

type CreatePrintJobRequest struct {
	MachineID      string   `json:"machineId"`
	Copies         int      `json:"copies"`
	PrinterName    string   `json:"printerName"`
	IdempotencyKey string   `json:"idempotencyKey"`
	TicketID       *int64   `json:"ticketId"`
	Code           string   `json:"code"`
	PlateNumber    string   `json:"plateNumber"`
	WeighInWeight  *float64 `json:"weighInWeight"`
	WeighOutWeight *float64 `json:"weighOutWeight"`
	NetWeight      *float64 `json:"netWeight"`
	Direction      string   `json:"direction"`
}

type ListPrintJobsQuery struct {
	TicketID  string `form:"ticketId"`
	MachineID string `form:"machineId"`
	Limit     int    `form:"limit" binding:"min=0,max=200"`
	Offset    int    `form:"offset" binding:"min=0"`
}

type NotFoundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type PrintJobHandler struct {
	jobs JobService
}

func NewPrintJobHandler(jobs JobService) *PrintJobHandler {
	return &PrintJobHandler{jobs: jobs}
}

func (h *PrintJobHandler) CreatePrintJob(c *gin.Context) {
	var req CreatePrintJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	view, created, err := h.jobs.CreateOrGetJob(c.Request.Context(), core.CreateJobRequest{
		IdempotencyKey: req.IdempotencyKey,
		MachineID:      req.MachineID,
		Copies:         req.Copies,
		PrinterName:    req.PrinterName,
		Payload: core.Payload{
			TicketID:       req.TicketID,
			Code:           req.Code,
			PlateNumber:    req.PlateNumber,
			WeighInWeight:  req.WeighInWeight,
			WeighOutWeight: req.WeighOutWeight,
			NetWeight:      req.NetWeight,
			Direction:      req.Direction,
		},
	})
	if err != nil {
		if errors.Is(err, core.ErrDispatchFailed) {
			_ = c.Error(err)
			c.JSON(http.StatusBadGateway, ErrorResponse{
				Error:   "dispatch_failed",
				Message: err.Error(),
				Job:     &view,
			})
			return
		}
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, view)
}

func (h *PrintJobHandler) ListPrintJobs(c *gin.Context) {
	var query ListPrintJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_query",
			Message: err.Error(),
		})
		return
	}

	filter := core.JobFilter{
		MachineID: query.MachineID,
		Limit:     query.Limit,
		Offset:    query.Offset,
	}
	if query.TicketID != "" {
		id, err := strconv.ParseInt(query.TicketID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_query",
				Message: fmt.Sprintf("invalid ticketId %q", query.TicketID),
			})
			return
		}
		filter.TicketID = &id
	}

	views, err := h.jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  views,
		"total": len(views),
	})
}

// GetPrintJob answers unknown ids with a NOT_FOUND status body, not a 404,
// so pollers can treat it as a regular state.
func (h *PrintJobHandler) GetPrintJob(c *gin.Context) {
	id := c.Param("id")
	view, err := h.jobs.GetJob(c.Request.Context(), id)
	if errors.Is(err, core.ErrJobNotFound) {
		c.JSON(http.StatusOK, NotFoundResponse{ID: id, Status: "NOT_FOUND"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func (h *PrintJobHandler) GetPrintJobPDF(c *gin.Context) {
	id := c.Param("id")
	pdf, err := h.jobs.GetPDF(c.Request.Context(), id)
	if errors.Is(err, core.ErrJobNotFound) {
		c.String(http.StatusNotFound, "Not found")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="%s.pdf"`, id))
	c.Data(http.StatusOK, "application/pdf", pdf)
}

func (h *PrintJobHandler) RedispatchPrintJob(c *gin.Context) {
	view, err := h.jobs.Redispatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// RegisterPrintJobRoutes wires the job API. The PDF download goes on public
// because devices fetch it without credentials.
func RegisterPrintJobRoutes(protected, public *gin.RouterGroup, h *PrintJobHandler) {
	protected.POST("/print-jobs", h.CreatePrintJob)
	protected.GET("/print-jobs", h.ListPrintJobs)
	protected.GET("/print-jobs/:id", h.GetPrintJob)
	protected.POST("/print-jobs/:id/redispatch", h.RedispatchPrintJob)
	public.GET("/print-jobs/:id/pdf", h.GetPrintJobPDF)
}
