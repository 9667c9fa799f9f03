package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/weighprint/internal/core"
)

type MachineLister interface {
	List() []core.MachineStatus
	Get(machineID string) (core.MachineStatus, bool)
}

type MachineHandler struct {
	machines MachineLister
}

func NewMachineHandler(machines MachineLister) *MachineHandler {
	return &MachineHandler{machines: machines}
}

func (h *MachineHandler) ListMachines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"machines": h.machines.List()})
}

func (h *MachineHandler) GetMachine(c *gin.Context) {
	m, ok := h.machines.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Machine has not reported any status",
		})
		return
	}
	c.JSON(http.StatusOK, m)
}

func RegisterMachineRoutes(r *gin.RouterGroup, h *MachineHandler) {
	r.GET("/machines", h.ListMachines)
	r.GET("/machines/:id", h.GetMachine)
}
