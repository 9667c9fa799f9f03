package core

import (
	"sort"
	"sync"
	"time"

	"github.com/orrn/weighprint/internal/wire"
)

type MachineStatus struct {
	MachineID string    `json:"machineId"`
	Status    string    `json:"status"`
	Online    bool      `json:"online"`
	LastJobID string    `json:"lastJobId,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MachineRegistry tracks the last status each device reported.
type MachineRegistry struct {
	mu       sync.RWMutex
	machines map[string]*MachineStatus
}

func NewMachineRegistry() *MachineRegistry {
	return &MachineRegistry{machines: make(map[string]*MachineStatus)}
}

func (r *MachineRegistry) Record(machineID string, msg *wire.StatusMessage, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.machines[machineID]
	if !ok {
		m = &MachineStatus{MachineID: machineID}
		r.machines[machineID] = m
	}
	m.Status = msg.Status
	m.UpdatedAt = at

	switch msg.Status {
	case wire.StatusOffline:
		m.Online = false
	case wire.StatusPrintOK:
		m.Online = true
		m.LastJobID = msg.JobID
		m.LastError = ""
	case wire.StatusPrintError:
		m.Online = true
		m.LastJobID = msg.JobID
		m.LastError = msg.Error
	default:
		m.Online = true
	}
}

func (r *MachineRegistry) Get(machineID string) (MachineStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[machineID]
	if !ok {
		return MachineStatus{}, false
	}
	return *m, true
}

func (r *MachineRegistry) List() []MachineStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MachineStatus, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}
