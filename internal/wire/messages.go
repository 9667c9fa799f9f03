// Package wire holds the payloads exchanged over the bus between the
// orchestrator and the weighing station agents.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrMissingID = errors.New("message has no job id")
)

// Acknowledgment status tokens sent by agents.
const (
	AckPrinted   = "printed"
	AckSuccess   = "success"
	AckDuplicate = "duplicate"
	AckError     = "error"
	AckFailed    = "failed"
)

// Device status values.
const (
	StatusOnline     = "ONLINE"
	StatusOffline    = "OFFLINE"
	StatusPrintOK    = "PRINT_OK"
	StatusPrintError = "PRINT_ERROR"
)

// JobMessage announces a print job to a device.
type JobMessage struct {
	ID        string `json:"id,omitempty"`
	TicketID  *int64 `json:"ticketId,omitempty"`
	PDFURL    string `json:"pdfUrl,omitempty"`
	PDFBase64 string `json:"pdfBase64,omitempty"`
	Copies    int    `json:"copies,omitempty"`
	Printer   string `json:"printer,omitempty"`
}

// ParseJob decodes a job announcement. A message without an id still parses
// as long as it names a document, see FallbackID. One with neither (including
// a JSON null) cannot be identified and is malformed.
func ParseJob(payload []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(msg.ID) == "" && strings.TrimSpace(msg.PDFURL) == "" && strings.TrimSpace(msg.PDFBase64) == "" {
		return nil, fmt.Errorf("%w: job has no id and no document", ErrMalformed)
	}
	return &msg, nil
}

// FallbackID derives a stable id for a job message that carries none, so that
// redeliveries of the same message map to the same dedup record.
func (m *JobMessage) FallbackID() string {
	h := sha256.New()
	fmt.Fprintf(h, "url=%s\n", m.PDFURL)
	fmt.Fprintf(h, "b64=%s\n", m.PDFBase64)
	if m.TicketID != nil {
		fmt.Fprintf(h, "ticket=%d\n", *m.TicketID)
	}
	fmt.Fprintf(h, "copies=%d\n", m.Copies)
	return "anon-" + hex.EncodeToString(h.Sum(nil))[:24]
}

// JobID returns the explicit id, or the fallback when the message has none.
func (m *JobMessage) JobID() string {
	if id := strings.TrimSpace(m.ID); id != "" {
		return id
	}
	return m.FallbackID()
}

// AckMessage reports the outcome of a job on a device.
type AckMessage struct {
	ID      string    `json:"id"`
	JobID   string    `json:"jobId,omitempty"`
	Status  string    `json:"status"`
	Printer string    `json:"printer,omitempty"`
	Copies  int       `json:"copies,omitempty"`
	Error   string    `json:"error,omitempty"`
	TS      time.Time `json:"ts"`
}

// ParseAck decodes an acknowledgment and normalizes it: the id falls back to
// the jobId alias and the status is lowercased.
func ParseAck(payload []byte) (*AckMessage, error) {
	var msg AckMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.ID == "" {
		msg.ID = msg.JobID
	}
	msg.ID = strings.TrimSpace(msg.ID)
	if msg.ID == "" {
		return nil, ErrMissingID
	}
	msg.Status = strings.ToLower(strings.TrimSpace(msg.Status))
	return &msg, nil
}

// StatusMessage is published on the device status topic.
type StatusMessage struct {
	Status    string    `json:"status"`
	MachineID string    `json:"machineId,omitempty"`
	JobID     string    `json:"jobId,omitempty"`
	TicketID  *int64    `json:"ticketId,omitempty"`
	Error     string    `json:"error,omitempty"`
	TS        time.Time `json:"ts"`
}

// ParseStatus accepts either a JSON object or a bare status string such as
// ONLINE, which older agents publish.
func ParseStatus(payload []byte) (*StatusMessage, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil, ErrMalformed
	}
	if !strings.HasPrefix(trimmed, "{") {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			s = trimmed
		}
		return &StatusMessage{Status: strings.ToUpper(s)}, nil
	}
	var msg StatusMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Status == "" {
		return nil, ErrMalformed
	}
	msg.Status = strings.ToUpper(msg.Status)
	return &msg, nil
}

// WeightMessage is published for every raw scale reading.
type WeightMessage struct {
	Value  float64   `json:"value"`
	Unit   string    `json:"unit"`
	Stable bool      `json:"stable"`
	TS     time.Time `json:"ts"`
}

// StableMessage is published when a reading has settled.
type StableMessage struct {
	Value float64   `json:"value"`
	Unit  string    `json:"unit"`
	TS    time.Time `json:"ts"`
}
