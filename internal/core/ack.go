package core

import "github.com/orrn/weighprint/internal/wire"

// MapAck translates a device acknowledgment into the terminal status and
// error message it implies.
func MapAck(ack *wire.AckMessage) (JobStatus, string, bool) {
	switch ack.Status {
	case wire.AckPrinted, wire.AckSuccess:
		return JobStatusCompleted, "", true
	case wire.AckDuplicate:
		return JobStatusCompleted, DuplicateMessage, true
	case wire.AckError, wire.AckFailed:
		msg := ack.Error
		if msg == "" {
			msg = "print error"
		}
		return JobStatusFailed, msg, true
	default:
		return "", "", false
	}
}
