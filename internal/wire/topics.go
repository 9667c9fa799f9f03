package wire

import (
	"fmt"
	"strings"
)

// Topics builds bus topics for one machine under a base prefix.
type Topics struct {
	Prefix    string
	MachineID string
}

func (t Topics) base() string {
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(t.Prefix, "/"), t.MachineID)
}

func (t Topics) Jobs() string   { return t.base() + "/print/jobs" }
func (t Topics) Acks() string   { return t.base() + "/print/acks" }
func (t Topics) Status() string { return t.base() + "/status" }
func (t Topics) Weight() string { return t.base() + "/scale/weight" }
func (t Topics) Stable() string { return t.base() + "/scale/stable" }

// AllAcks is the wildcard subscription covering every machine's acks.
func AllAcks(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/+/print/acks"
}

// AllStatus is the wildcard subscription covering every machine's status.
func AllStatus(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/+/status"
}

// MachineFromTopic extracts the machine id segment from a topic under prefix.
func MachineFromTopic(prefix, topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
	if rest == topic {
		return "", false
	}
	i := strings.Index(rest, "/")
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}
