package scale

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/weighprint/internal/wire"
)

type published struct {
	topic string
	v     interface{}
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(topic string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, v: v})
	return nil
}

func (p *fakePublisher) PublishRetained(topic string, v interface{}) error {
	return p.Publish(topic, v)
}

func (p *fakePublisher) on(topic string) []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []interface{}
	for _, m := range p.msgs {
		if m.topic == topic {
			out = append(out, m.v)
		}
	}
	return out
}

func quietLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func TestParseWeightLine(t *testing.T) {
	cases := []struct {
		line string
		want float64
		ok   bool
	}{
		{"  1234.5 kg\r", 1234.5, true},
		{"ST,GS,+  12340 kg", 12340, true},
		{"-15,5", -15.5, true},
		{"ERR", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseWeightLine(c.line)
		if ok != c.ok || got != c.want {
			t.Fatalf("ParseWeightLine(%q) = %v,%v want %v,%v", c.line, got, ok, c.want, c.ok)
		}
	}
}

func TestReader_HandleLinePublishes(t *testing.T) {
	pub := &fakePublisher{}
	topics := wire.Topics{Prefix: "weigh", MachineID: "weigh1"}
	d := NewDetector(Settings{WindowSize: 10, StdMax: 5, MinDuration: time.Second, Hysteresis: 0.5})
	r := NewReader(nil, d, pub, topics, "kg", quietLogger())

	clock := t0
	r.now = func() time.Time { return clock }

	r.HandleLine("garbage")
	r.HandleLine("100.0")
	clock = clock.Add(1500 * time.Millisecond)
	r.HandleLine("100.1")

	raw := pub.on(topics.Weight())
	if len(raw) != 2 {
		t.Fatalf("expected 2 raw readings (garbage dropped), got %d", len(raw))
	}
	first := raw[0].(wire.WeightMessage)
	if first.Value != 100.0 || first.Unit != "kg" || !first.Stable {
		t.Fatalf("unexpected raw message %+v", first)
	}

	stable := pub.on(topics.Stable())
	if len(stable) != 1 {
		t.Fatalf("expected one stable message, got %d", len(stable))
	}
	if m := stable[0].(wire.StableMessage); m.Value != 100.1 {
		t.Fatalf("expected stable 100.1, got %+v", m)
	}
}

func TestReader_RunStopsOnCancel(t *testing.T) {
	pub := &fakePublisher{}
	topics := wire.Topics{Prefix: "weigh", MachineID: "weigh1"}
	d := NewDetector(Settings{WindowSize: 10, StdMax: 5, MinDuration: time.Second})

	opened := make(chan struct{}, 10)
	open := func() (io.ReadCloser, error) {
		select {
		case opened <- struct{}{}:
		default:
		}
		return io.NopCloser(strings.NewReader("10\n11\n")), nil
	}
	r := NewReader(open, d, pub, topics, "kg", quietLogger())
	r.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	<-opened
	<-opened
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("reader did not stop")
	}

	if len(pub.on(topics.Weight())) < 2 {
		t.Fatalf("expected readings from the reopened source")
	}
}
