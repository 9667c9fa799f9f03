package bus

import (
	"io"

	log "github.com/sirupsen/logrus"
)

func testLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}
