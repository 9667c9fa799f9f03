package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	ErrPrinterOffline   = errors.New("printer is offline")
	ErrConnectionFailed = errors.New("connection failed")
	ErrNoPrintCommand   = errors.New("print command is empty")
)

const (
	defaultRawPort          = 9100
	defaultReadWriteTimeout = 10 * time.Second
)

// Printer hands a local PDF to the print subsystem.
type Printer interface {
	Print(ctx context.Context, path string, copies int, printerName string) error
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandPrinter runs a spooler command such as
// ["lp", "-d", "{printer}", "-n", "{copies}", "{file}"]. An argument that is
// exactly "{printer}" is dropped along with the flag before it when no
// printer name is known, so the system default printer is used.
type CommandPrinter struct {
	args []string
	run  runFunc
}

func NewCommandPrinter(args []string) *CommandPrinter {
	return &CommandPrinter{args: args, run: execRun}
}

func (p *CommandPrinter) Print(ctx context.Context, path string, copies int, printerName string) error {
	args := p.expand(path, copies, printerName)
	if len(args) == 0 {
		return ErrNoPrintCommand
	}

	out, err := p.run(ctx, args[0], args[1:]...)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

func (p *CommandPrinter) expand(path string, copies int, printerName string) []string {
	out := make([]string, 0, len(p.args))
	for _, a := range p.args {
		if a == "{printer}" && printerName == "" {
			if n := len(out); n > 0 && strings.HasPrefix(out[n-1], "-") {
				out = out[:n-1]
			}
			continue
		}
		a = strings.ReplaceAll(a, "{printer}", printerName)
		a = strings.ReplaceAll(a, "{copies}", strconv.Itoa(copies))
		a = strings.ReplaceAll(a, "{file}", path)
		out = append(out, a)
	}
	return out
}

// RawPrinter streams the document to a network printer's raw port (9100).
// A printer name of the form host:port overrides the configured address.
type RawPrinter struct {
	address string
	timeout time.Duration
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

func NewRawPrinter(address string, timeout time.Duration) *RawPrinter {
	if timeout <= 0 {
		timeout = defaultReadWriteTimeout
	}
	d := &net.Dialer{Timeout: timeout}
	return &RawPrinter{address: address, timeout: timeout, dial: d.DialContext}
}

func (p *RawPrinter) resolve(printerName string) string {
	address := p.address
	if strings.Contains(printerName, ":") {
		address = printerName
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(defaultRawPort))
	}
	return address
}

func (p *RawPrinter) Print(ctx context.Context, path string, copies int, printerName string) error {
	doc, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	if copies < 1 {
		copies = 1
	}

	conn, err := p.dial(ctx, "tcp", p.resolve(printerName))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrinterOffline, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(p.timeout * time.Duration(copies)))

	payload := bytes.Repeat(doc, copies)
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}
