package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/orrn/weighprint/internal/wire"
)

var ErrNoDocument = errors.New("job carries neither pdfUrl nor pdfBase64")

// Fetcher resolves a job message to a PDF file on local disk.
type Fetcher struct {
	client  *http.Client
	dir     string
	timeout time.Duration
}

func NewFetcher(dir string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client:  &http.Client{},
		dir:     dir,
		timeout: timeout,
	}
}

// Fetch writes the job's document to a new temporary file and returns its
// path. The caller removes the file.
func (f *Fetcher) Fetch(ctx context.Context, msg *wire.JobMessage) (string, error) {
	switch {
	case msg.PDFBase64 != "":
		pdf, err := base64.StdEncoding.DecodeString(strings.TrimSpace(msg.PDFBase64))
		if err != nil {
			return "", fmt.Errorf("invalid pdfBase64: %w", err)
		}
		return f.writeTemp(func(w io.Writer) error {
			_, err := w.Write(pdf)
			return err
		})
	case msg.PDFURL != "":
		return f.download(ctx, msg.PDFURL)
	default:
		return "", ErrNoDocument
	}
}

func (f *Fetcher) download(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid pdfUrl: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: %s", resp.Status)
	}

	return f.writeTemp(func(w io.Writer) error {
		_, err := io.Copy(w, resp.Body)
		return err
	})
}

func (f *Fetcher) writeTemp(write func(io.Writer) error) (string, error) {
	file, err := os.CreateTemp(f.dir, "job-*.pdf")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := file.Name()

	if err := write(file); err != nil {
		file.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write document: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write document: %w", err)
	}
	return path, nil
}
