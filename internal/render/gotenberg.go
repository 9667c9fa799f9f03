package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/orrn/weighprint/internal/core"
)

const convertHTMLPath = "/forms/chromium/convert/html"

// Gotenberg renders tickets through a Gotenberg Chromium HTML conversion.
type Gotenberg struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewGotenberg(baseURL string, timeout time.Duration) *Gotenberg {
	return &Gotenberg{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

func (g *Gotenberg) Render(ctx context.Context, p core.Payload) ([]byte, error) {
	html, err := TicketHTML(p, g.now())
	if err != nil {
		return nil, fmt.Errorf("failed to build ticket html: %w", err)
	}
	return g.Convert(ctx, html)
}

// Convert posts an HTML document and returns the resulting PDF bytes.
func (g *Gotenberg) Convert(ctx context.Context, html []byte) ([]byte, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="files"; filename="index.html"`)
	header.Set("Content-Type", "text/html")
	part, err := form.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := part.Write(html); err != nil {
		return nil, fmt.Errorf("failed to write form part: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+convertHTMLPath, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gotenberg request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gotenberg failed: %s %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read gotenberg response: %w", err)
	}
	return pdf, nil
}
