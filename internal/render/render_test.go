package render

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/orrn/weighprint/internal/core"
)

func samplePayload() core.Payload {
	in, out, net := 15200.0, 5200.5, 9999.5
	return core.Payload{
		Code:           "PC-0001",
		PlateNumber:    "51C-<b>123</b>",
		Direction:      "IN",
		WeighInWeight:  &in,
		WeighOutWeight: &out,
		NetWeight:      &net,
	}
}

func TestTicketHTML_StripsMarkupAndFormatsWeights(t *testing.T) {
	html, err := TicketHTML(samplePayload(), time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc := string(html)

	if strings.Contains(doc, "<b>") {
		t.Fatalf("expected angle brackets to be stripped from values")
	}
	for _, want := range []string{"PC-0001", "51C-b123/b", "15200 kg", "5200.5 kg", "9999.5 kg", "08:30:00 01/03/2026"} {
		if !strings.Contains(doc, want) {
			t.Fatalf("expected document to contain %q", want)
		}
	}
}

func TestTicketHTML_MissingWeightsRenderEmpty(t *testing.T) {
	html, err := TicketHTML(core.Payload{Code: "A&B"}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(html), "A&amp;B") {
		t.Fatalf("expected html escaping of values")
	}
}

func TestGotenberg_PostsHTMLForm(t *testing.T) {
	var gotPath, gotName, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		file, header, err := r.FormFile("files")
		if err != nil {
			t.Errorf("expected files field: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotName = header.Filename
		b, _ := io.ReadAll(file)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.7 fake"))
	}))
	defer srv.Close()

	g := NewGotenberg(srv.URL+"/", 5*time.Second)
	pdf, err := g.Render(context.Background(), samplePayload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(pdf) != "%PDF-1.7 fake" {
		t.Fatalf("expected response bytes, got %q", pdf)
	}
	if gotPath != "/forms/chromium/convert/html" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotName != "index.html" {
		t.Fatalf("expected index.html, got %q", gotName)
	}
	if !strings.Contains(gotBody, "PC-0001") {
		t.Fatalf("expected ticket html in upload")
	}
}

func TestGotenberg_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "chromium crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewGotenberg(srv.URL, time.Second).Render(context.Background(), samplePayload())
	if err == nil || !strings.Contains(err.Error(), "chromium crashed") {
		t.Fatalf("expected error carrying the response text, got %v", err)
	}
}

type stubRenderer struct {
	pdf []byte
	err error
}

func (s stubRenderer) Render(context.Context, core.Payload) ([]byte, error) {
	return s.pdf, s.err
}

func TestValidated_RejectsGarbage(t *testing.T) {
	v := NewValidated(stubRenderer{pdf: []byte("<html>not a pdf</html>")})
	if _, err := v.Render(context.Background(), core.Payload{}); err == nil {
		t.Fatalf("expected invalid pdf to be rejected")
	}
}

func TestValidated_PassesUpstreamError(t *testing.T) {
	boom := errors.New("boom")
	v := NewValidated(stubRenderer{err: boom})
	if _, err := v.Render(context.Background(), core.Payload{}); !errors.Is(err, boom) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}
