// Package render turns a ticket payload into the printable PDF.
package render

import (
	"bytes"
	"html/template"
	"strconv"
	"strings"
	"time"

	"github.com/orrn/weighprint/internal/core"
)

var ticketTemplate = template.Must(template.New("ticket").Parse(`<!doctype html>
<html lang="vi">
<head>
  <meta charset="utf-8" />
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; font-size: 12px; }
    h1 { text-align: center; margin: 8px 0; }
    table { width: 100%; border-collapse: collapse; }
    td { padding: 4px 6px; }
    .label { width: 35%; color: #444; }
    .value { width: 65%; font-weight: bold; }
    .footer { margin-top: 16px; text-align: right; font-size: 10px; color: #666; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <table>
    <tr><td class="label">Mã phiếu</td><td class="value">{{.Code}}</td></tr>
    <tr><td class="label">Biển số</td><td class="value">{{.PlateNumber}}</td></tr>
    <tr><td class="label">Hướng</td><td class="value">{{.Direction}}</td></tr>
    <tr><td class="label">Vào</td><td class="value">{{.WeighIn}} {{.Unit}}</td></tr>
    <tr><td class="label">Ra</td><td class="value">{{.WeighOut}} {{.Unit}}</td></tr>
    <tr><td class="label">Khối lượng tịnh</td><td class="value">{{.Net}} {{.Unit}}</td></tr>
  </table>
  <div class="footer">In lúc: {{.PrintedAt}}</div>
</body>
</html>
`))

type ticketView struct {
	Title       string
	Code        string
	PlateNumber string
	Direction   string
	WeighIn     string
	WeighOut    string
	Net         string
	Unit        string
	PrintedAt   string
}

// safe drops angle brackets the way printed tickets always have; the template
// escapes the rest.
func safe(s string) string {
	return strings.NewReplacer("<", "", ">", "").Replace(s)
}

func weight(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// TicketHTML renders the weighing ticket document for p.
func TicketHTML(p core.Payload, printedAt time.Time) ([]byte, error) {
	view := ticketView{
		Title:       "PHIẾU CÂN",
		Code:        safe(p.Code),
		PlateNumber: safe(p.PlateNumber),
		Direction:   safe(p.Direction),
		WeighIn:     weight(p.WeighInWeight),
		WeighOut:    weight(p.WeighOutWeight),
		Net:         weight(p.NetWeight),
		Unit:        "kg",
		PrintedAt:   printedAt.Format("15:04:05 02/01/2006"),
	}

	var buf bytes.Buffer
	if err := ticketTemplate.Execute(&buf, view); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
