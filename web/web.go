// Package web holds the HTML views for purchase outcomes.
package web

import (
	"embed"
	"html/template"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	SuccessTemplate = "success.html"
	FailureTemplate = "failure.html"
)

//go:embed templates/*.html
var templateFS embed.FS

var kst = time.FixedZone("KST", 9*60*60)

// SuccessView is rendered after a completed or replayed purchase.
type SuccessView struct {
	OrderID    string
	ItemName   string
	Amount     int64
	Method     string
	ApprovedAt time.Time
	ItemURL    string
}

// FailureView always carries a way back to checkout.
type FailureView struct {
	OrderID  string
	Reason   string
	RetryURL string
}

// Won formats an amount in won with thousands separators, e.g. ₩10,000.
func Won(amount int64) string {
	return message.NewPrinter(language.Korean).Sprintf("₩%d", amount)
}

// FormatTime renders t in Korea Standard Time; the zero time renders empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(kst).Format("2006-01-02 15:04:05")
}

func FuncMap() template.FuncMap {
	return template.FuncMap{
		"won":        Won,
		"formatTime": FormatTime,
	}
}

// Templates parses the embedded views. It panics on a malformed template since they are
// compiled into the binary.
func Templates() *template.Template {
	return template.Must(template.New("").Funcs(FuncMap()).ParseFS(templateFS, "templates/*.html"))
}
