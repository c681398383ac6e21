// Package receipts turns receipt photos into draft expense transactions.
package receipts

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"agrimanagement/internal/ai"
	"agrimanagement/internal/apperr"
)

// MaxImageBytes caps the decoded image size.
const MaxImageBytes = 5 << 20

var allowedMIME = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
}

// Image is an uploaded receipt photo.
type Image struct {
	Base64   string
	MIMEType string
}

// Validate checks the image type and decoded size and returns the
// canonical base64 payload.
func (img Image) Validate() (string, error) {
	mime := strings.ToLower(strings.TrimSpace(img.MIMEType))
	if mime == "image/jpg" {
		mime = "image/jpeg"
	}
	if !allowedMIME[mime] {
		return "", apperr.InvalidInput("unsupported image type %q", img.MIMEType)
	}
	data := strings.TrimSpace(img.Base64)
	if i := strings.Index(data, ";base64,"); strings.HasPrefix(data, "data:") && i >= 0 {
		data = data[i+len(";base64,"):]
	}
	if data == "" {
		return "", apperr.InvalidInput("image is empty")
	}
	if base64.StdEncoding.DecodedLen(len(data)) > MaxImageBytes+2 {
		return "", apperr.InvalidInput("image exceeds %d bytes", MaxImageBytes)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", apperr.InvalidInput("image is not valid base64")
	}
	if len(raw) == 0 {
		return "", apperr.InvalidInput("image is empty")
	}
	if len(raw) > MaxImageBytes {
		return "", apperr.InvalidInput("image exceeds %d bytes", MaxImageBytes)
	}
	return data, nil
}

// LineItem is one row read off a receipt.
type LineItem struct {
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

// Receipt is the structured result of a scan. Category is always one of
// ExpenseCategories.
type Receipt struct {
	Vendor       string     `json:"vendor"`
	Date         string     `json:"date,omitempty"`
	Total        int64      `json:"total"`
	Category     string     `json:"category"`
	CategoryHint string     `json:"category_hint,omitempty"`
	Items        []LineItem `json:"items"`
}

// Completer is the model call a scan needs.
type Completer interface {
	Complete(ctx context.Context, req ai.Request) (string, error)
}

type Scanner struct {
	model Completer
}

func NewScanner(model Completer) *Scanner {
	return &Scanner{model: model}
}

const scanPrompt = `You read Japanese and English shop receipts for a farm's bookkeeping.
Return only a JSON object with these keys:
"vendor" (string), "date" (YYYY-MM-DD or empty), "total" (integer yen, tax included),
"category" (short word describing what was bought, e.g. fertilizer, seeds, fuel),
"items" (array of {"name": string, "amount": integer yen}).
Use 0 or empty values for anything you cannot read.`

type scanOutput struct {
	Vendor   string  `json:"vendor"`
	Date     string  `json:"date"`
	Total    float64 `json:"total"`
	Category string  `json:"category"`
	Items    []struct {
		Name   string  `json:"name"`
		Amount float64 `json:"amount"`
	} `json:"items"`
}

// Scan sends a validated image to the vision model and normalizes the
// answer. Model failures come back as *apperr.ExternalError.
func (s *Scanner) Scan(ctx context.Context, img Image) (Receipt, error) {
	data, err := img.Validate()
	if err != nil {
		return Receipt{}, err
	}
	mime := strings.ToLower(strings.TrimSpace(img.MIMEType))
	if mime == "image/jpg" {
		mime = "image/jpeg"
	}

	text, err := s.model.Complete(ctx, ai.Request{
		Messages: []ai.Message{
			{Role: "system", Content: scanPrompt},
			{Role: "user", Content: []ai.Part{ai.TextPart("Read this receipt."), ai.ImagePart(mime, data)}},
		},
		JSON:      true,
		MaxTokens: 1200,
	})
	if err != nil {
		return Receipt{}, err
	}

	var out scanOutput
	if err := ai.DecodeJSON(text, &out); err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{
		Vendor:       strings.TrimSpace(out.Vendor),
		Date:         normalizeDate(out.Date),
		Total:        roundYen(out.Total),
		Category:     MatchCategory(out.Category),
		CategoryHint: strings.TrimSpace(out.Category),
		Items:        make([]LineItem, 0, len(out.Items)),
	}
	for _, it := range out.Items {
		name := strings.TrimSpace(it.Name)
		if name == "" {
			continue
		}
		receipt.Items = append(receipt.Items, LineItem{Name: name, Amount: roundYen(it.Amount)})
	}
	if receipt.Total == 0 {
		for _, it := range receipt.Items {
			receipt.Total += it.Amount
		}
	}
	// Fall back to item names when the model gave no usable category.
	if receipt.Category == CategoryOther {
		for _, it := range receipt.Items {
			if c := MatchCategory(it.Name); c != CategoryOther {
				receipt.Category = c
				break
			}
		}
	}
	return receipt, nil
}

func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "2006/01/02", "2006/1/2", "2006-1-2", "2006年1月2日"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

func roundYen(v float64) int64 {
	if v <= 0 {
		return 0
	}
	return int64(v + 0.5)
}
