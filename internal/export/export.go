// Package export renders a user's transactions as a spreadsheet-friendly
// CSV and, when object storage is configured, hands back a download link.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/models"
)

const (
	MaxRangeDays = 366
	dateLayout   = "2006-01-02"
	contentType  = "text/csv; charset=utf-8"
)

// utf8BOM makes spreadsheet apps read the file as UTF-8.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var header = []string{"日付", "区分", "勘定科目", "金額", "摘要", "入力元"}

// Request is an export as submitted by a client.
type Request struct {
	From string
	To   string
	Kind string
}

// Range is a validated, inclusive date range.
type Range struct {
	From time.Time
	To   time.Time
	Kind string
}

func (r Request) Parse() (Range, error) {
	from, err := time.Parse(dateLayout, r.From)
	if err != nil {
		return Range{}, apperr.InvalidInput("from %q is not YYYY-MM-DD", r.From)
	}
	to, err := time.Parse(dateLayout, r.To)
	if err != nil {
		return Range{}, apperr.InvalidInput("to %q is not YYYY-MM-DD", r.To)
	}
	if to.Before(from) {
		return Range{}, apperr.InvalidInput("to is before from")
	}
	if days := int(to.Sub(from).Hours()/24) + 1; days > MaxRangeDays {
		return Range{}, apperr.InvalidInput("range covers %d days; at most %d allowed", days, MaxRangeDays)
	}
	if r.Kind != "" && r.Kind != models.KindExpense && r.Kind != models.KindSale {
		return Range{}, apperr.InvalidInput("kind must be expense or sale")
	}
	return Range{From: from, To: to, Kind: r.Kind}, nil
}

// Lister reads the transactions to export.
type Lister interface {
	ListTransactions(ctx context.Context, userID uuid.UUID, filter models.TransactionFilter) ([]models.Transaction, error)
}

// ObjectStore keeps export files and signs download links.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType, filename string, body []byte) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Result is either a download URL or the inline CSV.
type Result struct {
	Filename  string     `json:"filename"`
	Rows      int        `json:"rows"`
	URL       string     `json:"url,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Content   string     `json:"content,omitempty"`
}

type Exporter struct {
	books   Lister
	objects ObjectStore
	ttl     time.Duration
	now     func() time.Time
}

// New returns an Exporter. objects may be nil, in which case the CSV is
// returned inline.
func New(books Lister, objects ObjectStore, ttl time.Duration) *Exporter {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Exporter{books: books, objects: objects, ttl: ttl, now: time.Now}
}

func (e *Exporter) Export(ctx context.Context, userID uuid.UUID, rng Range) (Result, error) {
	txs, err := e.books.ListTransactions(ctx, userID, models.TransactionFilter{Kind: rng.Kind, From: rng.From, To: rng.To})
	if err != nil {
		return Result{}, err
	}
	body, err := Render(txs)
	if err != nil {
		return Result{}, err
	}

	filename := fmt.Sprintf("transactions_%s_%s.csv", rng.From.Format("20060102"), rng.To.Format("20060102"))
	res := Result{Filename: filename, Rows: len(txs)}
	if e.objects == nil {
		res.Content = string(body)
		return res, nil
	}

	key := fmt.Sprintf("exports/%s/%s.csv", userID, ulid.Make())
	if err := e.objects.Put(ctx, key, contentType, filename, body); err != nil {
		return Result{}, err
	}
	url, err := e.objects.PresignGet(ctx, key, e.ttl)
	if err != nil {
		return Result{}, err
	}
	expires := e.now().UTC().Add(e.ttl)
	res.URL, res.ExpiresAt = url, &expires

	log.Info().
		Str("user_id", userID.String()).
		Str("key", key).
		Int("rows", len(txs)).
		Msg("export uploaded")
	return res, nil
}

// Render writes txs, which arrive newest first, as oldest-first
// BOM-prefixed CSV.
func Render(txs []models.Transaction) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(utf8BOM)
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for i := len(txs) - 1; i >= 0; i-- {
		t := txs[i]
		if err := w.Write([]string{
			t.OccurredOn.Format(dateLayout),
			kindLabel(t.Kind),
			t.Category,
			strconv.FormatInt(t.Amount, 10),
			t.Memo,
			t.Source,
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func kindLabel(kind string) string {
	switch kind {
	case models.KindExpense:
		return "経費"
	case models.KindSale:
		return "売上"
	}
	return kind
}
