package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/models"
	"agrimanagement/internal/receipts"
)

const (
	dateLayout   = "2006-01-02"
	maxMemoRunes = 500
	trendMonths  = 12
	topN         = 5
)

// TransactionInput is a bookkeeping line as submitted by a client.
type TransactionInput struct {
	Kind       string
	OccurredOn string
	Category   string
	Amount     int64
	Memo       string
	Source     string
}

// TruncateMemo cuts memo to the longest length CreateTransaction accepts.
func TruncateMemo(memo string) string {
	memo = strings.TrimSpace(memo)
	if r := []rune(memo); len(r) > maxMemoRunes {
		return strings.TrimSpace(string(r[:maxMemoRunes]))
	}
	return memo
}

func (s *Service) CreateTransaction(ctx context.Context, userID uuid.UUID, in TransactionInput) (models.Transaction, error) {
	if in.Kind != models.KindExpense && in.Kind != models.KindSale {
		return models.Transaction{}, apperr.InvalidInput("kind must be expense or sale")
	}
	occurred, err := ParseDate(in.OccurredOn)
	if err != nil {
		return models.Transaction{}, err
	}
	if in.Amount <= 0 {
		return models.Transaction{}, apperr.InvalidInput("amount must be positive")
	}
	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = receipts.CategoryOther
	}
	if !receipts.ValidCategory(in.Kind, category) {
		return models.Transaction{}, apperr.InvalidInput("unknown %s category %q", in.Kind, category)
	}
	memo := strings.TrimSpace(in.Memo)
	if len([]rune(memo)) > maxMemoRunes {
		return models.Transaction{}, apperr.InvalidInput("memo is longer than %d characters", maxMemoRunes)
	}
	source := in.Source
	if source == "" {
		source = models.SourceManual
	}
	if source != models.SourceManual && source != models.SourceReceipt {
		return models.Transaction{}, apperr.InvalidInput("unknown source %q", source)
	}

	return s.store.CreateTransaction(ctx, models.Transaction{
		UserID:     userID,
		Kind:       in.Kind,
		OccurredOn: occurred,
		Category:   category,
		Amount:     in.Amount,
		Memo:       memo,
		Source:     source,
	})
}

func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, filter models.TransactionFilter) ([]models.Transaction, error) {
	if filter.Kind != "" && filter.Kind != models.KindExpense && filter.Kind != models.KindSale {
		return nil, apperr.InvalidInput("kind must be expense or sale")
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, apperr.InvalidInput("to is before from")
	}
	txs, err := s.store.ListTransactions(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	return txs, nil
}

// DeleteTransaction removes one of the user's own transactions. Another
// user's id reports not found.
func (s *Service) DeleteTransaction(ctx context.Context, userID, id uuid.UUID) error {
	return s.store.DeleteTransaction(ctx, userID, id)
}

type Totals struct {
	Sales    int64 `json:"sales"`
	Expenses int64 `json:"expenses"`
	Profit   int64 `json:"profit"`
}

func (t *Totals) add(kind string, amount int64) {
	switch kind {
	case models.KindSale:
		t.Sales += amount
	case models.KindExpense:
		t.Expenses += amount
	}
	t.Profit = t.Sales - t.Expenses
}

type TrendPoint struct {
	Month string `json:"month"`
	Totals
}

// Dashboard is the KPI view of a user's books.
type Dashboard struct {
	AsOf                 string                 `json:"as_of"`
	ThisMonth            Totals                 `json:"this_month"`
	YearToDate           Totals                 `json:"year_to_date"`
	Trend                []TrendPoint           `json:"trend"`
	TopExpenseCategories []models.CategoryTotal `json:"top_expense_categories"`
}

// Dashboard computes this month, year-to-date, a twelve-month trend ending
// this month and the year's largest expense categories.
func (s *Service) Dashboard(ctx context.Context, userID uuid.UUID) (Dashboard, error) {
	local := s.now().In(s.loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
	nextMonth := monthStart.AddDate(0, 1, 0)
	yearStart := time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	trendStart := monthStart.AddDate(0, -(trendMonths - 1), 0)

	from := trendStart
	if yearStart.Before(from) {
		from = yearStart
	}
	monthly, err := s.store.MonthlyTotals(ctx, userID, from, nextMonth)
	if err != nil {
		return Dashboard{}, err
	}

	d := Dashboard{AsOf: today.Format(dateLayout), Trend: make([]TrendPoint, trendMonths)}
	index := make(map[time.Time]int, trendMonths)
	for i := range d.Trend {
		m := trendStart.AddDate(0, i, 0)
		d.Trend[i].Month = m.Format("2006-01")
		index[m] = i
	}
	for _, mt := range monthly {
		month := time.Date(mt.Month.Year(), mt.Month.Month(), 1, 0, 0, 0, 0, time.UTC)
		if i, ok := index[month]; ok {
			d.Trend[i].add(mt.Kind, mt.Amount)
		}
		if month.Equal(monthStart) {
			d.ThisMonth.add(mt.Kind, mt.Amount)
		}
		if !month.Before(yearStart) {
			d.YearToDate.add(mt.Kind, mt.Amount)
		}
	}

	top, err := s.store.CategoryTotals(ctx, userID, models.KindExpense, yearStart, nextMonth, topN)
	if err != nil {
		return Dashboard{}, err
	}
	if top == nil {
		top = []models.CategoryTotal{}
	}
	d.TopExpenseCategories = top
	return d, nil
}

// ParseDate reads a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, apperr.InvalidInput("date %q is not YYYY-MM-DD", s)
	}
	return t, nil
}
