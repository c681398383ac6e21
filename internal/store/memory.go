package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/models"
)

type usageKey struct {
	userID uuid.UUID
	period time.Time
}

// Memory is an in-process Store guarded by a single mutex. It keeps the
// same key and conflict rules as the Postgres schema.
type Memory struct {
	mu            sync.RWMutex
	now           func() time.Time
	users         map[uuid.UUID]models.User
	subscriptions map[uuid.UUID]models.Subscription
	usage         map[usageKey]models.UsageLedgerEntry
	transactions  map[uuid.UUID]models.Transaction
}

func NewMemory() *Memory {
	return &Memory{
		now:           func() time.Time { return time.Now().UTC() },
		users:         make(map[uuid.UUID]models.User),
		subscriptions: make(map[uuid.UUID]models.Subscription),
		usage:         make(map[usageKey]models.UsageLedgerEntry),
		transactions:  make(map[uuid.UUID]models.Transaction),
	}
}

func (m *Memory) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.Email = strings.ToLower(user.Email)
	for _, u := range m.users {
		if u.Email == user.Email {
			return models.User{}, fmt.Errorf("create user: %w", ErrConflict)
		}
		if user.GoogleID != nil && u.GoogleID != nil && *u.GoogleID == *user.GoogleID {
			return models.User{}, fmt.Errorf("create user: %w", ErrConflict)
		}
	}
	now := m.now()
	user.CreatedAt, user.UpdatedAt = now, now
	m.users[user.ID] = user
	if _, ok := m.subscriptions[user.ID]; !ok {
		sub := models.DefaultSubscription(user.ID)
		sub.CreatedAt, sub.UpdatedAt = now, now
		m.subscriptions[user.ID] = sub
	}
	return user, nil
}

func (m *Memory) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, apperr.ErrNotFound
	}
	return u, nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	email = strings.ToLower(email)
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, apperr.ErrNotFound
}

func (m *Memory) GetUserByGoogleID(ctx context.Context, googleID string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.GoogleID != nil && *u.GoogleID == googleID {
			return u, nil
		}
	}
	return models.User{}, apperr.ErrNotFound
}

func (m *Memory) LinkGoogleID(ctx context.Context, userID uuid.UUID, googleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return apperr.ErrNotFound
	}
	for id, other := range m.users {
		if id != userID && other.GoogleID != nil && *other.GoogleID == googleID {
			return fmt.Errorf("link google id: %w", ErrConflict)
		}
	}
	u.GoogleID = &googleID
	u.UpdatedAt = m.now()
	m.users[userID] = u
	return nil
}

func (m *Memory) EnsureSubscription(ctx context.Context, userID uuid.UUID) (models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscriptions[userID]; ok {
		return sub, nil
	}
	if _, ok := m.users[userID]; !ok {
		return models.Subscription{}, fmt.Errorf("ensure subscription: referenced user: %w", apperr.ErrNotFound)
	}
	sub := models.DefaultSubscription(userID)
	sub.CreatedAt, sub.UpdatedAt = m.now(), m.now()
	m.subscriptions[userID] = sub
	return sub, nil
}

func (m *Memory) GetSubscription(ctx context.Context, userID uuid.UUID) (models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[userID]
	if !ok {
		return models.Subscription{}, apperr.ErrNotFound
	}
	return sub, nil
}

func (m *Memory) FindSubscriptionByExternalRef(ctx context.Context, subscriptionRef string) (models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subscriptions {
		if sub.ExternalSubscriptionRef != nil && *sub.ExternalSubscriptionRef == subscriptionRef {
			return sub, nil
		}
	}
	return models.Subscription{}, apperr.ErrNotFound
}

func (m *Memory) FindSubscriptionByCustomerRef(ctx context.Context, customerRef string) (models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subscriptions {
		if sub.ExternalCustomerRef != nil && *sub.ExternalCustomerRef == customerRef {
			return sub, nil
		}
	}
	return models.Subscription{}, apperr.ErrNotFound
}

func (m *Memory) SaveSubscription(ctx context.Context, sub models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[sub.UserID]; !ok {
		return fmt.Errorf("save subscription: referenced user: %w", apperr.ErrNotFound)
	}
	for id, other := range m.subscriptions {
		if id == sub.UserID {
			continue
		}
		if sameRef(other.ExternalSubscriptionRef, sub.ExternalSubscriptionRef) ||
			sameRef(other.ExternalCustomerRef, sub.ExternalCustomerRef) {
			return fmt.Errorf("save subscription: %w", ErrConflict)
		}
	}

	now := m.now()
	existing, ok := m.subscriptions[sub.UserID]
	if ok {
		if existing.LastEventAt != nil && sub.LastEventAt != nil && existing.LastEventAt.After(*sub.LastEventAt) {
			return fmt.Errorf("save subscription: %w", ErrStale)
		}
		sub.CreatedAt = existing.CreatedAt
		if sub.ExternalCustomerRef == nil {
			sub.ExternalCustomerRef = existing.ExternalCustomerRef
		}
		if existing.LastEventAt != nil && sub.LastEventAt == nil {
			sub.LastEventAt = existing.LastEventAt
		}
	} else {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	m.subscriptions[sub.UserID] = cloneSubscription(sub)
	return nil
}

func (m *Memory) SetExternalCustomer(ctx context.Context, userID uuid.UUID, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return "", fmt.Errorf("set external customer: referenced user: %w", apperr.ErrNotFound)
	}
	sub, ok := m.subscriptions[userID]
	if !ok {
		sub = models.DefaultSubscription(userID)
		sub.CreatedAt = m.now()
	}
	if sub.ExternalCustomerRef == nil {
		for id, other := range m.subscriptions {
			if id != userID && sameRef(other.ExternalCustomerRef, &ref) {
				return "", fmt.Errorf("set external customer: %w", ErrConflict)
			}
		}
		sub.ExternalCustomerRef = &ref
	}
	sub.UpdatedAt = m.now()
	m.subscriptions[userID] = sub
	return *sub.ExternalCustomerRef, nil
}

func (m *Memory) RevertExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, sub := range m.subscriptions {
		if !sub.Lapsed(now) {
			continue
		}
		sub.RevertToFree()
		sub.UpdatedAt = m.now()
		m.subscriptions[id] = sub
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) GetOrCreateUsage(ctx context.Context, userID uuid.UUID, period time.Time) (models.UsageLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked(userID, period)
}

func (m *Memory) IncrementUsage(ctx context.Context, userID uuid.UUID, period time.Time, feature models.Feature) (int, error) {
	if _, ok := usageColumns[feature]; !ok {
		return 0, apperr.InvalidInput("unknown feature %q", feature)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.usageLocked(userID, period)
	if err != nil {
		return 0, err
	}
	var count int
	switch feature {
	case models.FeatureScan:
		e.ScanCount++
		count = e.ScanCount
	case models.FeatureAssistant:
		e.AssistantCount++
		count = e.AssistantCount
	case models.FeatureExport:
		e.ExportCount++
		count = e.ExportCount
	}
	e.UpdatedAt = m.now()
	m.usage[usageKey{userID, period}] = e
	return count, nil
}

func (m *Memory) usageLocked(userID uuid.UUID, period time.Time) (models.UsageLedgerEntry, error) {
	key := usageKey{userID, period}
	if e, ok := m.usage[key]; ok {
		return e, nil
	}
	if _, ok := m.users[userID]; !ok {
		return models.UsageLedgerEntry{}, fmt.Errorf("get or create usage: referenced user: %w", apperr.ErrNotFound)
	}
	now := m.now()
	e := models.UsageLedgerEntry{UserID: userID, PeriodStart: period, CreatedAt: now, UpdatedAt: now}
	m.usage[key] = e
	return e, nil
}

func (m *Memory) CreateTransaction(ctx context.Context, t models.Transaction) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[t.UserID]; !ok {
		return models.Transaction{}, fmt.Errorf("create transaction: referenced user: %w", apperr.ErrNotFound)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if _, ok := m.transactions[t.ID]; ok {
		return models.Transaction{}, fmt.Errorf("create transaction: %w", ErrConflict)
	}
	t.CreatedAt = m.now()
	m.transactions[t.ID] = t
	return t, nil
}

func (m *Memory) ListTransactions(ctx context.Context, userID uuid.UUID, filter models.TransactionFilter) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Transaction
	for _, t := range m.transactions {
		if t.UserID != userID {
			continue
		}
		if filter.Kind != "" && t.Kind != filter.Kind {
			continue
		}
		if !filter.From.IsZero() && t.OccurredOn.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && t.OccurredOn.After(filter.To) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredOn.Equal(out[j].OccurredOn) {
			return out[i].OccurredOn.After(out[j].OccurredOn)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteTransaction(ctx context.Context, userID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok || t.UserID != userID {
		return apperr.ErrNotFound
	}
	delete(m.transactions, id)
	return nil
}

func (m *Memory) MonthlyTotals(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.MonthlyTotal, error) {
	type monthKind struct {
		month time.Time
		kind  string
	}
	m.mu.RLock()
	sums := make(map[monthKind]int64)
	for _, t := range m.transactions {
		if t.UserID != userID || t.OccurredOn.Before(from) || !t.OccurredOn.Before(to) {
			continue
		}
		month := time.Date(t.OccurredOn.Year(), t.OccurredOn.Month(), 1, 0, 0, 0, 0, time.UTC)
		sums[monthKind{month, t.Kind}] += t.Amount
	}
	m.mu.RUnlock()

	out := make([]models.MonthlyTotal, 0, len(sums))
	for k, v := range sums {
		out = append(out, models.MonthlyTotal{Month: k.month, Kind: k.kind, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Month.Equal(out[j].Month) {
			return out[i].Month.Before(out[j].Month)
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

func (m *Memory) CategoryTotals(ctx context.Context, userID uuid.UUID, kind string, from, to time.Time, limit int) ([]models.CategoryTotal, error) {
	m.mu.RLock()
	sums := make(map[string]int64)
	for _, t := range m.transactions {
		if t.UserID != userID || t.Kind != kind || t.OccurredOn.Before(from) || !t.OccurredOn.Before(to) {
			continue
		}
		sums[t.Category] += t.Amount
	}
	m.mu.RUnlock()

	out := make([]models.CategoryTotal, 0, len(sums))
	for c, v := range sums {
		out = append(out, models.CategoryTotal{Category: c, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Category < out[j].Category
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sameRef(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

func cloneSubscription(sub models.Subscription) models.Subscription {
	clone := func(s *string) *string {
		if s == nil {
			return nil
		}
		v := *s
		return &v
	}
	cloneTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	sub.ExternalCustomerRef = clone(sub.ExternalCustomerRef)
	sub.ExternalSubscriptionRef = clone(sub.ExternalSubscriptionRef)
	sub.PeriodStart = cloneTime(sub.PeriodStart)
	sub.PeriodEnd = cloneTime(sub.PeriodEnd)
	sub.LastEventAt = cloneTime(sub.LastEventAt)
	return sub
}

var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)
