// Package assistant answers bookkeeping questions with the user's own
// figures in the prompt.
package assistant

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"agrimanagement/internal/ai"
	"agrimanagement/internal/apperr"
	"agrimanagement/internal/services"
)

const (
	MaxMessageRunes = 2000
	MaxHistoryTurns = 20
)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Message string
	History []Turn
}

// Validate enforces message length and history shape.
func (r Request) Validate() error {
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		return apperr.InvalidInput("message is empty")
	}
	if utf8.RuneCountInString(msg) > MaxMessageRunes {
		return apperr.InvalidInput("message is longer than %d characters", MaxMessageRunes)
	}
	if len(r.History) > MaxHistoryTurns {
		return apperr.InvalidInput("history has more than %d turns", MaxHistoryTurns)
	}
	for i, t := range r.History {
		if t.Role != "user" && t.Role != "assistant" {
			return apperr.InvalidInput("history[%d] has role %q", i, t.Role)
		}
		if utf8.RuneCountInString(t.Content) > MaxMessageRunes {
			return apperr.InvalidInput("history[%d] is longer than %d characters", i, MaxMessageRunes)
		}
	}
	return nil
}

type Reply struct {
	Message string `json:"message"`
}

// Completer is the model call the assistant needs.
type Completer interface {
	Complete(ctx context.Context, req ai.Request) (string, error)
}

// Books supplies the figures the assistant is grounded in.
type Books interface {
	Dashboard(ctx context.Context, userID uuid.UUID) (services.Dashboard, error)
}

type Assistant struct {
	model Completer
	books Books
}

func New(model Completer, books Books) *Assistant {
	return &Assistant{model: model, books: books}
}

// Chat answers req for userID.
func (a *Assistant) Chat(ctx context.Context, userID uuid.UUID, req Request) (Reply, error) {
	if err := req.Validate(); err != nil {
		return Reply{}, err
	}
	dash, err := a.books.Dashboard(ctx, userID)
	if err != nil {
		return Reply{}, err
	}

	messages := make([]ai.Message, 0, len(req.History)+2)
	messages = append(messages, ai.Message{Role: "system", Content: SystemPrompt(dash)})
	for _, t := range req.History {
		messages = append(messages, ai.Message{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, ai.Message{Role: "user", Content: strings.TrimSpace(req.Message)})

	text, err := a.model.Complete(ctx, ai.Request{Messages: messages, MaxTokens: 800, Temperature: 0.3})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Message: strings.TrimSpace(text)}, nil
}

// SystemPrompt renders the dashboard as context for the model.
func SystemPrompt(d services.Dashboard) string {
	var b strings.Builder
	b.WriteString("You are a bookkeeping assistant for a small farm in Japan. ")
	b.WriteString("Answer in the language the user writes in. Amounts are Japanese yen. ")
	b.WriteString("Base figures only on the data below; say so when the data cannot answer a question. ")
	b.WriteString("Do not give binding tax or legal advice.\n\n")

	fmt.Fprintf(&b, "As of %s.\n", d.AsOf)
	fmt.Fprintf(&b, "This month: sales %d, expenses %d, profit %d.\n", d.ThisMonth.Sales, d.ThisMonth.Expenses, d.ThisMonth.Profit)
	fmt.Fprintf(&b, "Year to date: sales %d, expenses %d, profit %d.\n", d.YearToDate.Sales, d.YearToDate.Expenses, d.YearToDate.Profit)

	b.WriteString("Monthly trend (month: sales/expenses/profit):\n")
	for _, p := range d.Trend {
		fmt.Fprintf(&b, "- %s: %d/%d/%d\n", p.Month, p.Sales, p.Expenses, p.Profit)
	}
	if len(d.TopExpenseCategories) > 0 {
		b.WriteString("Largest expense categories this year:\n")
		for _, c := range d.TopExpenseCategories {
			fmt.Fprintf(&b, "- %s: %d\n", c.Category, c.Amount)
		}
	}
	return b.String()
}
