package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/metrics"
	"agrimanagement/internal/models"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

const defaultBaseURL = "https://api.resend.com"

// ResendClient sends transactional mail through the Resend REST API.
type ResendClient struct {
	apiKey    string
	fromEmail string
	baseURL   string
	http      *http.Client
}

func NewResendClient(apiKey, fromEmail string) *ResendClient {
	return &ResendClient{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		baseURL:   defaultBaseURL,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL points the client at another API host.
func (c *ResendClient) WithBaseURL(baseURL string) *ResendClient {
	cp := *c
	cp.baseURL = baseURL
	return &cp
}

func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != "" && c.fromEmail != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (c *ResendClient) SendEmail(ctx context.Context, to, subject, htmlContent string) error {
	if !c.IsConfigured() {
		return ErrEmailNotConfigured
	}

	jsonData, err := json.Marshal(sendEmailRequest{
		From:    c.fromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ExternalCalls.WithLabelValues("resend", "failed").Inc()
		return apperr.External("resend", apperr.ExternalTransient, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		metrics.ExternalCalls.WithLabelValues("resend", "failed").Inc()
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	metrics.ExternalCalls.WithLabelValues("resend", "ok").Inc()
	return nil
}

// PaymentFailed tells the account owner their renewal payment failed.
// Paid features stay available while the processor retries.
func (c *ResendClient) PaymentFailed(ctx context.Context, user models.User, sub models.Subscription) error {
	if !c.IsConfigured() {
		return ErrEmailNotConfigured
	}

	name := user.DisplayName
	if name == "" {
		name = user.Email
	}
	subject := "お支払いに失敗しました"
	htmlContent := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; color: #333333;">
  <p>%s 様</p>
  <p>ご利用中の %s プランの更新料金のお支払いを完了できませんでした。</p>
  <p>お支払い方法をご確認ください。確認が取れるまで有料機能は引き続きご利用いただけます。</p>
</body>
</html>
`, subject, html.EscapeString(name), html.EscapeString(string(sub.PlanTier)))

	return c.SendEmail(ctx, user.Email, subject, htmlContent)
}
