package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimanagement/internal/models"
)

func TestPaymentFailedSendsToAccountAddress(t *testing.T) {
	var got sendEmailRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"email_1"}`))
	}))
	defer srv.Close()

	client := NewResendClient("re_test", "billing@farm.example").WithBaseURL(srv.URL)
	err := client.PaymentFailed(context.Background(),
		models.User{Email: "grower@example.com", DisplayName: "<Tanaka>"},
		models.Subscription{PlanTier: models.TierPremium})
	require.NoError(t, err)

	assert.Equal(t, []string{"grower@example.com"}, got.To)
	assert.Equal(t, "billing@farm.example", got.From)
	assert.Contains(t, got.HTML, "&lt;Tanaka&gt;")
	assert.Contains(t, got.HTML, "premium")
}

func TestSendEmailFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := NewResendClient("", "").SendEmail(context.Background(), "a@example.com", "s", "b")
	assert.ErrorIs(t, err, ErrEmailNotConfigured)

	err = NewResendClient("re_test", "from@example.com").WithBaseURL(srv.URL).SendEmail(context.Background(), "a@example.com", "s", "b")
	assert.ErrorIs(t, err, ErrSendFailed)
}
