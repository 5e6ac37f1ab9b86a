package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/model"
	"github.com/unclebandit/cartnotify-backend/internal/provider"
)

const annPhone = "15551234567"

func abandonedCart(linkedID string, phones ...string) model.CommerceEvent {
	return model.CommerceEvent{
		TenantID:        "t1",
		Category:        model.CategoryAbandonedCart,
		LinkedObjectID:  linkedID,
		PhoneCandidates: phones,
		MonetaryValue:   decimal.RequireFromString("49.99"),
		Currency:        "usd",
		Render: model.RenderContext{
			CustomerName: "Ann",
			ItemCount:    2,
			TotalPrice:   decimal.RequireFromString("49.99"),
			Currency:     "usd",
			CheckoutURL:  "https://demo.myshopify.com/checkouts/" + linkedID,
		},
	}
}

func optIn(t *testing.T, f *fixture, phone string, prefs *model.Preferences) {
	t.Helper()
	_, err := f.registry.UpsertOptIn(context.Background(), "t1",
		model.Recipient{CustomerID: "c-" + phone, Phone: phone, Preferences: prefs}, model.SourceWidget)
	require.NoError(t, err)
}

func TestDispatch_AbandonedCartEndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	optIn(t, f, "+1 555 123 4567", nil)

	res, err := f.dispatcher.Dispatch(ctx, abandonedCart("chk_1", "", "+1 (555) 123-4567"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, "wamid.1", res.ProviderMessageID)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, annPhone, f.sender.sent[0].To)
	assert.Contains(t, f.sender.sent[0].Body, "2 items")
	assert.Contains(t, f.sender.sent[0].Body, "USD 49.99")

	msgs := f.messages.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusSent, msgs[0].Status)
	assert.Equal(t, "chk_1", *msgs[0].LinkedObjectID)
	assert.NotNil(t, msgs[0].SentAt)
	assert.Equal(t, "USD", msgs[0].Currency)
	assert.Equal(t, int64(1), f.tenants.stats("t1").MessagesDelivered)
	assert.Equal(t, 1, f.optIns.get("t1", annPhone).MessagesReceived)
	assert.Equal(t, []string{"abandoned-cart"}, f.notifier.kinds)

	// the same webhook delivered again
	res, err = f.dispatcher.Dispatch(ctx, abandonedCart("chk_1", annPhone))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 1, f.sender.callCount())
	assert.Len(t, f.messages.all(), 1)
	assert.Equal(t, int64(1), f.tenants.stats("t1").MessagesDelivered)
}

func TestDispatch_ConsentGating(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.dispatcher.Dispatch(ctx, abandonedCart("chk_1", annPhone))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoConsent, res.Outcome)

	optIn(t, f, annPhone, &model.Preferences{AbandonedCart: false, OrderUpdates: true})
	res, err = f.dispatcher.Dispatch(ctx, abandonedCart("chk_1", annPhone))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoConsent, res.Outcome)

	require.NoError(t, f.registry.OptOut(ctx, "t1", annPhone))
	res, err = f.dispatcher.Dispatch(ctx, model.CommerceEvent{
		TenantID: "t1", Category: model.CategoryOrderConfirmation, LinkedObjectID: "1001",
		PhoneCandidates: []string{annPhone},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoConsent, res.Outcome)

	assert.Equal(t, 0, f.sender.callCount())
	assert.Empty(t, f.messages.all())
}

func TestDispatch_FeatureDisabledAndInactiveTenant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	optIn(t, f, annPhone, nil)

	res, err := f.dispatcher.Dispatch(ctx, model.CommerceEvent{
		TenantID: "t1", Category: model.CategoryOrderDelivered, LinkedObjectID: "1001",
		PhoneCandidates: []string{annPhone},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFeatureDisabled, res.Outcome)

	require.NoError(t, f.tenants.Deactivate(ctx, "t1"))
	res, err = f.dispatcher.Dispatch(ctx, abandonedCart("chk_1", annPhone))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTenantInactive, res.Outcome)

	ev := abandonedCart("chk_1", annPhone)
	ev.TenantID = "ghost"
	res, err = f.dispatcher.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownTenant, res.Outcome)
	assert.Equal(t, 0, f.sender.callCount())
}

func TestDispatch_PhoneCandidatesInOrder(t *testing.T) {
	f := newFixture()
	optIn(t, f, "254712345678", nil)

	res, err := f.dispatcher.Dispatch(context.Background(), abandonedCart("chk_1", "123", "254712345678", annPhone))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, "254712345678", f.sender.sent[0].To)

	res, err = f.dispatcher.Dispatch(context.Background(), abandonedCart("chk_2", "", "12"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoRecipient, res.Outcome)
}

func TestDispatch_MissingLinkedObjectIsInvalid(t *testing.T) {
	f := newFixture()
	optIn(t, f, annPhone, nil)

	_, err := f.dispatcher.Dispatch(context.Background(), abandonedCart("", annPhone))
	assert.True(t, appErrors.IsValidation(err))
	assert.NoError(t, f.dispatcher.HandleCommerceEvent(context.Background(), abandonedCart("", annPhone)))
	assert.Empty(t, f.messages.all())
}

func TestDispatch_FailureIsolationAcrossRecipients(t *testing.T) {
	f := newFixture()
	phones := []string{"15550000001", "15550000002", "15550000003"}
	for _, p := range phones {
		optIn(t, f, p, nil)
	}
	f.sender.fail = func(to string) error {
		if to == "15550000002" {
			return appErrors.NewProvider(400, "recipient rejected", errRejected)
		}
		return nil
	}

	var wg sync.WaitGroup
	results := make([]DispatchResult, len(phones))
	for i, p := range phones {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			res, err := f.dispatcher.Dispatch(context.Background(), abandonedCart("chk_"+p, p))
			assert.NoError(t, err)
			results[i] = res
		}(i, p)
	}
	wg.Wait()

	assert.Equal(t, OutcomeSent, results[0].Outcome)
	assert.Equal(t, OutcomeSendFailed, results[1].Outcome)
	assert.Equal(t, OutcomeSent, results[2].Outcome)
	assert.Equal(t, int64(2), f.tenants.stats("t1").MessagesDelivered)

	for _, m := range f.messages.all() {
		if m.RecipientPhone == "15550000002" {
			assert.Equal(t, model.StatusSendFailed, m.Status)
			assert.Nil(t, m.ProviderMessageID)
			assert.Contains(t, m.FailureReason, "recipient rejected")
		} else {
			assert.Equal(t, model.StatusSent, m.Status)
		}
	}
	assert.Equal(t, 0, f.optIns.get("t1", "15550000002").MessagesReceived)
}

func TestDispatch_SendFailedDoesNotBlockRetry(t *testing.T) {
	f := newFixture()
	optIn(t, f, annPhone, nil)
	calls := 0
	f.sender.fail = func(string) error {
		calls++
		if calls == 1 {
			return appErrors.NewProvider(503, "unavailable", nil)
		}
		return nil
	}

	res, err := f.dispatcher.Dispatch(context.Background(), abandonedCart("chk_1", annPhone))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSendFailed, res.Outcome)

	res, err = f.dispatcher.Dispatch(context.Background(), abandonedCart("chk_1", annPhone))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)

	msgs := f.messages.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.StatusSendFailed, msgs[0].Status)
	assert.Equal(t, model.StatusSent, msgs[1].Status)
	assert.Equal(t, int64(1), f.tenants.stats("t1").MessagesDelivered)
}

func TestDispatch_ConcurrentDuplicatesSendOnce(t *testing.T) {
	f := newFixture()
	optIn(t, f, annPhone, nil)

	entered := make(chan struct{}, 10)
	release := make(chan struct{})
	f.sender.block = func(ctx context.Context) error {
		entered <- struct{}{}
		<-release
		return nil
	}

	const n = 5
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.dispatcher.Dispatch(context.Background(), abandonedCart("chk_1", annPhone))
			assert.NoError(t, err)
			outcomes <- res.Outcome
		}()
	}
	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[OutcomeSent])
	assert.Equal(t, n-1, counts[OutcomeDuplicate])
	assert.Equal(t, 1, f.sender.callCount())
	assert.Len(t, f.messages.all(), 1)
}

func TestDispatch_ProviderTimeoutRecordsSendFailed(t *testing.T) {
	f := newFixture()
	optIn(t, f, annPhone, nil)
	f.dispatcher.SendTimeout = 20 * time.Millisecond
	f.sender.block = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	res, err := f.dispatcher.Dispatch(context.Background(), abandonedCart("chk_1", annPhone))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSendFailed, res.Outcome)
	assert.Contains(t, res.Reason, "timeout")
	assert.Equal(t, int64(0), f.tenants.stats("t1").MessagesDelivered)
}

func TestDispatch_RecordFailureAfterSendDoesNotResend(t *testing.T) {
	f := newFixture()
	optIn(t, f, annPhone, nil)
	f.messages.insertErr = func(*model.Message) error { return errors.New("connection reset") }

	res, err := f.dispatcher.Dispatch(context.Background(), abandonedCart("chk_1", annPhone))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, "record not persisted", res.Reason)
	assert.Equal(t, 1, f.sender.callCount())
}

func TestSendTest_SurfacesProviderErrorAndRecordsFailure(t *testing.T) {
	f := newFixture()
	f.sender.fail = func(string) error { return appErrors.NewProvider(401, "invalid token", nil) }

	res, err := f.dispatcher.SendTest(context.Background(), "t1", annPhone, "")
	assert.True(t, appErrors.IsProvider(err))
	assert.Equal(t, OutcomeSendFailed, res.Outcome)

	msgs := f.messages.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.CategoryTest, msgs[0].Category)
	assert.Nil(t, msgs[0].OptInID)
	assert.Nil(t, msgs[0].LinkedObjectID)
}

func TestSendTest_NeverDeduplicatedNoCounters(t *testing.T) {
	f := newFixture()
	for i := 0; i < 2; i++ {
		res, err := f.dispatcher.SendTest(context.Background(), "t1", annPhone, "ping")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, res.Outcome)
	}
	assert.Len(t, f.messages.all(), 2)
	assert.Equal(t, "ping", f.sender.sent[0].Body)
	assert.Equal(t, int64(0), f.tenants.stats("t1").MessagesDelivered)
}

func TestSendPromotion_RequiresPromotionsPreference(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	optIn(t, f, annPhone, nil)
	tmpl := provider.TemplateMessage{Name: "spring_sale", Params: []string{"Ann"}}

	res, err := f.dispatcher.SendPromotion(ctx, "t1", annPhone, tmpl)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoConsent, res.Outcome)

	require.NoError(t, f.registry.UpdatePreferences(ctx, "t1", annPhone,
		model.Preferences{AbandonedCart: true, OrderUpdates: true, Promotions: true}))
	res, err = f.dispatcher.SendPromotion(ctx, "t1", annPhone, tmpl)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, "spring_sale", f.sender.sent[0].Template)

	msgs := f.messages.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "spring_sale", msgs[0].TemplateName)
	assert.Equal(t, int64(1), f.tenants.stats("t1").MessagesDelivered)
}
