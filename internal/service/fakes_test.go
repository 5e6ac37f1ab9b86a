package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/model"
	"github.com/unclebandit/cartnotify-backend/internal/provider"
	"github.com/unclebandit/cartnotify-backend/internal/repository"
)

// ====================== tenants ======================

type fakeTenants struct {
	mu      sync.Mutex
	tenants map[string]*model.Tenant
}

var _ repository.TenantRepositoryInterface = (*fakeTenants)(nil)

func newFakeTenants(ts ...*model.Tenant) *fakeTenants {
	f := &fakeTenants{tenants: map[string]*model.Tenant{}}
	for _, t := range ts {
		f.tenants[t.ID] = t
	}
	return f
}

func (f *fakeTenants) GetByID(_ context.Context, id string) (*model.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return nil, appErrors.NewTenantNotFound(id)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTenants) GetByShopDomain(_ context.Context, domain string) (*model.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tenants {
		if t.ShopDomain == domain {
			cp := *t
			return &cp, nil
		}
	}
	return nil, appErrors.NewTenantNotFound(domain)
}

func (f *fakeTenants) Upsert(_ context.Context, t *model.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants[t.ID] = t
	return nil
}

func (f *fakeTenants) UpdateChannel(_ context.Context, id string, ch model.ChannelConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return appErrors.NewTenantNotFound(id)
	}
	t.Channel = ch
	return nil
}

func (f *fakeTenants) IncrementStat(_ context.Context, id string, field model.StatField, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return appErrors.NewTenantNotFound(id)
	}
	switch field {
	case model.StatTotalOptIns:
		t.Stats.TotalOptIns += delta
	case model.StatMessagesDelivered:
		t.Stats.MessagesDelivered += delta
	case model.StatMessagesClicked:
		t.Stats.MessagesClicked += delta
	case model.StatConversions:
		t.Stats.Conversions += delta
	default:
		return appErrors.NewValidation("field", string(field))
	}
	return nil
}

func (f *fakeTenants) Deactivate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return appErrors.NewTenantNotFound(id)
	}
	t.IsActive = false
	return nil
}

func (f *fakeTenants) stats(id string) model.TenantStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tenants[id].Stats
}

// ====================== opt-ins ======================

type fakeOptIns struct {
	mu    sync.Mutex
	byKey map[string]*model.OptIn
	byID  map[string]*model.OptIn
}

var _ repository.OptInRepositoryInterface = (*fakeOptIns)(nil)

func newFakeOptIns() *fakeOptIns {
	return &fakeOptIns{byKey: map[string]*model.OptIn{}, byID: map[string]*model.OptIn{}}
}

func (f *fakeOptIns) Upsert(_ context.Context, tenantID string, rec model.Recipient, source model.OptInSource) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenantID + "|" + rec.Phone
	o, ok := f.byKey[key]
	if !ok {
		prefs := model.DefaultPreferences()
		if rec.Preferences != nil {
			prefs = *rec.Preferences
		}
		o = &model.OptIn{
			ID:            uuid.NewString(),
			TenantID:      tenantID,
			CustomerID:    rec.CustomerID,
			CustomerEmail: rec.Email,
			CustomerName:  rec.Name,
			PhoneNumber:   rec.Phone,
			Source:        source,
			IsActive:      true,
			Preferences:   prefs,
			OptedInAt:     time.Now(),
		}
		f.byKey[key] = o
		f.byID[o.ID] = o
		return o.ID, true, nil
	}
	wasActive := o.IsActive
	o.IsActive = true
	o.Source = source
	if rec.Name != "" {
		o.CustomerName = rec.Name
	}
	if rec.Email != "" {
		o.CustomerEmail = rec.Email
	}
	if rec.Preferences != nil {
		o.Preferences = *rec.Preferences
	}
	return o.ID, !wasActive, nil
}

func (f *fakeOptIns) FindActive(_ context.Context, tenantID, phone string, pref model.Preference) (*model.OptIn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byKey[tenantID+"|"+phone]
	if !ok || !o.IsActive {
		return nil, nil
	}
	if pref != "" && !o.Preferences.Allows(pref) {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOptIns) GetByID(_ context.Context, id string) (*model.OptIn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byID[id]
	if !ok {
		return nil, appErrors.NewOptInNotFound(id)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOptIns) RecordEngagement(_ context.Context, id string, kind model.EngagementKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byID[id]
	if !ok {
		return appErrors.NewOptInNotFound(id)
	}
	switch kind {
	case model.EngagementReceived:
		o.MessagesReceived++
		now := time.Now()
		o.LastMessageAt = &now
	case model.EngagementClicked:
		o.MessagesClicked++
	}
	return nil
}

func (f *fakeOptIns) Deactivate(_ context.Context, tenantID, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byKey[tenantID+"|"+phone]
	if !ok || !o.IsActive {
		return appErrors.NewOptInNotFound(phone)
	}
	o.IsActive = false
	return nil
}

func (f *fakeOptIns) UpdatePreferences(_ context.Context, tenantID, phone string, prefs model.Preferences) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byKey[tenantID+"|"+phone]
	if !ok {
		return appErrors.NewOptInNotFound(phone)
	}
	o.Preferences = prefs
	return nil
}

func (f *fakeOptIns) CountSince(_ context.Context, tenantID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.byID {
		if o.TenantID == tenantID && o.IsActive && !o.OptedInAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeOptIns) get(tenantID, phone string) model.OptIn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byKey[tenantID+"|"+phone]
}

// ====================== messages ======================

// fakeMessages enforces the same partial unique key as the messages table.
type fakeMessages struct {
	mu        sync.Mutex
	rows      []*model.Message
	insertErr func(*model.Message) error
}

var _ repository.MessageRepositoryInterface = (*fakeMessages)(nil)

func (f *fakeMessages) Insert(_ context.Context, m *model.Message) error {
	if f.insertErr != nil {
		if err := f.insertErr(m); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.LinkedObjectID != nil && m.Status != model.StatusSendFailed {
		for _, r := range f.rows {
			if r.TenantID == m.TenantID && r.LinkedObjectID != nil && *r.LinkedObjectID == *m.LinkedObjectID &&
				r.Category == m.Category && r.Status != model.StatusSendFailed {
				return appErrors.ErrDuplicate
			}
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now()
	cp := *m
	f.rows = append(f.rows, &cp)
	return nil
}

func (f *fakeMessages) ExistsActive(_ context.Context, tenantID, linkedObjectID string, category model.Category) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.TenantID == tenantID && r.LinkedObjectID != nil && *r.LinkedObjectID == linkedObjectID &&
			r.Category == category && r.Status != model.StatusSendFailed {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMessages) GetByID(_ context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, appErrors.NewMessageNotFound(id)
}

func (f *fakeMessages) GetByProviderID(_ context.Context, pid string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ProviderMessageID != nil && *r.ProviderMessageID == pid {
			cp := *r
			return &cp, nil
		}
	}
	return nil, appErrors.NewMessageNotFound(pid)
}

func (f *fakeMessages) ApplyStatus(_ context.Context, pid string, to model.MessageStatus, at time.Time, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ProviderMessageID == nil || *r.ProviderMessageID != pid {
			continue
		}
		if !model.CanTransition(r.Status, to) {
			return false, nil
		}
		r.Status = to
		ts := at
		switch to {
		case model.StatusDelivered:
			r.DeliveredAt = &ts
		case model.StatusRead:
			r.ReadAt = &ts
			if r.DeliveredAt == nil {
				r.DeliveredAt = &ts
			}
		case model.StatusFailed:
			r.FailedAt = &ts
		}
		if reason != "" {
			r.FailureReason = reason
		}
		return true, nil
	}
	return false, nil
}

func (f *fakeMessages) MarkClicked(_ context.Context, id, url string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ID == id && !r.Clicked {
			r.Clicked, r.ClickedURL = true, url
			r.ClickedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMessages) MarkConverted(_ context.Context, id string, value decimal.Decimal, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ID == id && !r.Converted {
			r.Converted, r.ConversionValue = true, value
			r.ConvertedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMessages) CountByStatus(_ context.Context, tenantID string, since time.Time) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, r := range f.rows {
		if r.TenantID == tenantID && !r.CreatedAt.Before(since) {
			out[string(r.Status)]++
		}
	}
	return out, nil
}

func (f *fakeMessages) CountByCategory(_ context.Context, tenantID string, since time.Time) ([]model.CategoryStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byCat := map[model.Category]*model.CategoryStats{}
	for _, r := range f.rows {
		if r.TenantID != tenantID || r.CreatedAt.Before(since) {
			continue
		}
		cs, ok := byCat[r.Category]
		if !ok {
			cs = &model.CategoryStats{Category: r.Category}
			byCat[r.Category] = cs
		}
		cs.Count++
		if r.Clicked {
			cs.Clicked++
		}
		if r.Converted {
			cs.Converted++
		}
	}
	out := []model.CategoryStats{}
	for _, cs := range byCat {
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (f *fakeMessages) all() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Message, len(f.rows))
	for i, r := range f.rows {
		out[i] = *r
	}
	return out
}

// ====================== provider ======================

type sentMessage struct {
	To       string
	Body     string
	Template string
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentMessage
	calls int
	// fail decides per recipient whether the provider rejects the send.
	fail  func(to string) error
	block func(ctx context.Context) error
}

var _ provider.Sender = (*fakeSender)(nil)

func (f *fakeSender) record(ctx context.Context, m sentMessage) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.block != nil {
		if err := f.block(ctx); err != nil {
			return "", err
		}
	}
	if f.fail != nil {
		if err := f.fail(m.To); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	return fmt.Sprintf("wamid.%d", n), nil
}

func (f *fakeSender) SendText(ctx context.Context, _ provider.Credentials, to, body string) (string, error) {
	return f.record(ctx, sentMessage{To: to, Body: body})
}

func (f *fakeSender) SendTemplate(ctx context.Context, _ provider.Credentials, to string, tmpl provider.TemplateMessage) (string, error) {
	return f.record(ctx, sentMessage{To: to, Template: tmpl.Name})
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakeNotifier) Notify(kind string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
}

var errRejected = errors.New("recipient rejected")

// ====================== fixture ======================

type fixture struct {
	tenants    *fakeTenants
	optIns     *fakeOptIns
	messages   *fakeMessages
	sender     *fakeSender
	notifier   *fakeNotifier
	registry   *OptInRegistry
	stats      *StatsAggregator
	dispatcher *Dispatcher
	reconciler *Reconciler
}

func configuredTenant() *model.Tenant {
	return &model.Tenant{
		ID:         "t1",
		ShopDomain: "demo.myshopify.com",
		Name:       "Demo Store",
		IsActive:   true,
		Channel: model.ChannelConfig{
			IsConfigured:  true,
			AccessToken:   "tok",
			PhoneNumberID: "pn-1",
			Features:      model.DefaultFeatureFlags(),
		},
	}
}

func newFixture() *fixture {
	f := &fixture{
		tenants:  newFakeTenants(configuredTenant()),
		optIns:   newFakeOptIns(),
		messages: &fakeMessages{},
		sender:   &fakeSender{},
		notifier: &fakeNotifier{},
	}
	logger := zap.NewNop()
	f.stats = NewStatsAggregator(f.tenants, f.optIns, f.messages, logger)
	f.registry = NewOptInRegistry(f.optIns, f.tenants, f.stats, logger)
	f.dispatcher = NewDispatcher(f.tenants, f.messages, f.registry, f.stats, f.sender, f.notifier, logger)
	f.reconciler = NewReconciler(f.messages, f.registry, f.stats, logger)
	return f
}
