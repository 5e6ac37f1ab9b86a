package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cartnotify-backend/internal/model"
)

func TestSnapshot_RatesOverDelivered(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	snap, err := f.stats.Snapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, snap.ClickRate)
	assert.Zero(t, snap.ConversionRate)

	for i := 0; i < 4; i++ {
		f.stats.IncrementDelivered(ctx, "t1")
	}
	f.stats.IncrementClicked(ctx, "t1")
	f.stats.IncrementConversions(ctx, "t1")
	f.stats.IncrementOptIns(ctx, "t1")

	snap, err = f.stats.Snapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TenantStats{TotalOptIns: 1, MessagesDelivered: 4, MessagesClicked: 1, Conversions: 1}, snap.Counters)
	assert.InDelta(t, 0.25, snap.ClickRate, 1e-9)
	assert.InDelta(t, 0.25, snap.ConversionRate, 1e-9)
}

func TestIncrement_UnknownTenantIsBestEffort(t *testing.T) {
	f := newFixture()
	assert.NotPanics(t, func() { f.stats.IncrementDelivered(context.Background(), "ghost") })
}

func TestAnalytics_SummarizesWindow(t *testing.T) {
	f, msg := sentMessageFixture(t)
	ctx := context.Background()
	_, err := f.reconciler.RecordClick(ctx, msg.ID, "https://example.com")
	require.NoError(t, err)

	a, err := f.stats.Analytics(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultAnalyticsDays, a.Days)
	assert.Equal(t, int64(1), a.TotalOptIns)
	assert.Equal(t, 1, a.RecentOptIns)
	assert.Equal(t, map[string]int{"sent": 1}, a.MessagesStatus)
	require.Len(t, a.ByCategory, 1)
	assert.Equal(t, model.CategoryAbandonedCart, a.ByCategory[0].Category)
	assert.Equal(t, 1, a.ByCategory[0].Clicked)
}
