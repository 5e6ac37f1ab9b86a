// internal/model/stats.go
package model

// StatsSnapshot is the dashboard view of a tenant's counters. Rates are derived on read.
type StatsSnapshot struct {
	TenantID       string      `json:"tenant_id"`
	Counters       TenantStats `json:"counters"`
	ClickRate      float64     `json:"click_rate"`
	ConversionRate float64     `json:"conversion_rate"`
}

// Analytics is the windowed breakdown computed from message and opt-in records.
type Analytics struct {
	TenantID       string          `json:"tenant_id"`
	Days           int             `json:"days"`
	TotalOptIns    int64           `json:"total_opt_ins"`
	RecentOptIns   int             `json:"recent_opt_ins"`
	MessagesStatus map[string]int  `json:"messages_by_status"`
	ByCategory     []CategoryStats `json:"messages_by_category"`
}
