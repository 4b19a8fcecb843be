package models

import (
	"errors"
	"time"
)

// ErrNotFound signals that a widget or job id has no backing record.
var ErrNotFound = errors.New("not found")

// Well-known widget kinds. The set is open; the rendering layer owns the
// interpretation of Type and Config.
const (
	WidgetBarChart  = "bar_chart"
	WidgetLineChart = "line_chart"
	WidgetPieChart  = "pie_chart"
	WidgetTable     = "table"
	WidgetKPI       = "kpi"
	WidgetText      = "text"
)

// Widget represents one dashboard widget. The server is the lifecycle
// authority; client copies are provisional mirrors.
type Widget struct {
	ID          string         `json:"id"`
	DashboardID string         `json:"dashboard_id"`
	Type        string         `json:"type"`
	Position    int            `json:"position"`
	Config      map[string]any `json:"config"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
