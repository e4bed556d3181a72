// Package domain contains the usage counters and the pure limit arithmetic
// that runs against them.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Metric string

const (
	MetricStudents       Metric = "students"
	MetricTeachers       Metric = "teachers"
	MetricStorageUsedGB  Metric = "storageUsedGB"
	MetricCustomFields   Metric = "customFieldsUsed"
	MetricSMS            Metric = "smsUsedThisMonth"
	MetricEmails         Metric = "emailsUsedThisMonth"
	MetricReports        Metric = "reportsGeneratedThisMonth"
	MetricAPICalls       Metric = "apiCallsThisMonth"
	PeriodKeyCumulative         = "cumulative"
	periodKeyLayout             = "2006-01-02"
)

// Metrics lists every recognised metric in reporting order.
var Metrics = []Metric{
	MetricStudents,
	MetricTeachers,
	MetricStorageUsedGB,
	MetricSMS,
	MetricEmails,
	MetricReports,
	MetricAPICalls,
	MetricCustomFields,
}

// Cumulative metrics count resources that exist right now; they never reset
// and may go down. The others count events within a monthly window.
func (m Metric) Cumulative() bool {
	switch m {
	case MetricStudents, MetricTeachers, MetricStorageUsedGB, MetricCustomFields:
		return true
	default:
		return false
	}
}

func ParseMetric(value string) (Metric, error) {
	value = strings.TrimSpace(value)
	for _, m := range Metrics {
		if string(m) == value {
			return m, nil
		}
	}
	return "", ErrInvalidMetric
}

// UsageCounter is one (tenant, metric, period) row.
type UsageCounter struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_counter,priority:1" json:"orgId"`
	Metric    Metric       `gorm:"type:text;not null;uniqueIndex:ux_usage_counter,priority:2" json:"metric"`
	PeriodKey string       `gorm:"type:text;not null;uniqueIndex:ux_usage_counter,priority:3" json:"periodKey"`
	Value     int64        `gorm:"not null;default:0" json:"value"`
	CreatedAt time.Time    `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time    `gorm:"not null" json:"updatedAt"`
}

func (UsageCounter) TableName() string { return "usage_counters" }

// WindowStart returns the start of the monthly window containing at, with
// windows anchored on anchor (the start of the current billing period).
func WindowStart(anchor, at time.Time) time.Time {
	if !at.After(anchor) {
		return anchor
	}
	months := (at.Year()-anchor.Year())*12 + int(at.Month()) - int(anchor.Month())
	start := anchor.AddDate(0, months, 0)
	for months > 0 && start.After(at) {
		months--
		start = anchor.AddDate(0, months, 0)
	}
	return start
}

// PeriodKey is the counter row a metric writes to at the given time.
func PeriodKey(metric Metric, anchor, at time.Time) string {
	if metric.Cumulative() {
		return PeriodKeyCumulative
	}
	return WindowStart(anchor.UTC(), at.UTC()).Format(periodKeyLayout)
}
