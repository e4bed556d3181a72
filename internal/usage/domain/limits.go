package domain

import (
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
)

const (
	WarningPercent  = 70
	CriticalPercent = 90
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Warning struct {
	Metric     Metric   `json:"metric"`
	Current    int64    `json:"current"`
	Limit      int64    `json:"limit"`
	Percentage int64    `json:"percentage"`
	Severity   Severity `json:"severity"`
}

// Usage maps each metric to its current value.
type Usage map[Metric]int64

type LimitsReport struct {
	Usage            Usage            `json:"usage"`
	Limits           map[Metric]int64 `json:"limits"`
	UsagePercentages map[Metric]int64 `json:"usagePercentages"`
	Unlimited        []Metric         `json:"unlimited"`
	Warnings         []Warning        `json:"warnings"`
	IsWithinLimits   bool             `json:"isWithinLimits"`
}

// LimitFor returns the tier limit for metric. Metrics the catalog does not
// cap report catalogdomain.Unlimited.
func LimitFor(limits catalogdomain.Limits, metric Metric) int64 {
	switch metric {
	case MetricStudents:
		return limits.MaxStudents
	case MetricTeachers:
		return limits.MaxTeachers
	case MetricStorageUsedGB:
		return limits.MaxStorageGB
	case MetricSMS:
		return limits.MaxSMSPerMonth
	case MetricEmails:
		return limits.MaxEmailsPerMonth
	case MetricReports:
		return limits.MaxReportsPerMonth
	default:
		return catalogdomain.Unlimited
	}
}

// Evaluate compares usage with limits. Percentages are floored; a metric is
// over its limit only when strictly above it.
func Evaluate(usage Usage, limits catalogdomain.Limits) LimitsReport {
	report := LimitsReport{
		Usage:            Usage{},
		Limits:           map[Metric]int64{},
		UsagePercentages: map[Metric]int64{},
		Unlimited:        []Metric{},
		Warnings:         []Warning{},
		IsWithinLimits:   true,
	}
	for _, metric := range Metrics {
		current := usage[metric]
		limit := LimitFor(limits, metric)
		report.Usage[metric] = current
		report.Limits[metric] = limit

		if limit == catalogdomain.Unlimited {
			report.Unlimited = append(report.Unlimited, metric)
			continue
		}
		if current > limit {
			report.IsWithinLimits = false
		}

		pct := percentage(current, limit)
		report.UsagePercentages[metric] = pct
		switch {
		case pct >= CriticalPercent:
			report.Warnings = append(report.Warnings, Warning{Metric: metric, Current: current, Limit: limit, Percentage: pct, Severity: SeverityCritical})
		case pct >= WarningPercent:
			report.Warnings = append(report.Warnings, Warning{Metric: metric, Current: current, Limit: limit, Percentage: pct, Severity: SeverityWarning})
		}
	}
	return report
}

func percentage(current, limit int64) int64 {
	if limit <= 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	if current <= 0 {
		return 0
	}
	return current * 100 / limit
}
