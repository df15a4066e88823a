package domain

import "fmt"

// Metric selects a leaderboard.
type Metric string

const (
	MetricScore  Metric = "score"
	MetricStreak Metric = "streak"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricScore, MetricStreak:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("unknown leaderboard metric %q", s)
	}
}

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	Rank   int    `json:"rank"`
	UserID string `json:"userId"`
	Value  int    `json:"value"`
}
