// Package analytics computes aggregate statistics over the run archive.
package analytics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// QueryStageDurations returns average and percentile wall-clock durations per
// stage across all archived runs. Repair loop stages contribute one sample per
// iteration.
func QueryStageDurations(database DB, since string) ([]StageDuration, error) {
	query := `
		SELECT stage, started_at, finished_at
		FROM run_stages
		WHERE started_at != '' AND finished_at != ''`

	args := []interface{}{}
	if since != "" {
		query += ` AND finished_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var stage, startTS, endTS string
		if err := rows.Scan(&stage, &startTS, &endTS); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		start, err := parseTimestamp(startTS)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(endTS)
		if err != nil {
			continue
		}
		seconds := end.Sub(start).Seconds()
		if seconds >= 0 {
			stageDurations[stage] = append(stageDurations[stage], seconds)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// OutcomeSummary holds terminal status counts across the archive.
type OutcomeSummary struct {
	Total     int     `json:"total"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	FirstPass float64 `json:"first_pass_pct"`
	Repaired  float64 `json:"repaired_pct"`
}

// QueryOutcomes returns the terminal status breakdown. FirstPass counts runs
// that succeeded with at most one generation pass; Repaired counts successes
// that needed the repair loop.
func QueryOutcomes(database DB, since string) (*OutcomeSummary, error) {
	query := `
		SELECT status,
			SUM(CASE WHEN repair_iterations <= 1 THEN 1 ELSE 0 END) as first_pass,
			COUNT(*) as total
		FROM runs`

	args := []interface{}{}
	if since != "" {
		query += ` WHERE finished_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY status`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	summary := &OutcomeSummary{}
	firstPassSuccesses := 0
	for rows.Next() {
		var status string
		var firstPass, total int
		if err := rows.Scan(&status, &firstPass, &total); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		summary.Total += total
		switch status {
		case "succeeded":
			summary.Succeeded = total
			firstPassSuccesses = firstPass
		case "failed":
			summary.Failed = total
		case "cancelled":
			summary.Cancelled = total
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summary.FirstPass = pct(firstPassSuccesses, summary.Total)
	summary.Repaired = pct(summary.Succeeded-firstPassSuccesses, summary.Total)
	return summary, nil
}

// RepairDist holds the repair iteration distribution across terminal runs.
type RepairDist struct {
	Total     int     `json:"total"`
	One       float64 `json:"one_iteration_pct"`
	Two       float64 `json:"two_iterations_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
}

// QueryRepairDistribution returns how many generation passes runs needed.
func QueryRepairDistribution(database DB, since string) (*RepairDist, error) {
	query := `SELECT repair_iterations FROM runs WHERE status != 'cancelled'`

	args := []interface{}{}
	if since != "" {
		query += ` AND finished_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query repair distribution: %w", err)
	}
	defer rows.Close()

	var one, two, threePlus, total int
	for rows.Next() {
		var iterations int
		if err := rows.Scan(&iterations); err != nil {
			return nil, fmt.Errorf("scan repair iterations: %w", err)
		}
		total++
		switch {
		case iterations <= 1:
			one++
		case iterations == 2:
			two++
		default:
			threePlus++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &RepairDist{
		Total:     total,
		One:       pct(one, total),
		Two:       pct(two, total),
		ThreePlus: pct(threePlus, total),
	}, nil
}

// StageFailure holds error stats for a stage.
type StageFailure struct {
	Stage       string  `json:"stage"`
	Total       int     `json:"total"`
	FailRate    float64 `json:"fail_rate_pct"`
	CommonKinds string  `json:"common_kinds"`
}

// QueryStageFailures returns which stages error most, with the dominant error
// kinds decoded from the stored stage error records.
func QueryStageFailures(database DB, since string) ([]StageFailure, error) {
	query := `
		SELECT stage,
			COUNT(*) as total,
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) as failed
		FROM run_stages`

	args := []interface{}{}
	if since != "" {
		query += ` WHERE finished_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY stage ORDER BY failed DESC`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage failures: %w", err)
	}
	defer rows.Close()

	var results []StageFailure
	for rows.Next() {
		var stage string
		var total, failed int
		if err := rows.Scan(&stage, &total, &failed); err != nil {
			return nil, fmt.Errorf("scan stage failure: %w", err)
		}
		results = append(results, StageFailure{
			Stage:    stage,
			Total:    total,
			FailRate: pct(failed, total),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Decode the most common error kinds per stage from the stored JSON.
	for i := range results {
		kindQuery := `
			SELECT error FROM run_stages
			WHERE stage = ? AND status = 'error' AND error != ''`
		kArgs := []interface{}{results[i].Stage}
		if since != "" {
			kindQuery += ` AND finished_at >= ?`
			kArgs = append(kArgs, since)
		}

		kRows, err := database.Conn().Query(kindQuery, kArgs...)
		if err != nil {
			continue
		}
		kindCounts := make(map[string]int)
		for kRows.Next() {
			var errJSON string
			if err := kRows.Scan(&errJSON); err != nil {
				break
			}
			var se struct {
				Kind string `json:"kind"`
			}
			if json.Unmarshal([]byte(errJSON), &se) == nil && se.Kind != "" {
				kindCounts[se.Kind]++
			}
		}
		_ = kRows.Err()
		kRows.Close()
		results[i].CommonKinds = topKinds(kindCounts, 2)
	}

	return results, nil
}

// Throughput holds run counts for a time period.
type Throughput struct {
	Period      string  `json:"period"`
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Cancelled   int     `json:"cancelled"`
	AvgDuration float64 `json:"avg_duration_minutes"`
}

// QueryThroughput returns run counts grouped by week, newest first.
func QueryThroughput(database DB, since string) ([]Throughput, error) {
	query := `
		SELECT
			strftime('%Y-W%W', finished_at) as period,
			COUNT(*) as total,
			SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END) as succeeded,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END) as cancelled,
			AVG((julianday(finished_at) - julianday(started_at)) * 1440) as avg_minutes
		FROM runs
		WHERE finished_at != '' AND started_at != ''`

	args := []interface{}{}
	if since != "" {
		query += ` AND finished_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY period ORDER BY period DESC LIMIT 10`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}
	defer rows.Close()

	var results []Throughput
	for rows.Next() {
		var t Throughput
		var avgMinutes sql.NullFloat64
		if err := rows.Scan(&t.Period, &t.Total, &t.Succeeded, &t.Failed, &t.Cancelled, &avgMinutes); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		if avgMinutes.Valid {
			t.AvgDuration = math.Round(avgMinutes.Float64*10) / 10
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}

func topKinds(counts map[string]int, n int) string {
	type kc struct {
		kind  string
		count int
	}
	var sorted []kc
	for k, c := range counts {
		sorted = append(sorted, kc{k, c})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].kind < sorted[j].kind
	})
	out := ""
	for i, e := range sorted {
		if i >= n {
			break
		}
		if out != "" {
			out += ", "
		}
		out += e.kind
	}
	return out
}
