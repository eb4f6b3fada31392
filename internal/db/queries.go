package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"patchline/internal/pipeline"
)

// RunRow represents a row in the runs table.
type RunRow struct {
	ID               string
	RepoOwner        string
	RepoName         string
	Kind             string
	Number           int
	Title            string
	Status           string
	RepairIterations int
	StartedAt        string
	FinishedAt       string
	Error            string
	Result           string
	ArchivedAt       string
}

// StageRow represents a row in the run_stages table.
type StageRow struct {
	RunID      string
	Seq        int
	Stage      string
	Status     string
	Payload    string
	Error      string
	StartedAt  string
	FinishedAt string
}

// ArchiveRun writes a terminal run record. It implements the orchestrator's
// archiver hook; re-archiving the same run replaces the previous record.
func (d *DB) ArchiveRun(snap *pipeline.RunSnapshot) error {
	resultJSON := ""
	if snap.Result != nil {
		data, err := json.Marshal(snap.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = string(data)
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, snap.ID); err != nil {
		return fmt.Errorf("clear previous record: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO runs (id, repo_owner, repo_name, kind, number, title, status,
		                   repair_iterations, started_at, finished_at, error, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Item.RepoOwner, snap.Item.RepoName, string(snap.Item.Kind),
		snap.Item.Number, snap.Item.Title, string(snap.Status),
		snap.RepairIterations, timeText(snap.StartedAt), timeText(snap.FinishedAt),
		snap.Error, resultJSON,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for seq, res := range snap.Results {
		payloadJSON := ""
		if res.Payload != nil {
			data, err := json.Marshal(res.Payload)
			if err != nil {
				return fmt.Errorf("marshal %s payload: %w", res.Stage, err)
			}
			payloadJSON = string(data)
		}
		errJSON := ""
		if res.Err != nil {
			data, err := json.Marshal(res.Err)
			if err != nil {
				return fmt.Errorf("marshal %s error: %w", res.Stage, err)
			}
			errJSON = string(data)
		}
		_, err = tx.Exec(
			`INSERT INTO run_stages (run_id, seq, stage, status, payload, error, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.ID, seq, string(res.Stage), string(res.Status),
			payloadJSON, errJSON, timeText(res.StartedAt), timeText(res.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("insert stage %s: %w", res.Stage, err)
		}
	}

	return tx.Commit()
}

// GetRun fetches an archived run by identifier. Returns nil when not found.
func (d *DB) GetRun(id string) (*RunRow, []StageRow, error) {
	row := d.conn.QueryRow(
		`SELECT id, repo_owner, repo_name, kind, number, title, status,
		        repair_iterations, started_at, finished_at, error, result, archived_at
		 FROM runs WHERE id = ?`, id)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get run: %w", err)
	}

	rows, err := d.conn.Query(
		`SELECT run_id, seq, stage, status, payload, error, started_at, finished_at
		 FROM run_stages WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get run stages: %w", err)
	}
	defer rows.Close()

	var stages []StageRow
	for rows.Next() {
		var s StageRow
		var payload, errText, started, finished sql.NullString
		if err := rows.Scan(&s.RunID, &s.Seq, &s.Stage, &s.Status, &payload, &errText, &started, &finished); err != nil {
			return nil, nil, fmt.Errorf("scan stage: %w", err)
		}
		s.Payload = payload.String
		s.Error = errText.String
		s.StartedAt = started.String
		s.FinishedAt = finished.String
		stages = append(stages, s)
	}
	return r, stages, rows.Err()
}

// ListRuns returns archived runs, most recently finished first.
func (d *DB) ListRuns(limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.Query(
		`SELECT id, repo_owner, repo_name, kind, number, title, status,
		        repair_iterations, started_at, finished_at, error, result, archived_at
		 FROM runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRow, error) {
	var r RunRow
	var title, started, finished, errText, result sql.NullString
	err := row.Scan(&r.ID, &r.RepoOwner, &r.RepoName, &r.Kind, &r.Number, &title,
		&r.Status, &r.RepairIterations, &started, &finished, &errText, &result, &r.ArchivedAt)
	if err != nil {
		return nil, err
	}
	r.Title = title.String
	r.StartedAt = started.String
	r.FinishedAt = finished.String
	r.Error = errText.String
	r.Result = result.String
	return &r, nil
}

// timeText renders a timestamp for storage; zero times store as NULL-ish empty.
func timeText(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
