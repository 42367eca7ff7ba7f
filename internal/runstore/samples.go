package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/telemetry"
)

// Send stores every point of a payload in one transaction
func (s *Store) Send(ctx context.Context, p *domain.Payload) error {
	if len(p.Points) == 0 {
		return nil
	}
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO samples (measurement, execution, tags, ts, fields)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	execution := p.Tags[telemetry.ExecutionIDTag]
	for _, point := range p.Points {
		fields, err := json.Marshal(point.Fields)
		if err != nil {
			return fmt.Errorf("encoding fields of %s: %w", p.Measurement, err)
		}
		if _, err := stmt.ExecContext(ctx, p.Measurement, execution, string(tags), point.Time.UnixNano(), string(fields)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Measurements lists the measurements recorded for an execution
func (s *Store) Measurements(ctx context.Context, id domain.ExecutionID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT measurement FROM samples WHERE execution = ? ORDER BY measurement`,
		telemetry.Tag(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Values returns all points of one measurement for an execution, oldest first
func (s *Store) Values(ctx context.Context, id domain.ExecutionID, measurement string) (*domain.Payload, error) {
	payloads, err := s.query(ctx, `WHERE execution = ? AND measurement = ?`, telemetry.Tag(id), measurement)
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		p := domain.NewPayload(measurement)
		p.Tags[telemetry.ExecutionIDTag] = telemetry.Tag(id)
		return p, nil
	}
	return payloads[0], nil
}

// Results returns every sample of an execution grouped by measurement
func (s *Store) Results(ctx context.Context, id domain.ExecutionID) ([]*domain.Payload, error) {
	return s.query(ctx, `WHERE execution = ?`, telemetry.Tag(id))
}

// LastSample returns the time of the newest sample of a measurement
func (s *Store) LastSample(ctx context.Context, id domain.ExecutionID, measurement string) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM samples WHERE execution = ? AND measurement = ?`,
		telemetry.Tag(id), measurement).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !ts.Valid) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, ts.Int64).UTC(), true, nil
}

func (s *Store) query(ctx context.Context, where string, args ...any) ([]*domain.Payload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT measurement, tags, ts, fields FROM samples `+where+` ORDER BY measurement, ts, id`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payloads []*domain.Payload
	var current *domain.Payload
	for rows.Next() {
		var measurement, tags, fields string
		var ts int64
		if err := rows.Scan(&measurement, &tags, &ts, &fields); err != nil {
			return nil, err
		}
		if current == nil || current.Measurement != measurement {
			current = &domain.Payload{Measurement: measurement, Tags: map[string]string{}}
			if err := json.Unmarshal([]byte(tags), &current.Tags); err != nil {
				return nil, err
			}
			payloads = append(payloads, current)
		}
		point := domain.Point{Time: time.Unix(0, ts).UTC()}
		if err := json.Unmarshal([]byte(fields), &point.Fields); err != nil {
			return nil, err
		}
		current.Points = append(current.Points, point)
	}
	return payloads, rows.Err()
}
