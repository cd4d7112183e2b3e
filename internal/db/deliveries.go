package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldcast/deliverycore/internal/models"
)

// UpsertDelivery writes one Delivery row, replacing any prior state for the
// same ID. Deliveries checkpoint from the in-memory Store on a ticker
// rather than on every transition, so the hot path never waits on Postgres.
func (p *Postgres) UpsertDelivery(d models.Delivery) error {
	_, err := p.DB.ExecContext(context.Background(), `INSERT INTO deliveries
		(id, campaign_id, creative_id, device_id, scheduled_time, duration_seconds, priority, state, actual_play_time, impressions, engagements, completions, cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
		state = EXCLUDED.state,
		actual_play_time = EXCLUDED.actual_play_time,
		impressions = EXCLUDED.impressions,
		engagements = EXCLUDED.engagements,
		completions = EXCLUDED.completions,
		cost = EXCLUDED.cost`,
		d.ID, d.CampaignID, d.CreativeID, d.DeviceID, d.ScheduledTime, d.DurationSeconds,
		d.Priority, string(d.State), nullableTimePtr(d.ActualPlayTime),
		d.Counters.Impressions, d.Counters.Engagements, d.Counters.Completions, d.Cost)
	if err != nil {
		return fmt.Errorf("upsert delivery %s: %w", d.ID, err)
	}
	return nil
}

// LoadDeliveries fetches deliveries scheduled in [from, to). Zero bounds
// are open on that side.
func (p *Postgres) LoadDeliveries(from, to time.Time) ([]models.Delivery, error) {
	query := `SELECT id, campaign_id, creative_id, device_id, scheduled_time, duration_seconds, priority, state, actual_play_time, impressions, engagements, completions, cost FROM deliveries`
	var args []any
	switch {
	case !from.IsZero() && !to.IsZero():
		query += ` WHERE scheduled_time >= $1 AND scheduled_time < $2`
		args = append(args, from, to)
	case !from.IsZero():
		query += ` WHERE scheduled_time >= $1`
		args = append(args, from)
	case !to.IsZero():
		query += ` WHERE scheduled_time < $1`
		args = append(args, to)
	}
	query += ` ORDER BY scheduled_time`

	rows, err := p.DB.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Delivery
	for rows.Next() {
		var d models.Delivery
		var state string
		var played sql.NullTime
		if err := rows.Scan(&d.ID, &d.CampaignID, &d.CreativeID, &d.DeviceID, &d.ScheduledTime,
			&d.DurationSeconds, &d.Priority, &state, &played,
			&d.Counters.Impressions, &d.Counters.Engagements, &d.Counters.Completions, &d.Cost); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.State = models.DeliveryState(state)
		if played.Valid {
			t := played.Time
			d.ActualPlayTime = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FlushDeliveries checkpoints every Delivery in store to Postgres.
func FlushDeliveries(pg *Postgres, store models.Store) error {
	for _, d := range store.GetAllDeliveries() {
		if err := pg.UpsertDelivery(d); err != nil {
			return err
		}
	}
	return nil
}

// FlushCampaignSpend checkpoints every campaign's rolling spend totals to
// Postgres. Run before a catalog reload so the reload reads back the spend
// the Tracker accumulated in memory instead of resetting it.
func FlushCampaignSpend(pg *Postgres, store models.Store) error {
	for _, c := range store.GetAllCampaigns() {
		if err := pg.UpdateCampaign(c); err != nil {
			return err
		}
	}
	return nil
}

// UpsertPerformanceBucket writes one bandit prior row.
func (p *Postgres) UpsertPerformanceBucket(b models.PerformanceBucket) error {
	_, err := p.DB.ExecContext(context.Background(), `INSERT INTO performance_buckets
		(campaign_id, device_class, hour_of_day, day_of_week, impressions, engagements, completions, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (campaign_id, device_class, hour_of_day, day_of_week) DO UPDATE SET
		impressions = EXCLUDED.impressions,
		engagements = EXCLUDED.engagements,
		completions = EXCLUDED.completions,
		last_updated = EXCLUDED.last_updated`,
		b.Key.CampaignID, string(b.Key.DeviceClass), b.Key.HourOfDay, int(b.Key.DayOfWeek),
		b.Counters.Impressions, b.Counters.Engagements, b.Counters.Completions, b.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert performance bucket: %w", err)
	}
	return nil
}

// LoadPerformanceBuckets fetches every bandit prior row.
func (p *Postgres) LoadPerformanceBuckets() ([]models.PerformanceBucket, error) {
	rows, err := p.DB.QueryContext(context.Background(), `SELECT campaign_id, device_class, hour_of_day, day_of_week, impressions, engagements, completions, last_updated FROM performance_buckets`)
	if err != nil {
		return nil, fmt.Errorf("query performance buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.PerformanceBucket
	for rows.Next() {
		var b models.PerformanceBucket
		var class string
		var dow int
		var updated sql.NullTime
		if err := rows.Scan(&b.Key.CampaignID, &class, &b.Key.HourOfDay, &dow,
			&b.Counters.Impressions, &b.Counters.Engagements, &b.Counters.Completions, &updated); err != nil {
			return nil, fmt.Errorf("scan performance bucket: %w", err)
		}
		b.Key.DeviceClass = models.DeviceClass(class)
		b.Key.DayOfWeek = time.Weekday(dow)
		if updated.Valid {
			b.LastUpdated = updated.Time
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullableTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
