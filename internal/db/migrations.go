package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// migration is one versioned, forward-only schema step. Versions are
// strictly increasing; a gap or reorder is a programming error caught by
// Migrate before anything executes.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the linear schema history. Append only; never edit an
// entry that may already have been applied to a live database.
var migrations = []migration{
	{
		Version: 1,
		Name:    "initial-schema",
		SQL: `CREATE TABLE IF NOT EXISTS partners (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    token_secret TEXT NOT NULL,
    fallback_creative_id INT
);

CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    partner_id TEXT REFERENCES partners(id),
    fingerprint TEXT NOT NULL,
    class TEXT NOT NULL,
    lat DOUBLE PRECISION,
    lng DOUBLE PRECISION,
    location_type TEXT,
    venue_name TEXT,
    region TEXT,
    attributes JSONB,
    status TEXT NOT NULL DEFAULT 'PENDING',
    health TEXT NOT NULL DEFAULT 'UNKNOWN',
    last_seen TIMESTAMP,
    fallback_creative_id INT
);

CREATE TABLE IF NOT EXISTS campaigns (
    id SERIAL PRIMARY KEY,
    advertiser_ref TEXT NOT NULL,
    name TEXT NOT NULL,
    start_date TIMESTAMP NOT NULL,
    end_date TIMESTAMP NOT NULL,
    status TEXT NOT NULL DEFAULT 'DRAFT',
    budget DOUBLE PRECISION NOT NULL,
    daily_cap DOUBLE PRECISION NOT NULL,
    pricing_model TEXT NOT NULL,
    objective TEXT NOT NULL,
    location_types TEXT[],
    regions TEXT[],
    daypart_hours INT[],
    daypart_days INT[],
    default_priority INT NOT NULL DEFAULT 5,
    ab_test_active BOOLEAN NOT NULL DEFAULT FALSE,
    ab_test_start TIMESTAMP,
    ab_test_end TIMESTAMP,
    spend_to_date DOUBLE PRECISION NOT NULL DEFAULT 0,
    spend_today DOUBLE PRECISION NOT NULL DEFAULT 0,
    spend_today_date TEXT
);

CREATE TABLE IF NOT EXISTS creatives (
    id SERIAL PRIMARY KEY,
    campaign_id INT REFERENCES campaigns(id),
    type TEXT NOT NULL,
    url TEXT NOT NULL,
    format TEXT NOT NULL,
    width INT,
    height INT,
    duration_seconds INT,
    status TEXT NOT NULL DEFAULT 'PENDING',
    verification_method TEXT,
    rejection_reasons TEXT[],
    impressions BIGINT NOT NULL DEFAULT 0,
    engagements BIGINT NOT NULL DEFAULT 0,
    attention_mean DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS deliveries (
    id TEXT PRIMARY KEY,
    campaign_id INT REFERENCES campaigns(id),
    creative_id INT REFERENCES creatives(id),
    device_id TEXT REFERENCES devices(id),
    scheduled_time TIMESTAMP NOT NULL,
    duration_seconds INT NOT NULL,
    priority INT NOT NULL,
    state TEXT NOT NULL,
    actual_play_time TIMESTAMP,
    impressions BIGINT NOT NULL DEFAULT 0,
    engagements BIGINT NOT NULL DEFAULT 0,
    completions BIGINT NOT NULL DEFAULT 0,
    cost DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS billing_events (
    id SERIAL PRIMARY KEY,
    delivery_id TEXT NOT NULL,
    campaign_id INT NOT NULL,
    partner_id TEXT NOT NULL,
    pricing_model TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`,
	},
	{
		Version: 2,
		Name:    "hot-path-indexes",
		SQL: `CREATE INDEX IF NOT EXISTS idx_devices_partner_id ON devices (partner_id);
CREATE INDEX IF NOT EXISTS idx_creatives_campaign_id ON creatives (campaign_id);
CREATE INDEX IF NOT EXISTS idx_deliveries_device_id ON deliveries (device_id);
CREATE INDEX IF NOT EXISTS idx_deliveries_campaign_id ON deliveries (campaign_id);
CREATE INDEX IF NOT EXISTS idx_deliveries_state ON deliveries (state);
CREATE INDEX IF NOT EXISTS idx_billing_events_campaign_id ON billing_events (campaign_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_active_dates ON campaigns (status, start_date, end_date) WHERE status = 'ACTIVE';`,
	},
	{
		Version: 3,
		Name:    "performance-buckets",
		SQL: `CREATE TABLE IF NOT EXISTS performance_buckets (
    campaign_id INT NOT NULL,
    device_class TEXT NOT NULL,
    hour_of_day INT NOT NULL,
    day_of_week INT NOT NULL,
    impressions BIGINT NOT NULL DEFAULT 0,
    engagements BIGINT NOT NULL DEFAULT 0,
    completions BIGINT NOT NULL DEFAULT 0,
    last_updated TIMESTAMP,
    PRIMARY KEY (campaign_id, device_class, hour_of_day, day_of_week)
);`,
	},
}

// Migrate applies every pending migration in version order, each inside its
// own transaction alongside its schema_migrations bookkeeping row. Safe to
// run concurrently with an already-migrated database; a half-applied run
// resumes from the last recorded version.
func (p *Postgres) Migrate(ctx context.Context) error {
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			return fmt.Errorf("migration versions not strictly increasing at %d", migrations[i].Version)
		}
	}

	if _, err := p.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := p.DB.QueryRowContext(ctx, `SELECT max(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && int64(m.Version) <= current.Int64 {
			continue
		}
		tx, err := p.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		zap.L().Info("applied migration", zap.Int("version", m.Version), zap.String("name", m.Name))
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, zero on a
// fresh database.
func (p *Postgres) SchemaVersion(ctx context.Context) (int, error) {
	var current sql.NullInt64
	err := p.DB.QueryRowContext(ctx, `SELECT max(version) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return 0, err
	}
	return int(current.Int64), nil
}
