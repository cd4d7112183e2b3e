package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/fieldcast/deliverycore/internal/observability"
)

// ClickHouseSink is the default BillingSink: it appends one row per
// DELIVERED transition to a MergeTree table and answers the revenue
// queries the external Partner Payment system polls (spec §6).
type ClickHouseSink struct {
	db      *sql.DB
	metrics observability.MetricsRegistry
	logger  *zap.Logger
}

// NewClickHouseSink connects to ClickHouse and ensures the billing_events
// table exists.
func NewClickHouseSink(dsn string, metrics observability.MetricsRegistry, logger *zap.Logger) (*ClickHouseSink, error) {
	conn, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	conn.SetMaxOpenConns(25)
	if err := conn.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	create := `CREATE TABLE IF NOT EXISTS billing_events (
		timestamp     DateTime,
		delivery_id   String,
		campaign_id   Int32,
		advertiser_ref String,
		partner_id    String,
		device_id     String,
		impressions   Int64,
		engagements   Int64,
		completions   Int64,
		pricing_model String,
		amount        Float64
	) ENGINE=MergeTree() ORDER BY (partner_id, device_id, timestamp)`
	if _, err := conn.ExecContext(context.Background(), create); err != nil {
		return nil, fmt.Errorf("clickhouse create billing_events: %w", err)
	}

	logger.Info("billing sink connected to ClickHouse")
	return &ClickHouseSink{db: conn, metrics: metrics, logger: logger}, nil
}

// Emit appends one billing line. A failure here is a telemetry-only error
// per spec §7 propagation policy: the caller (Delivery Tracker) records and
// continues rather than rolling back the state transition that produced it.
func (s *ClickHouseSink) Emit(ctx context.Context, event Event) error {
	stmt := `INSERT INTO billing_events
		(timestamp, delivery_id, campaign_id, advertiser_ref, partner_id, device_id,
		 impressions, engagements, completions, pricing_model, amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, event.Timestamp, event.DeliveryID, event.CampaignID,
		event.AdvertiserRef, event.PartnerID, event.DeviceID, event.Impressions, event.Engagements,
		event.Completions, string(event.PricingModel), event.Amount)
	if err != nil {
		return fmt.Errorf("insert billing event: %w", err)
	}
	return nil
}

// Revenue sums Amount across billing_events for (partnerID, deviceID) within
// [from, to). An empty deviceID matches every device for the partner (spec
// §6 "aggregated per-(partner, device, period) revenue queries").
func (s *ClickHouseSink) Revenue(ctx context.Context, partnerID, deviceID string, from, to time.Time) (float64, error) {
	query := `SELECT sum(amount) FROM billing_events WHERE partner_id = ? AND timestamp >= ? AND timestamp < ?`
	args := []any{partnerID, from, to}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	var total sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("query revenue: %w", err)
	}
	return total.Float64, nil
}

// Close terminates the ClickHouse connection.
func (s *ClickHouseSink) Close() {
	if s != nil && s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("billing clickhouse close", zap.Error(err))
		}
	}
}
