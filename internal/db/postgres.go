package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fieldcast/deliverycore/internal/models"
)

// Postgres wraps a postgres DB connection holding the catalog of record:
// partners, devices, campaigns, creatives, and checkpointed deliveries.
type Postgres struct {
	DB *sql.DB
}

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.connection_string", dsn),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	dbConn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	dbConn.SetMaxOpenConns(maxOpenConns)
	dbConn.SetMaxIdleConns(maxIdleConns)
	dbConn.SetConnMaxLifetime(connMaxLifetime)
	dbConn.SetConnMaxIdleTime(connMaxIdleTime)

	if err := dbConn.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: dbConn}
	if err := p.ensureSchema(); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

func (p *Postgres) ensureSchema() error {
	return p.Migrate(context.Background())
}

// LoadPartners fetches partners from the database.
func (p *Postgres) LoadPartners() ([]models.Partner, error) {
	rows, err := p.DB.QueryContext(context.Background(), `SELECT id, name, token_secret, COALESCE(fallback_creative_id, 0) FROM partners`)
	if err != nil {
		return nil, fmt.Errorf("query partners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Partner
	for rows.Next() {
		var pt models.Partner
		if err := rows.Scan(&pt.ID, &pt.Name, &pt.TokenSecret, &pt.FallbackCreativeID); err != nil {
			return nil, fmt.Errorf("scan partner: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// LoadDevices fetches devices from the database.
func (p *Postgres) LoadDevices() ([]models.Device, error) {
	rows, err := p.DB.QueryContext(context.Background(), `SELECT id, partner_id, fingerprint, class, lat, lng, location_type, venue_name, region, status, health, last_seen, COALESCE(fallback_creative_id, 0) FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Device
	for rows.Next() {
		var d models.Device
		var lastSeen sql.NullTime
		var venueName, region sql.NullString
		if err := rows.Scan(&d.ID, &d.PartnerID, &d.Fingerprint, &d.Class, &d.Location.Lat, &d.Location.Lng,
			&d.Location.Type, &venueName, &region, &d.Status, &d.Health, &lastSeen, &d.FallbackCreativeID); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if venueName.Valid {
			d.Location.VenueName = venueName.String
		}
		if region.Valid {
			d.Location.Region = region.String
		}
		if lastSeen.Valid {
			d.LastSeen = lastSeen.Time
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LoadCampaigns retrieves campaigns from the database.
func (p *Postgres) LoadCampaigns() ([]models.Campaign, error) {
	rows, err := p.DB.QueryContext(context.Background(), `SELECT id, advertiser_ref, name, start_date, end_date, status, budget, daily_cap,
        pricing_model, objective, COALESCE(location_types, '{}'), COALESCE(regions, '{}'),
        COALESCE(daypart_hours, '{}'), COALESCE(daypart_days, '{}'), default_priority,
        ab_test_active, ab_test_start, ab_test_end, spend_to_date, spend_today, COALESCE(spend_today_date, '')
        FROM campaigns`)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Campaign
	for rows.Next() {
		var c models.Campaign
		var locationTypes, regions []string
		var daypartHours, daypartDays []int64
		var abStart, abEnd sql.NullTime
		if err := rows.Scan(&c.ID, &c.AdvertiserRef, &c.Name, &c.StartDate, &c.EndDate, &c.Status, &c.Budget, &c.DailyCap,
			&c.PricingModel, &c.Objective, pq.Array(&locationTypes), pq.Array(&regions),
			pq.Array(&daypartHours), pq.Array(&daypartDays), &c.DefaultPriority,
			&c.ABTest.Active, &abStart, &abEnd, &c.SpendToDate, &c.SpendToday, &c.SpendTodayDate); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		for _, lt := range locationTypes {
			c.Location.LocationTypes = append(c.Location.LocationTypes, models.LocationType(lt))
		}
		c.Location.Regions = regions
		for _, h := range daypartHours {
			c.Daypart.Hours = append(c.Daypart.Hours, int(h))
		}
		for _, dw := range daypartDays {
			c.Daypart.Days = append(c.Daypart.Days, time.Weekday(dw))
		}
		if abStart.Valid {
			c.ABTest.StartTime = abStart.Time
		}
		if abEnd.Valid {
			c.ABTest.EndTime = abEnd.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadCreatives fetches creatives from the database.
func (p *Postgres) LoadCreatives() ([]models.Creative, error) {
	rows, err := p.DB.QueryContext(context.Background(), `SELECT id, campaign_id, type, url, format, COALESCE(width,0), COALESCE(height,0),
        COALESCE(duration_seconds,0), status, COALESCE(verification_method,''), COALESCE(rejection_reasons,'{}'),
        impressions, engagements, attention_mean FROM creatives`)
	if err != nil {
		return nil, fmt.Errorf("query creatives: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Creative
	for rows.Next() {
		var c models.Creative
		var reasons []string
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.Type, &c.URL, &c.Format, &c.Width, &c.Height,
			&c.DurationSeconds, &c.Status, &c.VerificationMethod, pq.Array(&reasons),
			&c.Impressions, &c.Engagements, &c.AttentionMean); err != nil {
			return nil, fmt.Errorf("scan creative: %w", err)
		}
		c.RejectionReasons = reasons
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertPartner inserts a new partner record.
func (p *Postgres) InsertPartner(pt *models.Partner) error {
	_, err := p.DB.ExecContext(context.Background(), `INSERT INTO partners (id, name, token_secret, fallback_creative_id) VALUES ($1,$2,$3,$4)`,
		pt.ID, pt.Name, pt.TokenSecret, pt.FallbackCreativeID)
	if err != nil {
		return fmt.Errorf("insert partner: %w", err)
	}
	return nil
}

// UpdatePartner updates an existing partner.
func (p *Postgres) UpdatePartner(pt models.Partner) error {
	_, err := p.DB.ExecContext(context.Background(), `UPDATE partners SET name=$1, token_secret=$2, fallback_creative_id=$3 WHERE id=$4`,
		pt.Name, pt.TokenSecret, pt.FallbackCreativeID, pt.ID)
	if err != nil {
		return fmt.Errorf("update partner: %w", err)
	}
	return nil
}

// InsertDevice registers a new device.
func (p *Postgres) InsertDevice(d *models.Device) error {
	_, err := p.DB.ExecContext(context.Background(), `INSERT INTO devices
        (id, partner_id, fingerprint, class, lat, lng, location_type, venue_name, region, status, health, last_seen, fallback_creative_id)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		d.ID, d.PartnerID, d.Fingerprint, d.Class, d.Location.Lat, d.Location.Lng, d.Location.Type,
		d.Location.VenueName, d.Location.Region, d.Status, d.Health, d.LastSeen, d.FallbackCreativeID)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// UpdateDevice persists a device's current status/health/last-seen.
func (p *Postgres) UpdateDevice(d models.Device) error {
	_, err := p.DB.ExecContext(context.Background(), `UPDATE devices SET
        status=$1, health=$2, last_seen=$3, lat=$4, lng=$5, location_type=$6 WHERE id=$7`,
		d.Status, d.Health, d.LastSeen, d.Location.Lat, d.Location.Lng, d.Location.Type, d.ID)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return nil
}

// InsertCampaign inserts a new campaign and returns the generated ID.
func (p *Postgres) InsertCampaign(c *models.Campaign) error {
	hours := make([]int64, len(c.Daypart.Hours))
	for i, h := range c.Daypart.Hours {
		hours[i] = int64(h)
	}
	days := make([]int64, len(c.Daypart.Days))
	for i, d := range c.Daypart.Days {
		days[i] = int64(d)
	}
	err := p.DB.QueryRowContext(context.Background(), `INSERT INTO campaigns
        (advertiser_ref, name, start_date, end_date, status, budget, daily_cap, pricing_model, objective,
         location_types, regions, daypart_hours, daypart_days, default_priority, ab_test_active, ab_test_start, ab_test_end,
         spend_to_date, spend_today, spend_today_date)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20) RETURNING id`,
		c.AdvertiserRef, c.Name, c.StartDate, c.EndDate, c.Status, c.Budget, c.DailyCap, c.PricingModel, c.Objective,
		pq.Array(locationTypeStrings(c.Location.LocationTypes)), pq.Array(c.Location.Regions), pq.Array(hours), pq.Array(days),
		c.DefaultPriority, c.ABTest.Active, nullableTime(c.ABTest.StartTime), nullableTime(c.ABTest.EndTime),
		c.SpendToDate, c.SpendToday, c.SpendTodayDate).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// UpdateCampaign updates an existing campaign, including rolling spend totals.
func (p *Postgres) UpdateCampaign(c models.Campaign) error {
	_, err := p.DB.ExecContext(context.Background(), `UPDATE campaigns SET
        advertiser_ref=$1, name=$2, start_date=$3, end_date=$4, status=$5, budget=$6, daily_cap=$7,
        spend_to_date=$8, spend_today=$9, spend_today_date=$10 WHERE id=$11`,
		c.AdvertiserRef, c.Name, c.StartDate, c.EndDate, c.Status, c.Budget, c.DailyCap,
		c.SpendToDate, c.SpendToday, c.SpendTodayDate, c.ID)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	return nil
}

// DeleteCampaign removes a campaign by ID, first deleting dependent creatives.
func (p *Postgres) DeleteCampaign(id int) error {
	if _, err := p.DB.ExecContext(context.Background(), `DELETE FROM creatives WHERE campaign_id=$1`, id); err != nil {
		return fmt.Errorf("delete creatives for campaign: %w", err)
	}
	if _, err := p.DB.ExecContext(context.Background(), `DELETE FROM campaigns WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	return nil
}

// InsertCreative inserts a new creative and returns the generated ID.
func (p *Postgres) InsertCreative(c *models.Creative) error {
	err := p.DB.QueryRowContext(context.Background(), `INSERT INTO creatives
        (campaign_id, type, url, format, width, height, duration_seconds, status, verification_method, rejection_reasons,
         impressions, engagements, attention_mean)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		c.CampaignID, c.Type, c.URL, c.Format, c.Width, c.Height, c.DurationSeconds, c.Status, c.VerificationMethod,
		pq.Array(c.RejectionReasons), c.Impressions, c.Engagements, c.AttentionMean).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert creative: %w", err)
	}
	return nil
}

// UpdateCreative updates an existing creative's approval status and counters.
func (p *Postgres) UpdateCreative(c models.Creative) error {
	_, err := p.DB.ExecContext(context.Background(), `UPDATE creatives SET
        status=$1, verification_method=$2, rejection_reasons=$3, impressions=$4, engagements=$5, attention_mean=$6
        WHERE id=$7`,
		c.Status, c.VerificationMethod, pq.Array(c.RejectionReasons), c.Impressions, c.Engagements, c.AttentionMean, c.ID)
	if err != nil {
		return fmt.Errorf("update creative: %w", err)
	}
	return nil
}

// DeleteCreative removes a creative by ID.
func (p *Postgres) DeleteCreative(id int) error {
	_, err := p.DB.ExecContext(context.Background(), `DELETE FROM creatives WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete creative: %w", err)
	}
	return nil
}

// InsertBillingEvent records one CPM/CPE/CPA/HYBRID billing line (spec §4.2).
func (p *Postgres) InsertBillingEvent(deliveryID string, campaignID int, partnerID, pricingModel string, amount float64) error {
	_, err := p.DB.ExecContext(context.Background(), `INSERT INTO billing_events
        (delivery_id, campaign_id, partner_id, pricing_model, amount) VALUES ($1,$2,$3,$4,$5)`,
		deliveryID, campaignID, partnerID, pricingModel, amount)
	if err != nil {
		return fmt.Errorf("insert billing event: %w", err)
	}
	return nil
}

func locationTypeStrings(ts []models.LocationType) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
