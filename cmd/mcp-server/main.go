// Command mcp-server exposes read-only delivery-core operator tools over
// the Model Context Protocol: device inspection, price forecasting, and
// partner earnings. Mutations stay on the HTTP operator surface; this
// server is a window, not a control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fieldcast/deliverycore/internal/billing"
	"github.com/fieldcast/deliverycore/internal/config"
	"github.com/fieldcast/deliverycore/internal/db"
	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/fieldcast/deliverycore/internal/pricing"
)

// toolServer holds our dependencies.
type toolServer struct {
	pg      *db.Postgres
	store   models.Store
	pricing *pricing.Engine
	revenue billing.RevenueQuery
	logger  *zap.Logger
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

// ===== inspect_device =====

type InspectDeviceInput struct {
	DeviceID string `json:"device_id"`
}

type InspectDeviceOutput struct {
	Device             models.Device     `json:"device"`
	ActiveDeliveries   int               `json:"active_deliveries"`
	TerminalDeliveries int               `json:"terminal_deliveries"`
	Timeline           []models.Delivery `json:"timeline"`
}

func (s *toolServer) InspectDevice(ctx context.Context, req *mcp.CallToolRequest, input InspectDeviceInput) (*mcp.CallToolResult, InspectDeviceOutput, error) {
	if input.DeviceID == "" {
		return errorResult("device_id is required"), InspectDeviceOutput{}, nil
	}

	device := s.store.GetDevice(input.DeviceID)
	if device == nil {
		return errorResult(fmt.Sprintf("device %s not found", input.DeviceID)), InspectDeviceOutput{}, nil
	}

	out := InspectDeviceOutput{Device: *device}
	deliveries, err := s.pg.LoadDeliveries(time.Time{}, time.Time{})
	if err != nil {
		s.logger.Error("load deliveries", zap.Error(err))
		return errorResult("failed to load deliveries"), InspectDeviceOutput{}, nil
	}
	for _, d := range deliveries {
		if d.DeviceID != input.DeviceID {
			continue
		}
		if d.IsActive() {
			out.ActiveDeliveries++
			out.Timeline = append(out.Timeline, d)
		} else {
			out.TerminalDeliveries++
		}
	}
	return nil, out, nil
}

// ===== price_forecast =====

type PriceForecastInput struct {
	PricingModel string    `json:"pricing_model"`
	CreativeType string    `json:"creative_type"`
	DeviceClass  string    `json:"device_class"`
	LocationType string    `json:"location_type,omitempty"`
	SlotTime     time.Time `json:"slot_time,omitempty"`
}

type PriceForecastOutput struct {
	BaseRate     string   `json:"base_rate"`
	AdjustedRate string   `json:"adjusted_rate"`
	DemandLevel  float64  `json:"demand_level"`
	Hourly       []string `json:"hourly"`
	Weekly       []string `json:"weekly"`
}

func (s *toolServer) PriceForecast(ctx context.Context, req *mcp.CallToolRequest, input PriceForecastInput) (*mcp.CallToolResult, PriceForecastOutput, error) {
	if input.PricingModel == "" || input.CreativeType == "" || input.DeviceClass == "" {
		return errorResult("pricing_model, creative_type, and device_class are required"), PriceForecastOutput{}, nil
	}
	slot := input.SlotTime
	if slot.IsZero() {
		slot = time.Now().UTC()
	}
	loc := models.LocationType(input.LocationType)
	if loc == "" {
		loc = models.LocationSuburban
	}

	curve, err := s.pricing.Quote(pricing.Input{
		PricingModel: models.PricingModel(input.PricingModel),
		CreativeType: models.MediaType(input.CreativeType),
		DeviceClass:  models.DeviceClass(input.DeviceClass),
		LocationType: loc,
		SlotTime:     slot,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("quote failed: %v", err)), PriceForecastOutput{}, nil
	}

	out := PriceForecastOutput{
		BaseRate:     curve.BaseRate.StringFixed(4),
		AdjustedRate: curve.AdjustedRate.StringFixed(4),
		DemandLevel:  curve.DemandLevel,
	}
	for _, h := range curve.Forecast.Hourly {
		out.Hourly = append(out.Hourly, h.StringFixed(4))
	}
	for _, w := range curve.Forecast.Weekly {
		out.Weekly = append(out.Weekly, w.StringFixed(4))
	}
	return nil, out, nil
}

// ===== partner_earnings =====

type PartnerEarningsInput struct {
	PartnerID string    `json:"partner_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

type PartnerEarningsOutput struct {
	PartnerID string  `json:"partner_id"`
	Total     float64 `json:"total"`
}

func (s *toolServer) PartnerEarnings(ctx context.Context, req *mcp.CallToolRequest, input PartnerEarningsInput) (*mcp.CallToolResult, PartnerEarningsOutput, error) {
	if input.PartnerID == "" {
		return errorResult("partner_id is required"), PartnerEarningsOutput{}, nil
	}
	if input.From.IsZero() || input.To.IsZero() || !input.To.After(input.From) {
		return errorResult("from and to are required and must be ordered"), PartnerEarningsOutput{}, nil
	}
	if s.revenue == nil {
		return errorResult("billing event store unavailable"), PartnerEarningsOutput{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	total, err := s.revenue.Revenue(ctx, input.PartnerID, input.DeviceID, input.From, input.To)
	if err != nil {
		return errorResult(fmt.Sprintf("revenue query failed: %v", err)), PartnerEarningsOutput{}, nil
	}
	return nil, PartnerEarningsOutput{PartnerID: input.PartnerID, Total: total}, nil
}

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName + "-mcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pg.Close()

	store := models.NewInMemoryStore()
	if err := db.SyncCatalog(pg, store); err != nil {
		logger.Fatal("catalog sync", zap.Error(err))
	}

	metrics := observability.NewNoOpRegistry()

	var revenue billing.RevenueQuery
	sink, err := billing.NewClickHouseSink(cfg.ClickHouseDSN, metrics, logger)
	if err != nil {
		logger.Warn("clickhouse unavailable, earnings tool disabled", zap.Error(err))
	} else {
		defer sink.Close()
		revenue = sink
	}

	ts := &toolServer{
		pg:      pg,
		store:   store,
		pricing: pricing.New(nil, metrics, logger),
		revenue: revenue,
		logger:  logger,
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "deliverycore",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "inspect_device",
		Description: "Inspect a display device: status, health, and active delivery timeline",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"device_id": map[string]interface{}{
					"type":        "string",
					"description": "Device ID to inspect",
				},
			},
			"required": []string{"device_id"},
		},
	}, ts.InspectDevice)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "price_forecast",
		Description: "Quote base/adjusted rates and hourly/weekly forecast curves for a slot",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pricing_model": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"CPM", "CPE", "CPA", "HYBRID"},
					"description": "Billing basis to quote",
				},
				"creative_type": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"IMAGE", "VIDEO", "HTML", "INTERACTIVE", "AR", "VOICE"},
					"description": "Creative media type",
				},
				"device_class": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"ANDROID_TV", "DIGITAL_SIGNAGE", "INTERACTIVE_KIOSK", "VEHICLE_MOUNTED", "RETAIL_DISPLAY"},
					"description": "Target device class",
				},
				"location_type": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"URBAN", "SUBURBAN", "RURAL"},
					"description": "Venue location type (optional, defaults to SUBURBAN)",
				},
				"slot_time": map[string]interface{}{
					"type":        "string",
					"format":      "date-time",
					"description": "Slot time to quote (optional, defaults to now)",
				},
			},
			"required": []string{"pricing_model", "creative_type", "device_class"},
		},
	}, ts.PriceForecast)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "partner_earnings",
		Description: "Aggregate a partner's delivery revenue over a period, optionally per device",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"partner_id": map[string]interface{}{
					"type":        "string",
					"description": "Partner ID",
				},
				"device_id": map[string]interface{}{
					"type":        "string",
					"description": "Restrict to one device (optional)",
				},
				"from": map[string]interface{}{
					"type":        "string",
					"format":      "date-time",
					"description": "Period start",
				},
				"to": map[string]interface{}{
					"type":        "string",
					"format":      "date-time",
					"description": "Period end",
				},
			},
			"required": []string{"partner_id", "from", "to"},
		},
	}, ts.PartnerEarnings)

	logger.Info("MCP server running via stdio")
	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
