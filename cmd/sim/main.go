// Microgrid Simulator — a local energy market that clears buy/sell offers
// between participant devices over repeated hourly slots, falling back to
// shared storage and the external power grid when the market cannot.
//
// Architecture:
//
//	main.go                — entry point: loads config, wires components, runs the simulation
//	auction/engine.go      — per-slot bounded multi-round double auction + residual settlement
//	market/memory.go       — per-(weekday,hour) market records: prediction, adjustment, recording
//	forecast/              — Holt-Winters external-price forecaster + OLS trajectory projector
//	strategy/participant.go— offer generation: self-use netting + priced supply/demand offers
//	grid/microgrid.go      — device registry and energy distribution for executed trades
//	grid/external.go       — priced external fallback with per-consumer bill ledger
//	feed/client.go         — day-ahead price table loading (HTTP price service or CSV)
//	audit/auditor.go       — per-slot energy-conservation and storage-bound checks
//	store/recorder.go      — JSON-lines flow log + atomic bill/summary snapshots
//	api/server.go          — dashboard HTTP/WebSocket server streaming flows and slots
//
// How a slot clears:
//
//	Every participant is notified with the market view for the slot, derives
//	sell/buy prices from the forecast ratio and its own balance, nets its own
//	supply against its own demand, and sends the rest to market. Supply sorts
//	ascending, demand descending; crossed offers clear at the midpoint, and
//	the terminal round settles remaining pairs at the supply price. Whatever
//	is left flows into the storage system (supply) or out of storage and the
//	external grid (demand).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"microgrid-sim/internal/api"
	"microgrid-sim/internal/auction"
	"microgrid-sim/internal/audit"
	"microgrid-sim/internal/config"
	"microgrid-sim/internal/feed"
	"microgrid-sim/internal/forecast"
	"microgrid-sim/internal/grid"
	"microgrid-sim/internal/market"
	"microgrid-sim/internal/store"
	"microgrid-sim/internal/strategy"
	"microgrid-sim/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GRID_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	table, err := loadPrices(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("load price table: %w", err)
	}

	external := grid.NewExternalGridWithOffset("external", table.Days, table.Offset)
	ess := grid.NewESS("ess", cfg.Storage.Capacity, cfg.Storage.InitialFill)

	hw := forecast.NewHoltWinters(cfg.Forecast.SeasonalPeriod)
	memory := market.NewMemory(logger, cfg.Auction.MaxRounds, external, hw, forecast.NewProjector())
	auditor := audit.NewAuditor(logger, cfg.Storage.Capacity)

	recorder, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer recorder.Close()

	provider := &snapshotter{memory: memory, external: external, auditor: auditor}

	sinks := grid.MultiSink{recorder}
	observers := multiObserver{auditor}
	var server *api.Server
	if cfg.Dashboard.Enabled {
		server = api.NewServer(cfg.Dashboard, provider, logger)
		sinks = append(sinks, grid.FlowSinkFunc(server.PublishFlow))
		observers = append(observers, slotPublisher{server})
	}

	mg := grid.NewMicrogrid(logger, ess, external, sinks)
	traders, err := buildParticipants(cfg, mg)
	if err != nil {
		return err
	}

	engine := auction.NewEngine(logger,
		auction.Config{MaxRounds: cfg.Auction.MaxRounds, ESSPriceRatio: cfg.Auction.ESSPriceRatio},
		memory, mg, observers, traders...)

	logger.Info("microgrid simulator starting",
		"days", cfg.Sim.Days,
		"participants", len(traders),
		"max_rounds", cfg.Auction.MaxRounds,
		"ess_capacity", cfg.Storage.Capacity,
	)

	g, ctx := errgroup.WithContext(ctx)
	if server != nil {
		g.Go(server.Start)
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}
	g.Go(func() error {
		defer stop()
		if err := engine.RunDays(ctx, cfg.Sim.Days); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		if server != nil {
			return server.Stop()
		}
		return nil
	})

	runErr := g.Wait()

	if err := recorder.SaveBills(external.Bills()); err != nil {
		logger.Error("failed to save bills", "error", err)
	}
	if err := recorder.SaveSummary("audit.json", auditor.GetSnapshot()); err != nil {
		logger.Error("failed to save audit summary", "error", err)
	}
	logger.Info("simulation finished", "audit", auditor.GetSnapshot().SlotsClosed)
	return runErr
}

// loadPrices builds the external price table from the configured source.
func loadPrices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*feed.Table, error) {
	switch cfg.Prices.Source {
	case "http":
		client := feed.NewClient(cfg.Prices.BaseURL, cfg.Prices.Timeout, logger)
		return client.FetchTable(ctx, cfg.Sim.Days, cfg.Prices.HistoryDays)
	default:
		return feed.LoadCSV(cfg.Prices.File, cfg.Prices.HistoryDays)
	}
}

// buildParticipants constructs the market actors and registers their devices.
func buildParticipants(cfg *config.Config, mg *grid.Microgrid) ([]auction.Trader, error) {
	policy := strategy.NewPolicy(cfg.Bidding.Factor)
	traders := make([]auction.Trader, 0, len(cfg.Participants))
	for _, pc := range cfg.Participants {
		devices := make([]grid.Device, 0, len(pc.Devices))
		for _, dc := range pc.Devices {
			var profile [types.HoursPerDay]float64
			copy(profile[:], dc.Profile)

			var dev grid.Device
			if dc.Kind == "source" {
				dev = grid.NewProfileSource(dc.ID, profile)
			} else {
				dev = grid.NewProfileLoad(dc.ID, profile, types.DeviceMode(dc.Mode))
			}
			if err := mg.Register(dev); err != nil {
				return nil, fmt.Errorf("participant %s: %w", pc.ID, err)
			}
			devices = append(devices, dev)
		}
		traders = append(traders, strategy.NewParticipant(pc.ID, policy,
			strategy.PriceRange{Min: pc.SellMin, Max: pc.SellMax},
			strategy.PriceRange{Min: pc.BuyMin, Max: pc.BuyMax},
			devices...))
	}
	return traders, nil
}

// snapshotter adapts the live components to the dashboard snapshot provider.
type snapshotter struct {
	memory   *market.Memory
	external *grid.ExternalGrid
	auditor  *audit.Auditor
}

func (s *snapshotter) MarketSnapshot() map[string]*market.Info {
	return s.memory.Snapshot()
}

func (s *snapshotter) BillsSnapshot() map[string]string {
	bills := s.external.Bills()
	out := make(map[string]string, len(bills))
	for id, amount := range bills {
		out[id] = amount.String()
	}
	return out
}

func (s *snapshotter) AuditSnapshot() audit.Snapshot {
	return s.auditor.GetSnapshot()
}

// multiObserver fans slot reports out to several observers.
type multiObserver []auction.SlotObserver

func (m multiObserver) SlotClosed(report auction.SlotReport) {
	for _, o := range m {
		o.SlotClosed(report)
	}
}

// slotPublisher forwards closed slots to the dashboard stream.
type slotPublisher struct{ server *api.Server }

func (p slotPublisher) SlotClosed(report auction.SlotReport) {
	p.server.PublishSlot(report)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
