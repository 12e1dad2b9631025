package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	tomb "gopkg.in/tomb.v2"

	"gleipnir/internal/config"
	"gleipnir/internal/engine"
	"gleipnir/internal/feed"
	"gleipnir/internal/inventory"
	gnet "gleipnir/internal/net"
	"gleipnir/internal/risk"
	"gleipnir/internal/sentinel"
	"gleipnir/internal/telemetry"
	"gleipnir/internal/wal"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "gleipnir",
		Short: "Single-symbol matching engine with risk gate, WAL and circuit breaker",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/engine.yaml", "path to the YAML config")

	root.AddCommand(serveCmd(), replayCmd(), inspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// buildCore wires the full dependency graph from config.
func buildCore(cfg *config.Config, fsync bool) (*engine.Core, *risk.KillSwitch, *risk.CircuitBreaker, error) {
	limits, err := cfg.RiskLimits()
	if err != nil {
		return nil, nil, nil, err
	}
	breakerCfg, err := cfg.BreakerConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	wlog, err := wal.Open(wal.Options{
		Path:           cfg.WAL.Path,
		Fsync:          fsync,
		CompressSealed: cfg.WAL.CompressSealed,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	deposits, err := cfg.ParsedDeposits()
	if err != nil {
		return nil, nil, nil, err
	}
	kill := risk.NewKillSwitch()
	inv := inventory.NewManager(cfg.BaseAsset, cfg.QuoteAsset)
	for asset, amount := range deposits {
		inv.Deposit(asset, amount)
	}
	breaker := risk.NewCircuitBreaker(breakerCfg, inv.Get(cfg.QuoteAsset).Total)

	core := engine.NewCore(engine.Config{
		Symbol:       cfg.Symbol,
		SnapshotPath: cfg.WAL.SnapshotPath,
	}, engine.Deps{
		Gate:    risk.NewGate(limits, kill, breaker),
		Kill:    kill,
		Breaker: breaker,
		Inv:     inv,
		WAL:     wlog,
		Latency: telemetry.NewTracker(),
	})
	return core, kill, breaker, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, TCP command front end and reference-price feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			setupLogging(cfg)

			core, kill, _, err := buildCore(cfg, cfg.WAL.Fsync)
			if err != nil {
				return err
			}

			// Rebuild state: snapshot if a checkpoint names one, then the
			// records past it.
			if err := recoverState(core, cfg.WAL.Path); err != nil {
				return fmt.Errorf("recovery: %w", err)
			}

			ctx, stop := signal.NotifyContext(
				context.Background(),
				syscall.SIGTERM,
				syscall.SIGINT,
			)
			defer stop()

			t, ctx := tomb.WithContext(ctx)

			// Watchdog.
			monitor := sentinel.NewMonitor(kill)
			t.Go(func() error { return monitor.Run(t) })

			// Event drain: downstream consumers hang off this stream; here
			// we log the executions.
			t.Go(func() error {
				for ev := range core.Events() {
					if trade, ok := ev.(engine.TradeEvent); ok {
						log.Info().
							Uint64("seq", trade.Seq).
							Str("price", trade.Trade.Price.String()).
							Str("qty", trade.Trade.Qty.String()).
							Msg("trade")
					}
				}
				return nil
			})

			// GTD expiry sweep.
			t.Go(func() error {
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-t.Dying():
						return nil
					case <-ticker.C:
						if _, err := core.SweepExpired(); err != nil {
							return nil // halted; serve loop will wind down
						}
					}
				}
			})

			// Reference-price feed.
			if cfg.Feed.Enabled {
				silence := pulseBudget(cfg, "feed", 60*time.Second)
				handle := monitor.Register("feed", silence)
				priceFeed := feed.New(feed.Options{
					URL:         cfg.Feed.URL,
					Symbol:      cfg.Symbol,
					DialTimeout: cfg.Feed.DialTimeout,
					ReadTimeout: cfg.Feed.ReadTimeout,
					QueueSize:   cfg.Feed.QueueSize,
				})
				t.Go(func() error {
					priceFeed.Run(ctx)
					return nil
				})
				t.Go(func() error {
					for price := range priceFeed.Prices() {
						handle.Beat()
						if _, err := core.SetReferencePrice(price); err != nil {
							return nil
						}
					}
					return nil
				})
			}

			// TCP command front end.
			server := gnet.New(cfg.Server.Address, cfg.Server.Port, core)
			server.SetPulse(monitor.Register("server", pulseBudget(cfg, "server", 10*time.Second)))
			go server.Run(ctx)

			<-ctx.Done()
			log.Info().Msg("shutdown signal received, draining")
			t.Kill(nil)
			return core.Shutdown()
		},
	}
}

func replayCmd() *cobra.Command {
	var walPath string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the book from a WAL and print the resulting state",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := wal.ReadSegment(walPath)
			if err != nil && len(records) == 0 {
				return err
			}
			if err != nil {
				log.Warn().Err(err).Int("valid", len(records)).Msg("log truncated at corruption")
			}

			core := engine.NewCore(engine.Config{Symbol: "replay"}, engine.Deps{
				Gate:    risk.NewGate(risk.Limits{}, risk.NewKillSwitch(), nil),
				Kill:    risk.NewKillSwitch(),
				Breaker: risk.NewCircuitBreaker(risk.BreakerConfig{}, decimal.Zero),
				Inv:     inventory.NewManager("BASE", "QUOTE"),
			})
			trades, err := core.Replay(records)
			if err != nil {
				return err
			}

			bids, asks := core.Snapshot(10)
			fmt.Printf("records: %d, trades: %d\n", len(records), len(trades))
			fmt.Println("asks:")
			for i := len(asks) - 1; i >= 0; i-- {
				fmt.Printf("  %s x %s\n", asks[i].Price, asks[i].Qty)
			}
			fmt.Println("bids:")
			for _, lv := range bids {
				fmt.Printf("  %s x %s\n", lv.Price, lv.Qty)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&walPath, "wal", "w", "data/engine.wal", "WAL file or sealed segment")
	return cmd
}

func inspectCmd() *cobra.Command {
	var walPath string
	cmd := &cobra.Command{
		Use:   "inspect-wal",
		Short: "Dump WAL records for inspection",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := wal.ReadSegment(walPath)
			if err != nil && len(records) == 0 {
				return err
			}
			for _, rec := range records {
				switch rec.Kind {
				case wal.KindPlaceOrder:
					p, derr := wal.DecodePlaceOrder(rec.Payload)
					if derr != nil {
						return derr
					}
					fmt.Printf("%6d %d PLACE id=%d %s %s px=%s qty=%s owner=%s\n",
						rec.Seq, rec.TNs, p.ID, p.Side, p.Type, p.Price, p.Quantity, p.Owner)
				case wal.KindCancelOrder:
					id, derr := wal.DecodeCancelOrder(rec.Payload)
					if derr != nil {
						return derr
					}
					fmt.Printf("%6d %d CANCEL id=%d\n", rec.Seq, rec.TNs, id)
				case wal.KindSetReferencePrice:
					p, derr := wal.DecodeReferencePrice(rec.Payload)
					if derr != nil {
						return derr
					}
					fmt.Printf("%6d %d REF %s\n", rec.Seq, rec.TNs, p)
				case wal.KindCheckpoint:
					cp, derr := wal.DecodeCheckpoint(rec.Payload)
					if derr != nil {
						return derr
					}
					fmt.Printf("%6d %d CHECKPOINT snapSeq=%d file=%s\n", rec.Seq, rec.TNs, cp.SnapshotSeq, cp.SnapshotFile)
				}
			}
			if err != nil {
				fmt.Printf("-- truncated: %v --\n", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&walPath, "wal", "w", "data/engine.wal", "WAL file or sealed segment")
	return cmd
}

// recoverState folds the persisted history back into the core: the newest
// checkpoint's snapshot first, then every record past it.
func recoverState(core *engine.Core, walPath string) error {
	records, err := wal.ReadSegment(walPath)
	if err != nil && len(records) == 0 {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err != nil {
		log.Warn().Err(err).Msg("wal tail truncated during recovery")
	}

	var (
		snapSeq uint64
		toApply = records
	)
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Kind != wal.KindCheckpoint {
			continue
		}
		cp, derr := wal.DecodeCheckpoint(records[i].Payload)
		if derr != nil {
			continue
		}
		snap, serr := wal.ReadSnapshot(cp.SnapshotFile)
		if serr != nil {
			// Snapshot corruption: fall back to genesis replay.
			log.Error().Err(serr).Str("file", cp.SnapshotFile).Msg("snapshot unusable, replaying from genesis")
			break
		}
		core.LoadSnapshot(snap)
		snapSeq = cp.SnapshotSeq
		break
	}
	if snapSeq > 0 {
		toApply = nil
		for _, rec := range records {
			if rec.Seq > snapSeq {
				toApply = append(toApply, rec)
			}
		}
	}

	trades, err := core.Replay(toApply)
	if err != nil {
		return err
	}
	log.Info().
		Int("records", len(toApply)).
		Int("trades", len(trades)).
		Uint64("snapshotSeq", snapSeq).
		Msg("state recovered")
	return nil
}

func pulseBudget(cfg *config.Config, name string, fallback time.Duration) time.Duration {
	if ms, ok := cfg.Pulse.Components[name]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
