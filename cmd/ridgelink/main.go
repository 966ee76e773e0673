package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Operative-001/ridgelink/internal/archive"
	"github.com/Operative-001/ridgelink/internal/config"
	"github.com/Operative-001/ridgelink/internal/metrics"
	"github.com/Operative-001/ridgelink/internal/protocol"
	"github.com/Operative-001/ridgelink/internal/relay"
	"github.com/Operative-001/ridgelink/internal/sink"
	"github.com/Operative-001/ridgelink/internal/source"
	"github.com/Operative-001/ridgelink/internal/store"
	"github.com/Operative-001/ridgelink/internal/transport"
)

const peerRetry = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:   "ridgelink",
	Short: "Telemetry over a lossy radio link with redundant relays.",
	Long: `ridgelink carries periodic sensor readings from a remote source node to a
sink over a half-duplex shared radio channel, through up to two relays that
know nothing about each other.

Each node runs as its own process. Nodes on different hosts are bridged over
TCP; 'simulate' runs the whole network in one process on a simulated channel.`,
	SilenceUsage: true,
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// openRadio builds the TCP bridge and keeps dialing configured peers until
// ctx is done.
func openRadio(ctx context.Context, cfg *config.Config) (*transport.TCPTransport, error) {
	if cfg.Transport.Kind != "tcp" {
		return nil, fmt.Errorf("transport kind %q is only available in 'simulate'", cfg.Transport.Kind)
	}
	tr := transport.NewTCP(cfg.Transport.Listen, cfg.Radio, cfg.Transport.NominalRSSI)
	go func() {
		ticker := time.NewTicker(peerRetry)
		defer ticker.Stop()
		for {
			for _, addr := range cfg.Transport.Peers {
				if err := tr.Connect(addr); err != nil {
					log.Printf("transport: peer %s: %v", addr, err)
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return tr, nil
}

func startMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server exited: %v", err)
		}
	}()
	return srv
}

func stopMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func printBanner(role string, cfg *config.Config) {
	fmt.Printf("\n  ridgelink %s\n", role)
	fmt.Printf("  Channel   : %.1f MHz  BW %.0f kHz  SF%d  CR4/%d  sync 0x%02X\n",
		cfg.Radio.FrequencyMHz, cfg.Radio.BandwidthKHz, cfg.Radio.SpreadingFactor, cfg.Radio.CodingRate, cfg.Radio.SyncWord)
	if cfg.Transport.Listen != "" {
		fmt.Printf("  Listening : %s\n", cfg.Transport.Listen)
	}
	if len(cfg.Transport.Peers) > 0 {
		fmt.Printf("  Peers     : %s\n", strings.Join(cfg.Transport.Peers, ", "))
	}
	fmt.Printf("  Metrics   : %s/metrics\n\n", cfg.Metrics.Addr)
}

// ─── source ──────────────────────────────────────────────────────────────────

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Run the source node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		seed, _ := cmd.Flags().GetInt64("sensor-seed")

		ctx, stop := signalContext()
		defer stop()

		tr, err := openRadio(ctx, cfg)
		if err != nil {
			return err
		}
		defer tr.Close()

		reg := prometheus.NewRegistry()
		srv := startMetrics(cfg.Metrics.Addr, reg)
		defer stopMetrics(srv)

		em, err := source.New(source.Config{
			Transport: tr,
			Sensor:    source.NewDrift(source.Sample{Primary: 50, Secondary: 50}, 0.5, seed),
			Battery:   source.FixedBattery(cfg.Source.Battery()),
			Interval:  cfg.Source.TxInterval,
			Metrics:   metrics.NewProm(reg, protocol.NodeSource.String()),
		})
		if err != nil {
			return err
		}

		printBanner("source", cfg)
		return em.Run(ctx)
	},
}

// ─── relay ───────────────────────────────────────────────────────────────────

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		role, _ := cmd.Flags().GetString("role")

		var id protocol.NodeID
		var delay time.Duration
		switch role {
		case "primary":
			id, delay = protocol.NodeRelayPrimary, cfg.Relay.PrimaryDelay
		case "secondary":
			id, delay = protocol.NodeRelaySecondary, cfg.Relay.SecondaryDelay
		default:
			return fmt.Errorf("--role must be primary or secondary, got %q", role)
		}
		if cmd.Flags().Changed("duty-cycle") {
			cfg.Relay.DutyCycle, _ = cmd.Flags().GetBool("duty-cycle")
		}

		ctx, stop := signalContext()
		defer stop()

		tr, err := openRadio(ctx, cfg)
		if err != nil {
			return err
		}
		defer tr.Close()

		rc := relay.Config{
			ID:           id,
			Delay:        delay,
			Transport:    tr,
			DutyCycle:    cfg.Relay.DutyCycle,
			ListenWindow: cfg.Relay.ListenWindow,
			Sleep:        cfg.Relay.Sleep,
		}
		if cfg.Store.Dir != "" {
			db, err := store.Open(cfg.Store.Dir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()
			rc.Store = db
		}

		reg := prometheus.NewRegistry()
		rc.Metrics = metrics.NewProm(reg, id.String())
		srv := startMetrics(cfg.Metrics.Addr, reg)
		defer stopMetrics(srv)

		r, err := relay.New(rc)
		if err != nil {
			return err
		}

		printBanner(id.String(), cfg)
		if err := r.Run(ctx); err != nil {
			return err
		}
		st := r.Stats()
		fmt.Printf("\n%s: boots=%d relayed=%d errors=%d rejected=%v\n", id, st.BootCount, st.PacketsRelayed, st.Errors, st.Rejected)
		return nil
	},
}

// ─── sink ────────────────────────────────────────────────────────────────────

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Run the sink node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		tr, err := openRadio(ctx, cfg)
		if err != nil {
			return err
		}
		defer tr.Close()

		sc := sink.Config{
			Transport:       tr,
			LivenessTimeout: cfg.Sink.LivenessTimeout,
			PollInterval:    cfg.Sink.PollInterval,
			SeenExpiry:      cfg.Sink.SeenExpiry,
			RunID:           uuid.NewString(),
		}
		if cfg.Store.Dir != "" {
			db, err := store.Open(cfg.Store.Dir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()
			sc.Store = db
		}
		if cfg.Archive.ConnString != "" {
			ar, err := archive.Open(cfg.Archive.ConnString, cfg.Archive.Table)
			if err != nil {
				return err
			}
			defer ar.Close()
			if err := ar.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("archive schema: %w", err)
			}
			sc.Archive = ar
		}

		reg := prometheus.NewRegistry()
		sc.Metrics = metrics.NewProm(reg, protocol.NodeSink.String())
		srv := startMetrics(cfg.Metrics.Addr, reg)
		defer stopMetrics(srv)

		rcv, err := sink.New(sc)
		if err != nil {
			return err
		}
		go printEvents(ctx, rcv)

		printBanner("sink", cfg)
		fmt.Printf("  Run ID    : %s\n\n", sc.RunID)
		if err := rcv.Run(ctx); err != nil {
			return err
		}
		printSnapshot(rcv.Snapshot())
		return nil
	},
}

func printEvents(ctx context.Context, rcv *sink.Receiver) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rcv.Events():
			switch ev.Kind {
			case sink.EventConnectionLost:
				fmt.Printf("%s  CONNECTION LOST\n", ev.At.Format(time.TimeOnly))
			case sink.EventConnectionRestored:
				fmt.Printf("%s  connection restored (seq %d)\n", ev.At.Format(time.TimeOnly), ev.Packet.Sequence)
			case sink.EventGap:
				fmt.Printf("%s  %d missed before seq %d\n", ev.At.Format(time.TimeOnly), ev.Gap, ev.Packet.Sequence)
			}
		}
	}
}

func printSnapshot(s sink.Snapshot) {
	state := "LOST"
	if s.ConnectionActive {
		state = "active"
	}
	fmt.Printf("link %-6s valid=%d errors=%d missed=%d anomalies=%d duplicates=%d distinct=%d\n",
		state, s.TotalValid, s.TotalErrors, s.Missed, s.Anomalies, s.Duplicates, s.Distinct)
	if !s.HasSequence {
		fmt.Println("  no data yet")
		return
	}
	fmt.Printf("  seq=%d via %s  primary=%.2f secondary=%.2f  battery=%d%%  hop_rssi=%d  rssi=%d snr=%.1f\n",
		s.LastSequence, s.Via, s.Latest.PrimaryReading, s.Latest.SecondaryReading, s.Latest.BatteryPercent,
		s.Latest.HopRSSI, s.RSSI, s.SNR)
	fmt.Printf("  paths: direct=%d primary=%d secondary=%d\n",
		s.PerPath[protocol.NodeNone], s.PerPath[protocol.NodeRelayPrimary], s.PerPath[protocol.NodeRelaySecondary])
}

// ─── history ─────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the latest readings stored by the sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("dir") {
			cfg.Store.Dir, _ = cmd.Flags().GetString("dir")
		}
		if cfg.Store.Dir == "" {
			return fmt.Errorf("no store directory: set store.dir or --dir")
		}
		limit := cfg.Sink.HistoryLimit
		if cmd.Flags().Changed("limit") {
			limit, _ = cmd.Flags().GetInt("limit")
		}

		db, err := store.Open(cfg.Store.Dir)
		if err != nil {
			return err
		}
		defer db.Close()

		rs, err := db.Readings(limit)
		if err != nil {
			return err
		}
		if len(rs) == 0 {
			fmt.Println("No readings stored.")
			return nil
		}
		fmt.Printf("%-20s %4s %-16s %9s %9s %4s %5s %5s %-8s\n", "received", "seq", "via", "primary", "secondary", "bat", "hop", "rssi", "run")
		for _, r := range rs {
			run := r.RunID
			if len(run) > 8 {
				run = run[:8]
			}
			fmt.Printf("%-20s %4d %-16s %9.2f %9.2f %4d %5d %5d %-8s\n",
				r.ReceivedAt.Local().Format("2006-01-02 15:04:05"), r.Sequence, r.RelayID,
				r.Primary, r.Secondary, r.Battery, r.HopRSSI, r.RSSI, run)
		}
		return nil
	},
}

// ─── validate ────────────────────────────────────────────────────────────────

var validateCmd = &cobra.Command{
	Use:   "validate <config.yaml>",
	Short: "Check a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s is valid\n", args[0])
		fmt.Printf("  radio fingerprint : %08x\n", cfg.Radio.Fingerprint())
		fmt.Printf("  relay delays      : primary %s, secondary %s\n", cfg.Relay.PrimaryDelay, cfg.Relay.SecondaryDelay)
		fmt.Printf("  liveness timeout  : %s\n", cfg.Sink.LivenessTimeout)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file (defaults built in)")

	sourceCmd.Flags().Int64("sensor-seed", time.Now().UnixNano(), "Seed for the synthetic sensor")

	relayCmd.Flags().String("role", "primary", "Relay identity: primary or secondary")
	relayCmd.Flags().Bool("duty-cycle", false, "Listen in windows and sleep between them")

	historyCmd.Flags().String("dir", "", "Store directory (overrides store.dir)")
	historyCmd.Flags().Int("limit", 20, "Number of readings to show")

	rootCmd.AddCommand(sourceCmd, relayCmd, sinkCmd, simulateCmd, historyCmd, validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
