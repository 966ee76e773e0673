package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Operative-001/ridgelink/internal/config"
	"github.com/Operative-001/ridgelink/internal/metrics"
	"github.com/Operative-001/ridgelink/internal/protocol"
	"github.com/Operative-001/ridgelink/internal/relay"
	"github.com/Operative-001/ridgelink/internal/sink"
	"github.com/Operative-001/ridgelink/internal/source"
	"github.com/Operative-001/ridgelink/internal/store"
	"github.com/Operative-001/ridgelink/internal/transport"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run source, both relays and the sink on a simulated channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		duration, _ := cmd.Flags().GetDuration("duration")
		interval, _ := cmd.Flags().GetDuration("interval")
		loss, _ := cmd.Flags().GetFloat64("loss")
		airtime, _ := cmd.Flags().GetDuration("airtime")
		report, _ := cmd.Flags().GetDuration("report")
		direct, _ := cmd.Flags().GetBool("direct")
		seed, _ := cmd.Flags().GetInt64("seed")
		metricsAddr, _ := cmd.Flags().GetString("metrics")
		if cmd.Flags().Changed("duty-cycle") {
			cfg.Relay.DutyCycle, _ = cmd.Flags().GetBool("duty-cycle")
		}
		if loss < 0 || loss > 1 {
			return fmt.Errorf("--loss must be within 0..1")
		}

		ctx, stop := signalContext()
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, duration)
		defer cancel()

		ether := transport.NewEther(transport.WithAirtime(airtime), transport.WithSeed(seed))
		radios := map[string]*transport.MemoryTransport{}
		for _, name := range []string{"source", "primary", "secondary", "sink"} {
			r, err := ether.Attach(name, cfg.Radio)
			if err != nil {
				return err
			}
			defer r.Close()
			radios[name] = r
		}
		ether.SetLink("source", "primary", transport.Link{RSSI: -104, SNR: 1.5, Loss: loss})
		ether.SetLink("source", "secondary", transport.Link{RSSI: -109, SNR: -2, Loss: loss})
		ether.SetLink("primary", "sink", transport.Link{RSSI: -88, SNR: 8, Loss: loss})
		ether.SetLink("secondary", "sink", transport.Link{RSSI: -93, SNR: 6, Loss: loss})
		if direct {
			ether.SetLink("source", "sink", transport.Link{RSSI: -118, SNR: -9, Loss: loss})
		} else {
			ether.SetLink("source", "sink", transport.Link{Blocked: true})
		}

		reg := prometheus.NewRegistry()
		if metricsAddr != "" {
			srv := startMetrics(metricsAddr, reg)
			defer stopMetrics(srv)
		}

		var db *store.Store
		if cfg.Store.Dir != "" {
			if db, err = store.Open(cfg.Store.Dir); err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()
		}

		em, err := source.New(source.Config{
			Transport: radios["source"],
			Sensor:    source.NewDrift(source.Sample{Primary: 50, Secondary: 50}, 0.5, seed),
			Battery:   source.FixedBattery(cfg.Source.Battery()),
			Interval:  interval,
			Metrics:   metrics.NewProm(reg, protocol.NodeSource.String()),
		})
		if err != nil {
			return err
		}

		relays := make([]*relay.Relay, 0, 2)
		for _, rc := range []struct {
			id    protocol.NodeID
			radio string
			delay time.Duration
		}{
			{protocol.NodeRelayPrimary, "primary", cfg.Relay.PrimaryDelay},
			{protocol.NodeRelaySecondary, "secondary", cfg.Relay.SecondaryDelay},
		} {
			c := relay.Config{
				ID:           rc.id,
				Delay:        rc.delay,
				Transport:    radios[rc.radio],
				DutyCycle:    cfg.Relay.DutyCycle,
				ListenWindow: cfg.Relay.ListenWindow,
				Sleep:        cfg.Relay.Sleep,
				Metrics:      metrics.NewProm(reg, rc.id.String()),
			}
			if db != nil {
				c.Store = db
			}
			r, err := relay.New(c)
			if err != nil {
				return err
			}
			relays = append(relays, r)
		}

		sc := sink.Config{
			Transport:       radios["sink"],
			LivenessTimeout: cfg.Sink.LivenessTimeout,
			PollInterval:    cfg.Sink.PollInterval,
			SeenExpiry:      config.SeenWindow(interval),
			RunID:           uuid.NewString(),
			Metrics:         metrics.NewProm(reg, protocol.NodeSink.String()),
		}
		if db != nil {
			sc.Store = db
		}
		rcv, err := sink.New(sc)
		if err != nil {
			return err
		}
		go printEvents(ctx, rcv)

		fmt.Printf("\n  ridgelink simulation  run %s\n", sc.RunID)
		fmt.Printf("  interval %s  loss %.0f%%  airtime %s  delays %s/%s  duty-cycle %v\n\n",
			interval, loss*100, airtime, cfg.Relay.PrimaryDelay, cfg.Relay.SecondaryDelay, cfg.Relay.DutyCycle)

		var wg sync.WaitGroup
		runners := []func(context.Context) error{rcv.Run}
		for _, r := range relays {
			runners = append(runners, r.Run)
		}
		for _, run := range runners {
			wg.Add(1)
			go func(run func(context.Context) error) {
				defer wg.Done()
				if err := run(ctx); err != nil {
					log.Printf("simulate: %v", err)
				}
			}(run)
		}
		// let the receivers arm before the first transmission
		time.Sleep(50 * time.Millisecond)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := em.Run(ctx); err != nil {
				log.Printf("simulate: %v", err)
			}
		}()

		ticker := time.NewTicker(report)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				printSnapshot(rcv.Snapshot())
			}
		}
		wg.Wait()

		fmt.Println("\n  final")
		src := em.Stats()
		fmt.Printf("source sent=%d failed=%d next_seq=%d\n", src.Sent, src.Failed, src.NextSequence)
		for _, r := range relays {
			st := r.Stats()
			fmt.Printf("%s boots=%d relayed=%d errors=%d rejected=%v\n", st.ID, st.BootCount, st.PacketsRelayed, st.Errors, st.Rejected)
		}
		printSnapshot(rcv.Snapshot())
		return nil
	},
}

func init() {
	simulateCmd.Flags().Duration("duration", time.Minute, "How long to run")
	simulateCmd.Flags().Duration("interval", time.Second, "Source transmit interval")
	simulateCmd.Flags().Float64("loss", 0.1, "Per-link loss probability")
	simulateCmd.Flags().Duration("airtime", 40*time.Millisecond, "Time a frame occupies the channel (0 disables collisions)")
	simulateCmd.Flags().Duration("report", 5*time.Second, "Snapshot print interval")
	simulateCmd.Flags().Bool("direct", false, "Let the sink hear the source directly")
	simulateCmd.Flags().Int64("seed", 1, "Seed for channel loss and the synthetic sensor")
	simulateCmd.Flags().String("metrics", "", "Serve Prometheus metrics on this address")
	simulateCmd.Flags().Bool("duty-cycle", false, "Run relays in listen/sleep cycles")
}
