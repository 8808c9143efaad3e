// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// fqsim replays a packet capture through the fair-queue scheduler and
// reports what the schedule did to it: per-flow pacing holds, co-flow
// bursts, drops, and the final statistics dump.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"

	"github.com/gchux/fq-sched/pkg/fq"
)

func schedulerConfig(cCtx *cli.Context) fq.Config {
	cfg := fq.DefaultConfig()
	cfg.PacketLimit = uint32(cCtx.Uint("plimit"))
	cfg.FlowPacketLimit = uint32(cCtx.Uint("flow-plimit"))
	cfg.Quantum = uint32(cCtx.Uint("quantum"))
	cfg.InitialQuantum = uint32(cCtx.Uint("initial-quantum"))
	cfg.RateEnable = cCtx.Bool("rate-enable")
	cfg.FlowMaxRate = cCtx.Uint64("flow-max-rate")
	cfg.BucketsLog = uint8(cCtx.Uint("buckets-log"))
	cfg.FlowRefillDelay = cCtx.Duration("flow-refill-delay")
	cfg.OrphanMask = uint32(cCtx.Uint("orphan-mask"))
	cfg.LowRateThreshold = cCtx.Uint64("low-rate-threshold")
	if ce := cCtx.Uint64("ce-threshold"); ce != 0 {
		cfg.CEThreshold = ce
	}
	cfg.TimerSlack = cCtx.Duration("timer-slack")
	cfg.Horizon = cCtx.Duration("horizon")
	cfg.HorizonDrop = cCtx.Bool("horizon-drop")
	cfg.F1SourcePort = uint16(cCtx.Uint("f1-sourceport"))
	cfg.F2SourcePort = uint16(cCtx.Uint("f2-sourceport"))
	cfg.F1DestPort = uint16(cCtx.Uint("f1-destport"))
	cfg.F2DestPort = uint16(cCtx.Uint("f2-destport"))
	return cfg
}

func run(cCtx *cli.Context) error {
	logger, err := zap.NewProduction()
	if cCtx.Bool("debug") {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := schedulerConfig(cCtx)
	if path := cCtx.String("config"); path != "" {
		if cfg, err = loadConfigFile(path, cfg); err != nil {
			return cli.Exit(sf.Format("config {0}: {1}", path, err.Error()), 1)
		}
	}

	var dropped atomic.Uint64
	wakeup := make(chan struct{}, 1)
	var watchdogTimer atomic.Pointer[time.Timer]

	sched, err := fq.NewScheduler(cfg,
		fq.WithLogger(logger),
		fq.WithDebug(cCtx.Bool("debug")),
		fq.WithDrop(func(p fq.Packet, kind fq.Kind) {
			dropped.Add(1)
			log.Debug(sf.Format("dropped {0}B packet: {1}", p.Length(), kind.String()))
		}),
		fq.WithWatchdog(func(atNs uint64, slack time.Duration) {
			delay := time.Until(time.Unix(0, int64(atNs))) + slack
			if delay < 0 {
				delay = 0
			}
			if old := watchdogTimer.Load(); old != nil {
				old.Stop()
			}
			watchdogTimer.Store(time.AfterFunc(delay, func() {
				select {
				case wakeup <- struct{}{}:
				default:
				}
			}))
		}),
	)
	if err != nil {
		return err
	}
	defer sched.Destroy()

	if path := cCtx.String("config"); path != "" {
		go func() {
			if err := watchConfig(ctx, log, path, sched, cfg); err != nil && ctx.Err() == nil {
				log.Warn(sf.Format("config watch stopped: {0}", err.Error()))
			}
		}()
	}

	source, handle, err := openPacketSource(ctx, log, cCtx.String("pcap"))
	if err != nil {
		return cli.Exit(sf.Format("pcap {0}: {1}", cCtx.String("pcap"), err.Error()), 1)
	}
	defer handle.Close()

	factory := newPacketFactory(cCtx.Uint64("pacing-rate"))

	var accepted, skipped uint64
	for pkt := range source.Packets() {
		sp, ok := factory.translate(pkt)
		if !ok {
			skipped++
			continue
		}
		if err := sched.Enqueue(sp); err != nil {
			continue // drop callback already accounted for it
		}
		accepted++
	}
	log.Info(sf.Format("enqueued {0} packets ({1} without a transport layer, {2} dropped at admission)",
		accepted, skipped, dropped.Load()))

	// Drops past this point can only come from a live-reload shrinking the
	// queue; admission-time drops were never counted as accepted.
	admissionDrops := dropped.Load()

	var emitted uint64
	for emitted+(dropped.Load()-admissionDrops) < accepted {
		if _, ok := sched.Dequeue(); ok {
			emitted++
			continue
		}
		select {
		case <-wakeup:
		case <-ctx.Done():
			log.Warn(sf.Format("interrupted with {0} packets still queued", accepted-emitted-(dropped.Load()-admissionDrops)))
			return ctx.Err()
		}
	}
	if t := watchdogTimer.Load(); t != nil {
		t.Stop()
	}

	log.Info(sf.Format("emitted {0} packets", emitted))
	log.Info(sf.Format("stats: {0}", sched.Snapshot().JSON()))
	return nil
}

func main() {
	app := &cli.App{
		Name:  "fqsim",
		Usage: "replay a pcap file through the fair-queue scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pcap", Usage: "capture file to replay", Required: true},
			&cli.StringFlag{Name: "config", Usage: "JSON tunables file, watched for live reload"},
			&cli.BoolFlag{Name: "debug", Usage: "per-packet trace logging"},
			&cli.Uint64Flag{Name: "pacing-rate", Usage: "pacing rate (bytes/sec) attributed to replayed sockets"},
			&cli.UintFlag{Name: "plimit", Value: 10000, Usage: "total packet limit"},
			&cli.UintFlag{Name: "flow-plimit", Value: 100, Usage: "per-flow packet limit"},
			&cli.UintFlag{Name: "quantum", Value: 3000, Usage: "DRR quantum (bytes)"},
			&cli.UintFlag{Name: "initial-quantum", Value: 15000, Usage: "initial flow credit (bytes)"},
			&cli.BoolFlag{Name: "rate-enable", Value: true, Usage: "apply per-socket pacing"},
			&cli.Uint64Flag{Name: "flow-max-rate", Usage: "per-flow rate cap (bytes/sec, 0 = unlimited)"},
			&cli.UintFlag{Name: "buckets-log", Value: 10, Usage: "log2 of flow-table buckets (1..18)"},
			&cli.DurationFlag{Name: "flow-refill-delay", Value: 40 * time.Millisecond, Usage: "idle time before credit refresh"},
			&cli.UintFlag{Name: "orphan-mask", Value: 1023, Usage: "hash mask for orphaned flows"},
			&cli.Uint64Flag{Name: "low-rate-threshold", Value: 68750, Usage: "rate (bytes/sec) below which credit is zeroed"},
			&cli.Uint64Flag{Name: "ce-threshold", Usage: "lateness (ns) before ECN-CE marking, 0 = never"},
			&cli.DurationFlag{Name: "timer-slack", Value: 10 * time.Microsecond, Usage: "watchdog slack"},
			&cli.DurationFlag{Name: "horizon", Value: 10 * time.Second, Usage: "max future departure time"},
			&cli.BoolFlag{Name: "horizon-drop", Value: true, Usage: "drop (vs. cap) packets beyond horizon"},
			&cli.UintFlag{Name: "f1-sourceport", Usage: "first co-flow source port"},
			&cli.UintFlag{Name: "f2-sourceport", Usage: "second co-flow source port"},
			&cli.UintFlag{Name: "f1-destport", Usage: "reserved"},
			&cli.UintFlag{Name: "f2-destport", Usage: "reserved"},
		},
		Action: run,
	}
	if err := app.RunContext(context.Background(), os.Args); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
