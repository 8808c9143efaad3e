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

package main

import (
	"context"
	"os"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"

	"github.com/gchux/fq-sched/pkg/fq"
)

// loadConfigFile overlays the JSON tunables found at path onto base.
// Keys are the scheduler's option names; absent keys keep base's value.
// The file is read under an advisory lock so a writer updating it from
// another process never races a half-written document into the reload.
func loadConfigFile(path string, base fq.Config) (fq.Config, error) {
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return base, err
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	doc, err := gabs.ParseJSON(raw)
	if err != nil {
		return base, err
	}

	cfg := base
	setUint32 := func(key string, dst *uint32) {
		if v, ok := doc.Path(key).Data().(float64); ok {
			*dst = uint32(v)
		}
	}
	setUint64 := func(key string, dst *uint64) {
		if v, ok := doc.Path(key).Data().(float64); ok {
			*dst = uint64(v)
		}
	}
	setUint16 := func(key string, dst *uint16) {
		if v, ok := doc.Path(key).Data().(float64); ok {
			*dst = uint16(v)
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := doc.Path(key).Data().(bool); ok {
			*dst = v
		}
	}
	setDurationNs := func(key string, dst *time.Duration) {
		if v, ok := doc.Path(key).Data().(float64); ok {
			*dst = time.Duration(v)
		}
	}

	setUint32("plimit", &cfg.PacketLimit)
	setUint32("flow_plimit", &cfg.FlowPacketLimit)
	setUint32("quantum", &cfg.Quantum)
	setUint32("initial_quantum", &cfg.InitialQuantum)
	setBool("rate_enable", &cfg.RateEnable)
	setUint64("flow_max_rate", &cfg.FlowMaxRate)
	if v, ok := doc.Path("buckets_log").Data().(float64); ok {
		cfg.BucketsLog = uint8(v)
	}
	setDurationNs("flow_refill_delay_ns", &cfg.FlowRefillDelay)
	setUint32("orphan_mask", &cfg.OrphanMask)
	setUint64("low_rate_threshold", &cfg.LowRateThreshold)
	setUint64("ce_threshold_ns", &cfg.CEThreshold)
	setDurationNs("timer_slack_ns", &cfg.TimerSlack)
	setDurationNs("horizon_ns", &cfg.Horizon)
	setBool("horizon_drop", &cfg.HorizonDrop)
	setUint16("f1_sourceport", &cfg.F1SourcePort)
	setUint16("f2_sourceport", &cfg.F2SourcePort)
	setUint16("f1_destport", &cfg.F1DestPort)
	setUint16("f2_destport", &cfg.F2DestPort)
	return cfg, nil
}

// watchConfig applies cfg changes from path to the scheduler on every
// write event until ctx is done. Rejected configurations are logged and
// skipped; the scheduler keeps its prior state.
func watchConfig(ctx context.Context, logger *zap.SugaredLogger, path string, sched *fq.Scheduler, base fq.Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}
	logger.Info(sf.Format("watching {0} for configuration changes", path))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := loadConfigFile(path, base)
			if err != nil {
				logger.Warn(sf.Format("reload {0}: {1}", path, err.Error()))
				continue
			}
			if err := sched.Change(cfg); err != nil {
				logger.Warn(sf.Format("change rejected: {0}", err.Error()))
				continue
			}
			base = cfg
			logger.Info(sf.Format("configuration applied from {0}", path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(sf.Format("watch {0}: {1}", path, err.Error()))
		}
	}
}
