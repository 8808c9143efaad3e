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

package fq

import (
	"sync"
	"time"

	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"

	"github.com/gchux/fq-sched/internal/drr"
	"github.com/gchux/fq-sched/internal/flowarena"
	"github.com/gchux/fq-sched/internal/flowqueue"
	"github.com/gchux/fq-sched/internal/flowtable"
)

// WatchdogFunc mirrors the host's schedule_watchdog(absolute_ns, slack_ns)
// callback.
type WatchdogFunc func(atNs uint64, slack time.Duration)

// DropFunc returns a dropped packet to the host.
type DropFunc func(Packet, Kind)

// ClockFunc is the host's monotonic now() callback.
type ClockFunc func() uint64

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger injects a structured logger. A no-op logger is used if this
// option is never supplied.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = l.Sugar() }
}

// WithClock overrides the monotonic clock; tests inject a fake one.
func WithClock(c ClockFunc) Option {
	return func(s *Scheduler) { s.now = c }
}

// WithWatchdog registers the host's single-watchdog scheduling callback.
func WithWatchdog(w WatchdogFunc) Option {
	return func(s *Scheduler) { s.watchdog = w }
}

// WithDrop registers the host's drop-list handoff.
func WithDrop(d DropFunc) Option {
	return func(s *Scheduler) { s.drop = d }
}

// WithDebug gates high-volume per-packet trace logging, skipped cheaply
// when disabled.
func WithDebug(on bool) Option {
	return func(s *Scheduler) { s.debug = on }
}

// Scheduler is the Fair Queue packet scheduler. All entry
// points (Enqueue, Dequeue, Reset, Change, Destroy, Snapshot) take the
// scheduler's single mutex, so calls from several goroutines are
// serialized internally.
type Scheduler struct {
	mu sync.Mutex

	cfg   Config
	table *flowtable.Table
	eng   *drr.Engine
	stats *Stats

	totalQlen uint32
	destroyed bool

	now      ClockFunc
	watchdog WatchdogFunc
	drop     DropFunc
	log      *zap.SugaredLogger
	debug    bool
}

func engineConfig(c Config) drr.Config {
	return drr.Config{
		Quantum:          c.Quantum,
		RateEnable:       c.RateEnable,
		FlowMaxRate:      c.FlowMaxRate,
		LowRateThreshold: c.LowRateThreshold,
		CEThreshold:      c.CEThreshold,
		F1SourcePort:     c.F1SourcePort,
		F2SourcePort:     c.F2SourcePort,
	}
}

// NewScheduler validates cfg and builds a Scheduler.
func NewScheduler(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table := flowtable.New(cfg.BucketsLog, cfg.OrphanMask, cfg.InitialQuantum)
	s := &Scheduler{
		cfg:   cfg,
		table: table,
		eng:   drr.New(table.Arena(), table, engineConfig(cfg)),
		stats: &Stats{},
		now:   func() uint64 { return uint64(time.Now().UnixNano()) },
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scheduler) trace(format string, args ...interface{}) {
	if !s.debug {
		return
	}
	s.log.Debug(sf.Format(format, args...))
}

// socketInfo adapts a Packet's Socket to flowtable's narrow view.
func socketInfo(sock Socket) flowtable.SocketInfo {
	if sock == nil {
		return flowtable.SocketInfo{}
	}
	return flowtable.SocketInfo{
		Present:   true,
		ID:        uint64(sock.ID()),
		Listening: sock.Listening(),
		Closed:    sock.Closed(),
		Hash:      sock.Hash(),
	}
}

// Enqueue admits a packet.
func (s *Scheduler) Enqueue(p Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return errSchedulerDestroyed
	}

	if s.totalQlen >= s.cfg.PacketLimit {
		s.stats.drops.Add(1)
		s.dropLocked(p, KindLimitExceeded)
		return ErrLimitExceeded
	}

	now := s.now()
	tts, err := s.stampDepartureLocked(p, now)
	if err != nil {
		s.stats.drops.Add(1)
		s.dropLocked(p, KindLimitExceeded)
		return err
	}

	isControl := p.Priority()&PriorityMask == PriorityControl
	sock := p.Socket()
	h, rec, refreshed := s.table.Classify(now, isControl, p.Hash(), socketInfo(sock))

	if refreshed {
		s.eng.Unthrottle(h)
	}

	if h != s.table.InternalHandle() && rec.Queue.Len() >= s.cfg.FlowPacketLimit {
		s.stats.flowsPlimit.Add(1)
		s.stats.drops.Add(1)
		s.dropLocked(p, KindLimitExceeded)
		return ErrLimitExceeded
	}

	if rec.State == flowarena.StateDetached {
		if now > rec.DetachedAt+uint64(s.cfg.FlowRefillDelay) {
			if rec.Credit < int32(s.cfg.Quantum) {
				rec.Credit = int32(s.cfg.Quantum)
			}
		}
		s.table.MarkActive(h)
		s.eng.PushNew(h)
	}

	// Identity derivation runs after list placement: a co flow's first
	// packet still enters through new_list and reaches the co list by
	// promotion at the next dequeue scan, the way re-derived identities
	// after socket reuse do.
	if sock != nil && h != s.table.InternalHandle() {
		s.eng.NoteSourcePort(sock.SourcePort(), rec.SocketHash)
	}

	var rateSrc flowqueue.RateSource
	if sock != nil {
		rateSrc = sock
	}
	rec.Queue.Add(tts, &flowqueue.Envelope{
		Payload:           p,
		Socket:            rateSrc,
		ExplicitDeparture: p.DepartureTime() != 0,
	})

	s.totalQlen++
	s.stats.packets.Add(1)
	s.stats.bytes.Add(uint64(p.Length()))
	if h == s.table.InternalHandle() {
		s.stats.highPrio.Add(1)
	}
	s.trace("enqueue flow.key={0} qlen={1}", rec.Key, rec.Queue.Len())
	return nil
}

// stampDepartureLocked stamps a packet's time-to-send, bounding explicit
// departure times to the configured horizon.
func (s *Scheduler) stampDepartureLocked(p Packet, now uint64) (uint64, error) {
	dep := p.DepartureTime()
	if dep == 0 {
		return now, nil
	}
	horizon := uint64(s.cfg.Horizon)
	if dep > now+horizon {
		if s.cfg.HorizonDrop {
			s.stats.horizonDrops.Add(1)
			return 0, ErrLimitExceeded
		}
		s.stats.horizonCaps.Add(1)
		return now + horizon, nil
	}
	return dep, nil
}

func (s *Scheduler) dropLocked(p Packet, k Kind) {
	if s.drop != nil {
		s.drop(p, k)
	}
}

// Dequeue selects and returns the next packet to transmit.
func (s *Scheduler) Dequeue() (Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dequeueLocked()
}

func (s *Scheduler) dequeueLocked() (Packet, bool) {
	if s.destroyed || s.totalQlen == 0 {
		return nil, false
	}

	internalRec := s.table.Arena().Get(s.table.InternalHandle())
	if payload, _, ok := internalRec.Queue.Peek(); ok {
		internalRec.Queue.Dequeue()
		s.totalQlen--
		return unwrap(payload), true
	}

	now := s.now()
	res, watchdogAt, hasWatchdog := s.eng.Dequeue(now)
	if res == nil {
		if hasWatchdog && s.watchdog != nil {
			s.watchdog(watchdogAt, s.cfg.TimerSlack)
		}
		return nil, false
	}

	s.totalQlen--
	if res.CEMarked {
		s.stats.ceMarked.Add(1)
	}
	if res.TooLong {
		s.stats.pktsTooLong.Add(1)
	}
	return unwrap(res.Packet), true
}

func unwrap(payload flowqueue.Payload) Packet {
	env, ok := payload.(*flowqueue.Envelope)
	if !ok {
		return payload.(Packet)
	}
	return env.Payload.(Packet)
}

// Reset purges every queued packet (including the internal flow's) back
// to the host's drop path and rebuilds an empty scheduler.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Scheduler) resetLocked() {
	internalRec := s.table.Arena().Get(s.table.InternalHandle())
	for _, pkt := range internalRec.Queue.Reset() {
		s.dropLocked(unwrap(pkt), KindLimitExceeded)
	}
	s.table.ForEach(func(h flowarena.Handle) {
		rec := s.table.Arena().Get(h)
		for _, pkt := range rec.Queue.Reset() {
			s.dropLocked(unwrap(pkt), KindLimitExceeded)
		}
	})
	s.table = flowtable.New(s.cfg.BucketsLog, s.cfg.OrphanMask, s.cfg.InitialQuantum)
	s.eng = drr.New(s.table.Arena(), s.table, engineConfig(s.cfg))
	s.totalQlen = 0
}

// Change validates and applies a new configuration; rejected changes
// never mutate state. A shrinking PacketLimit drains the queue down to
// the new limit, counted under Stats.LimitShrinkDrops.
func (s *Scheduler) Change(newCfg Config) error {
	if err := newCfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return errSchedulerDestroyed
	}

	if newCfg.BucketsLog != s.cfg.BucketsLog {
		s.table.Resize(newCfg.BucketsLog, s.now())
	}
	s.cfg = newCfg
	s.table.SetInitialQuantum(newCfg.InitialQuantum)
	s.eng.SetConfig(engineConfig(newCfg))

	for s.totalQlen > s.cfg.PacketLimit {
		p, ok := s.dequeueLocked()
		if !ok {
			break
		}
		s.stats.limitShrink.Add(1)
		s.dropLocked(p, KindLimitExceeded)
	}
	return nil
}

// Destroy purges all queued packets and marks the scheduler unusable;
// further Enqueue/Change calls return errSchedulerDestroyed and Dequeue
// reports no packet.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.destroyed = true
}

// Snapshot returns a point-in-time copy of every exposed statistic.
// TimeNextDelayedFlow is reported relative to now, offset by the
// configured timer slack, or 0 when nothing is throttled.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	sn := s.stats.Snapshot()
	sn.Flows = s.table.Flows()
	sn.InactiveFlows = s.table.InactiveFlows()
	sn.GCFlows = s.table.GCFlows()
	sn.AllocErrors = s.table.AllocationErrors()
	sn.Throttled = s.eng.ThrottleEvents()
	sn.ThrottledFlows = uint64(s.eng.ThrottledFlows())
	sn.UnthrottleLatency = s.eng.UnthrottleLatency()
	sn.CoFlows = uint64(s.eng.CoFlows())
	if at, ok := s.eng.NextDeadline(); ok {
		now := s.now()
		slack := uint64(s.cfg.TimerSlack)
		if at+slack > now {
			sn.TimeNextDelayedFlow = at + slack - now
		}
	}
	s.mu.Unlock()
	return sn
}
