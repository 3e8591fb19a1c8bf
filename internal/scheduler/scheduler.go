// Package scheduler is the heart of the Brain: one cooperative tick loop
// that opens and closes sessions as schedules enter and leave their solar or
// time-of-day windows, and fans out capture batches to nodes. See spec §4.6.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylapse/brain/internal/clock"
	"github.com/skylapse/brain/internal/config"
	"github.com/skylapse/brain/internal/exposure"
	"github.com/skylapse/brain/internal/nodeclient"
	"github.com/skylapse/brain/internal/queue"
	"github.com/skylapse/brain/internal/solar"
	"github.com/skylapse/brain/internal/store"
	"github.com/skylapse/brain/pkg/events"
	"github.com/skylapse/brain/pkg/metrics"
)

const defaultTickInterval = 30 * time.Second

// Scheduler runs the single-threaded tick loop described in spec §4.6.
type Scheduler struct {
	configStore *config.Store
	sessions    *store.Store
	jobs        *queue.Queue
	solarCalc   *solar.Calculator
	nodes       *NodePool
	meter       *MeterCache
	clk         clock.Clock
	log         *zap.Logger
	bus         *events.Bus

	prevActive     map[string]bool
	processedToday map[string]string
	configVersion  uint64

	historyMu sync.Mutex
	history   map[string][]exposure.HistoryFrame
}

// defaultSmoothingWindow bounds the per-(schedule,node,profile) history ring
// when a schedule enables smoothing but leaves window_size unset.
const defaultSmoothingWindow = 5

func exposureHistoryKey(sessionID, nodeID string) string {
	return sessionID + "|" + nodeID
}

// New wires a Scheduler from its dependencies.
func New(
	configStore *config.Store,
	sessions *store.Store,
	jobs *queue.Queue,
	solarCalc *solar.Calculator,
	nodes *NodePool,
	meter *MeterCache,
	clk clock.Clock,
	bus *events.Bus,
	log *zap.Logger,
) *Scheduler {
	return &Scheduler{
		configStore:   configStore,
		sessions:      sessions,
		jobs:          jobs,
		solarCalc:     solarCalc,
		nodes:         nodes,
		meter:         meter,
		clk:            clk,
		bus:            bus,
		log:            log,
		prevActive:     make(map[string]bool),
		processedToday: make(map[string]string),
		history:        make(map[string][]exposure.HistoryFrame),
	}
}

// SeedPrevActive primes prev_active from a crash-recovery pass (see
// recover.go) before the loop starts.
func (s *Scheduler) SeedPrevActive(prevActive map[string]bool) {
	for k, v := range prevActive {
		s.prevActive[k] = v
	}
}

// Run executes the tick loop until ctx is cancelled. A batch in flight runs
// under ctx, so cancellation cancels it as well; there is no shutdown grace
// period for it to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		start := s.clk.Now()
		tickInterval := s.currentTickInterval()

		s.runTick(ctx, start, tickInterval)

		elapsed := s.clk.Now().Sub(start)
		sleepFor := tickInterval - elapsed
		if sleepFor < 0 {
			metrics.TickOverruns.Inc()
			sleepFor = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.clk.After(sleepFor):
		}
	}
}

func (s *Scheduler) currentTickInterval() time.Duration {
	cfg, _ := s.configStore.Snapshot()
	min := time.Duration(0)
	for _, sch := range cfg.EnabledSchedules() {
		d := time.Duration(sch.IntervalSeconds) * time.Second
		if min == 0 || d < min {
			min = d
		}
	}
	if min == 0 {
		min = defaultTickInterval
	}
	// scheduler.tick_interval_seconds, when set, is a floor: it protects the
	// process from ticking tighter than the operator wants even if a
	// schedule's own interval_seconds is shorter.
	if floor := time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second; floor > min {
		return floor
	}
	return min
}

// runTick executes one pass of the algorithm in spec §4.6, steps 1-7.
func (s *Scheduler) runTick(ctx context.Context, now time.Time, tickInterval time.Duration) {
	defer func(start time.Time) {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}(now)

	cfg, version := s.configStore.Snapshot()
	if version != s.configVersion {
		s.nodes.Sync(cfg.Nodes)
		s.configVersion = version
	}

	maxParallel := cfg.Scheduler.MaxParallelCaptures
	if maxParallel <= 0 {
		maxParallel = len(cfg.Nodes)
	}

	deadline := now.Add(tickInterval)

	for _, sch := range cfg.EnabledSchedules() {
		s.processSchedule(ctx, cfg, sch, now, tickInterval, deadline, maxParallel)
	}
}

func (s *Scheduler) processSchedule(ctx context.Context, cfg config.Config, sch config.Schedule, now time.Time, tickInterval time.Duration, deadline time.Time, maxParallel int) {
	tz, err := time.LoadLocation(cfg.Location.Timezone)
	if err != nil {
		tz = time.UTC
	}
	dateLocal := dateLocalFor(tz, now)

	win, err := s.solarCalc.Window(cfg.Location, sch, parseDateLocal(dateLocal))
	if err != nil {
		var noEvent *solar.NoSolarEventError
		if errors.As(err, &noEvent) {
			if s.log != nil {
				s.log.Warn("no solar event for schedule today, treating as disabled", zap.String("schedule_id", sch.ID), zap.String("date_local", dateLocal))
			}
			if s.bus != nil {
				s.bus.Publish(ctx, events.NewEvent(events.EventSolarEdgeCase, sch.ID, map[string]interface{}{"date_local": dateLocal}))
			}
			return
		}
		if s.log != nil {
			s.log.Error("failed to compute schedule window", zap.String("schedule_id", sch.ID), zap.Error(err))
		}
		return
	}

	wasActive := s.prevActive[sch.ID]
	inWindow := win.Contains(now)

	entering := inWindow && !wasActive
	leaving := !inWindow && wasActive

	// A window narrower than tick_interval can close before any tick ever
	// observes it open. Spec §4.6's state machine requires a session row for
	// every window that intersected a tick, so the first tick to notice the
	// window has already ended (without having seen entering) performs
	// open+capture+close in one pass instead of silently skipping the day.
	missed := !inWindow && !wasActive && now.After(win.End) && s.processedToday[sch.ID] != dateLocal

	if entering || missed {
		for _, profileID := range sch.Profiles {
			sessionID, err := s.sessions.OpenSession(profileID, sch.ID, dateLocal, now)
			if err != nil {
				if s.log != nil {
					s.log.Error("open_session failed", zap.String("schedule_id", sch.ID), zap.String("profile_id", profileID), zap.Error(err))
				}
				continue
			}
			metrics.SessionsOpen.Inc()
			if s.bus != nil {
				s.bus.Publish(ctx, events.NewEvent(events.EventSessionOpened, sch.ID, map[string]interface{}{
					"session_id": sessionID, "profile_id": profileID, "date_local": dateLocal,
				}))
			}
		}
		s.processedToday[sch.ID] = dateLocal
	}

	if entering || inWindow || missed {
		if missed || s.isCaptureTick(now, win.Start, sch.IntervalSeconds, tickInterval) {
			s.runCaptureBatchForSchedule(ctx, cfg, sch, now, deadline, maxParallel, dateLocal)
		}
	}

	if leaving || missed {
		s.closeScheduleSessions(ctx, sch, dateLocal, now)
	}

	s.prevActive[sch.ID] = inWindow
}

// isCaptureTick implements "(now - window.start).seconds mod k < tick_interval"
// from spec §4.6 step 5.
func (s *Scheduler) isCaptureTick(now, windowStart time.Time, intervalSeconds int, tickInterval time.Duration) bool {
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}
	elapsed := now.Sub(windowStart)
	if elapsed < 0 {
		elapsed = 0
	}
	mod := int64(elapsed.Seconds()) % int64(intervalSeconds)
	return time.Duration(mod)*time.Second < tickInterval
}

func (s *Scheduler) runCaptureBatchForSchedule(ctx context.Context, cfg config.Config, sch config.Schedule, now time.Time, deadline time.Time, maxParallel int, dateLocal string) {
	var targets []CaptureTarget
	for _, node := range s.nodes.Nodes() {
		for _, profileID := range sch.Profiles {
			targets = append(targets, CaptureTarget{Node: node, ProfileID: profileID})
		}
	}
	if len(targets) == 0 {
		return
	}

	outcomes := runCaptureBatch(ctx, deadline, targets, maxParallel, func(ctx context.Context, target CaptureTarget) CaptureOutcome {
		return s.captureOne(ctx, cfg, sch, target, now, dateLocal)
	})

	for _, o := range outcomes {
		if o.Err != nil {
			metrics.CapturesTotal.WithLabelValues(o.Target.Node.ID, outcomeLabel(o.Err)).Inc()
			if s.log != nil {
				s.log.Error("capture failed",
					zap.String("schedule_id", sch.ID),
					zap.String("node_id", o.Target.Node.ID),
					zap.String("profile_id", o.Target.ProfileID),
					zap.Error(o.Err))
			}
			if s.bus != nil {
				s.bus.Publish(ctx, events.NewEvent(events.EventCaptureFailed, sch.ID, map[string]interface{}{
					"node_id": o.Target.Node.ID, "profile_id": o.Target.ProfileID, "error": o.Err.Error(),
				}))
				if s.nodes.RecordFailure(o.Target.Node.ID) {
					if s.log != nil {
						s.log.Warn("node declared unreachable", zap.String("node_id", o.Target.Node.ID))
					}
					s.bus.Publish(ctx, events.NewEvent(events.EventNodeUnreachable, sch.ID, map[string]interface{}{
						"node_id": o.Target.Node.ID,
					}))
				}
			} else {
				s.nodes.RecordFailure(o.Target.Node.ID)
			}
			continue
		}
		metrics.CapturesTotal.WithLabelValues(o.Target.Node.ID, "success").Inc()
		if recovered := s.nodes.RecordSuccess(o.Target.Node.ID, now); recovered && s.bus != nil {
			s.bus.Publish(ctx, events.NewEvent(events.EventNodeRecovered, sch.ID, map[string]interface{}{
				"node_id": o.Target.Node.ID,
			}))
		}
		s.recordCaptureOutcome(ctx, sch, dateLocal, o)
	}
}

func (s *Scheduler) recordCaptureOutcome(ctx context.Context, sch config.Schedule, dateLocal string, o CaptureOutcome) {
	sessionID := store.SessionKey(o.Target.ProfileID, sch.ID, dateLocal)
	settingsJSON, _ := json.Marshal(o.SettingsApplied)

	for _, filename := range o.Filenames {
		if _, err := s.sessions.RecordCapture(sessionID, o.Target.Node.ID, filename, s.clk.Now(), string(settingsJSON), o.HDRGroupID); err != nil {
			if s.log != nil {
				s.log.Error("record_capture failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}

	if o.HDRGroupID != nil {
		payload := map[string]string{"session_id": sessionID, "group_id": *o.HDRGroupID, "node_id": o.Target.Node.ID}
		if _, err := s.jobs.Enqueue(ctx, queue.KindHDRMerge, payload, *o.HDRGroupID); err != nil {
			if s.log != nil {
				s.log.Error("enqueue hdr_merge failed", zap.String("session_id", sessionID), zap.String("group_id", *o.HDRGroupID), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) captureOne(ctx context.Context, cfg config.Config, sch config.Schedule, target CaptureTarget, now time.Time, dateLocal string) CaptureOutcome {
	profile, ok := cfg.ProfileByID(target.ProfileID)
	if !ok {
		return CaptureOutcome{Target: target, Err: fmt.Errorf("profile %s not found", target.ProfileID)}
	}

	client, ok := s.nodes.Client(target.Node.ID)
	if !ok {
		return CaptureOutcome{Target: target, Err: fmt.Errorf("no client for node %s", target.Node.ID)}
	}

	var meterReading exposure.MeterReading
	needsMeter := profile.ISO != 0 && (len(profile.AdaptiveWBCurve) > 0 || profile.Shutter == "auto")
	if needsMeter {
		if cached, fresh := s.meter.Get(ctx, target.Node.ID); fresh {
			meterReading = cached
		} else {
			reading, err := client.Meter(ctx)
			if err != nil {
				return CaptureOutcome{Target: target, Err: err}
			}
			meterReading = exposure.MeterReading{
				LuxValue:         reading.LuxValue,
				SuggestedISO:     reading.SuggestedISO,
				SuggestedShutter: reading.SuggestedShutter,
				Valid:            true,
			}
			_ = s.meter.Put(ctx, target.Node.ID, meterReading)
		}
	}

	smoothingCfg := exposure.SmoothingConfig{
		Enabled:   sch.Smoothing.Enabled,
		Alpha:     sch.Smoothing.Alpha,
		MaxStepEV: sch.Smoothing.MaxStepEV,
	}

	sessionID := store.SessionKey(target.ProfileID, sch.ID, dateLocal)
	historyKey := exposureHistoryKey(sessionID, target.Node.ID)
	var history []exposure.HistoryFrame
	if smoothingCfg.Enabled {
		s.historyMu.Lock()
		history = append([]exposure.HistoryFrame(nil), s.history[historyKey]...)
		s.historyMu.Unlock()
	}

	settings := exposure.Resolve(profile, sch.ID, exposure.SunPosition{}, meterReading, history, smoothingCfg)

	if smoothingCfg.Enabled {
		frame := exposure.HistoryFrame{ExposureCompensation: settings.ExposureCompensation}
		if settings.WBTemperature != nil {
			frame.WBTemperature = *settings.WBTemperature
		}
		window := sch.Smoothing.WindowSize
		if window <= 0 {
			window = defaultSmoothingWindow
		}
		s.historyMu.Lock()
		updated := append(s.history[historyKey], frame)
		if len(updated) > window {
			updated = updated[len(updated)-window:]
		}
		s.history[historyKey] = updated
		s.historyMu.Unlock()
	}

	req := nodeclient.CaptureRequest{
		ISO:                  settings.ISO,
		ShutterSpeed:         settings.Shutter,
		ExposureCompensation: settings.ExposureCompensation,
		AWBMode:              string(settings.AWBMode),
		WBTemperature:        settings.WBTemperature,
		AEMeteringMode:       string(settings.MeteringMode),
		Profile:              target.ProfileID,
		Schedule:             sch.ID,
		PrimaryBackend:       cfg.Brain.PrimaryBackend,
		BracketExposures:     settings.BracketExposures,
	}

	if profile.HDREnabled {
		resp, err := client.CaptureBracket(ctx, req)
		if err != nil {
			return CaptureOutcome{Target: target, Err: err}
		}
		groupID := fmt.Sprintf("hdr_%s_%d", target.ProfileID, now.Unix())
		return CaptureOutcome{Target: target, Filenames: resp.Filenames, HDRGroupID: &groupID}
	}

	resp, err := client.Capture(ctx, req)
	if err != nil {
		return CaptureOutcome{Target: target, Err: err}
	}
	return CaptureOutcome{Target: target, Filenames: []string{resp.Filename}, SettingsApplied: resp.SettingsApplied}
}

func (s *Scheduler) closeScheduleSessions(ctx context.Context, sch config.Schedule, dateLocal string, now time.Time) {
	for _, profileID := range sch.Profiles {
		sessionID := store.SessionKey(profileID, sch.ID, dateLocal)
		sess, err := s.sessions.GetSession(sessionID)
		if err != nil {
			continue
		}
		if err := s.sessions.CloseSession(sessionID, now, store.SessionClosed); err != nil {
			if s.log != nil {
				s.log.Error("close_session failed", zap.String("session_id", sessionID), zap.Error(err))
			}
			continue
		}
		metrics.SessionsOpen.Dec()
		s.clearExposureHistory(sessionID)
		if s.bus != nil {
			s.bus.Publish(ctx, events.NewEvent(events.EventSessionClosed, sch.ID, map[string]interface{}{
				"session_id": sessionID, "profile_id": profileID, "date_local": dateLocal, "capture_count": sess.CaptureCount,
			}))
		}
		if sess.CaptureCount > 0 {
			if _, err := s.jobs.Enqueue(ctx, queue.KindAssembleVideo, map[string]string{"session_id": sessionID}, sessionID); err != nil {
				if s.log != nil {
					s.log.Error("enqueue assemble_video failed", zap.String("session_id", sessionID), zap.Error(err))
				}
			}
		}
	}
}

// clearExposureHistory drops the smoothing ring for every node under a
// closed session; the next session to reuse this (profile, schedule) starts
// smoothing fresh rather than anchoring off yesterday's last frame.
func (s *Scheduler) clearExposureHistory(sessionID string) {
	prefix := sessionID + "|"
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	for k := range s.history {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.history, k)
		}
	}
}

func outcomeLabel(err error) string {
	var httpErr *nodeclient.HTTPError
	if errors.As(err, &httpErr) {
		return "http_error"
	}
	return "transient_error"
}
