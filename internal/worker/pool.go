// Package worker drains the durable job queue: it assembles session
// captures into timelapse videos and merges HDR brackets, per spec §4.8.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skylapse/brain/internal/assembly"
	"github.com/skylapse/brain/internal/clock"
	"github.com/skylapse/brain/internal/config"
	"github.com/skylapse/brain/internal/queue"
	"github.com/skylapse/brain/internal/store"
	"github.com/skylapse/brain/pkg/metrics"
)

const pollInterval = 500 * time.Millisecond

// Pool runs a fixed number of goroutines draining the job queue.
type Pool struct {
	jobs        *queue.Queue
	sessions    *store.Store
	configStore *config.Store
	driver      *assembly.Driver
	fetcher     *nodeFetcher

	stagingRoot string
	videoRoot   string
	logRoot     string
	frameRate   int
	preset      assembly.QualityPreset

	clk         clock.Clock
	log         *zap.Logger
	concurrency int
}

// Options configures a Pool.
type Options struct {
	StagingRoot string
	VideoRoot   string
	LogRoot     string
	FrameRate   int
	Preset      assembly.QualityPreset
	Concurrency int
}

// New builds a worker Pool.
func New(jobs *queue.Queue, sessions *store.Store, configStore *config.Store, driver *assembly.Driver, clk clock.Clock, log *zap.Logger, opts Options) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	if opts.Preset == "" {
		opts.Preset = assembly.PresetMedium
	}
	return &Pool{
		jobs:        jobs,
		sessions:    sessions,
		configStore: configStore,
		driver:      driver,
		fetcher:     newNodeFetcher(log),
		stagingRoot: opts.StagingRoot,
		videoRoot:   opts.VideoRoot,
		logRoot:     opts.LogRoot,
		frameRate:   opts.FrameRate,
		preset:      opts.Preset,
		clk:         clk,
		log:         log,
		concurrency: opts.Concurrency,
	}
}

// Run starts the configured number of drain goroutines and blocks until ctx
// is cancelled and every goroutine has returned. A job in progress runs
// under ctx, so cancellation also cuts its processing short.
func (p *Pool) Run(ctx context.Context) error {
	done := make(chan struct{}, p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go func() {
			p.drainLoop(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < p.concurrency; i++ {
		<-done
	}
	return nil
}

func (p *Pool) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			p.log.Error("dequeue failed", zap.Error(err))
			p.sleep(ctx, pollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, pollInterval)
			continue
		}

		p.process(ctx, job)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-p.clk.After(d):
	}
}

func (p *Pool) process(ctx context.Context, job *queue.Job) {
	var err error
	switch job.Kind {
	case queue.KindAssembleVideo:
		err = p.processAssembleVideo(ctx, job)
	case queue.KindHDRMerge:
		err = p.processHDRMerge(ctx, job)
	default:
		p.log.Error("unknown job kind, dead-lettering", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
		_ = p.jobs.Fail(ctx, job.ID, assembly.OutputUnwritable("unknown job kind"))
		return
	}

	if err != nil {
		outcome := "failed_retryable"
		if _, terminal := err.(*assembly.TerminalError); terminal {
			outcome = "failed_terminal"
		}
		metrics.JobsProcessed.WithLabelValues(string(job.Kind), outcome).Inc()
		if ferr := p.jobs.Fail(ctx, job.ID, err); ferr != nil {
			p.log.Error("queue fail failed", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		return
	}

	metrics.JobsProcessed.WithLabelValues(string(job.Kind), "done").Inc()
	if err := p.jobs.Ack(ctx, job.ID); err != nil {
		p.log.Error("ack failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
