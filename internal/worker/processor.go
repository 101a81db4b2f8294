package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fintraq/internal/log"
)

// Runner performs one drain pass.
type Runner interface {
	RunSync(ctx context.Context) Report
}

// Archiver moves SENT records older than a cutoff out of the live table.
type Archiver interface {
	ArchiveSent(ctx context.Context, before time.Time) (int64, error)
}

// ProcessorConfig holds configuration for the periodic processor
type ProcessorConfig struct {
	// PollInterval is how often a sync pass runs without a trigger (default: 15m)
	PollInterval time.Duration

	// ArchiveInterval is how often SENT records are archived (default: 6h)
	ArchiveInterval time.Duration

	// RetentionAge is how long SENT records stay in the live table.
	// Zero disables archiving.
	RetentionAge time.Duration
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:    15 * time.Minute,
		ArchiveInterval: 6 * time.Hour,
		RetentionAge:    90 * 24 * time.Hour,
	}
}

// Processor runs sync passes on a timer and on demand.
type Processor struct {
	runner   Runner
	archiver Archiver
	config   ProcessorConfig
	logger   *log.Logger
	now      func() time.Time

	kick chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	last    Report
	lastAt  time.Time
}

// NewProcessor creates a processor. archiver may be nil.
func NewProcessor(runner Runner, archiver Archiver, config ProcessorConfig, logger *log.Logger) *Processor {
	def := DefaultProcessorConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.ArchiveInterval <= 0 {
		config.ArchiveInterval = def.ArchiveInterval
	}
	if logger == nil {
		logger = log.New(log.DefaultConfig()).WithComponent(log.ComponentWorker)
	}
	return &Processor{
		runner:   runner,
		archiver: archiver,
		config:   config,
		logger:   logger,
		now:      time.Now,
		kick:     make(chan struct{}, 1),
	}
}

// Start begins the processing loop. Returns an error if already running.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.runLoop(ctx, p.stopCh, p.doneCh)

	p.logger.InfoContext(ctx, "Sync processor started",
		"poll_interval", p.config.PollInterval,
		"archive_interval", p.config.ArchiveInterval,
		"retention", p.config.RetentionAge)
	return nil
}

// Stop signals the loop and waits for the current pass to finish.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.running = false
	p.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		p.logger.InfoContext(ctx, "Sync processor stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.WarnContext(ctx, "Sync processor stop timed out")
		return ctx.Err()
	}
}

func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Kick requests a pass as soon as possible. Requests made while one is
// already pending collapse into it.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Trigger lets the processor serve as a capture trigger.
func (p *Processor) Trigger(localID int64) {
	p.Kick()
}

// LastReport returns the most recent pass and when it finished.
func (p *Processor) LastReport() (Report, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.lastAt
}

func (p *Processor) runLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	pollTicker := time.NewTicker(p.config.PollInterval)
	defer pollTicker.Stop()

	archiveTicker := time.NewTicker(p.config.ArchiveInterval)
	defer archiveTicker.Stop()

	// pick up whatever a previous process left behind
	p.runOnce(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			p.runOnce(ctx)
		case <-p.kick:
			p.runOnce(ctx)
		case <-archiveTicker.C:
			p.archive(ctx)
		}
	}
}

func (p *Processor) runOnce(ctx context.Context) {
	rep := p.runner.RunSync(ctx)
	if rep.Skipped {
		return
	}
	p.mu.Lock()
	p.last = rep
	p.lastAt = p.now()
	p.mu.Unlock()
}

func (p *Processor) archive(ctx context.Context) {
	if p.archiver == nil || p.config.RetentionAge <= 0 {
		return
	}
	cutoff := p.now().Add(-p.config.RetentionAge)
	n, err := p.archiver.ArchiveSent(ctx, cutoff)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to archive sent records",
			log.FieldOperation, log.OpArchive,
			log.FieldError, err)
		return
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "Archived sent records",
			log.FieldOperation, log.OpArchive,
			"count", n,
			"cutoff", cutoff)
	}
}
