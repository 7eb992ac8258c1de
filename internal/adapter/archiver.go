package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/bookreplay/internal/archive"
	"github.com/caesar-terminal/bookreplay/internal/metrics"
)

const (
	defaultExportQueue   = 256
	defaultExportTimeout = 5 * time.Second
)

// SnapshotSink receives every snapshot the Archiver stores.
type SnapshotSink interface {
	Publish(ctx context.Context, s archive.Snapshot) error
}

// ArchiverConfig holds the archival schedule.
type ArchiverConfig struct {
	Interval  time.Duration
	Retention time.Duration

	// ExportQueue is the number of snapshots buffered per sink. When a
	// sink falls behind, new snapshots for it are dropped.
	ExportQueue int
	// ExportTimeout bounds a single Publish call.
	ExportTimeout time.Duration
}

// exporter feeds one sink from its own queue so a slow or unreachable
// sink never delays the archival tick.
type exporter struct {
	sink  SnapshotSink
	queue chan archive.Snapshot
}

// Archiver periodically freezes every fed instrument's book into the
// archive and evicts snapshots older than the retention window.
type Archiver struct {
	cfg       ArchiverConfig
	registry  *Registry
	store     *archive.Archive
	exporters []*exporter
	startOnce sync.Once
	exporting sync.WaitGroup
	log       logrus.FieldLogger
	metrics   *metrics.Metrics

	nowFunc func() time.Time
}

// NewArchiver creates an Archiver. sinks are optional exporters.
func NewArchiver(cfg ArchiverConfig, reg *Registry, store *archive.Archive, log logrus.FieldLogger, m *metrics.Metrics, sinks ...SnapshotSink) *Archiver {
	if cfg.ExportQueue <= 0 {
		cfg.ExportQueue = defaultExportQueue
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = defaultExportTimeout
	}
	exporters := make([]*exporter, 0, len(sinks))
	for _, s := range sinks {
		exporters = append(exporters, &exporter{sink: s, queue: make(chan archive.Snapshot, cfg.ExportQueue)})
	}
	return &Archiver{
		cfg:       cfg,
		registry:  reg,
		store:     store,
		exporters: exporters,
		log:       log.WithField("component", "archiver"),
		metrics:   m,
		nowFunc:   time.Now,
	}
}

// Run starts the sink exporters and ticks every Interval until ctx is
// cancelled. It returns once the exporters have stopped.
func (a *Archiver) Run(ctx context.Context) {
	a.startExporters(ctx)
	defer a.exporting.Wait()

	t := time.NewTicker(a.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Tick(ctx)
		}
	}
}

func (a *Archiver) startExporters(ctx context.Context) {
	a.startOnce.Do(func() {
		for _, e := range a.exporters {
			e := e
			a.exporting.Add(1)
			go func() {
				defer a.exporting.Done()
				a.export(ctx, e)
			}()
		}
	})
}

func (a *Archiver) export(ctx context.Context, e *exporter) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-e.queue:
			pctx, cancel := context.WithTimeout(ctx, a.cfg.ExportTimeout)
			err := e.sink.Publish(pctx, snap)
			cancel()
			if err != nil {
				a.log.WithError(err).WithField("instrument", snap.Ticker).Warn("export snapshot")
			}
		}
	}
}

// Tick archives the current state of every fed instrument, then evicts
// that instrument's snapshots older than the retention window. Exports
// are queued and never block the tick.
func (a *Archiver) Tick(ctx context.Context) {
	now := a.nowFunc().Unix()
	cutoff := now - int64(a.cfg.Retention/time.Second)

	for _, ticker := range a.registry.Instruments() {
		if ctx.Err() != nil {
			return
		}
		inst, ok := a.registry.Lookup(ticker)
		if !ok || !inst.Fed() {
			continue
		}
		log := a.log.WithField("instrument", ticker)

		snap := archive.FromState(ticker, now, inst.Engine.State())
		if err := a.store.Store(snap); err != nil {
			log.WithError(err).Error("store snapshot")
			continue
		}

		removed, err := a.store.EvictOlderThan(cutoff, ticker)
		if err != nil {
			log.WithError(err).Error("evict snapshots")
		}
		if removed > 0 {
			log.WithField("removed", removed).Debug("evicted snapshots")
		}
		a.metrics.ObserveArchive(ticker, removed)

		for _, e := range a.exporters {
			select {
			case e.queue <- snap:
			default:
				log.Warn("export queue full, snapshot dropped")
			}
		}
	}

	if n, err := a.store.Len(); err == nil {
		a.metrics.SetArchiveSize(n)
	}
}
