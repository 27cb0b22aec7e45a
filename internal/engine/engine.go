// Copyright 2025 The arcstore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine reconciles harvested ARCs between the document store
// and the Git store. Ingestion writes the document first; when that
// write detected a content change, a background worker pushes the files
// to Git and records the outcome back on the document.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/fairagro/arcstore/internal/arcstore"
	"github.com/fairagro/arcstore/internal/docstore"
	"github.com/fairagro/arcstore/internal/document"
	"github.com/fairagro/arcstore/internal/errors"
	"github.com/fairagro/arcstore/internal/hash"
	"github.com/fairagro/arcstore/internal/rocrate"
)

var tracer = otel.Tracer("engine")

const (
	defaultWorkers         = 5
	defaultQueueSize       = 128
	defaultRetryAttempts   = 4
	defaultRetryDelay      = 2 * time.Second
	defaultRetryMaxDelay   = 30 * time.Second
	defaultGracePeriodDays = 3
)

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	// Workers is the number of concurrent Git sync workers.
	Workers int

	// QueueSize is the sync queue buffer.
	QueueSize int

	// RetryAttempts caps the tries per sync for transient failures.
	RetryAttempts int

	// RetryDelay is the initial backoff delay, doubled per attempt up
	// to RetryMaxDelay.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// GracePeriodDays is how long an ARC stays MISSING before the
	// harvest sweep soft-deletes it.
	GracePeriodDays int

	// AutoMarkDeleted enables the soft-delete sweep.
	AutoMarkDeleted bool

	// KnownRDIs restricts ingestion to these research data
	// infrastructures. Empty allows any.
	KnownRDIs []string
}

func (c Config) withDefaults() Config {
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.GracePeriodDays == 0 {
		c.GracePeriodDays = defaultGracePeriodDays
	}
	return c
}

// IngestResult reports what one ingested crate changed.
type IngestResult struct {
	ArcID      string
	IsNew      bool
	HasChanges bool

	// Queued is true when a Git sync was scheduled.
	Queued bool
}

type jobState struct {
	running bool
	dirty   bool
}

// Engine owns the sync worker pool. One Engine serves all RDIs.
type Engine struct {
	docs  docstore.Store
	arcs  arcstore.Store
	cfg   Config
	clock clock.Clock

	queue chan string

	mu       sync.Mutex
	inflight map[string]*jobState
	stats    map[string]*document.HarvestStatistics
	closed   bool

	rdis map[string]bool

	jobs sync.WaitGroup // one per inflight ARC
	wg   sync.WaitGroup // workers
}

// New starts the worker pool. Callers must Close the engine to stop it.
func New(docs docstore.Store, arcs arcstore.Store, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		docs:     docs,
		arcs:     arcs,
		cfg:      cfg,
		clock:    clock.WallClock,
		queue:    make(chan string, cfg.QueueSize),
		inflight: map[string]*jobState{},
		stats:    map[string]*document.HarvestStatistics{},
		rdis:     map[string]bool{},
	}
	for _, rdi := range cfg.KnownRDIs {
		e.rdis[rdi] = true
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	klog.Infof("Engine started with %d workers", cfg.Workers)
	return e
}

// Ingest stores one harvested crate and schedules a Git sync when its
// content changed. harvestID may be empty for out-of-band submissions.
func (e *Engine) Ingest(ctx context.Context, rdi string, raw []byte, harvestID string) (*IngestResult, error) {
	const op errors.Op = "engine.Ingest"
	ctx, span := tracer.Start(ctx, "Engine::Ingest", trace.WithAttributes(
		attribute.String("rdi", rdi),
		attribute.String("harvest_id", harvestID),
	))
	defer span.End()

	if len(e.rdis) > 0 && !e.rdis[rdi] {
		return nil, errors.E(op, errors.Permission, fmt.Errorf("RDI %q is not recognized", rdi))
	}

	crate, err := rocrate.Parse(raw)
	if err != nil {
		e.bumpError(harvestID)
		return nil, errors.E(op, err)
	}
	warnings, err := crate.Validate()
	if err != nil {
		e.bumpError(harvestID)
		e.flagInvalid(ctx, rdi, harvestID, crate, err)
		return nil, errors.E(op, err)
	}
	for _, w := range warnings {
		klog.Warningf("Crate from RDI %s: %s", rdi, w)
	}
	if crate.Identifier() == rocrate.UnknownIdentifier {
		klog.Warningf("Crate from RDI %s carries no usable identifier", rdi)
	}

	res, err := e.docs.StoreARC(ctx, rdi, crate.Content(), harvestID)
	if err != nil {
		e.bumpError(harvestID)
		return nil, errors.E(op, err)
	}
	klog.Infof("Stored ARC %s: is_new=%t, has_changes=%t, trigger_git=%t",
		res.ArcID, res.IsNew, res.HasChanges, res.ShouldTriggerGit)
	e.countStore(harvestID, res)

	out := &IngestResult{ArcID: res.ArcID, IsNew: res.IsNew, HasChanges: res.HasChanges}
	if !res.ShouldTriggerGit {
		klog.V(2).Infof("Skipping git sync for ARC %s (unchanged)", res.ArcID)
		return out, nil
	}

	if err := e.docs.MarkQueued(ctx, res.ArcID, harvestID); err != nil {
		return nil, errors.E(op, err)
	}
	out.Queued = e.enqueue(res.ArcID)
	if out.Queued {
		klog.Infof("Enqueued git sync for ARC %s", res.ArcID)
	} else {
		klog.Warningf("Engine is closed, git sync for ARC %s was not queued", res.ArcID)
	}
	return out, nil
}

// flagInvalid marks the document of a crate that failed validation,
// when one exists from an earlier harvest.
func (e *Engine) flagInvalid(ctx context.Context, rdi, harvestID string, crate *rocrate.Crate, vErr error) {
	arcID := hash.ArcID(crate.Identifier(), rdi)
	err := e.docs.MarkInvalid(ctx, arcID, harvestID, vErr.Error())
	switch {
	case err == nil:
		klog.Warningf("ARC %s failed validation, document marked invalid", arcID)
	case errors.Is(errors.NotExist, err):
		klog.V(2).Infof("ARC %s failed validation, no document to mark", arcID)
	default:
		klog.Errorf("Marking ARC %s invalid failed: %v", arcID, err)
	}
}

// FinishHarvest sweeps the documents of one RDI after a harvest run:
// everything previously active that the run did not report is marked
// missing, everything missing longer than the grace period is
// soft-deleted, and the harvest document is closed with the statistics
// collected during ingestion.
func (e *Engine) FinishHarvest(ctx context.Context, rdi, harvestID string, seen map[string]bool) (*document.HarvestStatistics, error) {
	const op errors.Op = "engine.FinishHarvest"
	ctx, span := tracer.Start(ctx, "Engine::FinishHarvest", trace.WithAttributes(
		attribute.String("rdi", rdi),
		attribute.String("harvest_id", harvestID),
	))
	defer span.End()

	ids, err := e.docs.ListIDs(ctx, document.StatusActive, document.StatusProcessing)
	if err != nil {
		return nil, errors.E(op, err)
	}
	missing := 0
	for _, id := range ids {
		if seen[id] {
			continue
		}
		doc, err := e.docs.GetDocument(ctx, id)
		if err != nil {
			return nil, errors.E(op, err)
		}
		if doc.RDI != rdi {
			continue
		}
		if err := e.docs.MarkMissing(ctx, id, harvestID); err != nil {
			return nil, errors.E(op, err)
		}
		missing++
	}

	if e.cfg.AutoMarkDeleted {
		if _, err := e.sweepDeleted(ctx, rdi); err != nil {
			return nil, errors.E(op, err)
		}
	}

	stats := e.popStats(harvestID)
	stats.ArcsMissing = missing
	if err := e.docs.CloseHarvest(ctx, harvestID, *stats, false); err != nil {
		return nil, errors.E(op, err)
	}
	klog.Infof("Harvest %s for RDI %s finished: %d ARCs missing", harvestID, rdi, missing)
	return stats, nil
}

// Sweep soft-deletes ARCs of the RDI that stayed missing past the grace
// period, without running a harvest.
func (e *Engine) Sweep(ctx context.Context, rdi string) (int, error) {
	const op errors.Op = "engine.Sweep"
	ctx, span := tracer.Start(ctx, "Engine::Sweep", trace.WithAttributes(
		attribute.String("rdi", rdi),
	))
	defer span.End()

	deleted, err := e.sweepDeleted(ctx, rdi)
	if err != nil {
		return 0, errors.E(op, err)
	}
	klog.Infof("Sweep for RDI %s deleted %d ARCs", rdi, deleted)
	return deleted, nil
}

func (e *Engine) sweepDeleted(ctx context.Context, rdi string) (int, error) {
	ids, err := e.docs.ListIDs(ctx, document.StatusMissing)
	if err != nil {
		return 0, err
	}
	deleted := 0
	cutoff := e.clock.Now().UTC().Add(-time.Duration(e.cfg.GracePeriodDays) * 24 * time.Hour)
	for _, id := range ids {
		doc, err := e.docs.GetDocument(ctx, id)
		if err != nil {
			return deleted, err
		}
		if doc.RDI != rdi || doc.Metadata.MissingSince == nil {
			continue
		}
		if doc.Metadata.MissingSince.After(cutoff) {
			continue
		}
		reason := fmt.Sprintf("missing for more than %d days", e.cfg.GracePeriodDays)
		if err := e.docs.MarkDeleted(ctx, id, reason); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Flush blocks until every queued sync finished. Call it after
// ingestion stopped, concurrent Ingest calls may schedule more work.
func (e *Engine) Flush(ctx context.Context) error {
	const op errors.Op = "engine.Flush"

	done := make(chan struct{})
	go func() {
		e.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.E(op, ctx.Err())
	}
}

// Close drains the queue and stops the workers. The engine accepts no
// work afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.jobs.Wait()
	close(e.queue)
	e.wg.Wait()
	klog.Infof("Engine stopped")
}

// enqueue schedules a sync for the ARC. A job arriving while one runs
// for the same ARC marks it dirty; the worker then runs once more, so
// the latest stored content always wins without concurrent pushes to
// one repository.
func (e *Engine) enqueue(arcID string) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if st, ok := e.inflight[arcID]; ok {
		if st.running {
			st.dirty = true
		}
		e.mu.Unlock()
		return true
	}
	e.inflight[arcID] = &jobState{}
	e.jobs.Add(1)
	e.mu.Unlock()

	// The send must happen outside the lock: when the queue is full it
	// blocks until a worker frees up, and workers need the lock to
	// finish their jobs.
	e.queue <- arcID
	return true
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for arcID := range e.queue {
		e.runJob(arcID)
	}
}

func (e *Engine) runJob(arcID string) {
	defer e.jobs.Done()
	for {
		e.mu.Lock()
		st := e.inflight[arcID]
		st.running = true
		st.dirty = false
		e.mu.Unlock()

		// The ingest request that scheduled this job is long answered,
		// so the sync runs on its own context.
		e.sync(context.Background(), arcID)

		e.mu.Lock()
		if st.dirty {
			e.mu.Unlock()
			continue
		}
		delete(e.inflight, arcID)
		e.mu.Unlock()
		return
	}
}

// sync pushes the stored content of one ARC to Git and records the
// outcome on the document. Transient push failures are retried with
// exponential backoff; everything else fails the sync immediately.
func (e *Engine) sync(ctx context.Context, arcID string) {
	ctx, span := tracer.Start(ctx, "Engine::sync", trace.WithAttributes(
		attribute.String("arc_id", arcID),
	))
	defer span.End()

	content, err := e.docs.GetContent(ctx, arcID)
	if err != nil {
		e.recordSync(ctx, arcID, "", err)
		return
	}
	crate, err := rocrate.FromContent(content)
	if err != nil {
		e.recordSync(ctx, arcID, "", err)
		return
	}

	var sha string
	var lastErr error
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			var cErr error
			sha, cErr = e.arcs.CreateOrUpdate(ctx, arcID, crate)
			return cErr
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(errors.Transient, err)
		},
		NotifyFunc: func(err error, attempt int) {
			lastErr = err
			klog.Warningf("Git sync attempt %d for ARC %s failed: %v", attempt, arcID, err)
		},
		Attempts:    e.cfg.RetryAttempts,
		Delay:       e.cfg.RetryDelay,
		MaxDelay:    e.cfg.RetryMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       e.clock,
		Stop:        ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) && lastErr != nil {
		err = lastErr
	}
	e.recordSync(ctx, arcID, sha, err)
}

func (e *Engine) recordSync(ctx context.Context, arcID, sha string, syncErr error) {
	res := docstore.GitResult{CommitSHA: sha, Err: syncErr}
	if err := e.docs.SetGitResult(ctx, arcID, res); err != nil {
		klog.Errorf("Recording git result for ARC %s failed: %v", arcID, err)
	}
}

func (e *Engine) countStore(harvestID string, res *docstore.StoreResult) {
	if harvestID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.harvestStats(harvestID)
	st.ArcsSubmitted++
	switch {
	case res.IsNew:
		st.ArcsNew++
	case res.HasChanges:
		st.ArcsUpdated++
	default:
		st.ArcsUnchanged++
	}
}

func (e *Engine) bumpError(harvestID string) {
	if harvestID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.harvestStats(harvestID)
	st.ArcsSubmitted++
	st.Errors++
}

// harvestStats must be called with the mutex held.
func (e *Engine) harvestStats(harvestID string) *document.HarvestStatistics {
	st := e.stats[harvestID]
	if st == nil {
		st = &document.HarvestStatistics{}
		e.stats[harvestID] = st
	}
	return st
}

func (e *Engine) popStats(harvestID string) *document.HarvestStatistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stats[harvestID]
	if st == nil {
		st = &document.HarvestStatistics{}
	}
	delete(e.stats, harvestID)
	return st
}
