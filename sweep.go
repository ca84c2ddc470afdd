/*
Copyright 2024 CareTrack Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package evv

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caretrack/evv/config"
	"github.com/caretrack/evv/model"
)

// SweepProcessor is the background safety net of the pipeline. On every
// cycle it re-enqueues QUEUED visits whose task was lost or held back by
// the kill switch, and polls the aggregator for PENDING visits awaiting
// manual adjudication. Config is snapshotted per cycle so a reload never
// changes behavior mid-sweep.
type SweepProcessor struct {
	evv            *Evv
	batchSize      int
	maxWorkers     int
	sweepInterval  time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewSweepProcessor(evv *Evv) *SweepProcessor {
	maxWorkers := 10
	sweepInterval := 120 * time.Second
	cfg, err := config.Fetch()
	if err == nil {
		if cfg.Submission.MaxWorkers > 0 {
			maxWorkers = cfg.Submission.MaxWorkers
		}
		if cfg.Submission.SweepIntervalSeconds > 0 {
			sweepInterval = time.Duration(cfg.Submission.SweepIntervalSeconds) * time.Second
		}
	}

	return &SweepProcessor{
		evv:            evv,
		batchSize:      maxWorkers * 100,
		maxWorkers:     maxWorkers,
		sweepInterval:  sweepInterval,
		stuckThreshold: 10 * time.Minute,
		stopCh:         make(chan struct{}),
	}
}

func (p *SweepProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Submission sweep processor started")
}

func (p *SweepProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Submission sweep processor stopped")
}

func (p *SweepProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *SweepProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Submission sweep processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Submission sweep processor stop signal received")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *SweepProcessor) sweep(ctx context.Context) {
	cfg, err := config.Fetch()
	if err != nil {
		logrus.Errorf("sweep skipped, config not available: %v", err)
		return
	}

	if !cfg.Submission.KillSwitchActive {
		p.requeueStuckVisits(ctx)
		p.recoverStalledSubmissions(ctx, cfg)
	} else {
		logrus.Info("Kill switch active, sweep leaving queued visits in place")
	}
	p.pollPendingVisits(ctx)
}

// requeueStuckVisits puts lost QUEUED visits back on the submission queue.
// The fetch is oldest-first and the TaskID is the dedup key, so a drain
// after an outage preserves original order and never duplicates a task
// that survived.
func (p *SweepProcessor) requeueStuckVisits(ctx context.Context) {
	stuck, err := p.evv.datasource.GetStuckQueuedVisits(ctx, p.stuckThreshold, p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get stuck queued visits: %v", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	logrus.Infof("Re-enqueueing %d stuck queued visits", len(stuck))
	for i := range stuck {
		if err := p.evv.queue.Enqueue(ctx, &stuck[i]); err != nil {
			logrus.Errorf("failed to re-enqueue visit %s: %v", stuck[i].VisitID, err)
		}
	}
}

// recoverStalledSubmissions returns visits stranded in SUBMITTED to the
// queue. A worker crash between the submission claim and the outcome
// write leaves the visit there with no task to move it. The attempt log
// decides whether the visit still has retry budget, so a crash-looping
// visit ends up rejected instead of requeued forever.
func (p *SweepProcessor) recoverStalledSubmissions(ctx context.Context, cfg *config.Configuration) {
	stalled, err := p.evv.datasource.GetStuckSubmittedVisits(ctx, p.stuckThreshold, p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get stuck submitted visits: %v", err)
		return
	}
	if len(stalled) == 0 {
		return
	}

	logrus.Infof("Recovering %d stalled submitted visits", len(stalled))
	for i := range stalled {
		visit := &stalled[i]

		attempts, err := p.evv.datasource.CountSubmissionAttempts(ctx, visit.VisitID)
		if err != nil {
			logrus.Errorf("failed to count attempts for visit %s: %v", visit.VisitID, err)
			continue
		}
		if attempts >= cfg.Submission.MaxRetryAttempts {
			if err := p.evv.rejectVisit(ctx, visit, RetryExhaustedCode); err != nil {
				logrus.Errorf("failed to reject stalled visit %s: %v", visit.VisitID, err)
			}
			continue
		}

		if err := p.evv.datasource.UpdateVisitState(ctx, visit.VisitID, model.StateSubmitted, model.StateQueued); err != nil {
			// The visit moved on its own since the fetch.
			logrus.Infof("stalled visit %s left SUBMITTED before recovery: %v", visit.VisitID, err)
			continue
		}
		visit.State = model.StateQueued
		if err := p.evv.queue.Enqueue(ctx, visit); err != nil {
			logrus.Errorf("failed to re-enqueue stalled visit %s: %v", visit.VisitID, err)
		}
	}
}

// pollPendingVisits resolves visits parked in PENDING by asking the
// aggregator for their adjudication status, bounded by a worker pool.
func (p *SweepProcessor) pollPendingVisits(ctx context.Context) {
	pending, err := p.evv.datasource.GetPendingVisits(ctx, p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get pending visits: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	logrus.Infof("Polling %d pending visits with %d workers", len(pending), p.maxWorkers)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup

	for i := range pending {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(visit *model.VisitRecord) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if err := p.evv.ResolvePendingVisit(ctx, visit); err != nil {
				logrus.Errorf("failed to resolve pending visit %s: %v", visit.VisitID, err)
			}
		}(&pending[i])
	}

	batchWg.Wait()
}

// SweepNow triggers an immediate sweep cycle, exposed for the manual
// trigger API endpoint.
func (e *Evv) SweepNow(ctx context.Context) {
	processor := NewSweepProcessor(e)
	processor.sweep(ctx)
}

// drainBatchSize bounds a single manual drain pass.
const drainBatchSize = 1000

// DrainOrganizationQueue re-enqueues an organization's queued visits in
// their original enqueue order, for draining a backlog after the kill
// switch clears without waiting for the next sweep cycle. Returns the
// number of visits put back on the queue.
func (e *Evv) DrainOrganizationQueue(ctx context.Context, organizationID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Draining organization queue")
	defer span.End()

	cnf, err := config.Fetch()
	if err != nil {
		return 0, err
	}
	if cnf.Submission.KillSwitchActive {
		return 0, ErrKillSwitchActive
	}

	visits, err := e.datasource.GetQueuedVisits(ctx, organizationID, drainBatchSize)
	if err != nil {
		return 0, err
	}

	drained := 0
	for i := range visits {
		if err := e.queue.Enqueue(ctx, &visits[i]); err != nil {
			logrus.Errorf("failed to re-enqueue visit %s during drain: %v", visits[i].VisitID, err)
			continue
		}
		drained++
	}
	return drained, nil
}
