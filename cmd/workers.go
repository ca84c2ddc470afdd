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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/caretrack/evv"
	"github.com/caretrack/evv/config"
	redis_db "github.com/caretrack/evv/internal/redisdb"
	"github.com/caretrack/evv/model"
)

// processSubmission handles a submission task from the queue. A kill
// switch return is swallowed: the visit stays QUEUED and the sweeper
// re-dispatches it once the switch clears. Transport-level failures are
// already retried inside the orchestrator, so any error surfacing here is
// final for this task.
func (b *evvInstance) processSubmission(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("evv.submission.worker").Start(ctx, "Process Submission From Redis Queue")
	defer span.End()

	var payload evv.SubmissionTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.evv.ProcessSubmission(ctx, payload.VisitID); err != nil {
		if errors.Is(err, evv.ErrKillSwitchActive) {
			log.Printf(" [*] Kill switch active, visit %s left queued", payload.VisitID)
			return nil
		}
		logrus.Errorf("Submission for visit %s failed: %v", payload.VisitID, err)
		return err
	}

	log.Println(" [*] Submission Processed", payload.VisitID)
	return nil
}

// processAdjudication polls the aggregator for the disposition of a
// pending visit. Visits that moved out of PENDING since the task was
// scheduled are skipped.
func (b *evvInstance) processAdjudication(ctx context.Context, t *asynq.Task) error {
	var payload evv.SubmissionTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	visit, err := b.evv.GetVisit(ctx, payload.VisitID)
	if err != nil {
		return err
	}
	if visit.State != model.StatePending {
		return nil
	}
	return b.evv.ResolvePendingVisit(ctx, visit)
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.WebhookQueue] = 3
	queues[cfg.Queue.AdjudicationQueue] = 1

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.SubmissionQueue, i)
		queues[queueName] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *evvInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	// One handler per submission shard; serial processing per shard keeps
	// the per-dedup-key ordering.
	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.SubmissionQueue, i)
		mux.HandleFunc(queueName, b.processSubmission)
	}

	mux.HandleFunc(cfg.Queue.WebhookQueue, evv.ProcessWebhook)
	mux.HandleFunc(cfg.Queue.AdjudicationQueue, b.processAdjudication)
}

// workerCommands defines the "workers" command: the submission workers,
// the webhook dispatcher, the background sweeper and the asynqmon
// monitoring UI.
func workerCommands(b *evvInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start evv workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			shutdown, err := initializeTracing(ctx)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			// Background safety net: re-enqueue lost visits, poll pending.
			sweeper := evv.NewSweepProcessor(b.evv)
			sweeper.Start(ctx)
			defer sweeper.Stop()

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
