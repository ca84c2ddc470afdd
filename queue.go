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
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/caretrack/evv/config"
	redis_db "github.com/caretrack/evv/internal/redisdb"
	"github.com/caretrack/evv/model"
)

// Queue carries visits from validation to the submission workers over
// Redis. Tasks are keyed by dedup key, so a visit can never sit on the
// queue twice.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// SubmissionTaskPayload is the payload of a submission task. The workers
// re-read the visit from the datasource; the payload only identifies it.
type SubmissionTaskPayload struct {
	VisitID  string `json:"visit_id"`
	DedupKey string `json:"dedup_key"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// Enqueue puts a queued visit on its submission queue.
func (q *Queue) Enqueue(ctx context.Context, visit *model.VisitRecord) error {
	ctx, span := tracer.Start(ctx, "Adding visit to submission queue")
	defer span.End()

	task, err := q.getTask(visit, 0)
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, task, asynq.MaxRetry(5))
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued visit: %+v", visit.VisitID)
	return nil
}

// EnqueueRetry re-enqueues a visit after a retryable submission failure,
// delayed by the caller-computed backoff.
func (q *Queue) EnqueueRetry(ctx context.Context, visit *model.VisitRecord, delay time.Duration) error {
	task, err := q.getTask(visit, delay)
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, task, asynq.MaxRetry(5))
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued retry for visit %s in %s", visit.VisitID, delay)
	return nil
}

// EnqueueAdjudication puts a PENDING visit on the adjudication queue so a
// worker polls the aggregator for its final disposition. TaskID is the
// visit ID, so a visit is polled at most once per sweep cycle.
func (q *Queue) EnqueueAdjudication(ctx context.Context, visit *model.VisitRecord) error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(SubmissionTaskPayload{VisitID: visit.VisitID, DedupKey: visit.DedupKey})
	if err != nil {
		return err
	}

	task := asynq.NewTask(cnf.Queue.AdjudicationQueue, payload,
		asynq.TaskID(visit.VisitID),
		asynq.Queue(cnf.Queue.AdjudicationQueue))
	info, err := q.Client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

// getTask builds the submission task for a visit and assigns it to a queue
// shard hashed from the dedup key. All work for the same dedup key lands
// on the same shard and is processed serially there, which keeps the
// single-submitter guarantee cheap; TaskID set to the dedup key makes a
// double enqueue a no-op.
func (q *Queue) getTask(visit *model.VisitRecord, delay time.Duration) (*asynq.Task, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(SubmissionTaskPayload{VisitID: visit.VisitID, DedupKey: visit.DedupKey})
	if err != nil {
		return nil, err
	}

	queueIndex := hashDedupKey(visit.DedupKey) % cnf.Queue.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cnf.Queue.SubmissionQueue, queueIndex+1)

	taskOptions := []asynq.Option{asynq.TaskID(visit.DedupKey), asynq.Queue(queueName)}
	if delay > 0 {
		taskOptions = append(taskOptions, asynq.ProcessIn(delay))
	}
	return asynq.NewTask(queueName, payload, taskOptions...), nil
}

// hashDedupKey returns a consistent hash value for a dedup key.
func hashDedupKey(dedupKey string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(dedupKey))
	return int(hasher.Sum32())
}

// GetVisitFromQueue retrieves a pending submission task by dedup key, or
// nil when no shard holds one.
func (q *Queue) GetVisitFromQueue(dedupKey string) (*SubmissionTaskPayload, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.SubmissionQueue, i)
		task, err := q.Inspector.GetTaskInfo(queueName, dedupKey)
		if err == nil && task != nil {
			var payload SubmissionTaskPayload
			if err := json.Unmarshal(task.Payload, &payload); err != nil {
				return nil, err
			}
			return &payload, nil
		}
	}
	return nil, nil
}
