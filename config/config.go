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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5100"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"EVV_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"EVV_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"EVV_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"EVV_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"EVV_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"EVV_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	SubmissionQueue   string `json:"submission_queue" envconfig:"EVV_QUEUE_SUBMISSION"`
	WebhookQueue      string `json:"webhook_queue" envconfig:"EVV_QUEUE_WEBHOOK"`
	AdjudicationQueue string `json:"adjudication_queue" envconfig:"EVV_QUEUE_ADJUDICATION"`
	NumberOfQueues    int    `json:"number_of_queues" envconfig:"EVV_QUEUE_NUMBER_OF_QUEUES"`
	MonitoringPort    string `json:"monitoring_port" envconfig:"EVV_QUEUE_MONITORING_PORT"`
}

// AggregatorConfig points the submission client at the state aggregator.
// Sandbox and production share the state machine; only the endpoint and
// the bindingness of an acceptance differ.
type AggregatorConfig struct {
	BaseURL              string   `json:"base_url" envconfig:"EVV_AGGREGATOR_BASE_URL"`
	SandboxURL           string   `json:"sandbox_url" envconfig:"EVV_AGGREGATOR_SANDBOX_URL"`
	SandboxEnabled       bool     `json:"sandbox_enabled" envconfig:"EVV_AGGREGATOR_SANDBOX_ENABLED"`
	APIKey               string   `json:"api_key" envconfig:"EVV_AGGREGATOR_API_KEY"`
	TimeoutSeconds       int      `json:"timeout_seconds" envconfig:"EVV_AGGREGATOR_TIMEOUT_SECONDS"`
	RetryableReasonCodes []string `json:"retryable_reason_codes"`
}

// SubmissionConfig governs the orchestrator: retry budget, backoff base,
// sweep cadence and the kill switch. KillSwitchActive suspends new
// dispatches without discarding queued work.
type SubmissionConfig struct {
	MaxRetryAttempts     int  `json:"max_retry_attempts" envconfig:"EVV_SUBMISSION_MAX_RETRY_ATTEMPTS"`
	RetryBackoffSeconds  int  `json:"retry_backoff_seconds" envconfig:"EVV_SUBMISSION_RETRY_BACKOFF_SECONDS"`
	KillSwitchActive     bool `json:"kill_switch_active" envconfig:"EVV_SUBMISSION_KILL_SWITCH"`
	SweepIntervalSeconds int  `json:"sweep_interval_seconds" envconfig:"EVV_SUBMISSION_SWEEP_INTERVAL_SECONDS"`
	MaxWorkers           int  `json:"max_workers" envconfig:"EVV_SUBMISSION_MAX_WORKERS"`
}

// VisitPolicyConfig is the per-organization validation policy surface.
type VisitPolicyConfig struct {
	GeofenceRadiusMeters       float64 `json:"geofence_radius_meters" envconfig:"EVV_POLICY_GEOFENCE_RADIUS_METERS"`
	ClockInToleranceMinutes    int     `json:"clock_in_tolerance_minutes" envconfig:"EVV_POLICY_CLOCK_IN_TOLERANCE_MINUTES"`
	RoundingGranularityMinutes int     `json:"rounding_granularity_minutes" envconfig:"EVV_POLICY_ROUNDING_GRANULARITY_MINUTES"`
	RoundingMode               string  `json:"rounding_mode" envconfig:"EVV_POLICY_ROUNDING_MODE"`
	MaxVisitDurationHours      int     `json:"max_visit_duration_hours" envconfig:"EVV_POLICY_MAX_VISIT_DURATION_HOURS"`
	MinutesPerUnit             int     `json:"minutes_per_unit" envconfig:"EVV_POLICY_MINUTES_PER_UNIT"`
}

type ClaimsConfig struct {
	GateMode string `json:"gate_mode" envconfig:"EVV_CLAIMS_GATE_MODE"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"EVV_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"EVV_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"EVV_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName  string            `json:"project_name" envconfig:"EVV_PROJECT_NAME"`
	Server       ServerConfig      `json:"server"`
	DataSource   DataSourceConfig  `json:"data_source"`
	Redis        RedisConfig       `json:"redis"`
	Queue        QueueConfig       `json:"queue"`
	Aggregator   AggregatorConfig  `json:"aggregator"`
	Submission   SubmissionConfig  `json:"submission"`
	VisitPolicy  VisitPolicyConfig `json:"visit_policy"`
	Claims       ClaimsConfig      `json:"claims"`
	Notification Notification      `json:"notification"`
	RateLimit    RateLimitConfig   `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("evv", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called evv.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "EVV Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Aggregator.BaseURL = strings.TrimSpace(cnf.Aggregator.BaseURL)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.SubmissionQueue == "" {
		cnf.Queue.SubmissionQueue = "evv:submission"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "evv:webhook"
	}
	if cnf.Queue.AdjudicationQueue == "" {
		cnf.Queue.AdjudicationQueue = "evv:adjudication"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 4
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5101"
	}

	if cnf.Aggregator.TimeoutSeconds <= 0 {
		cnf.Aggregator.TimeoutSeconds = 30
	}

	if cnf.Submission.MaxRetryAttempts <= 0 {
		cnf.Submission.MaxRetryAttempts = 5
	}
	if cnf.Submission.RetryBackoffSeconds <= 0 {
		cnf.Submission.RetryBackoffSeconds = 30
	}
	if cnf.Submission.SweepIntervalSeconds <= 0 {
		cnf.Submission.SweepIntervalSeconds = 120
	}
	if cnf.Submission.MaxWorkers <= 0 {
		cnf.Submission.MaxWorkers = 10
	}

	if cnf.VisitPolicy.GeofenceRadiusMeters <= 0 {
		cnf.VisitPolicy.GeofenceRadiusMeters = 400
	}
	if cnf.VisitPolicy.ClockInToleranceMinutes <= 0 {
		cnf.VisitPolicy.ClockInToleranceMinutes = 15
	}
	if cnf.VisitPolicy.RoundingGranularityMinutes <= 0 {
		cnf.VisitPolicy.RoundingGranularityMinutes = 15
	}
	if cnf.VisitPolicy.RoundingMode == "" {
		cnf.VisitPolicy.RoundingMode = "nearest"
	}
	if cnf.VisitPolicy.MaxVisitDurationHours <= 0 {
		cnf.VisitPolicy.MaxVisitDurationHours = 24
	}
	if cnf.VisitPolicy.MinutesPerUnit <= 0 {
		cnf.VisitPolicy.MinutesPerUnit = 15
	}

	switch cnf.Claims.GateMode {
	case "warn", "strict":
	case "":
		cnf.Claims.GateMode = "warn"
		log.Println("Warning: Claims gate mode not specified. Defaulting to warn.")
	default:
		return errors.New("claims gate mode must be either warn or strict")
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
