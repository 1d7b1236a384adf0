/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Command ratequeue-demo runs the rate queues declared in its configuration behind the admin HTTP API.
//
// Every queue echoes drained payloads back (with the processing time) and retries failures with an exponential backoff.
// Items enqueued without waiting have nobody to receive the echo, so each of them is reported as an orphaned reply
// unless its payload is a JSON object with "reply": false.
// Configuration is read from the file passed with --config (YAML or JSON) and from RATEQUEUE_* environment variables.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/acronis/go-ratequeue/admin"
	"github.com/acronis/go-ratequeue/config"
	"github.com/acronis/go-ratequeue/log"
	"github.com/acronis/go-ratequeue/ratequeue"
	"github.com/acronis/go-ratequeue/service"
)

const envVarsPrefix = "RATEQUEUE"

// defaultQueueName is started when the configuration declares no queues.
const defaultQueueName = "default"

type options struct {
	configPath    string
	retryInterval time.Duration
	maxRetries    int
	fatalOnFault  bool
}

func main() {
	var opts options
	fs := pflag.NewFlagSet(filepath.Base(os.Args[0]), pflag.ExitOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the configuration file (.yaml, .yml or .json)")
	fs.DurationVar(&opts.retryInterval, "retry-interval", 100*time.Millisecond, "initial interval between processing retries")
	fs.IntVar(&opts.maxRetries, "max-retries", 3, "max processing retries per item (0 means no retries)")
	fs.BoolVar(&opts.fatalOnFault, "fatal-on-fault", false,
		"stop the service when a queue with the terminate fault policy is terminated by a processing fault")
	_ = fs.Parse(os.Args[1:])

	if err := run(opts); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type appConfig struct {
	Log       *log.Config
	RateQueue *ratequeue.Config
	Admin     *admin.Config
}

func loadConfig(path string) (*appConfig, error) {
	cfg := &appConfig{Log: log.NewConfig(""), RateQueue: ratequeue.NewConfig(""), Admin: admin.NewConfig("")}
	loader := config.NewDefaultLoader(envVarsPrefix)
	if path == "" {
		err := loader.LoadFromReader(strings.NewReader("{}"), config.DataTypeJSON, cfg.Log, cfg.RateQueue, cfg.Admin)
		return cfg, err
	}
	dataType := config.DataTypeYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dataType = config.DataTypeJSON
	}
	if err := loader.LoadFromFile(path, dataType, cfg.Log, cfg.RateQueue, cfg.Admin); err != nil {
		return nil, fmt.Errorf("load configuration from %s: %w", path, err)
	}
	return cfg, nil
}

func run(opts options) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	logger, closeLogger := log.NewLogger(cfg.Log)
	defer closeLogger()

	metrics := ratequeue.NewPrometheusMetricsWithOpts(ratequeue.PrometheusMetricsOpts{
		CurriedLabelNames: []string{ratequeue.MetricsLabelQueue},
	})
	reg := ratequeue.NewRegistryWithOpts(logger, ratequeue.RegistryOpts{
		Metrics: metrics,
		OnTerminate: func(name string, reason error) {
			if ratequeue.IsTerminatedByFault(reason) {
				logger.Warn("rate queue was terminated by a processing fault", log.String("queue", name), log.Error(reason))
			}
		},
	})

	var retryPolicy ratequeue.RetryPolicy
	if opts.maxRetries > 0 {
		retryPolicy = ratequeue.NewExponentialRetryPolicy(opts.retryInterval, opts.maxRetries)
	}
	processorFor := func(name string) (ratequeue.Processor, error) {
		qLogger := logger.With(log.String("queue", name))
		var p ratequeue.Processor = newEchoProcessor(qLogger)
		if retryPolicy != nil {
			p = ratequeue.WithRetry(p, retryPolicy, nil, qLogger)
		}
		return p, nil
	}

	if len(cfg.RateQueue.QueueNames()) == 0 {
		p, _ := processorFor(defaultQueueName)
		err = reg.Start(defaultQueueName, p, cfg.RateQueue.Rate,
			ratequeue.QueueOpts{MailboxSize: cfg.RateQueue.MailboxSize, FaultPolicy: cfg.RateQueue.FaultPolicy})
	} else {
		err = reg.StartConfigured(cfg.RateQueue, processorFor)
	}
	if err != nil {
		_ = reg.Stop(true)
		return fmt.Errorf("start rate queues: %w", err)
	}

	srv := admin.NewServer(cfg.Admin, reg, logger, nil)
	return service.New(logger, service.NewCompositeUnit(ratequeue.NewRegistryUnit(reg, opts.fatalOnFault), srv)).Start()
}
