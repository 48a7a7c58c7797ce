/*
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

package options

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/imdario/mergo"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"github.com/cplabs/cpio/pkg/lifecycle"
	"github.com/cplabs/cpio/pkg/metrics"
	"github.com/cplabs/cpio/pkg/providers/job"
	"github.com/cplabs/cpio/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet `toml:"-"`
	ConfigFile    string `toml:"-"`

	// Runtime
	MetricsPort            int    `toml:"metrics_port"`
	EnableMetricsRecording bool   `toml:"enable_metrics_recording"`
	MetricNamespace        string `toml:"metric_namespace"`
	ExecutorWorkers        int    `toml:"executor_workers"`
	ExecutorQueueCapacity  int    `toml:"executor_queue_capacity"`
	ClientPoolTTLSeconds   int    `toml:"client_pool_ttl_seconds"`
	MetadataHost           string `toml:"metadata_host"`

	// Job pipeline
	QueueName                          string `toml:"queue_name"`
	TableName                          string `toml:"table_name"`
	RetryLimit                         int    `toml:"retry_limit"`
	VisibilityTimeoutExtendTimeSeconds int    `toml:"visibility_timeout_extend_time_seconds"`
	JobProcessingTimeoutSeconds        int    `toml:"job_processing_timeout_seconds"`
	JobExtendingWorkerSleepTimeSeconds int    `toml:"job_extending_worker_sleep_time_seconds"`
	VisibilityExtendable               bool   `toml:"visibility_extendable"`
	ReleaseDelaySeconds                int    `toml:"release_delay_seconds"`

	// Handler
	HandlerEndpoint string `toml:"handler_endpoint"`
	HandlerAudience string `toml:"handler_audience"`

	// Scale-in
	CurrentInstanceResourceName string `toml:"current_instance_resource_name"`
	ScaleInHookName             string `toml:"scale_in_hook_name"`
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("cpio-worker", flag.ContinueOnError)
	opts.FlagSet = f

	// Runtime
	f.StringVar(&opts.ConfigFile, "config-file", env.WithDefaultString("CONFIG_FILE", ""), "Path to a TOML config file layered between env defaults and explicit flags")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to")
	f.BoolVar(&opts.EnableMetricsRecording, "enable-metrics-recording", env.WithDefaultBool("ENABLE_METRICS_RECORDING", true), "Whether to record job timing metrics")
	f.StringVar(&opts.MetricNamespace, "metric-namespace", env.WithDefaultString("METRIC_NAMESPACE", metrics.Namespace), "Prefix for emitted metric names")
	f.IntVar(&opts.ExecutorWorkers, "executor-workers", env.WithDefaultInt("EXECUTOR_WORKERS", runtime.NumCPU()), "Number of executor workers running scheduled tasks")
	f.IntVar(&opts.ExecutorQueueCapacity, "executor-queue-capacity", env.WithDefaultInt("EXECUTOR_QUEUE_CAPACITY", 256), "Capacity of each executor priority queue")
	f.IntVar(&opts.ClientPoolTTLSeconds, "client-pool-ttl-seconds", env.WithDefaultInt("CLIENT_POOL_TTL_SECONDS", 600), "Idle seconds before a pooled cloud client is discarded")
	f.StringVar(&opts.MetadataHost, "metadata-host", env.WithDefaultString("METADATA_HOST", "metadata.google.internal"), "Host answering instance metadata token requests")

	// Job pipeline
	f.StringVar(&opts.QueueName, "queue-name", env.WithDefaultString("QUEUE_NAME", ""), "Name of the queue jobs are pulled from")
	f.StringVar(&opts.TableName, "table-name", env.WithDefaultString("TABLE_NAME", ""), "Name of the table holding job rows")
	f.IntVar(&opts.RetryLimit, "retry-limit", env.WithDefaultInt("RETRY_LIMIT", lifecycle.DefaultRetryLimit), "Delivery attempts a job may consume before it is failed")
	f.IntVar(&opts.VisibilityTimeoutExtendTimeSeconds, "visibility-timeout-extend-time-seconds", env.WithDefaultInt("VISIBILITY_TIMEOUT_EXTEND_TIME_SECONDS", int(lifecycle.DefaultVisibilityExtendTime/time.Second)), "Seconds each background extension adds to a claimed job's visibility window")
	f.IntVar(&opts.JobProcessingTimeoutSeconds, "job-processing-timeout-seconds", env.WithDefaultInt("JOB_PROCESSING_TIMEOUT_SECONDS", int(lifecycle.DefaultJobProcessingTimeout/time.Second)), "Seconds a worker may hold a job before other workers may reclaim it")
	f.IntVar(&opts.JobExtendingWorkerSleepTimeSeconds, "job-extending-worker-sleep-time-seconds", env.WithDefaultInt("JOB_EXTENDING_WORKER_SLEEP_TIME_SECONDS", int(lifecycle.DefaultExtenderSleepTime/time.Second)), "Seconds the extender sleeps between passes over claimed jobs")
	f.BoolVar(&opts.VisibilityExtendable, "visibility-extendable", env.WithDefaultBool("VISIBILITY_EXTENDABLE", true), "Whether claimed jobs opt in to background visibility extension")
	f.IntVar(&opts.ReleaseDelaySeconds, "release-delay-seconds", env.WithDefaultInt("RELEASE_DELAY_SECONDS", 10), "Seconds a released job stays invisible before redelivery")

	// Handler
	f.StringVar(&opts.HandlerEndpoint, "handler-endpoint", env.WithDefaultString("HANDLER_ENDPOINT", "http://127.0.0.1:8081/process"), "URL job payloads are POSTed to")
	f.StringVar(&opts.HandlerAudience, "handler-audience", env.WithDefaultString("HANDLER_AUDIENCE", ""), "Audience of the identity token attached to handler calls. Empty disables bearer tokens")

	// Scale-in
	f.StringVar(&opts.CurrentInstanceResourceName, "current-instance-resource-name", env.WithDefaultString("CURRENT_INSTANCE_RESOURCE_NAME", ""), "Resource name of the instance this worker runs on")
	f.StringVar(&opts.ScaleInHookName, "scale-in-hook-name", env.WithDefaultString("SCALE_IN_HOOK_NAME", ""), "Lifecycle hook completed when the instance drains for scale-in")
	return opts
}

// Parse reads the passed flags, folds the optional config file in underneath any flag
// passed explicitly, and validates the result.
func (o *Options) Parse(args ...string) error {
	if err := o.FlagSet.Parse(args); err != nil {
		return err
	}
	if o.ConfigFile != "" {
		if err := o.mergeConfigFile(o.ConfigFile); err != nil {
			return fmt.Errorf("merging config file, %w", err)
		}
	}
	return o.Validate()
}

// MustParse reads the user passed flags, environment variables, config file, and default
// values. It panics when the result does not validate.
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:]...)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	return o
}

// mergeConfigFile layers the file between env-backed defaults and explicit flags, so
// precedence reads defaults < file < flags.
func (o *Options) mergeConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s, %w", path, err)
	}
	passed := map[string]string{}
	o.Visit(func(fl *flag.Flag) { passed[fl.Name] = fl.Value.String() })
	var fromFile Options
	if err := toml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("parsing %s, %w", path, err)
	}
	if err := mergo.Merge(o, fromFile, mergo.WithOverride); err != nil {
		return fmt.Errorf("applying %s, %w", path, err)
	}
	// mergo cannot tell a false in the file from an absent key, so bools are re-read
	// from the raw document.
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing %s, %w", path, err)
	}
	if v, ok := raw["enable_metrics_recording"].(bool); ok {
		o.EnableMetricsRecording = v
	}
	if v, ok := raw["visibility_extendable"].(bool); ok {
		o.VisibilityExtendable = v
	}
	for name, value := range passed {
		if err := o.Set(name, value); err != nil {
			return fmt.Errorf("reapplying flag %s, %w", name, err)
		}
	}
	return nil
}

func (o Options) Validate() (err error) {
	err = multierr.Append(err, o.validateEndpoint())
	if o.QueueName == "" {
		err = multierr.Append(err, fmt.Errorf("QUEUE_NAME is required"))
	}
	if o.TableName == "" {
		err = multierr.Append(err, fmt.Errorf("TABLE_NAME is required"))
	}
	if o.CurrentInstanceResourceName == "" {
		err = multierr.Append(err, fmt.Errorf("CURRENT_INSTANCE_RESOURCE_NAME is required"))
	}
	if o.ScaleInHookName == "" {
		err = multierr.Append(err, fmt.Errorf("SCALE_IN_HOOK_NAME is required"))
	}
	if o.RetryLimit < 1 {
		err = multierr.Append(err, fmt.Errorf("retry-limit must be at least 1"))
	}
	maxSeconds := int(job.MaxVisibilityDuration / time.Second)
	if o.VisibilityTimeoutExtendTimeSeconds < 1 || o.VisibilityTimeoutExtendTimeSeconds > maxSeconds {
		err = multierr.Append(err, fmt.Errorf("visibility-timeout-extend-time-seconds must be within [1, %d]", maxSeconds))
	}
	if o.ReleaseDelaySeconds < 0 || o.ReleaseDelaySeconds > maxSeconds {
		err = multierr.Append(err, fmt.Errorf("release-delay-seconds must be within [0, %d]", maxSeconds))
	}
	if o.JobProcessingTimeoutSeconds < 1 {
		err = multierr.Append(err, fmt.Errorf("job-processing-timeout-seconds must be at least 1"))
	}
	if o.JobExtendingWorkerSleepTimeSeconds < 1 {
		err = multierr.Append(err, fmt.Errorf("job-extending-worker-sleep-time-seconds must be at least 1"))
	}
	if o.MetricsPort < 1 || o.MetricsPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("metrics-port must be a valid port"))
	}
	if o.ExecutorWorkers < 1 {
		err = multierr.Append(err, fmt.Errorf("executor-workers must be at least 1"))
	}
	if o.ExecutorQueueCapacity < 1 {
		err = multierr.Append(err, fmt.Errorf("executor-queue-capacity must be at least 1"))
	}
	if o.ClientPoolTTLSeconds < 1 {
		err = multierr.Append(err, fmt.Errorf("client-pool-ttl-seconds must be at least 1"))
	}
	if o.MetricNamespace == "" {
		err = multierr.Append(err, fmt.Errorf("metric-namespace must not be empty"))
	}
	return err
}

func (o Options) validateEndpoint() error {
	endpoint, err := url.Parse(o.HandlerEndpoint)
	// url.Parse() will accept a lot of input without error; make
	// sure it's a real URL
	if err != nil || !endpoint.IsAbs() || endpoint.Hostname() == "" {
		return fmt.Errorf("%q not a valid HANDLER_ENDPOINT URL", o.HandlerEndpoint)
	}
	return nil
}

func (o Options) GetVisibilityExtendTime() time.Duration {
	return time.Duration(o.VisibilityTimeoutExtendTimeSeconds) * time.Second
}

func (o Options) GetJobProcessingTimeout() time.Duration {
	return time.Duration(o.JobProcessingTimeoutSeconds) * time.Second
}

func (o Options) GetExtenderSleepTime() time.Duration {
	return time.Duration(o.JobExtendingWorkerSleepTimeSeconds) * time.Second
}

func (o Options) GetClientPoolTTL() time.Duration {
	return time.Duration(o.ClientPoolTTLSeconds) * time.Second
}

func (o Options) GetReleaseDelay() time.Duration {
	return time.Duration(o.ReleaseDelaySeconds) * time.Second
}

type optionsKey struct{}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

// FromContext returns the Options stored on the context. Wiring always installs them, so
// a miss is a programmer error and panics.
func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		panic("options doesn't exist in context")
	}
	return retval.(*Options)
}
