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

package options_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cplabs/cpio/pkg/operator/options"
)

func TestOptions(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Options")
}

var _ = Describe("Options", func() {
	var envState map[string]string
	var environmentVariables = []string{
		"CONFIG_FILE",
		"METRICS_PORT",
		"ENABLE_METRICS_RECORDING",
		"METRIC_NAMESPACE",
		"EXECUTOR_WORKERS",
		"EXECUTOR_QUEUE_CAPACITY",
		"CLIENT_POOL_TTL_SECONDS",
		"METADATA_HOST",
		"QUEUE_NAME",
		"TABLE_NAME",
		"RETRY_LIMIT",
		"VISIBILITY_TIMEOUT_EXTEND_TIME_SECONDS",
		"JOB_PROCESSING_TIMEOUT_SECONDS",
		"JOB_EXTENDING_WORKER_SLEEP_TIME_SECONDS",
		"VISIBILITY_EXTENDABLE",
		"RELEASE_DELAY_SECONDS",
		"HANDLER_ENDPOINT",
		"HANDLER_AUDIENCE",
		"CURRENT_INSTANCE_RESOURCE_NAME",
		"SCALE_IN_HOOK_NAME",
	}

	var opts *options.Options

	BeforeEach(func() {
		envState = map[string]string{}
		for _, ev := range environmentVariables {
			val, ok := os.LookupEnv(ev)
			if ok {
				envState[ev] = val
			}
			os.Unsetenv(ev)
		}
		opts = options.New()
	})

	AfterEach(func() {
		for _, ev := range environmentVariables {
			os.Unsetenv(ev)
		}
		for ev, val := range envState {
			os.Setenv(ev, val)
		}
	})

	Context("Defaults", func() {
		It("should fill every knob from its default when only required flags are passed", func() {
			Expect(opts.Parse(requiredArgs()...)).To(Succeed())
			Expect(opts.QueueName).To(Equal("cpio-jobs"))
			Expect(opts.TableName).To(Equal("cpio-job-rows"))
			Expect(opts.RetryLimit).To(Equal(3))
			Expect(opts.VisibilityTimeoutExtendTimeSeconds).To(Equal(60))
			Expect(opts.JobProcessingTimeoutSeconds).To(Equal(600))
			Expect(opts.JobExtendingWorkerSleepTimeSeconds).To(Equal(10))
			Expect(opts.VisibilityExtendable).To(BeTrue())
			Expect(opts.ReleaseDelaySeconds).To(Equal(10))
			Expect(opts.MetricsPort).To(Equal(8080))
			Expect(opts.EnableMetricsRecording).To(BeTrue())
			Expect(opts.MetricNamespace).To(Equal("cpio"))
			Expect(opts.ExecutorQueueCapacity).To(Equal(256))
			Expect(opts.ClientPoolTTLSeconds).To(Equal(600))
			Expect(opts.MetadataHost).To(Equal("metadata.google.internal"))
			Expect(opts.HandlerEndpoint).To(Equal("http://127.0.0.1:8081/process"))
			Expect(opts.HandlerAudience).To(BeEmpty())
		})
		It("should expose the seconds knobs as durations", func() {
			Expect(opts.Parse(append(requiredArgs(), "--visibility-timeout-extend-time-seconds", "45")...)).To(Succeed())
			Expect(opts.GetVisibilityExtendTime()).To(Equal(45 * time.Second))
			Expect(opts.GetJobProcessingTimeout()).To(Equal(600 * time.Second))
			Expect(opts.GetExtenderSleepTime()).To(Equal(10 * time.Second))
			Expect(opts.GetClientPoolTTL()).To(Equal(600 * time.Second))
			Expect(opts.GetReleaseDelay()).To(Equal(10 * time.Second))
		})
	})

	Context("Merging", func() {
		It("should correctly fallback to env vars when CLI flags aren't set", func() {
			os.Setenv("QUEUE_NAME", "env-queue")
			os.Setenv("TABLE_NAME", "env-table")
			os.Setenv("CURRENT_INSTANCE_RESOURCE_NAME", "projects/p/zones/z/instances/i-env")
			os.Setenv("SCALE_IN_HOOK_NAME", "env-hook")
			os.Setenv("RETRY_LIMIT", "7")
			os.Setenv("ENABLE_METRICS_RECORDING", "false")
			os.Setenv("HANDLER_AUDIENCE", "https://env-handler")
			opts = options.New()
			Expect(opts.Parse()).To(Succeed())
			Expect(opts.QueueName).To(Equal("env-queue"))
			Expect(opts.TableName).To(Equal("env-table"))
			Expect(opts.CurrentInstanceResourceName).To(Equal("projects/p/zones/z/instances/i-env"))
			Expect(opts.ScaleInHookName).To(Equal("env-hook"))
			Expect(opts.RetryLimit).To(Equal(7))
			Expect(opts.EnableMetricsRecording).To(BeFalse())
			Expect(opts.HandlerAudience).To(Equal("https://env-handler"))
		})
		It("should fill unset knobs from the config file", func() {
			path := writeConfig(`
queue_name = "file-queue"
table_name = "file-table"
current_instance_resource_name = "projects/p/zones/z/instances/i-file"
scale_in_hook_name = "file-hook"
retry_limit = 7
visibility_timeout_extend_time_seconds = 45
metric_namespace = "filespace"
`)
			Expect(opts.Parse("--config-file", path)).To(Succeed())
			Expect(opts.QueueName).To(Equal("file-queue"))
			Expect(opts.TableName).To(Equal("file-table"))
			Expect(opts.CurrentInstanceResourceName).To(Equal("projects/p/zones/z/instances/i-file"))
			Expect(opts.ScaleInHookName).To(Equal("file-hook"))
			Expect(opts.RetryLimit).To(Equal(7))
			Expect(opts.VisibilityTimeoutExtendTimeSeconds).To(Equal(45))
			Expect(opts.MetricNamespace).To(Equal("filespace"))
			Expect(opts.JobProcessingTimeoutSeconds).To(Equal(600))
		})
		It("shouldn't overwrite explicitly passed flags with config file values", func() {
			path := writeConfig(`
queue_name = "file-queue"
retry_limit = 7
`)
			Expect(opts.Parse(append(requiredArgs(), "--config-file", path, "--retry-limit", "5")...)).To(Succeed())
			Expect(opts.QueueName).To(Equal("cpio-jobs"))
			Expect(opts.RetryLimit).To(Equal(5))
		})
		It("should apply a false boolean from the config file", func() {
			path := writeConfig(`
enable_metrics_recording = false
visibility_extendable = false
`)
			Expect(opts.Parse(append(requiredArgs(), "--config-file", path)...)).To(Succeed())
			Expect(opts.EnableMetricsRecording).To(BeFalse())
			Expect(opts.VisibilityExtendable).To(BeFalse())
		})
		It("should fail when the config file does not exist", func() {
			err := opts.Parse(append(requiredArgs(), "--config-file", "/nonexistent/cpio.toml")...)
			Expect(err).To(HaveOccurred())
		})
		It("should fail when the config file is not valid TOML", func() {
			path := writeConfig(`queue_name = `)
			err := opts.Parse(append(requiredArgs(), "--config-file", path)...)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("Validation", func() {
		It("should fail when the required names are not set", func() {
			err := opts.Parse()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("QUEUE_NAME is required"))
			Expect(err.Error()).To(ContainSubstring("TABLE_NAME is required"))
			Expect(err.Error()).To(ContainSubstring("CURRENT_INSTANCE_RESOURCE_NAME is required"))
			Expect(err.Error()).To(ContainSubstring("SCALE_IN_HOOK_NAME is required"))
		})
		It("should fail when the handler endpoint is not an absolute URL", func() {
			err := opts.Parse(append(requiredArgs(), "--handler-endpoint", "handler.internal/process")...)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("HANDLER_ENDPOINT"))
		})
		It("should fail when the extend time exceeds the queue's visibility ceiling", func() {
			err := opts.Parse(append(requiredArgs(), "--visibility-timeout-extend-time-seconds", "601")...)
			Expect(err).To(HaveOccurred())
		})
		It("should fail when the retry limit is zero", func() {
			err := opts.Parse(append(requiredArgs(), "--retry-limit", "0")...)
			Expect(err).To(HaveOccurred())
		})
		It("should fail when the release delay is negative", func() {
			err := opts.Parse(append(requiredArgs(), "--release-delay-seconds=-1")...)
			Expect(err).To(HaveOccurred())
		})
		It("should aggregate every validation failure into one error", func() {
			err := opts.Parse(append(requiredArgs(), "--retry-limit", "0", "--metrics-port", "0")...)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("retry-limit"))
			Expect(err.Error()).To(ContainSubstring("metrics-port"))
		})
	})

	Context("Context injection", func() {
		It("should round-trip options through a context", func() {
			Expect(opts.Parse(requiredArgs()...)).To(Succeed())
			ctx := options.ToContext(context.Background(), opts)
			Expect(options.FromContext(ctx)).To(BeIdenticalTo(opts))
		})
		It("should panic when options were never injected", func() {
			Expect(func() { options.FromContext(context.Background()) }).To(Panic())
		})
	})
})

func requiredArgs() []string {
	return []string{
		"--queue-name", "cpio-jobs",
		"--table-name", "cpio-job-rows",
		"--current-instance-resource-name", "projects/cpio/zones/us-west-2a/instances/i-0123456789abcdef0",
		"--scale-in-hook-name", "cpio-drain",
	}
}

func writeConfig(content string) string {
	GinkgoHelper()
	path := filepath.Join(GinkgoT().TempDir(), "config.toml")
	Expect(os.WriteFile(path, []byte(content), 0600)).To(Succeed())
	return path
}
