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

// Package operator wires the worker runtime together. Everything the process needs is
// hung off the Operator struct so there is no package-level state to reset in tests.
package operator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/avast/retry-go"
	prometheusv2 "github.com/jonathan-innis/aws-sdk-go-prometheus/v2"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/cplabs/cpio/pkg/async"
	"github.com/cplabs/cpio/pkg/auth"
	cpiocache "github.com/cplabs/cpio/pkg/cache"
	"github.com/cplabs/cpio/pkg/cache/expiring"
	"github.com/cplabs/cpio/pkg/clients"
	"github.com/cplabs/cpio/pkg/lifecycle"
	"github.com/cplabs/cpio/pkg/logging"
	"github.com/cplabs/cpio/pkg/metrics"
	"github.com/cplabs/cpio/pkg/operator/options"
	"github.com/cplabs/cpio/pkg/providers/blob"
	"github.com/cplabs/cpio/pkg/providers/job"
	"github.com/cplabs/cpio/pkg/providers/scaling"
	"github.com/cplabs/cpio/pkg/worker"
)

const (
	// metadataRequestTimeout bounds a single token fetch against the metadata server.
	metadataRequestTimeout = 10 * time.Second
	// audienceTokenTTL caps how long an identity token stays cached. Tokens carry their
	// own expiry; the map lifetime only bounds entries for audiences no longer asked for.
	audienceTokenTTL           = time.Hour
	audienceTokenSweepInterval = time.Minute
	metricsShutdownTimeout     = 5 * time.Second
)

// Operator owns every long-lived component of the worker process.
type Operator struct {
	Options *options.Options
	Config  aws.Config

	Executor   *async.Executor
	Dispatcher *async.Dispatcher
	Clients    *clients.AWSClients
	TokenCache *auth.TokenCache

	JobProvider     job.Provider
	ScalingProvider scaling.Provider
	BlobProvider    blob.Provider

	Recorder  *lifecycle.Recorder
	Lifecycle *lifecycle.Helper
	Worker    *worker.Worker

	audienceTokens *expiring.Map[string, auth.Token]
	metricsServer  *http.Server
}

func NewOperator(ctx context.Context, opts *options.Options) (context.Context, *Operator) {
	ctx = options.ToContext(ctx, opts)
	log := logging.FromContext(ctx)

	cfg := prometheusv2.WithPrometheusMetrics(lo.Must(config.LoadDefaultConfig(ctx)), metrics.Registry)
	if cfg.Region == "" {
		log.Debugf("retrieving region from IMDS")
		region := lo.Must(imds.NewFromConfig(cfg).GetRegion(ctx, nil))
		cfg.Region = region.Region
	}
	log.With("region", cfg.Region).Debugf("discovered region")

	executor := async.NewExecutor(async.ExecutorOptions{
		Name:          "runtime",
		Workers:       opts.ExecutorWorkers,
		QueueCapacity: opts.ExecutorQueueCapacity,
	})
	dispatcher := async.NewDispatcher(executor, clock.RealClock{})

	awsClients := clients.NewAWSClients(cfg, clients.Identity{Provider: "aws", Region: cfg.Region},
		clients.PoolOptions{TTL: opts.GetClientPoolTTL()})

	jobProvider := job.NewDefaultProvider(awsClients.SQS(), awsClients.DynamoDB(), opts.QueueName, opts.TableName,
		cache.New(cpiocache.QueueAttributesTTL, cpiocache.DefaultCleanupInterval), clock.RealClock{})
	if err := CheckQueueConnectivity(ctx, jobProvider); err != nil {
		log.Fatalf("queue connectivity check failed, %v", err)
	}
	scalingProvider := scaling.NewDefaultProvider(awsClients.AutoScaling(),
		cpiocache.NewTerminationState(cache.New(cpiocache.TerminationStateTTL, cpiocache.DefaultCleanupInterval)))
	blobProvider := blob.NewDefaultProvider(awsClients.S3(), executor, clock.RealClock{}, blob.Options{})

	audienceTokens := expiring.NewMap(expiring.Options[string, auth.Token]{
		Lifetime:     audienceTokenTTL,
		TickInterval: audienceTokenSweepInterval,
	})
	tokenCache := auth.NewTokenCache(opts.MetadataHost, &http.Client{Timeout: metadataRequestTimeout},
		executor, audienceTokens, clock.RealClock{})

	recorder := lifecycle.NewRecorder(lifecycle.MetricsOptions{
		Namespace: opts.MetricNamespace,
		Enabled:   opts.EnableMetricsRecording,
		Registry:  metrics.Registry,
	})
	helper := lifecycle.NewHelper(ctx, jobProvider, scalingProvider, dispatcher, recorder, clock.RealClock{}, lifecycle.Options{
		RetryLimit:                  opts.RetryLimit,
		VisibilityExtendTime:        opts.GetVisibilityExtendTime(),
		JobProcessingTimeout:        opts.GetJobProcessingTimeout(),
		ExtenderSleepTime:           opts.GetExtenderSleepTime(),
		CurrentInstanceResourceName: opts.CurrentInstanceResourceName,
		ScaleInHookName:             opts.ScaleInHookName,
	})

	workerMetrics := worker.NewMetrics(worker.MetricsOptions{
		Namespace: opts.MetricNamespace,
		Enabled:   opts.EnableMetricsRecording,
		Registry:  metrics.Registry,
	})
	jobWorker := worker.NewWorker(helper, blobProvider, tokenCache, &http.Client{}, workerMetrics, clock.RealClock{}, worker.Options{
		HandlerEndpoint:      opts.HandlerEndpoint,
		HandlerAudience:      opts.HandlerAudience,
		JobProcessingTimeout: opts.GetJobProcessingTimeout(),
		ReleaseDelay:         opts.GetReleaseDelay(),
		VisibilityExtendable: opts.VisibilityExtendable,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	return ctx, &Operator{
		Options:         opts,
		Config:          cfg,
		Executor:        executor,
		Dispatcher:      dispatcher,
		Clients:         awsClients,
		TokenCache:      tokenCache,
		JobProvider:     jobProvider,
		ScalingProvider: scalingProvider,
		BlobProvider:    blobProvider,
		Recorder:        recorder,
		Lifecycle:       helper,
		Worker:          jobWorker,
		audienceTokens:  audienceTokens,
		metricsServer:   &http.Server{Addr: fmt.Sprintf(":%d", opts.MetricsPort), Handler: mux},
	}
}

// Run serves metrics and drives the claim loop until the context ends or the instance
// drains for scale-in. A drain reads as a clean return.
func (o *Operator) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.With("port", o.Options.MetricsPort).Infof("serving metrics")
		if err := o.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving metrics, %w", err)
		}
		return nil
	})
	group.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			if err := o.metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Errorf("shutting down metrics server, %v", err)
			}
		}()
		return o.Worker.Run(gctx)
	})
	return group.Wait()
}

// Stop tears the runtime down in dependency order: the lifecycle helper first so the
// extender stops touching claims, then the executor so queued callbacks finish, then the
// client pools under them.
func (o *Operator) Stop() error {
	o.Lifecycle.Stop()
	err := o.Executor.Stop(false)
	o.Clients.Stop()
	o.audienceTokens.Stop()
	if err != nil {
		return fmt.Errorf("stopping executor, %w", err)
	}
	return nil
}

// CheckQueueConnectivity resolves the queue URL and reads its attributes, surfacing
// misconfigured queue access before the claim loop starts.
func CheckQueueConnectivity(ctx context.Context, provider *job.DefaultProvider) error {
	return retry.Do(
		func() error {
			_, err := provider.DefaultVisibilityTimeout(ctx)
			return err
		},
		retry.Delay(1*time.Second),
		retry.Attempts(3),
	)
}
