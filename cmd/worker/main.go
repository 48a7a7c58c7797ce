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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cplabs/cpio/pkg/logging"
	"github.com/cplabs/cpio/pkg/operator"
	"github.com/cplabs/cpio/pkg/operator/options"
	"github.com/cplabs/cpio/pkg/utils/env"
)

func main() {
	opts := options.New().MustParse()
	logger := logging.NewLogger(logging.Config{Level: env.WithDefaultString("LOG_LEVEL", "info")}, "worker")
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(logging.WithLogger(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, op := operator.NewOperator(ctx, opts)
	if err := op.Run(ctx); err != nil {
		logger.Errorf("running worker, %v", err)
	}
	// A drain or signal still exits zero; only a failed teardown is reported.
	if err := op.Stop(); err != nil {
		logger.Errorf("stopping worker, %v", err)
		os.Exit(1)
	}
}
