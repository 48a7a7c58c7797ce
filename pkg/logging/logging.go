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

package logging

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerKey struct{}

// fallbackLogger is returned from FromContext when no logger has been injected,
// so call sites never have to nil-check
var fallbackLogger = zap.NewNop().Sugar()

// Config narrows the zap surface to what the runtime configures
type Config struct {
	Level            string
	OutputPaths      string
	ErrorOutputPaths string
}

func DefaultZapConfig(c Config) zap.Config {
	logLevel := zap.NewAtomicLevelAt(zap.InfoLevel)
	if c.Level != "" {
		logLevel = lo.Must(zap.ParseAtomicLevel(c.Level))
	}
	return zap.Config{
		Level:             logLevel,
		Development:       false,
		DisableCaller:     c.Level != "debug",
		DisableStacktrace: true,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "message",
			LevelKey:       "level",
			TimeKey:        "time",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      strings.Split(lo.Ternary(c.OutputPaths != "", c.OutputPaths, "stdout"), ","),
		ErrorOutputPaths: strings.Split(lo.Ternary(c.ErrorOutputPaths != "", c.ErrorOutputPaths, "stderr"), ","),
	}
}

// NewLogger returns a configured *zap.SugaredLogger named for the component
func NewLogger(c Config, component string) *zap.SugaredLogger {
	return lo.Must(DefaultZapConfig(c).Build()).Named(component).Sugar()
}

// WithLogger returns a context with the logger injected
func WithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in the context, or a no-op logger when absent
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
		return logger
	}
	return fallbackLogger
}
