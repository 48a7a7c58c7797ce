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

// Package blob streams objects in and out of the object store. Each Read or Write call is
// one session: its chunk hops run as executor tasks so a large transfer never parks a
// worker, and the session polls cancellation and its deadline between hops.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"k8s.io/utils/clock"

	"github.com/cplabs/cpio/pkg/async"
	sdk "github.com/cplabs/cpio/pkg/aws"
	"github.com/cplabs/cpio/pkg/errors"
	"github.com/cplabs/cpio/pkg/logging"
)

const (
	// DefaultChunkSize is the object store's minimum non-final multipart part size.
	DefaultChunkSize = 5 * 1024 * 1024

	DefaultSessionTimeout = 5 * time.Minute
)

// ReadRequest names the object a read session streams in.
type ReadRequest struct {
	Bucket string
	Key    string
}

// WriteRequest carries the payload a write session streams out.
type WriteRequest struct {
	Bucket string
	Key    string
	Body   []byte
}

type Provider interface {
	Read(ctx context.Context, actx *async.Context[ReadRequest, []byte])
	Write(ctx context.Context, actx *async.Context[WriteRequest, int64])
}

type Options struct {
	ChunkSize      int64
	SessionTimeout time.Duration
	Priority       async.Priority
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.SessionTimeout == 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	return o
}

type DefaultProvider struct {
	s3api    sdk.S3API
	executor *async.Executor
	clk      clock.Clock
	opts     Options
}

func NewDefaultProvider(s3api sdk.S3API, executor *async.Executor, clk clock.Clock, opts Options) *DefaultProvider {
	return &DefaultProvider{
		s3api:    s3api,
		executor: executor,
		clk:      clk,
		opts:     opts.withDefaults(),
	}
}

// Read streams the object into memory one ranged get per hop and resolves actx with the
// assembled bytes.
func (p *DefaultProvider) Read(ctx context.Context, actx *async.Context[ReadRequest, []byte]) {
	deadline := p.clk.Now().Add(p.opts.SessionTimeout)
	var buf []byte
	var step func(offset int64, total int64)
	step = func(offset int64, total int64) {
		if actx.Cancelled() {
			actx.Finish(errors.NewCoded(errors.CodeStreamSessionCancelled, false, "read session for %s/%s cancelled", actx.Request.Bucket, actx.Request.Key))
			return
		}
		if p.clk.Now().After(deadline) {
			actx.Finish(errors.NewCoded(errors.CodeStreamSessionExpired, false, "read session for %s/%s ran past %s", actx.Request.Bucket, actx.Request.Key, p.opts.SessionTimeout))
			return
		}
		if total < 0 {
			head, err := p.s3api.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(actx.Request.Bucket),
				Key:    aws.String(actx.Request.Key),
			})
			if err != nil {
				actx.Finish(fmt.Errorf("sizing object %s/%s, %w", actx.Request.Bucket, actx.Request.Key, err))
				return
			}
			total = aws.ToInt64(head.ContentLength)
			buf = make([]byte, 0, total)
		}
		if offset >= total {
			actx.FinishWith(buf)
			return
		}
		end := min(offset+p.opts.ChunkSize, total) - 1
		out, err := p.s3api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(actx.Request.Bucket),
			Key:    aws.String(actx.Request.Key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, end)),
		})
		if err != nil {
			actx.Finish(fmt.Errorf("reading %s/%s at offset %d, %w", actx.Request.Bucket, actx.Request.Key, offset, err))
			return
		}
		chunk, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			actx.Finish(fmt.Errorf("draining chunk of %s/%s at offset %d, %w", actx.Request.Bucket, actx.Request.Key, offset, err))
			return
		}
		buf = append(buf, chunk...)
		p.schedule(actx.Finish, func() { step(offset+int64(len(chunk)), total) })
	}
	p.schedule(actx.Finish, func() { step(0, -1) })
}

// Write streams the payload out as a multipart upload and resolves actx with the byte
// count. Cancellation, expiry and part failures abort the upload so no partial object
// becomes visible.
func (p *DefaultProvider) Write(ctx context.Context, actx *async.Context[WriteRequest, int64]) {
	if len(actx.Request.Body) == 0 {
		actx.Finish(fmt.Errorf("write session for %s/%s requires a non-empty body", actx.Request.Bucket, actx.Request.Key))
		return
	}
	deadline := p.clk.Now().Add(p.opts.SessionTimeout)
	var uploadID string
	var parts []s3types.CompletedPart

	abort := func() {
		if _, err := p.s3api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(actx.Request.Bucket),
			Key:      aws.String(actx.Request.Key),
			UploadId: aws.String(uploadID),
		}); err != nil {
			logging.FromContext(ctx).With("bucket", actx.Request.Bucket, "key", actx.Request.Key).Errorf("aborting upload %s, %v", uploadID, err)
		}
	}

	var step func(partNumber int32, offset int64)
	step = func(partNumber int32, offset int64) {
		if actx.Cancelled() {
			if uploadID != "" {
				abort()
			}
			actx.Finish(errors.NewCoded(errors.CodeStreamSessionCancelled, false, "write session for %s/%s cancelled", actx.Request.Bucket, actx.Request.Key))
			return
		}
		if p.clk.Now().After(deadline) {
			if uploadID != "" {
				abort()
			}
			actx.Finish(errors.NewCoded(errors.CodeStreamSessionExpired, false, "write session for %s/%s ran past %s", actx.Request.Bucket, actx.Request.Key, p.opts.SessionTimeout))
			return
		}
		if uploadID == "" {
			created, err := p.s3api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
				Bucket: aws.String(actx.Request.Bucket),
				Key:    aws.String(actx.Request.Key),
			})
			if err != nil {
				actx.Finish(fmt.Errorf("starting upload of %s/%s, %w", actx.Request.Bucket, actx.Request.Key, err))
				return
			}
			uploadID = aws.ToString(created.UploadId)
		}
		body := actx.Request.Body
		end := min(offset+p.opts.ChunkSize, int64(len(body)))
		out, err := p.s3api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(actx.Request.Bucket),
			Key:        aws.String(actx.Request.Key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(body[offset:end]),
		})
		if err != nil {
			abort()
			actx.Finish(fmt.Errorf("uploading part %d of %s/%s, %w", partNumber, actx.Request.Bucket, actx.Request.Key, err))
			return
		}
		parts = append(parts, s3types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})
		if end == int64(len(body)) {
			if _, err := p.s3api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
				Bucket:          aws.String(actx.Request.Bucket),
				Key:             aws.String(actx.Request.Key),
				UploadId:        aws.String(uploadID),
				MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
			}); err != nil {
				abort()
				actx.Finish(fmt.Errorf("completing upload of %s/%s, %w", actx.Request.Bucket, actx.Request.Key, err))
				return
			}
			actx.FinishWith(int64(len(body)))
			return
		}
		p.schedule(actx.Finish, func() { step(partNumber+1, end) })
	}
	p.schedule(actx.Finish, func() { step(1, 0) })
}

func (p *DefaultProvider) schedule(finish func(error), task async.Task) {
	if err := p.executor.Schedule(task, p.opts.Priority); err != nil {
		finish(fmt.Errorf("scheduling stream hop, %w", err))
	}
}

// ParseURI splits an "s3://bucket/key" reference.
func ParseURI(uri string) (bucket string, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("blob uri %q does not start with s3://", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("blob uri %q has no bucket/key pair", uri)
	}
	return bucket, key, nil
}
