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

package fake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	sdk "github.com/cplabs/cpio/pkg/aws"
)

// S3API is an in-memory object store. GetObject honors byte ranges and multipart uploads
// assemble on complete, which is the behavior the blob stream sessions depend on.
type S3API struct {
	sdk.S3API

	HeadObjectBehavior              MockedFunctionRef[s3.HeadObjectInput, s3.HeadObjectOutput]
	GetObjectBehavior               MockedFunctionRef[s3.GetObjectInput, s3.GetObjectOutput]
	CreateMultipartUploadBehavior   MockedFunctionRef[s3.CreateMultipartUploadInput, s3.CreateMultipartUploadOutput]
	UploadPartBehavior              MockedFunctionRef[s3.UploadPartInput, s3.UploadPartOutput]
	CompleteMultipartUploadBehavior MockedFunctionRef[s3.CompleteMultipartUploadInput, s3.CompleteMultipartUploadOutput]
	AbortMultipartUploadBehavior    MockedFunctionRef[s3.AbortMultipartUploadInput, s3.AbortMultipartUploadOutput]

	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]map[int32][]byte
	nextID  int
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *S3API) Reset() {
	s.HeadObjectBehavior.Reset()
	s.GetObjectBehavior.Reset()
	s.CreateMultipartUploadBehavior.Reset()
	s.UploadPartBehavior.Reset()
	s.CompleteMultipartUploadBehavior.Reset()
	s.AbortMultipartUploadBehavior.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = nil
	s.uploads = nil
	s.nextID = 0
}

// StoreObject seeds the store for read tests.
func (s *S3API) StoreObject(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[bucket+"/"+key] = data
}

// Object returns the stored content for write tests.
func (s *S3API) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	return data, ok
}

func (s *S3API) HeadObject(_ context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return s.HeadObjectBehavior.Invoke(input, func(input *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		data, ok := s.objects[aws.ToString(input.Bucket)+"/"+aws.ToString(input.Key)]
		if !ok {
			return nil, fmt.Errorf("no such key %s", aws.ToString(input.Key))
		}
		return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
	})
}

func (s *S3API) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return s.GetObjectBehavior.Invoke(input, func(input *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		data, ok := s.objects[aws.ToString(input.Bucket)+"/"+aws.ToString(input.Key)]
		if !ok {
			return nil, fmt.Errorf("no such key %s", aws.ToString(input.Key))
		}
		if rng := aws.ToString(input.Range); rng != "" {
			start, end, err := parseRange(rng, len(data))
			if err != nil {
				return nil, err
			}
			data = data[start : end+1]
		}
		return &s3.GetObjectOutput{
			Body:          io.NopCloser(bytes.NewReader(data)),
			ContentLength: aws.Int64(int64(len(data))),
		}, nil
	})
}

func (s *S3API) CreateMultipartUpload(_ context.Context, input *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return s.CreateMultipartUploadBehavior.Invoke(input, func(input *s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.uploads == nil {
			s.uploads = map[string]map[int32][]byte{}
		}
		s.nextID++
		id := fmt.Sprintf("upload-%d", s.nextID)
		s.uploads[id] = map[int32][]byte{}
		return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
	})
}

func (s *S3API) UploadPart(_ context.Context, input *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return s.UploadPartBehavior.Invoke(input, func(input *s3.UploadPartInput) (*s3.UploadPartOutput, error) {
		data, err := io.ReadAll(input.Body)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		parts, ok := s.uploads[aws.ToString(input.UploadId)]
		if !ok {
			return nil, fmt.Errorf("no such upload %s", aws.ToString(input.UploadId))
		}
		parts[aws.ToInt32(input.PartNumber)] = data
		return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", aws.ToInt32(input.PartNumber)))}, nil
	})
}

func (s *S3API) CompleteMultipartUpload(_ context.Context, input *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return s.CompleteMultipartUploadBehavior.Invoke(input, func(input *s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		parts, ok := s.uploads[aws.ToString(input.UploadId)]
		if !ok {
			return nil, fmt.Errorf("no such upload %s", aws.ToString(input.UploadId))
		}
		var assembled []byte
		for i := int32(1); int(i) <= len(parts); i++ {
			chunk, ok := parts[i]
			if !ok {
				return nil, fmt.Errorf("missing part %d", i)
			}
			assembled = append(assembled, chunk...)
		}
		if s.objects == nil {
			s.objects = map[string][]byte{}
		}
		s.objects[aws.ToString(input.Bucket)+"/"+aws.ToString(input.Key)] = assembled
		delete(s.uploads, aws.ToString(input.UploadId))
		return &s3.CompleteMultipartUploadOutput{}, nil
	})
}

func (s *S3API) AbortMultipartUpload(_ context.Context, input *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return s.AbortMultipartUploadBehavior.Invoke(input, func(input *s3.AbortMultipartUploadInput) (*s3.AbortMultipartUploadOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.uploads, aws.ToString(input.UploadId))
		return &s3.AbortMultipartUploadOutput{}, nil
	})
}

// parseRange handles the "bytes=start-end" form the stream sessions issue.
func parseRange(rng string, size int) (int, int, error) {
	spec, ok := strings.CutPrefix(rng, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range %q", rng)
	}
	bounds := strings.SplitN(spec, "-", 2)
	if len(bounds) != 2 {
		return 0, 0, fmt.Errorf("unsupported range %q", rng)
	}
	start, err := strconv.Atoi(bounds[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing range start, %w", err)
	}
	end, err := strconv.Atoi(bounds[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing range end, %w", err)
	}
	if end >= size {
		end = size - 1
	}
	if start < 0 || start > end {
		return 0, 0, fmt.Errorf("range %q out of bounds for %d bytes", rng, size)
	}
	return start, end, nil
}
