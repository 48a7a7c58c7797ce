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

package clients

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	sdk "github.com/cplabs/cpio/pkg/aws"
)

// AWSClients hands out service clients through per-identity pools. Every call borrows the
// client for the operator's identity and releases it when the call returns, so idle
// clients age out of the pools and the next call rebuilds them from the base config.
type AWSClients struct {
	identity    Identity
	sqs         *Pool[*sqs.Client]
	dynamodb    *Pool[*dynamodb.Client]
	autoscaling *Pool[*autoscaling.Client]
	s3          *Pool[*s3.Client]
}

func NewAWSClients(cfg aws.Config, identity Identity, opts PoolOptions) *AWSClients {
	return &AWSClients{
		identity: identity,
		sqs: NewPool(func(_ context.Context, id Identity) (*sqs.Client, error) {
			return sqs.NewFromConfig(configFor(cfg, id)), nil
		}, opts),
		dynamodb: NewPool(func(_ context.Context, id Identity) (*dynamodb.Client, error) {
			return dynamodb.NewFromConfig(configFor(cfg, id)), nil
		}, opts),
		autoscaling: NewPool(func(_ context.Context, id Identity) (*autoscaling.Client, error) {
			return autoscaling.NewFromConfig(configFor(cfg, id)), nil
		}, opts),
		s3: NewPool(func(_ context.Context, id Identity) (*s3.Client, error) {
			return s3.NewFromConfig(configFor(cfg, id)), nil
		}, opts),
	}
}

// configFor applies the identity's placement on top of the base config. Credentials stay
// with the base config; identities with a distinct role are expected to arrive with their
// own base config.
func configFor(cfg aws.Config, id Identity) aws.Config {
	if id.Region != "" {
		cfg.Region = id.Region
	}
	if id.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(id.Endpoint)
	}
	return cfg
}

func (c *AWSClients) SQS() sdk.SQSAPI                 { return pooledSQS{c} }
func (c *AWSClients) DynamoDB() sdk.DynamoDBAPI       { return pooledDynamoDB{c} }
func (c *AWSClients) AutoScaling() sdk.AutoScalingAPI { return pooledAutoScaling{c} }
func (c *AWSClients) S3() sdk.S3API                   { return pooledS3{c} }

// Len reports pooled clients across all services, for tests and debugging.
func (c *AWSClients) Len() int {
	return c.sqs.Len() + c.dynamodb.Len() + c.autoscaling.Len() + c.s3.Len()
}

func (c *AWSClients) Stop() {
	c.sqs.Stop()
	c.dynamodb.Stop()
	c.autoscaling.Stop()
	c.s3.Stop()
}

type pooledSQS struct{ c *AWSClients }

func (p pooledSQS) GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	client, release, err := p.c.sqs.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.GetQueueUrl(ctx, in, optFns...)
}

func (p pooledSQS) GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	client, release, err := p.c.sqs.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.GetQueueAttributes(ctx, in, optFns...)
}

func (p pooledSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	client, release, err := p.c.sqs.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.ReceiveMessage(ctx, in, optFns...)
}

func (p pooledSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	client, release, err := p.c.sqs.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.ChangeMessageVisibility(ctx, in, optFns...)
}

func (p pooledSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	client, release, err := p.c.sqs.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.DeleteMessage(ctx, in, optFns...)
}

type pooledDynamoDB struct{ c *AWSClients }

func (p pooledDynamoDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	client, release, err := p.c.dynamodb.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.GetItem(ctx, in, optFns...)
}

func (p pooledDynamoDB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	client, release, err := p.c.dynamodb.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.UpdateItem(ctx, in, optFns...)
}

type pooledAutoScaling struct{ c *AWSClients }

func (p pooledAutoScaling) DescribeAutoScalingInstances(ctx context.Context, in *autoscaling.DescribeAutoScalingInstancesInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingInstancesOutput, error) {
	client, release, err := p.c.autoscaling.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.DescribeAutoScalingInstances(ctx, in, optFns...)
}

func (p pooledAutoScaling) CompleteLifecycleAction(ctx context.Context, in *autoscaling.CompleteLifecycleActionInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CompleteLifecycleActionOutput, error) {
	client, release, err := p.c.autoscaling.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.CompleteLifecycleAction(ctx, in, optFns...)
}

type pooledS3 struct{ c *AWSClients }

func (p pooledS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	client, release, err := p.c.s3.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.HeadObject(ctx, in, optFns...)
}

func (p pooledS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	client, release, err := p.c.s3.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.GetObject(ctx, in, optFns...)
}

func (p pooledS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	client, release, err := p.c.s3.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.CreateMultipartUpload(ctx, in, optFns...)
}

func (p pooledS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	client, release, err := p.c.s3.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.UploadPart(ctx, in, optFns...)
}

func (p pooledS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	client, release, err := p.c.s3.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.CompleteMultipartUpload(ctx, in, optFns...)
}

func (p pooledS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	client, release, err := p.c.s3.Get(ctx, p.c.identity)
	if err != nil {
		return nil, err
	}
	defer release()
	return client.AbortMultipartUpload(ctx, in, optFns...)
}
