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

// Package job reads and transitions jobs stored as a queue message plus a table row. The
// queue side orders and redelivers work; the table row is the source of truth for status,
// guarded by a compare-and-set on its updated_time attribute.
package job

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	sdk "github.com/cplabs/cpio/pkg/aws"
	"github.com/cplabs/cpio/pkg/errors"
	"github.com/cplabs/cpio/pkg/logging"
	"github.com/cplabs/cpio/pkg/utils/atomic"
)

const (
	// MaxVisibilityDuration caps every visibility change the provider issues.
	MaxVisibilityDuration = 600 * time.Second

	jobIDAttribute          = "job_id"
	queueAttributesCacheKey = "queue-attributes"
)

type Provider interface {
	GetNextJob(context.Context) (Message, error)
	GetJobByID(context.Context, string) (Job, error)
	UpdateJobStatus(ctx context.Context, id string, status Status, receipt string, expectedUpdatedTime time.Time) (time.Time, error)
	UpdateJobVisibilityTimeout(ctx context.Context, id string, d time.Duration, receipt string) error
	DeleteOrphanedJobMessage(ctx context.Context, id string, receipt string) error
}

type DefaultProvider struct {
	sqsapi      sdk.SQSAPI
	dynamodbapi sdk.DynamoDBAPI
	clk         clock.Clock

	queueName       string
	tableName       string
	queueURL        atomic.Lazy[string]
	attributesCache *cache.Cache
}

func NewDefaultProvider(sqsapi sdk.SQSAPI, dynamodbapi sdk.DynamoDBAPI, queueName string, tableName string, attributesCache *cache.Cache, clk clock.Clock) *DefaultProvider {
	p := &DefaultProvider{
		sqsapi:          sqsapi,
		dynamodbapi:     dynamodbapi,
		clk:             clk,
		queueName:       queueName,
		tableName:       tableName,
		attributesCache: attributesCache,
	}
	p.queueURL.Resolve = func(ctx context.Context) (string, error) {
		ret, err := p.sqsapi.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
			QueueName: aws.String(p.queueName),
		})
		if err != nil {
			return "", fmt.Errorf("fetching queue url, %w", err)
		}
		return aws.ToString(ret.QueueUrl), nil
	}
	return p
}

// queueMessage is the body the server enqueues. The row carries everything else.
type queueMessage struct {
	JobID string `json:"job_id"`
}

// GetNextJob claims the next visible queue message and loads its row. The message stays
// invisible for the queue's configured default; the extender takes over from there.
func (p *DefaultProvider) GetNextJob(ctx context.Context) (Message, error) {
	queueURL, err := p.queueURL.TryGet(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("discovering queue url, %w", err)
	}
	out, err := p.sqsapi.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20, // Seconds, maximum for long polling
	})
	if err != nil {
		return Message{}, fmt.Errorf("receiving job message, %w", err)
	}
	if len(out.Messages) == 0 {
		return Message{}, errors.NewCoded(errors.CodeNotFound, false, "queue %q has no visible messages", p.queueName)
	}
	msg := out.Messages[0]
	var body queueMessage
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &body); err != nil {
		return Message{}, fmt.Errorf("parsing job message body, %w", err)
	}
	if body.JobID == "" {
		return Message{}, errors.NewCoded(errors.CodeMissingJobID, false, "job message %s carries no job id", aws.ToString(msg.MessageId))
	}
	job, err := p.GetJobByID(ctx, body.JobID)
	if err != nil && !errors.IsNotFound(err) {
		return Message{}, err
	}
	return Message{Job: job, Receipt: aws.ToString(msg.ReceiptHandle)}, nil
}

// GetJobByID reads the job's row. A missing row returns a not-found error carrying a job
// whose zero times mark it orphaned.
func (p *DefaultProvider) GetJobByID(ctx context.Context, id string) (Job, error) {
	out, err := p.dynamodbapi.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(p.tableName),
		Key:            jobKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Job{}, fmt.Errorf("getting job %s, %w", id, err)
	}
	if len(out.Item) == 0 {
		return record{}.toJob(id), errors.NewCoded(errors.CodeNotFound, false, "job %s has no row", id)
	}
	var rec record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return Job{}, fmt.Errorf("unmarshaling job %s, %w", id, err)
	}
	return rec.toJob(id), nil
}

// UpdateJobStatus transitions the row, conditioned on updated_time still matching what
// the caller read. Moving to processing stamps processing_started_time, and moving to
// processing or back to created counts a delivery against the retry limit. A terminal
// status also deletes the queue message so the job is not re-delivered only to be thrown
// away as already completed.
func (p *DefaultProvider) UpdateJobStatus(ctx context.Context, id string, status Status, receipt string, expectedUpdatedTime time.Time) (time.Time, error) {
	if id == "" {
		return time.Time{}, errors.NewCoded(errors.CodeMissingJobID, false, "job id is required")
	}
	if status == StatusUnknown || status == "" {
		return time.Time{}, errors.NewCoded(errors.CodeInvalidJobStatus, false, "cannot transition job %s to %q", id, status)
	}
	updated := p.clk.Now().UTC()
	sets := []string{"job_status = :status", "updated_time = :updated"}
	values := map[string]dynamodbtypes.AttributeValue{
		":status":  &dynamodbtypes.AttributeValueMemberS{Value: string(status)},
		":updated": &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(updated.UnixMilli(), 10)},
	}
	if status == StatusProcessing {
		sets = append(sets, "processing_started_time = :updated")
	}
	expression := "SET " + strings.Join(sets, ", ")
	if status == StatusProcessing || status == StatusCreated {
		expression += " ADD retry_count :one"
		values[":one"] = &dynamodbtypes.AttributeValueMemberN{Value: "1"}
	}
	condition := "attribute_not_exists(updated_time)"
	if !expectedUpdatedTime.IsZero() {
		condition = "updated_time = :expected"
		values[":expected"] = &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expectedUpdatedTime.UnixMilli(), 10)}
	}
	if _, err := p.dynamodbapi.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(p.tableName),
		Key:                       jobKey(id),
		UpdateExpression:          aws.String(expression),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeValues: values,
	}); err != nil {
		var conflict *dynamodbtypes.ConditionalCheckFailedException
		if stderrors.As(err, &conflict) {
			return time.Time{}, errors.WrapCoded(errors.CodeUpdationConflict, false, fmt.Errorf("job %s changed underneath the update, %w", id, err))
		}
		return time.Time{}, fmt.Errorf("updating job %s to %s, %w", id, status, err)
	}
	if status.Terminal() && receipt != "" {
		queueURL, err := p.queueURL.TryGet(ctx)
		if err != nil {
			return updated, fmt.Errorf("discovering queue url, %w", err)
		}
		if _, err := p.sqsapi.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(queueURL),
			ReceiptHandle: aws.String(receipt),
		}); err != nil {
			// The row transition committed. The queue will re-deliver and the next
			// claim cleans the message up as already completed.
			logging.FromContext(ctx).With("job-id", id).Errorf("deleting message for terminal job, %v", err)
		}
	}
	return updated, nil
}

// UpdateJobVisibilityTimeout keeps the claimed message invisible for d more.
func (p *DefaultProvider) UpdateJobVisibilityTimeout(ctx context.Context, id string, d time.Duration, receipt string) error {
	if d < 0 || d > MaxVisibilityDuration {
		return errors.NewCoded(errors.CodeInvalidDurationBeforeRelease, false, "visibility duration %s for job %s is outside [0s, %s]", d, id, MaxVisibilityDuration)
	}
	if receipt == "" {
		return errors.NewCoded(errors.CodeMissingReceiptInfo, false, "job %s has no receipt", id)
	}
	queueURL, err := p.queueURL.TryGet(ctx)
	if err != nil {
		return fmt.Errorf("discovering queue url, %w", err)
	}
	if _, err := p.sqsapi.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: int32(d / time.Second),
	}); err != nil {
		return fmt.Errorf("changing visibility of job %s, %w", id, err)
	}
	return nil
}

// DeleteOrphanedJobMessage removes a queue message whose row is missing or already
// terminal.
func (p *DefaultProvider) DeleteOrphanedJobMessage(ctx context.Context, id string, receipt string) error {
	if receipt == "" {
		return errors.NewCoded(errors.CodeMissingReceiptInfo, false, "job %s has no receipt", id)
	}
	queueURL, err := p.queueURL.TryGet(ctx)
	if err != nil {
		return fmt.Errorf("discovering queue url, %w", err)
	}
	if _, err := p.sqsapi.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		return fmt.Errorf("deleting orphaned job message for %s, %w", id, err)
	}
	return nil
}

// DefaultVisibilityTimeout reports how long the queue hides a received message before
// the first extension is due. The attribute rarely changes, so it is cached.
func (p *DefaultProvider) DefaultVisibilityTimeout(ctx context.Context) (time.Duration, error) {
	if cached, ok := p.attributesCache.Get(queueAttributesCacheKey); ok {
		return cached.(time.Duration), nil
	}
	queueURL, err := p.queueURL.TryGet(ctx)
	if err != nil {
		return 0, fmt.Errorf("discovering queue url, %w", err)
	}
	out, err := p.sqsapi.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameVisibilityTimeout},
	})
	if err != nil {
		return 0, fmt.Errorf("fetching queue attributes, %w", err)
	}
	seconds, err := strconv.Atoi(out.Attributes[string(sqstypes.QueueAttributeNameVisibilityTimeout)])
	if err != nil {
		return 0, fmt.Errorf("parsing queue visibility timeout, %w", err)
	}
	d := time.Duration(seconds) * time.Second
	p.attributesCache.SetDefault(queueAttributesCacheKey, d)
	return d, nil
}

func jobKey(id string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		jobIDAttribute: &dynamodbtypes.AttributeValueMemberS{Value: id},
	}
}
