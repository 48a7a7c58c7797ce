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

package job_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	clock "k8s.io/utils/clock/testing"

	"github.com/cplabs/cpio/pkg/errors"
	"github.com/cplabs/cpio/pkg/fake"
	"github.com/cplabs/cpio/pkg/providers/job"
)

func TestJob(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Providers/Job")
}

var (
	ctx         context.Context
	fakeClock   *clock.FakeClock
	sqsapi      *fake.SQSAPI
	dynamodbapi *fake.DynamoDBAPI
	provider    *job.DefaultProvider
)

// row mirrors the table attributes so tests can seed GetItem responses.
type row struct {
	JobID                 string `dynamodbav:"job_id"`
	ServerJobID           string `dynamodbav:"server_job_id"`
	Status                string `dynamodbav:"job_status"`
	Body                  string `dynamodbav:"job_body"`
	CreatedTime           int64  `dynamodbav:"created_time"`
	ProcessingStartedTime int64  `dynamodbav:"processing_started_time"`
	UpdatedTime           int64  `dynamodbav:"updated_time"`
	RetryCount            int    `dynamodbav:"retry_count"`
}

func seedRow(r row) {
	dynamodbapi.GetItemBehavior.Output.Set(&dynamodb.GetItemOutput{
		Item: lo.Must(attributevalue.MarshalMap(r)),
	})
}

func seedMessage(jobID, receipt string) {
	sqsapi.ReceiveMessageBehavior.Output.Set(&sqs.ReceiveMessageOutput{
		Messages: []sqstypes.Message{{
			MessageId:     aws.String("mid-1"),
			Body:          aws.String(fmt.Sprintf(`{"job_id":%q}`, jobID)),
			ReceiptHandle: aws.String(receipt),
		}},
	})
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	fakeClock = clock.NewFakeClock(time.Now())
	sqsapi = &fake.SQSAPI{}
	dynamodbapi = &fake.DynamoDBAPI{}
	provider = job.NewDefaultProvider(sqsapi, dynamodbapi, "cpio-job-queue", "cpio-jobs", cache.New(time.Minute, time.Minute), fakeClock)
})

var _ = AfterEach(func() {
	sqsapi.Reset()
	dynamodbapi.Reset()
})

var _ = Describe("GetNextJob", func() {
	It("should claim a message and load its row", func() {
		seedMessage("job-1", "receipt-1")
		seedRow(row{
			JobID:       "job-1",
			ServerJobID: "server-job-1",
			Status:      string(job.StatusCreated),
			Body:        "B",
			CreatedTime: fakeClock.Now().UnixMilli(),
			UpdatedTime: fakeClock.Now().UnixMilli(),
		})

		msg, err := provider.GetNextJob(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Receipt).To(Equal("receipt-1"))
		Expect(msg.Job.ID).To(Equal("job-1"))
		Expect(msg.Job.ServerJobID).To(Equal("server-job-1"))
		Expect(msg.Job.Status).To(Equal(job.StatusCreated))
		Expect(msg.Job.Body).To(Equal("B"))
		Expect(msg.Job.Orphaned()).To(BeFalse())

		Expect(sqsapi.ReceiveMessageBehavior.CalledWithInput.Len()).To(Equal(1))
		input := sqsapi.ReceiveMessageBehavior.CalledWithInput.At(0)
		Expect(input.MaxNumberOfMessages).To(Equal(int32(1)))
		Expect(input.WaitTimeSeconds).To(Equal(int32(20)))
	})
	It("should resolve the queue url once and reuse it", func() {
		seedMessage("job-1", "receipt-1")
		_, err := provider.GetNextJob(ctx)
		Expect(err).ToNot(HaveOccurred())
		_, err = provider.GetNextJob(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(sqsapi.GetQueueURLBehavior.Calls()).To(Equal(1))
	})
	It("should return not-found when the queue is empty", func() {
		_, err := provider.GetNextJob(ctx)
		Expect(err).To(HaveOccurred())
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should return an orphaned job when the row is missing", func() {
		seedMessage("job-1", "receipt-1")

		msg, err := provider.GetNextJob(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Job.ID).To(Equal("job-1"))
		Expect(msg.Job.Status).To(Equal(job.StatusUnknown))
		Expect(msg.Job.Orphaned()).To(BeTrue())
		Expect(msg.Receipt).To(Equal("receipt-1"))
	})
	It("should fail on an unparseable message body", func() {
		sqsapi.ReceiveMessageBehavior.Output.Set(&sqs.ReceiveMessageOutput{
			Messages: []sqstypes.Message{{Body: aws.String("not json"), ReceiptHandle: aws.String("receipt-1")}},
		})
		_, err := provider.GetNextJob(ctx)
		Expect(err).To(HaveOccurred())
	})
	It("should fail on a message without a job id", func() {
		sqsapi.ReceiveMessageBehavior.Output.Set(&sqs.ReceiveMessageOutput{
			Messages: []sqstypes.Message{{MessageId: aws.String("mid-1"), Body: aws.String("{}"), ReceiptHandle: aws.String("receipt-1")}},
		})
		_, err := provider.GetNextJob(ctx)
		Expect(err).To(HaveOccurred())
		Expect(errors.IsCode(err, errors.CodeMissingJobID)).To(BeTrue())
	})
})

var _ = Describe("GetJobByID", func() {
	It("should return not-found with an orphan-shaped job for a missing row", func() {
		j, err := provider.GetJobByID(ctx, "job-9")
		Expect(err).To(HaveOccurred())
		Expect(errors.IsNotFound(err)).To(BeTrue())
		Expect(j.ID).To(Equal("job-9"))
		Expect(j.Orphaned()).To(BeTrue())
	})
	It("should read the row with a consistent read", func() {
		seedRow(row{JobID: "job-1", Status: string(job.StatusProcessing), UpdatedTime: 42})
		j, err := provider.GetJobByID(ctx, "job-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(j.Status).To(Equal(job.StatusProcessing))
		Expect(j.UpdatedTime.UnixMilli()).To(Equal(int64(42)))

		input := dynamodbapi.GetItemBehavior.CalledWithInput.At(0)
		Expect(aws.ToString(input.TableName)).To(Equal("cpio-jobs"))
		Expect(aws.ToBool(input.ConsistentRead)).To(BeTrue())
	})
})

var _ = Describe("UpdateJobStatus", func() {
	var expected time.Time

	BeforeEach(func() {
		expected = fakeClock.Now().Add(-time.Minute).UTC()
	})

	It("should condition the update on the expected updated time", func() {
		updated, err := provider.UpdateJobStatus(ctx, "job-1", job.StatusProcessing, "receipt-1", expected)
		Expect(err).ToNot(HaveOccurred())
		Expect(updated).To(Equal(fakeClock.Now().UTC()))

		input := dynamodbapi.UpdateItemBehavior.CalledWithInput.At(0)
		Expect(aws.ToString(input.ConditionExpression)).To(Equal("updated_time = :expected"))
		Expect(input.ExpressionAttributeValues[":expected"]).To(Equal(
			&dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", expected.UnixMilli())},
		))
		Expect(input.Key).To(HaveKey("job_id"))
	})
	It("should stamp the processing start and count the delivery on claim", func() {
		_, err := provider.UpdateJobStatus(ctx, "job-1", job.StatusProcessing, "receipt-1", expected)
		Expect(err).ToNot(HaveOccurred())

		input := dynamodbapi.UpdateItemBehavior.CalledWithInput.At(0)
		Expect(aws.ToString(input.UpdateExpression)).To(ContainSubstring("processing_started_time = :updated"))
		Expect(aws.ToString(input.UpdateExpression)).To(ContainSubstring("ADD retry_count :one"))
	})
	It("should count the delivery on release without touching the processing start", func() {
		_, err := provider.UpdateJobStatus(ctx, "job-1", job.StatusCreated, "receipt-1", expected)
		Expect(err).ToNot(HaveOccurred())

		input := dynamodbapi.UpdateItemBehavior.CalledWithInput.At(0)
		Expect(aws.ToString(input.UpdateExpression)).ToNot(ContainSubstring("processing_started_time"))
		Expect(aws.ToString(input.UpdateExpression)).To(ContainSubstring("ADD retry_count :one"))
	})
	It("should delete the queue message on a terminal status", func() {
		_, err := provider.UpdateJobStatus(ctx, "job-1", job.StatusSuccess, "receipt-1", expected)
		Expect(err).ToNot(HaveOccurred())

		input := dynamodbapi.UpdateItemBehavior.CalledWithInput.At(0)
		Expect(aws.ToString(input.UpdateExpression)).ToNot(ContainSubstring("retry_count"))
		Expect(sqsapi.DeleteMessageBehavior.CalledWithInput.Len()).To(Equal(1))
		Expect(aws.ToString(sqsapi.DeleteMessageBehavior.CalledWithInput.At(0).ReceiptHandle)).To(Equal("receipt-1"))
	})
	It("should not delete the queue message on a non-terminal status", func() {
		_, err := provider.UpdateJobStatus(ctx, "job-1", job.StatusProcessing, "receipt-1", expected)
		Expect(err).ToNot(HaveOccurred())
		Expect(sqsapi.DeleteMessageBehavior.Calls()).To(Equal(0))
	})
	It("should succeed even when the terminal delete fails", func() {
		sqsapi.DeleteMessageBehavior.Error.Set(fmt.Errorf("delete failed"))
		_, err := provider.UpdateJobStatus(ctx, "job-1", job.StatusSuccess, "receipt-1", expected)
		Expect(err).ToNot(HaveOccurred())
	})
	It("should map a conditional check failure to an updation conflict", func() {
		dynamodbapi.UpdateItemBehavior.Error.Set(&dynamodbtypes.ConditionalCheckFailedException{Message: aws.String("stale")})
		_, err := provider.UpdateJobStatus(ctx, "job-1", job.StatusSuccess, "receipt-1", expected)
		Expect(err).To(HaveOccurred())
		Expect(errors.IsConflict(err)).To(BeTrue())
		Expect(errors.IsRetriable(err)).To(BeFalse())
	})
	It("should reject an empty id and an unknown status", func() {
		_, err := provider.UpdateJobStatus(ctx, "", job.StatusSuccess, "receipt-1", expected)
		Expect(errors.IsCode(err, errors.CodeMissingJobID)).To(BeTrue())

		_, err = provider.UpdateJobStatus(ctx, "job-1", job.StatusUnknown, "receipt-1", expected)
		Expect(errors.IsCode(err, errors.CodeInvalidJobStatus)).To(BeTrue())
		Expect(dynamodbapi.UpdateItemBehavior.Calls()).To(Equal(0))
	})
})

var _ = Describe("UpdateJobVisibilityTimeout", func() {
	It("should change the message visibility", func() {
		Expect(provider.UpdateJobVisibilityTimeout(ctx, "job-1", 30*time.Second, "receipt-1")).To(Succeed())

		input := sqsapi.ChangeMessageVisibilityBehavior.CalledWithInput.At(0)
		Expect(input.VisibilityTimeout).To(Equal(int32(30)))
		Expect(aws.ToString(input.ReceiptHandle)).To(Equal("receipt-1"))
	})
	It("should cap the duration at the queue maximum", func() {
		err := provider.UpdateJobVisibilityTimeout(ctx, "job-1", 601*time.Second, "receipt-1")
		Expect(errors.IsCode(err, errors.CodeInvalidDurationBeforeRelease)).To(BeTrue())

		err = provider.UpdateJobVisibilityTimeout(ctx, "job-1", -time.Second, "receipt-1")
		Expect(errors.IsCode(err, errors.CodeInvalidDurationBeforeRelease)).To(BeTrue())
		Expect(sqsapi.ChangeMessageVisibilityBehavior.Calls()).To(Equal(0))
	})
	It("should require a receipt", func() {
		err := provider.UpdateJobVisibilityTimeout(ctx, "job-1", 30*time.Second, "")
		Expect(errors.IsCode(err, errors.CodeMissingReceiptInfo)).To(BeTrue())
	})
})

var _ = Describe("DeleteOrphanedJobMessage", func() {
	It("should delete the message", func() {
		Expect(provider.DeleteOrphanedJobMessage(ctx, "job-1", "receipt-1")).To(Succeed())
		Expect(aws.ToString(sqsapi.DeleteMessageBehavior.CalledWithInput.At(0).ReceiptHandle)).To(Equal("receipt-1"))
	})
	It("should require a receipt", func() {
		err := provider.DeleteOrphanedJobMessage(ctx, "job-1", "")
		Expect(errors.IsCode(err, errors.CodeMissingReceiptInfo)).To(BeTrue())
		Expect(sqsapi.DeleteMessageBehavior.Calls()).To(Equal(0))
	})
})

var _ = Describe("DefaultVisibilityTimeout", func() {
	It("should fetch the queue attribute once and cache it", func() {
		d, err := provider.DefaultVisibilityTimeout(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(d).To(Equal(30 * time.Second))

		d, err = provider.DefaultVisibilityTimeout(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(d).To(Equal(30 * time.Second))
		Expect(sqsapi.GetQueueAttributesBehavior.Calls()).To(Equal(1))
	})
})
