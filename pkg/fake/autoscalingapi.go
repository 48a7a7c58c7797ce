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
	"context"

	"github.com/aws/aws-sdk-go-v2/service/autoscaling"

	sdk "github.com/cplabs/cpio/pkg/aws"
)

// AutoScalingBehavior must be reset between tests otherwise tests will
// pollute each other.
type AutoScalingBehavior struct {
	DescribeAutoScalingInstancesBehavior MockedFunction[autoscaling.DescribeAutoScalingInstancesInput, autoscaling.DescribeAutoScalingInstancesOutput]
	CompleteLifecycleActionBehavior      MockedFunction[autoscaling.CompleteLifecycleActionInput, autoscaling.CompleteLifecycleActionOutput]
}

type AutoScalingAPI struct {
	sdk.AutoScalingAPI
	AutoScalingBehavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (a *AutoScalingAPI) Reset() {
	a.DescribeAutoScalingInstancesBehavior.Reset()
	a.CompleteLifecycleActionBehavior.Reset()
}

func (a *AutoScalingAPI) DescribeAutoScalingInstances(_ context.Context, input *autoscaling.DescribeAutoScalingInstancesInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingInstancesOutput, error) {
	return a.DescribeAutoScalingInstancesBehavior.Invoke(input, func(_ *autoscaling.DescribeAutoScalingInstancesInput) (*autoscaling.DescribeAutoScalingInstancesOutput, error) {
		return &autoscaling.DescribeAutoScalingInstancesOutput{}, nil
	})
}

func (a *AutoScalingAPI) CompleteLifecycleAction(_ context.Context, input *autoscaling.CompleteLifecycleActionInput, _ ...func(*autoscaling.Options)) (*autoscaling.CompleteLifecycleActionOutput, error) {
	return a.CompleteLifecycleActionBehavior.Invoke(input, func(_ *autoscaling.CompleteLifecycleActionInput) (*autoscaling.CompleteLifecycleActionOutput, error) {
		return &autoscaling.CompleteLifecycleActionOutput{}, nil
	})
}
