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

// Package scaling gates job claims on the autoscaler's drain decision for this instance.
package scaling

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	autoscalingtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"

	sdk "github.com/cplabs/cpio/pkg/aws"
	cpiocache "github.com/cplabs/cpio/pkg/cache"
	"github.com/cplabs/cpio/pkg/logging"
)

const lifecycleActionContinue = "CONTINUE"

type Provider interface {
	// TryFinishInstanceTermination reports whether the autoscaler has decided to drain
	// this instance. When the instance is parked on the scale-in lifecycle hook, the
	// hook is completed so termination can proceed once the worker stops claiming.
	TryFinishInstanceTermination(ctx context.Context, instanceResourceName string, hookName string) (bool, error)
}

type DefaultProvider struct {
	autoscalingapi sdk.AutoScalingAPI
	state          *cpiocache.TerminationState
}

func NewDefaultProvider(autoscalingapi sdk.AutoScalingAPI, state *cpiocache.TerminationState) *DefaultProvider {
	return &DefaultProvider{
		autoscalingapi: autoscalingapi,
		state:          state,
	}
}

func (p *DefaultProvider) TryFinishInstanceTermination(ctx context.Context, instanceResourceName string, hookName string) (bool, error) {
	instanceID := InstanceIDFromResourceName(instanceResourceName)
	if instanceID == "" {
		return false, fmt.Errorf("no instance id in resource name %q", instanceResourceName)
	}
	if terminating, found := p.state.IsTerminating(instanceID); found {
		return terminating, nil
	}
	out, err := p.autoscalingapi.DescribeAutoScalingInstances(ctx, &autoscaling.DescribeAutoScalingInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return false, fmt.Errorf("describing auto scaling instance %s, %w", instanceID, err)
	}
	if len(out.AutoScalingInstances) == 0 {
		// Not in a scaling group, so nothing will ever drain it.
		p.state.MarkState(ctx, instanceID, false)
		return false, nil
	}
	instance := out.AutoScalingInstances[0]
	lifecycleState := aws.ToString(instance.LifecycleState)
	if !strings.HasPrefix(lifecycleState, "Terminating") && lifecycleState != string(autoscalingtypes.LifecycleStateTerminated) {
		p.state.MarkState(ctx, instanceID, false)
		return false, nil
	}
	if lifecycleState == string(autoscalingtypes.LifecycleStateTerminatingWait) {
		if _, err := p.autoscalingapi.CompleteLifecycleAction(ctx, &autoscaling.CompleteLifecycleActionInput{
			AutoScalingGroupName:  instance.AutoScalingGroupName,
			InstanceId:            aws.String(instanceID),
			LifecycleHookName:     aws.String(hookName),
			LifecycleActionResult: aws.String(lifecycleActionContinue),
		}); err != nil {
			return false, fmt.Errorf("completing lifecycle action for %s, %w", instanceID, err)
		}
		logging.FromContext(ctx).With("instance-id", instanceID, "lifecycle-hook", hookName).Infof("completed scale-in lifecycle action")
	}
	p.state.MarkState(ctx, instanceID, true)
	return true, nil
}

// InstanceIDFromResourceName extracts the instance id from a fully qualified resource
// name, e.g. "arn:.../autoScalingGroup/.../instance/i-0abc" or "zones/z/instances/i-0abc".
// A bare instance id passes through unchanged.
func InstanceIDFromResourceName(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, "/")
	return parts[len(parts)-1]
}
