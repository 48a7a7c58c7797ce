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

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	sdk "github.com/cplabs/cpio/pkg/aws"
)

// DynamoDBBehavior must be reset between tests otherwise tests will
// pollute each other. Attribute values are interface-typed, so these mocks store by
// reference instead of JSON-cloning.
type DynamoDBBehavior struct {
	GetItemBehavior    MockedFunctionRef[dynamodb.GetItemInput, dynamodb.GetItemOutput]
	UpdateItemBehavior MockedFunctionRef[dynamodb.UpdateItemInput, dynamodb.UpdateItemOutput]
}

type DynamoDBAPI struct {
	sdk.DynamoDBAPI
	DynamoDBBehavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (d *DynamoDBAPI) Reset() {
	d.GetItemBehavior.Reset()
	d.UpdateItemBehavior.Reset()
}

func (d *DynamoDBAPI) GetItem(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return d.GetItemBehavior.Invoke(input, func(_ *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		return &dynamodb.GetItemOutput{}, nil
	})
}

func (d *DynamoDBAPI) UpdateItem(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return d.UpdateItemBehavior.Invoke(input, func(_ *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		return &dynamodb.UpdateItemOutput{}, nil
	})
}
