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

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/cplabs/cpio/pkg/errors"
)

// DefaultTeeSocketPath is where the confidential-space launcher serves its token API.
const DefaultTeeSocketPath = "/run/container_launcher/teeserver.sock"

const teeTokenURL = "http://localhost/v1/token"

type teeTokenRequest struct {
	Audience  string `json:"audience"`
	TokenType string `json:"token_type"`
}

// TeeTokenClient fetches attestation tokens from the TEE launcher over its unix socket.
// The launcher only exists inside a confidential VM, so construction does not probe the
// socket; the first call fails if the worker runs outside one.
type TeeTokenClient struct {
	httpClient HTTPClient
}

func NewTeeTokenClient(socketPath string) *TeeTokenClient {
	if socketPath == "" {
		socketPath = DefaultTeeSocketPath
	}
	return &TeeTokenClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var dialer net.Dialer
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// GetTeeSessionToken returns the launcher-issued token for the audience. An empty body
// means the launcher refused the request, which no retry will change.
func (t *TeeTokenClient) GetTeeSessionToken(ctx context.Context, audience string, tokenType string) (string, error) {
	payload, err := json.Marshal(teeTokenRequest{Audience: audience, TokenType: tokenType})
	if err != nil {
		return "", fmt.Errorf("marshaling tee token request, %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, teeTokenURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building tee token request, %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling tee token endpoint, %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.NewCoded(errors.CodeBadSessionToken, true, "tee token endpoint returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading tee token response, %w", err)
	}
	if len(raw) == 0 {
		return "", errors.NewCoded(errors.CodeBadSessionToken, false, "tee token endpoint returned an empty body")
	}
	return string(raw), nil
}
