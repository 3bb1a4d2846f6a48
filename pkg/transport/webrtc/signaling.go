package webrtc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/MrWong99/voiceorder/pkg/credential"
)

// maxAnswerBytes caps the SDP answer read from the endpoint.
const maxAnswerBytes = 1 << 20

// exchangeSDP posts the local offer to the realtime endpoint and returns the
// remote answer. The credential authorises the request.
func exchangeSDP(ctx context.Context, client *http.Client, endpoint, model, token, offer string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("webrtc: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBufferString(offer))
	if err != nil {
		return "", fmt.Errorf("webrtc: build sdp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webrtc: sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", fmt.Errorf("webrtc: read sdp answer: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("webrtc: sdp exchange returned %d: %w", resp.StatusCode, credential.ErrAuth)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("webrtc: sdp exchange returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", fmt.Errorf("webrtc: empty sdp answer")
	}
	return string(body), nil
}
