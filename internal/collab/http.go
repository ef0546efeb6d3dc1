package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"scamshield/internal/models"
)

// The HTTP implementations below are deliberately thin adapters: one JSON
// round-trip each, with a bounded client timeout. Everything interesting
// happens on the far side of the wire.

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 20 * time.Second}
}

// HTTPClassifier calls a remote classification endpoint.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

func NewHTTPClassifier(endpoint string) *HTTPClassifier {
	return &HTTPClassifier{endpoint: endpoint, client: newHTTPClient()}
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string) (models.Verdict, error) {
	if c.endpoint == "" {
		return models.Verdict{}, errors.New("classifier endpoint not configured")
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return models.Verdict{}, err
	}
	var verdict models.Verdict
	if err := c.postJSON(ctx, c.endpoint, payload, &verdict); err != nil {
		return models.Verdict{}, fmt.Errorf("classify: %w", err)
	}
	return verdict, nil
}

func (c *HTTPClassifier) postJSON(ctx context.Context, endpoint string, body []byte, out any) error {
	return postJSON(ctx, c.client, endpoint, body, out)
}

// HTTPCaller starts agent calls and polls recordings on a provider API.
type HTTPCaller struct {
	baseURL string
	client  *http.Client
}

func NewHTTPCaller(baseURL string) *HTTPCaller {
	return &HTTPCaller{baseURL: baseURL, client: newHTTPClient()}
}

func (c *HTTPCaller) StartCall(ctx context.Context, req StartCallRequest) (Call, error) {
	if c.baseURL == "" {
		return Call{}, errors.New("caller endpoint not configured")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Call{}, err
	}
	var call Call
	if err := postJSON(ctx, c.client, c.baseURL+"/calls", payload, &call); err != nil {
		return Call{}, fmt.Errorf("start call: %w", err)
	}
	if call.ID == "" {
		return Call{}, errors.New("provider returned no call id")
	}
	return call, nil
}

func (c *HTTPCaller) PollRecording(ctx context.Context, callID string) (models.Recording, bool, error) {
	if c.baseURL == "" {
		return models.Recording{}, false, errors.New("caller endpoint not configured")
	}
	endpoint := c.baseURL + "/calls/" + url.PathEscape(callID) + "/recording"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Recording{}, false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return models.Recording{}, false, fmt.Errorf("poll recording: %w", err)
	}
	defer resp.Body.Close()

	// 404 means the artifact has not materialized yet.
	if resp.StatusCode == http.StatusNotFound {
		return models.Recording{}, false, nil
	}
	if resp.StatusCode >= 300 {
		return models.Recording{}, false, fmt.Errorf("poll recording: provider returned %d", resp.StatusCode)
	}
	var rec models.Recording
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return models.Recording{}, false, fmt.Errorf("decode recording: %w", err)
	}
	if rec.RecordingURL == "" {
		return models.Recording{}, false, nil
	}
	return rec, true, nil
}

// HTTPSink posts delivery messages to a webhook-style endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSink(endpoint string) *HTTPSink {
	return &HTTPSink{endpoint: endpoint, client: newHTTPClient()}
}

func (s *HTTPSink) Deliver(ctx context.Context, message, attachmentURL string) (DeliverResult, error) {
	if s.endpoint == "" {
		return DeliverResult{}, errors.New("sink endpoint not configured")
	}
	payload, err := json.Marshal(map[string]string{
		"message":        message,
		"attachment_url": attachmentURL,
	})
	if err != nil {
		return DeliverResult{}, err
	}
	var res DeliverResult
	if err := postJSON(ctx, s.client, s.endpoint, payload, &res); err != nil {
		return DeliverResult{}, fmt.Errorf("deliver: %w", err)
	}
	return res, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
