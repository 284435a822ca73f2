package models

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteBackend delegates inference to an HTTP model server.
//
//	POST {base}/classify      {"model": role, "text": ...}        -> {"logits": [...]}
//	POST {base}/span          {"question": ..., "context": ...}   -> {"span": "..."}
//	GET  {base}/labels/{role}                                      -> {"label": id, ...}
type RemoteBackend struct {
	client *resty.Client
}

func NewRemoteBackend(baseURL string, timeout time.Duration) *RemoteBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &RemoteBackend{client: client}
}

func (b *RemoteBackend) Name() string {
	return BackendRemote
}

func (b *RemoteBackend) Classifier(spec ModelSpec, numLabels int) (SequenceClassifier, error) {
	return &remoteClassifier{client: b.client, role: spec.Role, numLabels: numLabels}, nil
}

func (b *RemoteBackend) SpanModel(spec ModelSpec) (SpanModel, error) {
	return &remoteSpanModel{client: b.client, role: spec.Role}, nil
}

func (b *RemoteBackend) LabelMapping(spec ModelSpec) (LabelMap, error) {
	resp, err := b.client.R().Get("/labels/" + string(spec.Role))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch labels for %s: %w", spec.Role, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to fetch labels for %s: status %d", spec.Role, resp.StatusCode())
	}
	return ParseLabelMapping(resp.Body())
}

type remoteClassifier struct {
	client    *resty.Client
	role      Role
	numLabels int
}

type classifyRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

type classifyResponse struct {
	Logits []float32 `json:"logits"`
}

func (c *remoteClassifier) Name() string {
	return string(c.role)
}

func (c *remoteClassifier) Logits(ctx context.Context, text string) ([]float32, error) {
	var out classifyResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(classifyRequest{Model: string(c.role), Text: text}).
		SetResult(&out).
		Post("/classify")
	if err != nil {
		return nil, fmt.Errorf("%s: classify request failed: %w", c.role, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%s: classify request failed with status %d", c.role, resp.StatusCode())
	}
	if c.numLabels > 0 && len(out.Logits) != c.numLabels {
		return nil, fmt.Errorf("%s: expected %d logits, got %d", c.role, c.numLabels, len(out.Logits))
	}
	return out.Logits, nil
}

func (c *remoteClassifier) Close() error {
	return nil
}

type remoteSpanModel struct {
	client *resty.Client
	role   Role
}

type spanRequest struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

type spanResponse struct {
	Span string `json:"span"`
}

func (m *remoteSpanModel) Name() string {
	return string(m.role)
}

func (m *remoteSpanModel) Span(ctx context.Context, question, passage string) (string, error) {
	var out spanResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(spanRequest{Question: question, Context: passage}).
		SetResult(&out).
		Post("/span")
	if err != nil {
		return "", fmt.Errorf("span request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("span request failed with status %d", resp.StatusCode())
	}
	return out.Span, nil
}

func (m *remoteSpanModel) Close() error {
	return nil
}
