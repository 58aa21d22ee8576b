package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/plasma-predict/orchestrator/internal/models"
	"github.com/plasma-predict/orchestrator/internal/registry"
)

// retryBackoff is the pause between attempts when a node is unreachable.
// Training deliveries retry forever so a node restart never loses data.
const retryBackoff = 500 * time.Millisecond

// Error classes recorded in per-model results.
const (
	CodeUnreachable   = "NODE_UNREACHABLE"
	CodeProtocolError = "NODE_PROTOCOL_ERROR"
)

// StatusError is a non-2xx answer from a node. It never triggers a retry;
// application-level failures must surface.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("node returned HTTP %d: %s", e.Code, body)
}

// StartTrainingAck is a node's answer to the training preamble.
type StartTrainingAck struct {
	ExpectedDischarges int `json:"expectedDischarges"`
}

// Client speaks the node protocol (v0.1.0). Timeouts are read from the
// registry per call so runtime config changes apply immediately.
type Client struct {
	reg        *registry.Registry
	httpClient *http.Client
}

// New builds a client. The underlying http.Client carries no global
// timeout; each call is bounded by a per-attempt context deadline.
func New(reg *registry.Registry) *Client {
	return &Client{
		reg:        reg,
		httpClient: &http.Client{},
	}
}

// Predict runs one discharge through a node, bounded by the model timeout.
func (c *Client) Predict(ctx context.Context, node models.NodeDescriptor, d *models.Discharge) (*models.NodeResponse, error) {
	body := models.PredictionRequest{Discharges: []models.Discharge{*d}}

	var resp models.NodeResponse
	err := c.postJSON(ctx, node.PredictURL, c.reg.Timeouts().Model, body, &resp, false)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartTraining announces a training session to a node. Retries forever on
// transport errors.
func (c *Client) StartTraining(ctx context.Context, node models.NodeDescriptor, totalDischarges int) (*StartTrainingAck, error) {
	timeout := c.reg.Timeouts().Training
	body := map[string]any{
		"totalDischarges": totalDischarges,
		"timeoutSeconds":  int(math.Ceil(timeout.Seconds())),
	}

	var ack StartTrainingAck
	err := c.postJSON(ctx, node.TrainURL, timeout, body, &ack, true)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// PushDischarge delivers one ordered discharge to a node. Ordinals are
// 1-based and strictly monotonic per node. Retries forever on transport
// errors.
func (c *Client) PushDischarge(ctx context.Context, node models.NodeDescriptor, ordinal int, d *models.Discharge) error {
	url := fmt.Sprintf("%s/%d", strings.TrimRight(node.TrainURL, "/"), ordinal)
	return c.postJSON(ctx, url, c.reg.Timeouts().Training, d, nil, true)
}

// Health fetches a node's health document, bounded by the model timeout.
func (c *Client) Health(ctx context.Context, node models.NodeDescriptor) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.reg.Timeouts().Model)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, node.HealthURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding health response: %w", err)
	}
	return doc, nil
}

// postJSON posts a JSON body and decodes the answer into out (when non-nil).
// With retry set, transport failures back off 500 ms and try again without
// limit; HTTP errors and timeouts propagate immediately.
func (c *Client) postJSON(ctx context.Context, url string, timeout time.Duration, body, out any, retry bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	attempt := 0
	for {
		attempt++

		err := c.doAttempt(ctx, url, timeout, payload, out)
		if err == nil {
			return nil
		}
		if !retry || !IsTransportError(err) {
			return err
		}
		if attempt == 1 || attempt%20 == 0 {
			fmt.Printf("[NodeClient] %s unreachable (attempt %d): %v, retrying\n", url, attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
}

func (c *Client) doAttempt(ctx context.Context, url string, timeout time.Duration, payload []byte, out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
