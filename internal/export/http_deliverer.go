package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultDeliveryTimeout = 15 * time.Second
	maxReceiptBytes        = 64 << 10
)

// HTTPDelivererDeps configures the HTTP delivery collaborator.
type HTTPDelivererDeps struct {
	Endpoint  string
	AuthToken string
	Client    *http.Client
	Timeout   time.Duration
	Logger    *zap.Logger
}

// HTTPDeliverer posts export requests to an HTTP endpoint. Without an endpoint it logs
// the request and reports success, which keeps local development self-contained.
type HTTPDeliverer struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPDeliverer constructs an HTTPDeliverer.
func NewHTTPDeliverer(deps HTTPDelivererDeps) (*HTTPDeliverer, error) {
	endpoint := strings.TrimSpace(deps.Endpoint)
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("export deliverer: invalid endpoint %q", endpoint)
		}
	}
	client := deps.Client
	if client == nil {
		timeout := deps.Timeout
		if timeout <= 0 {
			timeout = defaultDeliveryTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDeliverer{
		endpoint: endpoint,
		token:    strings.TrimSpace(deps.AuthToken),
		client:   client,
		logger:   logger.Named("export.http"),
	}, nil
}

type deliveryPayload struct {
	Contact           Contact   `json:"contact"`
	SelectionSnapshot Summary   `json:"selectionSnapshot"`
	RenderedImageRef  string    `json:"renderedImageRef"`
	ExportID          string    `json:"exportId"`
	RequestedAt       time.Time `json:"requestedAt"`
}

// Deliver posts req as JSON. A 2xx response succeeds unless its JSON body carries
// "success": false.
func (d *HTTPDeliverer) Deliver(ctx context.Context, req Request) (Receipt, error) {
	if d == nil {
		return Receipt{}, errors.New("export deliverer: not initialised")
	}
	if d.endpoint == "" {
		d.logger.Info("delivery endpoint not configured; accepting export locally",
			zap.String("exportId", req.ExportID),
			zap.Int("walls", len(req.SelectionSnapshot.Selections)),
		)
		return Receipt{Success: true, Message: msgDelivered, Reference: "local-" + req.ExportID}, nil
	}

	body, err := json.Marshal(deliveryPayload{
		Contact:           req.Contact,
		SelectionSnapshot: req.SelectionSnapshot,
		RenderedImageRef:  req.RenderedImageRef,
		ExportID:          req.ExportID,
		RequestedAt:       req.RequestedAt,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal export request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("build delivery request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ExportID)
	if d.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return Receipt{}, fmt.Errorf("post export request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReceiptBytes))

	var answer struct {
		Success   *bool  `json:"success"`
		Message   string `json:"message"`
		Reference string `json:"reference"`
	}
	_ = json.Unmarshal(raw, &answer)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Receipt{Message: answer.Message}, fmt.Errorf("delivery endpoint returned status %d", resp.StatusCode)
	}
	receipt := Receipt{
		Success:   answer.Success == nil || *answer.Success,
		Message:   answer.Message,
		Reference: answer.Reference,
	}
	if receipt.Message == "" && receipt.Success {
		receipt.Message = msgDelivered
	}
	return receipt, nil
}
