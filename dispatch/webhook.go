package dispatch

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"voting-aggregator/aggregator"
	"voting-aggregator/logger"
)

var ErrRejected = errors.New("dispatch: call rejected")

// Webhook hands forwarded calls to an executor service over HTTP.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

var _ aggregator.Dispatcher = (*Webhook)(nil)

// NewWebhook posts at most ratePerSec calls per second with the given burst.
// A non-positive rate disables limiting.
func NewWebhook(url string, ratePerSec float64, burst int, timeout time.Duration) *Webhook {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type callRequest struct {
	ID       string `json:"id"`
	Sender   string `json:"sender"`
	Target   string `json:"target"`
	Selector string `json:"selector"`
	Calldata string `json:"calldata"`
}

type callResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (w *Webhook) Dispatch(ctx context.Context, sender common.Address, action aggregator.Action) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	sel := action.Selector()
	req := callRequest{
		ID:       uuid.NewString(),
		Sender:   sender.Hex(),
		Target:   action.Target.Hex(),
		Selector: "0x" + hex.EncodeToString(sel[:]),
		Calldata: "0x" + hex.EncodeToString(action.Calldata),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal call: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post call %s: %w", req.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response for call %s: %w", req.ID, err)
	}

	var out callResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || json.Unmarshal(data, &out) != nil || !out.OK {
		logger.Logger.Warn("Forwarded call rejected",
			zap.String("call_id", req.ID),
			zap.Int("status", resp.StatusCode),
			zap.String("error", out.Error))
		return fmt.Errorf("%w: call %s status %d: %s", ErrRejected, req.ID, resp.StatusCode, out.Error)
	}

	logger.Logger.Info("Dispatched call",
		zap.String("call_id", req.ID),
		zap.String("target", req.Target),
		zap.String("selector", req.Selector))
	return nil
}
