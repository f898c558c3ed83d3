// Package dispatch delivers the "start validation" call to the external AI
// workflow. Delivery runs outside the transaction that acquired the dispatch
// guard: the guard commit establishes the right to dispatch, and this worker
// carries it out, so a slow workflow never holds a database transaction open.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/KevinDyerAU/NytroAI-sub008/publisher"
	"github.com/KevinDyerAU/NytroAI-sub008/repository"
	"github.com/KevinDyerAU/NytroAI-sub008/retry"
)

// dispatchPayload is the outbound wire shape sent to the validation workflow.
type dispatchPayload struct {
	SessionID                string `json:"session_id"`
	ExpectedRequirementCount int    `json:"expected_requirement_count"`
}

type ackResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// Dispatcher invokes the external validation workflow for sessions whose
// dispatch guard has been acquired.
type Dispatcher struct {
	repo       *repository.Repository
	broker     *publisher.Broker
	endpoint   string
	httpClient *http.Client
	policy     retry.Policy
	logger     cmtlog.Logger
}

func NewDispatcher(repo *repository.Repository, broker *publisher.Broker, endpoint string, policy retry.Policy, logger cmtlog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		broker:   broker,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy: policy,
		logger: logger,
	}
}

// Deliver posts the dispatch payload for one session, retrying transient
// transport failures within the bounded policy. On acknowledgment the session
// moves to validating; on exhaustion it is marked failed and the
// DispatchRecord stays in place — re-dispatch is never automatic, only the
// explicit manual retry path can clear the record and try again.
func (d *Dispatcher) Deliver(ctx context.Context, sessionID string) {
	snap, repoErr := d.repo.GetStatus(sessionID)
	if repoErr != nil {
		d.logger.Error("Dispatch aborted, session lookup failed", "session", sessionID, "err", repoErr)
		return
	}

	err := retry.Do(ctx, d.policy, func() error {
		if repoErr := d.repo.RecordDispatchAttempt(sessionID); repoErr != nil {
			return repoErr
		}
		return d.post(ctx, sessionID, snap.ExpectedCount)
	})
	if err != nil {
		d.logger.Error("Dispatch failed", "session", sessionID, "err", err)
		msg := fmt.Sprintf("failed to start validation workflow: %v", err)
		if repoErr := d.repo.RecordDispatchFailure(sessionID, msg); repoErr != nil {
			d.logger.Error("Failed to record dispatch failure", "session", sessionID, "err", repoErr)
			return
		}
		d.publish(sessionID)
		return
	}

	if repoErr := d.repo.MarkDispatchDelivered(sessionID); repoErr != nil {
		d.logger.Error("Failed to record workflow ack", "session", sessionID, "err", repoErr)
		return
	}
	d.logger.Info("Validation workflow started", "session", sessionID, "expected", snap.ExpectedCount)
	d.publish(sessionID)
}

func (d *Dispatcher) post(ctx context.Context, sessionID string, expectedCount int) error {
	payload, err := json.Marshal(dispatchPayload{
		SessionID:                sessionID,
		ExpectedRequirementCount: expectedCount,
	})
	if err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("workflow returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		// The workflow rejected the payload; retrying the same payload
		// cannot succeed.
		return retry.Permanent(fmt.Errorf("workflow rejected dispatch: %d %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	var ack ackResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		return retry.Permanent(fmt.Errorf("failed to parse workflow ack: %w", err))
	}
	if !ack.Accepted {
		return retry.Permanent(fmt.Errorf("workflow did not accept dispatch: %s", ack.Message))
	}
	return nil
}

func (d *Dispatcher) publish(sessionID string) {
	snap, repoErr := d.repo.GetStatus(sessionID)
	if repoErr != nil {
		d.logger.Error("Failed to read snapshot for publish", "session", sessionID, "err", repoErr)
		return
	}
	d.broker.Publish(*snap)
}
