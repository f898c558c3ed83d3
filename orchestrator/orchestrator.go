// Package orchestrator reacts to operation and result events: it drives the
// ledger, evaluates completion, races the dispatch guard, and publishes every
// new snapshot. It holds no state of its own — the database carries all
// coordination, so multiple service instances can run this code concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/KevinDyerAU/NytroAI-sub008/publisher"
	"github.com/KevinDyerAU/NytroAI-sub008/repository"
	"github.com/KevinDyerAU/NytroAI-sub008/repository/models"
)

// WorkflowDispatcher starts the external validation workflow for a session
// whose dispatch guard has been acquired.
type WorkflowDispatcher interface {
	Deliver(ctx context.Context, sessionID string)
}

type Orchestrator struct {
	repo       *repository.Repository
	dispatcher WorkflowDispatcher
	broker     *publisher.Broker
	logger     cmtlog.Logger
}

func NewOrchestrator(repo *repository.Repository, dispatcher WorkflowDispatcher, broker *publisher.Broker, logger cmtlog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:       repo,
		dispatcher: dispatcher,
		broker:     broker,
		logger:     logger,
	}
}

// StartSession creates a new validation session with one pending indexing
// operation per document.
func (o *Orchestrator) StartSession(unitID string, documentIDs []string, expectedResultCount int) (*models.Session, *repository.RepositoryError) {
	session, repoErr := o.repo.CreateSession(unitID, documentIDs, expectedResultCount)
	if repoErr != nil {
		return nil, repoErr
	}
	o.logger.Info("Session created", "session", session.ID, "unit", unitID,
		"operations", len(session.Operations), "expected", expectedResultCount)
	o.publish(session.ID)
	return session, nil
}

// HandleOperationUpdate records an indexing operation status change and, when
// the ledger evaluation says all operations are finished, either fails the
// session (some operation failed) or races the dispatch guard. Concurrent
// calls for the same session are safe: every caller evaluates, at most one
// wins the guard, and the losers simply observe false.
func (o *Orchestrator) HandleOperationUpdate(ctx context.Context, operationID, status string) (*repository.Completion, *repository.RepositoryError) {
	op, completion, repoErr := o.repo.RecordOperationStatus(operationID, status)
	if repoErr != nil {
		if repoErr.Code == repository.ErrCodeInvalidTransition {
			// Collaborator bug, not a recoverable condition.
			o.logger.Error("Rejected invalid operation transition", "operation", operationID, "err", repoErr)
		}
		return nil, repoErr
	}
	o.publish(op.SessionID)

	if !completion.AllDone {
		return completion, nil
	}

	if completion.AnyFailed {
		msg := fmt.Sprintf("indexing failed for operations: %s", strings.Join(completion.FailedIDs, ", "))
		if repoErr := o.repo.MarkSessionFailed(op.SessionID, msg); repoErr != nil {
			return completion, repoErr
		}
		o.logger.Info("Session failed during indexing", "session", op.SessionID, "failed_ops", len(completion.FailedIDs))
		o.publish(op.SessionID)
		return completion, nil
	}

	if repoErr := o.maybeDispatch(ctx, op.SessionID); repoErr != nil {
		return completion, repoErr
	}
	return completion, nil
}

// maybeDispatch races the dispatch guard and, on winning, hands the session
// to the dispatcher in its own goroutine so the caller's request returns
// without waiting on the external workflow.
func (o *Orchestrator) maybeDispatch(ctx context.Context, sessionID string) *repository.RepositoryError {
	acquired, repoErr := o.repo.TryAcquireDispatch(sessionID)
	if repoErr != nil {
		// Ambiguous failure: never assume acquisition. The stuck-session
		// sweep will fail the session if no other evaluator gets through.
		o.logger.Error("Dispatch guard not acquired", "session", sessionID, "err", repoErr)
		return repoErr
	}
	if !acquired {
		return nil
	}

	o.logger.Info("Dispatch acquired", "session", sessionID)
	o.publish(sessionID)
	go o.dispatcher.Deliver(context.WithoutCancel(ctx), sessionID)
	return nil
}

// HandleResultUpsert stores one requirement outcome and publishes the
// recomputed snapshot.
func (o *Orchestrator) HandleResultUpsert(sessionID, requirementID, status, evidence string, citations []string) (*repository.SessionStatusSnapshot, *repository.RepositoryError) {
	snap, repoErr := o.repo.UpsertResult(sessionID, requirementID, status, evidence, citations)
	if repoErr != nil {
		return nil, repoErr
	}
	o.broker.Publish(*snap)
	return snap, nil
}

// HandleResultDelete retracts one requirement outcome and publishes the
// recomputed snapshot.
func (o *Orchestrator) HandleResultDelete(sessionID, requirementID string) (*repository.SessionStatusSnapshot, *repository.RepositoryError) {
	snap, repoErr := o.repo.DeleteResult(sessionID, requirementID)
	if repoErr != nil {
		return nil, repoErr
	}
	o.broker.Publish(*snap)
	return snap, nil
}

// HandleResultsComplete is the collaborator's "all requirements submitted"
// signal; it settles the session into its final completed or partial state.
func (o *Orchestrator) HandleResultsComplete(sessionID string) (*repository.SessionStatusSnapshot, *repository.RepositoryError) {
	snap, repoErr := o.repo.FinalizeResults(sessionID)
	if repoErr != nil {
		return nil, repoErr
	}
	o.logger.Info("Results finalized", "session", sessionID, "status", snap.Status, "progress", snap.ProgressPercent)
	o.broker.Publish(*snap)
	return snap, nil
}

// RetryValidation is the explicit human-triggered retry: it clears the
// DispatchRecord of a failed session and re-runs the completion evaluation,
// which may acquire a fresh dispatch. This is the only path that ever leads
// to a second dispatch for the same session.
func (o *Orchestrator) RetryValidation(ctx context.Context, sessionID string) *repository.RepositoryError {
	if repoErr := o.repo.ClearDispatch(sessionID); repoErr != nil {
		return repoErr
	}
	o.logger.Info("Dispatch cleared for retry", "session", sessionID)
	o.publish(sessionID)

	completion, repoErr := o.repo.EvaluateCompletion(sessionID)
	if repoErr != nil {
		return repoErr
	}
	if !completion.AllDone {
		return nil
	}
	if completion.AnyFailed {
		// The ledger still holds failed operations; the session must not
		// sit in indexing where no further signal can ever arrive.
		msg := fmt.Sprintf("indexing failed for operations: %s", strings.Join(completion.FailedIDs, ", "))
		if repoErr := o.repo.MarkSessionFailed(sessionID, msg); repoErr != nil {
			return repoErr
		}
		o.publish(sessionID)
		return nil
	}
	return o.maybeDispatch(ctx, sessionID)
}

// Status returns the current snapshot for one session.
func (o *Orchestrator) Status(sessionID string) (*repository.SessionStatusSnapshot, *repository.RepositoryError) {
	return o.repo.GetStatus(sessionID)
}

// Subscribe registers a snapshot stream for one session and returns the
// current snapshot alongside it, so a (re)connecting subscriber resyncs
// before consuming pushed updates and cannot miss a change in the gap.
func (o *Orchestrator) Subscribe(sessionID string) (*repository.SessionStatusSnapshot, <-chan repository.SessionStatusSnapshot, func(), *repository.RepositoryError) {
	ch, cancel := o.broker.Subscribe(sessionID)
	snap, repoErr := o.repo.GetStatus(sessionID)
	if repoErr != nil {
		cancel()
		return nil, nil, nil, repoErr
	}
	return snap, ch, cancel, nil
}

func (o *Orchestrator) publish(sessionID string) {
	snap, repoErr := o.repo.GetStatus(sessionID)
	if repoErr != nil {
		o.logger.Error("Failed to read snapshot for publish", "session", sessionID, "err", repoErr)
		return
	}
	o.broker.Publish(*snap)
}
