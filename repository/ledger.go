package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/KevinDyerAU/NytroAI-sub008/repository/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Completion is the result of evaluating the operation ledger for one session.
// It is computed by aggregate queries only, so re-evaluating without
// intervening writes always yields the same answer.
type Completion struct {
	SessionID string
	Total     int
	Completed int
	Failed    int
	AllDone   bool
	AnyFailed bool
	FailedIDs []string
}

// CreateSession creates a session in the pending state together with one
// pending Operation per uploaded document, all in one transaction.
func (r *Repository) CreateSession(unitID string, documentIDs []string, expectedResultCount int) (*models.Session, *RepositoryError) {
	session := models.Session{
		ID:                  "VS-" + uuid.NewString(),
		UnitID:              unitID,
		Status:              models.SessionPending,
		ExpectedResultCount: expectedResultCount,
	}

	dbTx := r.db.Begin()
	if err := dbTx.Create(&session).Error; err != nil {
		dbTx.Rollback()
		return nil, wrapDBError(err, "Failed to create session")
	}

	for _, docID := range documentIDs {
		op := models.Operation{
			ID:         "OP-" + uuid.NewString(),
			SessionID:  session.ID,
			DocumentID: docID,
			Status:     models.OperationPending,
		}
		if err := dbTx.Create(&op).Error; err != nil {
			dbTx.Rollback()
			return nil, wrapDBError(err, "Failed to create indexing operation")
		}
		session.Operations = append(session.Operations, op)
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, commitError(err)
	}
	return &session, nil
}

// RecordOperationStatus persists a status change for one indexing operation
// and evaluates session completion inside the same transaction, so the
// returned Completion reflects the write that triggered it.
//
// Terminal operations are immutable: re-marking one with a different status
// fails with INVALID_TRANSITION, while repeating the identical terminal
// status is an idempotent no-op (duplicate delivery of the same signal).
func (r *Repository) RecordOperationStatus(operationID, newStatus string) (*models.Operation, *Completion, *RepositoryError) {
	switch newStatus {
	case models.OperationProcessing, models.OperationCompleted, models.OperationFailed:
	default:
		return nil, nil, &RepositoryError{
			Code:    ErrCodeInvalidStatus,
			Message: "Unknown operation status",
			Detail:  fmt.Sprintf("status %q is not one of processing|completed|failed", newStatus),
		}
	}

	dbTx := r.db.Begin()

	var op models.Operation
	err := dbTx.Where("operation_id = ?", operationID).First(&op).Error
	if err != nil {
		dbTx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, notFoundError("Operation does not exist",
				fmt.Sprintf("Operation with id %s does not exist", operationID))
		}
		return nil, nil, wrapDBError(err, "Database error")
	}

	if models.Terminal(op.Status) {
		if op.Status != newStatus {
			dbTx.Rollback()
			return nil, nil, &RepositoryError{
				Code:    ErrCodeInvalidTransition,
				Message: "Operation is already terminal",
				Detail:  fmt.Sprintf("operation %s is %s and cannot become %s", op.ID, op.Status, newStatus),
			}
		}
		// Duplicate terminal signal: re-evaluate without writing.
		completion, evalErr := evaluateTx(dbTx, op.SessionID)
		if evalErr != nil {
			dbTx.Rollback()
			return nil, nil, wrapDBError(evalErr, "Failed to evaluate completion")
		}
		if err := dbTx.Commit().Error; err != nil {
			return nil, nil, commitError(err)
		}
		return &op, completion, nil
	}

	op.Status = newStatus
	if models.Terminal(newStatus) {
		now := time.Now().UTC()
		op.FinishedAt = &now
	}
	if err := dbTx.Save(&op).Error; err != nil {
		dbTx.Rollback()
		return nil, nil, wrapDBError(err, "Failed to update operation")
	}

	// First operation activity lifts the session out of pending.
	err = dbTx.Model(&models.Session{}).
		Where("session_id = ? AND status = ?", op.SessionID, models.SessionPending).
		Update("status", models.SessionIndexing).Error
	if err != nil {
		dbTx.Rollback()
		return nil, nil, wrapDBError(err, "Failed to update session status")
	}

	completion, evalErr := evaluateTx(dbTx, op.SessionID)
	if evalErr != nil {
		dbTx.Rollback()
		return nil, nil, wrapDBError(evalErr, "Failed to evaluate completion")
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, nil, commitError(err)
	}
	return &op, completion, nil
}

// EvaluateCompletion answers "are all operations for this session finished,
// and did any fail?" from a single consistent read of the ledger.
func (r *Repository) EvaluateCompletion(sessionID string) (*Completion, *RepositoryError) {
	var exists int64
	if err := r.db.Model(&models.Session{}).Where("session_id = ?", sessionID).Count(&exists).Error; err != nil {
		return nil, wrapDBError(err, "Database error")
	}
	if exists == 0 {
		return nil, notFoundError("Session does not exist",
			fmt.Sprintf("Session with id %s does not exist", sessionID))
	}

	dbTx := r.db.Begin()
	completion, err := evaluateTx(dbTx, sessionID)
	if err != nil {
		dbTx.Rollback()
		return nil, wrapDBError(err, "Failed to evaluate completion")
	}
	if err := dbTx.Commit().Error; err != nil {
		return nil, commitError(err)
	}
	return completion, nil
}

func evaluateTx(tx *gorm.DB, sessionID string) (*Completion, error) {
	type tally struct {
		Status string
		N      int
	}
	var tallies []tally
	err := tx.Model(&models.Operation{}).
		Select("status, count(*) as n").
		Where("session_id = ?", sessionID).
		Group("status").
		Scan(&tallies).Error
	if err != nil {
		return nil, err
	}

	c := Completion{SessionID: sessionID}
	for _, t := range tallies {
		c.Total += t.N
		switch t.Status {
		case models.OperationCompleted:
			c.Completed += t.N
		case models.OperationFailed:
			c.Failed += t.N
		}
	}
	c.AllDone = c.Total > 0 && c.Completed+c.Failed == c.Total
	c.AnyFailed = c.Failed > 0

	if c.AnyFailed {
		err = tx.Model(&models.Operation{}).
			Where("session_id = ? AND status = ?", sessionID, models.OperationFailed).
			Order("operation_id").
			Pluck("operation_id", &c.FailedIDs).Error
		if err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// MarkSessionFailed moves a session to the failed state with a recorded
// error. Failed is terminal for recomputation: aggregate refreshes keep the
// counts current but never overwrite the status.
func (r *Repository) MarkSessionFailed(sessionID, errMsg string) *RepositoryError {
	res := r.db.Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"status":        models.SessionFailed,
			"error_message": errMsg,
		})
	if res.Error != nil {
		return wrapDBError(res.Error, "Failed to update session status")
	}
	if res.RowsAffected == 0 {
		return notFoundError("Session does not exist",
			fmt.Sprintf("Session with id %s does not exist", sessionID))
	}
	return nil
}
