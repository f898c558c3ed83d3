package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/KevinDyerAU/NytroAI-sub008/repository/models"
	"gorm.io/gorm"
)

// TryAcquireDispatch attempts to insert the session's DispatchRecord. Exactly
// one caller can win: the primary key on session_id converts a race between N
// concurrent completion evaluations into one winner. On success the session
// moves to dispatched in the same transaction.
//
// A unique violation means another caller already holds the dispatch and
// returns (false, nil). Any other failure is ambiguous and must be treated as
// not acquired; it is returned so the caller can surface it.
func (r *Repository) TryAcquireDispatch(sessionID string) (bool, *RepositoryError) {
	dbTx := r.db.Begin()

	var session models.Session
	err := dbTx.Where("session_id = ?", sessionID).First(&session).Error
	if err != nil {
		dbTx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, notFoundError("Session does not exist",
				fmt.Sprintf("Session with id %s does not exist", sessionID))
		}
		return false, wrapDBError(err, "Database error")
	}

	record := models.DispatchRecord{
		SessionID:    sessionID,
		DispatchedAt: time.Now().UTC(),
	}
	if err := dbTx.Create(&record).Error; err != nil {
		dbTx.Rollback()
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, wrapDBError(err, "Failed to insert dispatch record")
	}

	err = dbTx.Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Update("status", models.SessionDispatched).Error
	if err != nil {
		dbTx.Rollback()
		return false, wrapDBError(err, "Failed to update session status")
	}

	if err := dbTx.Commit().Error; err != nil {
		return false, commitError(err)
	}
	return true, nil
}

// RecordDispatchAttempt bumps the attempt counter before each delivery try,
// so a crash mid-call is distinguishable from a dispatch that was never
// attempted.
func (r *Repository) RecordDispatchAttempt(sessionID string) *RepositoryError {
	err := r.db.Model(&models.DispatchRecord{}).
		Where("session_id = ?", sessionID).
		Update("attempts", gorm.Expr("attempts + 1")).Error
	if err != nil {
		return wrapDBError(err, "Failed to record dispatch attempt")
	}
	return nil
}

// MarkDispatchDelivered records the workflow's acknowledgment: the record is
// delivered and the session moves from dispatched to validating.
func (r *Repository) MarkDispatchDelivered(sessionID string) *RepositoryError {
	dbTx := r.db.Begin()

	now := time.Now().UTC()
	err := dbTx.Model(&models.DispatchRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"delivered":    true,
			"delivered_at": &now,
			"last_error":   "",
		}).Error
	if err != nil {
		dbTx.Rollback()
		return wrapDBError(err, "Failed to update dispatch record")
	}

	err = dbTx.Model(&models.Session{}).
		Where("session_id = ? AND status = ?", sessionID, models.SessionDispatched).
		Update("status", models.SessionValidating).Error
	if err != nil {
		dbTx.Rollback()
		return wrapDBError(err, "Failed to update session status")
	}

	if err := dbTx.Commit().Error; err != nil {
		return commitError(err)
	}
	return nil
}

// RecordDispatchFailure marks the session failed after delivery gave up. The
// DispatchRecord is deliberately left in place: its uniqueness is the safety
// property, and clearing it automatically would reopen the door to duplicate
// external side effects. Only the manual retry path removes it.
func (r *Repository) RecordDispatchFailure(sessionID, errMsg string) *RepositoryError {
	dbTx := r.db.Begin()

	err := dbTx.Model(&models.DispatchRecord{}).
		Where("session_id = ?", sessionID).
		Update("last_error", errMsg).Error
	if err != nil {
		dbTx.Rollback()
		return wrapDBError(err, "Failed to update dispatch record")
	}

	err = dbTx.Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"status":        models.SessionFailed,
			"error_message": errMsg,
		}).Error
	if err != nil {
		dbTx.Rollback()
		return wrapDBError(err, "Failed to update session status")
	}

	if err := dbTx.Commit().Error; err != nil {
		return commitError(err)
	}
	return nil
}

// ClearDispatch is the manual "retry validation" path: it removes the
// DispatchRecord of a failed session and resets the session to indexing so a
// fresh completion evaluation can dispatch again. It is the only operation
// that ever deletes a DispatchRecord.
//
// A failed session without a DispatchRecord failed during indexing; its
// terminal operations are immutable, so there is nothing a retry could
// re-run, and the request is rejected.
func (r *Repository) ClearDispatch(sessionID string) *RepositoryError {
	dbTx := r.db.Begin()

	var session models.Session
	err := dbTx.Where("session_id = ?", sessionID).First(&session).Error
	if err != nil {
		dbTx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundError("Session does not exist",
				fmt.Sprintf("Session with id %s does not exist", sessionID))
		}
		return wrapDBError(err, "Database error")
	}
	if session.Status != models.SessionFailed {
		dbTx.Rollback()
		return &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "Session is not failed",
			Detail:  fmt.Sprintf("session status is %s, retry requires failed", session.Status),
		}
	}

	res := dbTx.Where("session_id = ?", sessionID).Delete(&models.DispatchRecord{})
	if res.Error != nil {
		dbTx.Rollback()
		return wrapDBError(res.Error, "Failed to delete dispatch record")
	}
	if res.RowsAffected == 0 {
		dbTx.Rollback()
		return &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "Session has no dispatch record",
			Detail:  fmt.Sprintf("session %s failed before dispatch; its indexing operations cannot be retried", sessionID),
		}
	}

	err = dbTx.Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"status":        models.SessionIndexing,
			"error_message": "",
		}).Error
	if err != nil {
		dbTx.Rollback()
		return wrapDBError(err, "Failed to reset session status")
	}

	if err := dbTx.Commit().Error; err != nil {
		return commitError(err)
	}
	return nil
}

// ListUnattemptedDispatches returns session ids whose dispatch was acquired
// before the cutoff but never attempted, i.e. the process died between the
// guard commit and the first delivery try. Records with attempts > 0 are
// never returned; re-running an attempted dispatch is not safe to automate.
func (r *Repository) ListUnattemptedDispatches(cutoff time.Time) ([]string, *RepositoryError) {
	var ids []string
	err := r.db.Model(&models.DispatchRecord{}).
		Where("delivered = ? AND attempts = 0 AND last_error = '' AND dispatched_at < ?", false, cutoff).
		Order("session_id").
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, wrapDBError(err, "Failed to list pending dispatches")
	}
	return ids, nil
}

// GetDispatchRecord fetches the dispatch record for a session, if any.
func (r *Repository) GetDispatchRecord(sessionID string) (*models.DispatchRecord, *RepositoryError) {
	var record models.DispatchRecord
	err := r.db.Where("session_id = ?", sessionID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("Dispatch record does not exist",
				fmt.Sprintf("Session %s has not been dispatched", sessionID))
		}
		return nil, wrapDBError(err, "Database error")
	}
	return &record, nil
}
