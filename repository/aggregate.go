package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/KevinDyerAU/NytroAI-sub008/repository/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionStatusSnapshot is the wire shape consumed by dashboards and
// subscribers. All derived fields come out of one atomic recomputation, so a
// snapshot can never pair a fresh count with a stale progress value.
type SessionStatusSnapshot struct {
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	ObservedCount   int       `json:"observed_count"`
	ExpectedCount   int       `json:"expected_count"`
	MetCount        int       `json:"met_count"`
	ProgressPercent int       `json:"progress_percent"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// UpsertResult stores one requirement outcome and recomputes every derived
// session field in the same transaction. The recomputation reads fresh
// aggregates over all of the session's results rather than incrementing
// counters, which makes replaying the identical upsert a no-op.
func (r *Repository) UpsertResult(sessionID, requirementID, status, evidence string, citations []string) (*SessionStatusSnapshot, *RepositoryError) {
	switch status {
	case models.ResultMet, models.ResultPartial, models.ResultNotMet:
	default:
		return nil, &RepositoryError{
			Code:    ErrCodeInvalidStatus,
			Message: "Unknown result status",
			Detail:  fmt.Sprintf("status %q is not one of met|partial|not-met", status),
		}
	}

	citationsJSON := "[]"
	if len(citations) > 0 {
		b, err := json.Marshal(citations)
		if err != nil {
			return nil, &RepositoryError{
				Code:    ErrCodeDatabase,
				Message: "Failed to encode citations",
				Detail:  err.Error(),
			}
		}
		citationsJSON = string(b)
	}

	dbTx := r.db.Begin()

	var exists int64
	if err := dbTx.Model(&models.Session{}).Where("session_id = ?", sessionID).Count(&exists).Error; err != nil {
		dbTx.Rollback()
		return nil, wrapDBError(err, "Database error")
	}
	if exists == 0 {
		dbTx.Rollback()
		return nil, notFoundError("Session does not exist",
			fmt.Sprintf("Session with id %s does not exist", sessionID))
	}

	result := models.RequirementResult{
		SessionID:     sessionID,
		RequirementID: requirementID,
		Status:        status,
		Evidence:      evidence,
		Citations:     citationsJSON,
	}
	err := dbTx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "requirement_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "evidence", "citations", "updated_at"}),
	}).Create(&result).Error
	if err != nil {
		dbTx.Rollback()
		return nil, wrapDBError(err, "Failed to upsert requirement result")
	}

	session, recompErr := recomputeTx(dbTx, sessionID, false)
	if recompErr != nil {
		dbTx.Rollback()
		return nil, recompErr
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, commitError(err)
	}
	return snapshotOf(session), nil
}

// DeleteResult removes one requirement outcome and recomputes the owning
// session from the remaining rows in the same transaction.
func (r *Repository) DeleteResult(sessionID, requirementID string) (*SessionStatusSnapshot, *RepositoryError) {
	dbTx := r.db.Begin()

	res := dbTx.Where("session_id = ? AND requirement_id = ?", sessionID, requirementID).
		Delete(&models.RequirementResult{})
	if res.Error != nil {
		dbTx.Rollback()
		return nil, wrapDBError(res.Error, "Failed to delete requirement result")
	}
	if res.RowsAffected == 0 {
		dbTx.Rollback()
		return nil, notFoundError("Requirement result does not exist",
			fmt.Sprintf("Session %s has no result for requirement %s", sessionID, requirementID))
	}

	session, recompErr := recomputeTx(dbTx, sessionID, false)
	if recompErr != nil {
		dbTx.Rollback()
		return nil, recompErr
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, commitError(err)
	}
	return snapshotOf(session), nil
}

// FinalizeResults is the "all requirements submitted" signal from the
// validation collaborator. It recomputes with finality, settling the session
// into completed or partial instead of in_progress.
func (r *Repository) FinalizeResults(sessionID string) (*SessionStatusSnapshot, *RepositoryError) {
	return r.recompute(sessionID, true)
}

// RecomputeSession refreshes the derived session fields from the source of
// truth. It is the reconciliation entry point for derived state that went
// stale after a partial failure.
func (r *Repository) RecomputeSession(sessionID string) (*SessionStatusSnapshot, *RepositoryError) {
	return r.recompute(sessionID, false)
}

func (r *Repository) recompute(sessionID string, finalize bool) (*SessionStatusSnapshot, *RepositoryError) {
	dbTx := r.db.Begin()
	session, recompErr := recomputeTx(dbTx, sessionID, finalize)
	if recompErr != nil {
		dbTx.Rollback()
		return nil, recompErr
	}
	if err := dbTx.Commit().Error; err != nil {
		return nil, commitError(err)
	}
	return snapshotOf(session), nil
}

// recomputeTx recalculates observed/met counts, progress, and the derived
// status from a fresh aggregate over the session's RequirementResults, and
// writes them all in one update.
//
// The session row is locked first so concurrent recomputes for the same
// session serialize: under READ COMMITTED two unlocked recomputes could each
// count before the other's insert commits and both persist a stale count.
// Sqlite allows a single writer and rejects FOR UPDATE syntax, so the lock
// is only issued on Postgres.
func recomputeTx(tx *gorm.DB, sessionID string, finalize bool) (*models.Session, *RepositoryError) {
	q := tx.Where("session_id = ?", sessionID)
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var session models.Session
	err := q.First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("Session does not exist",
				fmt.Sprintf("Session with id %s does not exist", sessionID))
		}
		return nil, wrapDBError(err, "Database error")
	}

	var observed, met int64
	err = tx.Model(&models.RequirementResult{}).
		Where("session_id = ?", sessionID).
		Count(&observed).Error
	if err != nil {
		return nil, wrapDBError(err, "Failed to count results")
	}
	err = tx.Model(&models.RequirementResult{}).
		Where("session_id = ? AND status = ?", sessionID, models.ResultMet).
		Count(&met).Error
	if err != nil {
		return nil, wrapDBError(err, "Failed to count met results")
	}

	progress := 0
	if observed > 0 {
		progress = int(math.Round(float64(met) / float64(observed) * 100))
	}

	status := session.Status
	if session.Status != models.SessionFailed && derivable(session.Status, observed, finalize) {
		status = deriveStatus(observed, met, int64(session.ExpectedResultCount), finalize)
	}

	err = tx.Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"observed_result_count": observed,
			"met_result_count":      met,
			"progress_percent":      progress,
			"status":                status,
		}).Error
	if err != nil {
		return nil, wrapDBError(err, "Failed to update session aggregates")
	}

	session.ObservedResultCount = int(observed)
	session.MetResultCount = int(met)
	session.ProgressPercent = progress
	session.Status = status
	session.LastUpdatedAt = time.Now().UTC()
	return &session, nil
}

// derivable reports whether the recompute may rewrite the session status.
// Pre-result lifecycle states (indexing, dispatched, validating) are left
// alone until a result exists, so a reconciliation pass over a session that
// is still waiting for its first result does not regress it to pending.
func derivable(current string, observed int64, finalize bool) bool {
	if observed > 0 || finalize {
		return true
	}
	switch current {
	case models.SessionPending, models.SessionInProgress, models.SessionPartial, models.SessionCompleted:
		return true
	}
	return false
}

// deriveStatus applies the derivation priority order: no results yet is pending
// (a session with nothing to validate is not the same as one that finished),
// fewer results than expected is in_progress, all met is completed, anything
// else is partial. Finality skips the in_progress branch.
//
// expected is an advisory estimate, not a cap: when the collaborator submits
// more results than estimated, observed exceeds expected and the session is
// simply treated as fully observed.
func deriveStatus(observed, met, expected int64, finalize bool) string {
	if observed == 0 {
		return models.SessionPending
	}
	if !finalize && expected > 0 && observed < expected {
		return models.SessionInProgress
	}
	if met == observed {
		return models.SessionCompleted
	}
	return models.SessionPartial
}

// GetStatus returns the current point-in-time snapshot for one session.
func (r *Repository) GetStatus(sessionID string) (*SessionStatusSnapshot, *RepositoryError) {
	var session models.Session
	err := r.db.Where("session_id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("Session does not exist",
				fmt.Sprintf("Session with id %s does not exist", sessionID))
		}
		return nil, wrapDBError(err, "Database error")
	}
	return snapshotOf(&session), nil
}

func snapshotOf(session *models.Session) *SessionStatusSnapshot {
	return &SessionStatusSnapshot{
		SessionID:       session.ID,
		Status:          session.Status,
		ObservedCount:   session.ObservedResultCount,
		ExpectedCount:   session.ExpectedResultCount,
		MetCount:        session.MetResultCount,
		ProgressPercent: session.ProgressPercent,
		LastUpdatedAt:   session.LastUpdatedAt,
		ErrorMessage:    session.ErrorMessage,
	}
}

// ListStuckSessions returns ids of sessions sitting in dispatched or
// validating with no update since the cutoff. Only the reconciliation sweep
// calls this; no single write path owns time in a reactive system.
func (r *Repository) ListStuckSessions(cutoff time.Time) ([]string, *RepositoryError) {
	var ids []string
	err := r.db.Model(&models.Session{}).
		Where("status IN ? AND last_updated_at < ?",
			[]string{models.SessionDispatched, models.SessionValidating}, cutoff).
		Order("session_id").
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, wrapDBError(err, "Failed to list stuck sessions")
	}
	return ids, nil
}

// ListSessionsByStatus returns ids of sessions currently in any of the given
// statuses.
func (r *Repository) ListSessionsByStatus(statuses ...string) ([]string, *RepositoryError) {
	var ids []string
	err := r.db.Model(&models.Session{}).
		Where("status IN ?", statuses).
		Order("session_id").
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, wrapDBError(err, "Failed to list sessions")
	}
	return ids, nil
}
