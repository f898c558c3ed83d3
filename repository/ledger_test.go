package repository

import (
	"testing"

	"github.com/KevinDyerAU/NytroAI-sub008/repository/models"
)

func TestCreateSessionSeedsPendingOperations(t *testing.T) {
	r := newTestRepository(t)
	session := mustCreateSession(t, r, 3, 5)

	if session.Status != models.SessionPending {
		t.Errorf("expected pending session, got %s", session.Status)
	}
	if len(session.Operations) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(session.Operations))
	}
	for _, op := range session.Operations {
		if op.Status != models.OperationPending {
			t.Errorf("operation %s: expected pending, got %s", op.ID, op.Status)
		}
		if op.SessionID != session.ID {
			t.Errorf("operation %s: wrong session id %s", op.ID, op.SessionID)
		}
	}

	snap, repoErr := r.GetStatus(session.ID)
	if repoErr != nil {
		t.Fatalf("get status: %v", repoErr)
	}
	if snap.ExpectedCount != 5 {
		t.Errorf("expected expected_count 5, got %d", snap.ExpectedCount)
	}
}

func TestRecordOperationStatusUnknownStatus(t *testing.T) {
	r := newTestRepository(t)
	session := mustCreateSession(t, r, 1, 1)

	_, _, repoErr := r.RecordOperationStatus(session.Operations[0].ID, "indexed")
	if repoErr == nil || repoErr.Code != ErrCodeInvalidStatus {
		t.Fatalf("expected INVALID_STATUS, got %v", repoErr)
	}
}

func TestRecordOperationStatusUnknownOperation(t *testing.T) {
	r := newTestRepository(t)
	mustCreateSession(t, r, 1, 1)

	_, _, repoErr := r.RecordOperationStatus("OP-missing", models.OperationCompleted)
	if repoErr == nil || repoErr.Code != ErrCodeEntityNotFound {
		t.Fatalf("expected ENTITY_NOT_FOUND, got %v", repoErr)
	}
}

func TestRecordOperationStatusLiftsSessionToIndexing(t *testing.T) {
	r := newTestRepository(t)
	session := mustCreateSession(t, r, 2, 2)

	mustRecordStatus(t, r, session.Operations[0].ID, models.OperationProcessing)
	if got := sessionStatus(t, r, session.ID); got != models.SessionIndexing {
		t.Errorf("expected indexing, got %s", got)
	}
}

func TestTerminalOperationIsImmutable(t *testing.T) {
	r := newTestRepository(t)
	session := mustCreateSession(t, r, 1, 1)
	opID := session.Operations[0].ID

	mustRecordStatus(t, r, opID, models.OperationCompleted)

	_, _, repoErr := r.RecordOperationStatus(opID, models.OperationFailed)
	if repoErr == nil || repoErr.Code != ErrCodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION, got %v", repoErr)
	}

	var op models.Operation
	if err := r.db.Where("operation_id = ?", opID).First(&op).Error; err != nil {
		t.Fatalf("load operation: %v", err)
	}
	if op.Status != models.OperationCompleted {
		t.Errorf("terminal status changed: got %s", op.Status)
	}
}

func TestDuplicateTerminalSignalIsIdempotent(t *testing.T) {
	r := newTestRepository(t)
	session := mustCreateSession(t, r, 2, 2)

	mustRecordStatus(t, r, session.Operations[0].ID, models.OperationCompleted)
	first := mustRecordStatus(t, r, session.Operations[1].ID, models.OperationCompleted)
	second := mustRecordStatus(t, r, session.Operations[1].ID, models.OperationCompleted)

	if !first.AllDone || !second.AllDone {
		t.Errorf("expected AllDone on both evaluations, got %v then %v", first.AllDone, second.AllDone)
	}
	if first.Completed != 2 || second.Completed != 2 {
		t.Errorf("expected 2 completed on both evaluations, got %d then %d", first.Completed, second.Completed)
	}
}

// An out-of-order processing signal for several operations must never flip
// the completion verdict: the detector only answers from terminal counts.
func TestCompletionRequiresEveryOperationTerminal(t *testing.T) {
	r := newTestRepository(t)
	session := mustCreateSession(t, r, 3, 3)
	ops := session.Operations

	c := mustRecordStatus(t, r, ops[0].ID, models.OperationCompleted)
	if c.AllDone {
		t.Error("AllDone after 1/3 operations")
	}
	c = mustRecordStatus(t, r, ops[1].ID, models.OperationCompleted)
	if c.AllDone {
		t.Error("AllDone after 2/3 operations")
	}
	mustRecordStatus(t, r, ops[2].ID, models.OperationProcessing)
	c = mustRecordStatus(t, r, ops[2].ID, models.OperationCompleted)
	if !c.AllDone || c.AnyFailed {
		t.Errorf("expected AllDone without failures, got %+v", c)
	}
	if c.Completed != 3 || c.Total != 3 {
		t.Errorf("expected 3/3 completed, got %d/%d", c.Completed, c.Total)
	}
}

func TestCompletionEnumeratesFailedOperations(t *testing.T) {
	r := newTestRepository(t)
	session := mustCreateSession(t, r, 2, 2)
	ops := session.Operations

	mustRecordStatus(t, r, ops[0].ID, models.OperationCompleted)
	c := mustRecordStatus(t, r, ops[1].ID, models.OperationFailed)

	if !c.AllDone || !c.AnyFailed {
		t.Fatalf("expected AllDone with a failure, got %+v", c)
	}
	if len(c.FailedIDs) != 1 || c.FailedIDs[0] != ops[1].ID {
		t.Errorf("expected failed ids [%s], got %v", ops[1].ID, c.FailedIDs)
	}
}

func TestEvaluateCompletionUnknownSession(t *testing.T) {
	r := newTestRepository(t)

	_, repoErr := r.EvaluateCompletion("VS-missing")
	if repoErr == nil || repoErr.Code != ErrCodeEntityNotFound {
		t.Fatalf("expected ENTITY_NOT_FOUND, got %v", repoErr)
	}
}

func TestMarkSessionFailedKeepsCounts(t *testing.T) {
	r := newTestRepository(t)
	session := mustCreateSession(t, r, 1, 2)
	forceSessionStatus(t, r, session.ID, models.SessionValidating)

	if _, repoErr := r.UpsertResult(session.ID, "REQ-1", models.ResultMet, "evidence", nil); repoErr != nil {
		t.Fatalf("upsert: %v", repoErr)
	}
	if repoErr := r.MarkSessionFailed(session.ID, "validation timed out"); repoErr != nil {
		t.Fatalf("mark failed: %v", repoErr)
	}

	snap, repoErr := r.GetStatus(session.ID)
	if repoErr != nil {
		t.Fatalf("get status: %v", repoErr)
	}
	if snap.Status != models.SessionFailed {
		t.Errorf("expected failed, got %s", snap.Status)
	}
	if snap.ErrorMessage != "validation timed out" {
		t.Errorf("unexpected error message %q", snap.ErrorMessage)
	}
	if snap.ObservedCount != 1 || snap.MetCount != 1 {
		t.Errorf("counts lost on failure: observed=%d met=%d", snap.ObservedCount, snap.MetCount)
	}
}
