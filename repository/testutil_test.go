package repository

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"

	"github.com/KevinDyerAU/NytroAI-sub008/repository/models"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "core.db")
	r := NewRepository()
	if err := r.Connect(sqlite.Open(dbPath + "?_pragma=busy_timeout(10000)")); err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := r.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return r
}

func mustCreateSession(t *testing.T, r *Repository, docs int, expected int) *models.Session {
	t.Helper()
	docIDs := make([]string, 0, docs)
	for i := 0; i < docs; i++ {
		docIDs = append(docIDs, "DOC-"+string(rune('a'+i)))
	}
	session, repoErr := r.CreateSession("UNIT-001", docIDs, expected)
	if repoErr != nil {
		t.Fatalf("create session: %v", repoErr)
	}
	return session
}

func mustRecordStatus(t *testing.T, r *Repository, operationID, status string) *Completion {
	t.Helper()
	_, completion, repoErr := r.RecordOperationStatus(operationID, status)
	if repoErr != nil {
		t.Fatalf("record %s for %s: %v", status, operationID, repoErr)
	}
	return completion
}

func sessionStatus(t *testing.T, r *Repository, sessionID string) string {
	t.Helper()
	snap, repoErr := r.GetStatus(sessionID)
	if repoErr != nil {
		t.Fatalf("get status: %v", repoErr)
	}
	return snap.Status
}

func forceSessionStatus(t *testing.T, r *Repository, sessionID, status string) {
	t.Helper()
	err := r.db.Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Update("status", status).Error
	if err != nil {
		t.Fatalf("force status: %v", err)
	}
}
