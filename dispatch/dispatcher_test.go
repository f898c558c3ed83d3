package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/glebarez/sqlite"

	"github.com/KevinDyerAU/NytroAI-sub008/publisher"
	"github.com/KevinDyerAU/NytroAI-sub008/repository"
	"github.com/KevinDyerAU/NytroAI-sub008/repository/models"
	"github.com/KevinDyerAU/NytroAI-sub008/retry"
)

func newTestRepository(t *testing.T) *repository.Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "core.db")
	r := repository.NewRepository()
	if err := r.Connect(sqlite.Open(dbPath + "?_pragma=busy_timeout(10000)")); err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := r.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return r
}

func acquiredSession(t *testing.T, r *repository.Repository) string {
	t.Helper()
	session, repoErr := r.CreateSession("UNIT-001", []string{"DOC-a"}, 3)
	if repoErr != nil {
		t.Fatalf("create session: %v", repoErr)
	}
	acquired, repoErr := r.TryAcquireDispatch(session.ID)
	if repoErr != nil || !acquired {
		t.Fatalf("acquire dispatch: acquired=%v err=%v", acquired, repoErr)
	}
	return session.ID
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDeliverAcknowledged(t *testing.T) {
	r := newTestRepository(t)
	sessionID := acquiredSession(t, r)

	var gotPayload dispatchPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := json.NewDecoder(req.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(ackResponse{Accepted: true})
	}))
	defer ts.Close()

	broker := publisher.NewBroker()
	d := NewDispatcher(r, broker, ts.URL, fastPolicy(3), cmtlog.NewNopLogger())
	d.Deliver(context.Background(), sessionID)

	if gotPayload.SessionID != sessionID || gotPayload.ExpectedRequirementCount != 3 {
		t.Errorf("unexpected payload %+v", gotPayload)
	}

	snap, repoErr := r.GetStatus(sessionID)
	if repoErr != nil {
		t.Fatalf("get status: %v", repoErr)
	}
	if snap.Status != models.SessionValidating {
		t.Errorf("expected validating after ack, got %s", snap.Status)
	}
	record, repoErr := r.GetDispatchRecord(sessionID)
	if repoErr != nil {
		t.Fatalf("get record: %v", repoErr)
	}
	if !record.Delivered || record.Attempts != 1 {
		t.Errorf("expected delivered record with 1 attempt, got %+v", record)
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	r := newTestRepository(t)
	sessionID := acquiredSession(t, r)

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ackResponse{Accepted: true})
	}))
	defer ts.Close()

	d := NewDispatcher(r, publisher.NewBroker(), ts.URL, fastPolicy(5), cmtlog.NewNopLogger())
	d.Deliver(context.Background(), sessionID)

	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 workflow calls, got %d", got)
	}
	record, repoErr := r.GetDispatchRecord(sessionID)
	if repoErr != nil {
		t.Fatalf("get record: %v", repoErr)
	}
	if !record.Delivered || record.Attempts != 3 {
		t.Errorf("expected delivered record with 3 attempts, got %+v", record)
	}
}

func TestDeliverExhaustionFailsSessionAndKeepsRecord(t *testing.T) {
	r := newTestRepository(t)
	sessionID := acquiredSession(t, r)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer ts.Close()

	broker := publisher.NewBroker()
	ch, cancel := broker.Subscribe(sessionID)
	defer cancel()

	d := NewDispatcher(r, broker, ts.URL, fastPolicy(2), cmtlog.NewNopLogger())
	d.Deliver(context.Background(), sessionID)

	snap, repoErr := r.GetStatus(sessionID)
	if repoErr != nil {
		t.Fatalf("get status: %v", repoErr)
	}
	if snap.Status != models.SessionFailed {
		t.Errorf("expected failed after exhaustion, got %s", snap.Status)
	}
	if !strings.Contains(snap.ErrorMessage, "failed to start validation workflow") {
		t.Errorf("unexpected error message %q", snap.ErrorMessage)
	}

	record, repoErr := r.GetDispatchRecord(sessionID)
	if repoErr != nil {
		t.Fatalf("record must survive exhaustion: %v", repoErr)
	}
	if record.Attempts != 2 || record.Delivered {
		t.Errorf("expected 2 undelivered attempts, got %+v", record)
	}

	select {
	case got := <-ch:
		if got.Status != models.SessionFailed {
			t.Errorf("published snapshot has status %s", got.Status)
		}
	case <-time.After(time.Second):
		t.Error("failure was not published to subscribers")
	}
}

func TestDeliverRejectionIsNotRetried(t *testing.T) {
	r := newTestRepository(t)
	sessionID := acquiredSession(t, r)

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer ts.Close()

	d := NewDispatcher(r, publisher.NewBroker(), ts.URL, fastPolicy(5), cmtlog.NewNopLogger())
	d.Deliver(context.Background(), sessionID)

	if got := calls.Load(); got != 1 {
		t.Errorf("rejection must not be retried, got %d calls", got)
	}
	snap, repoErr := r.GetStatus(sessionID)
	if repoErr != nil {
		t.Fatalf("get status: %v", repoErr)
	}
	if snap.Status != models.SessionFailed {
		t.Errorf("expected failed after rejection, got %s", snap.Status)
	}
}

func TestDeliverUnacceptedAckFails(t *testing.T) {
	r := newTestRepository(t)
	sessionID := acquiredSession(t, r)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(ackResponse{Accepted: false, Message: "unit unknown"})
	}))
	defer ts.Close()

	d := NewDispatcher(r, publisher.NewBroker(), ts.URL, fastPolicy(5), cmtlog.NewNopLogger())
	d.Deliver(context.Background(), sessionID)

	snap, repoErr := r.GetStatus(sessionID)
	if repoErr != nil {
		t.Fatalf("get status: %v", repoErr)
	}
	if snap.Status != models.SessionFailed {
		t.Errorf("expected failed on unaccepted ack, got %s", snap.Status)
	}
	if !strings.Contains(snap.ErrorMessage, "unit unknown") {
		t.Errorf("ack message lost: %q", snap.ErrorMessage)
	}
}
