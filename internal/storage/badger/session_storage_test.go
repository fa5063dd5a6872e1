package badger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/models"
)

func TestSessionStatusTransition(t *testing.T) {
	db := openTestDB(t)
	storage := NewSessionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	session := models.NewSession("ses_1", "user-1", "ticket-extraction-v3", 24*time.Hour)
	if err := storage.SaveSession(ctx, session); err != nil {
		t.Fatalf("Failed to save session: %v", err)
	}

	if err := storage.UpdateSessionStatus(ctx, "ses_1", models.SessionStatusUploading, models.SessionStatusProcessing); err != nil {
		t.Fatalf("Failed to transition to PROCESSING: %v", err)
	}

	got, err := storage.GetSession(ctx, "ses_1")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got.Status != models.SessionStatusProcessing {
		t.Errorf("Status = %s, want PROCESSING", got.Status)
	}

	// Stale expectation loses
	err = storage.UpdateSessionStatus(ctx, "ses_1", models.SessionStatusUploading, models.SessionStatusProcessing)
	if err == nil {
		t.Error("Expected stale transition to fail")
	}

	// Illegal edge rejected even when the from matches
	err = storage.UpdateSessionStatus(ctx, "ses_1", models.SessionStatusProcessing, models.SessionStatusCompleted)
	if err == nil {
		t.Error("Expected PROCESSING->COMPLETED to be rejected")
	}
}

func TestSessionStatusTransition_SingleWinner(t *testing.T) {
	db := openTestDB(t)
	storage := NewSessionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	session := models.NewSession("ses_race", "user-1", "m", time.Hour)
	session.MarkProcessing()
	if err := storage.SaveSession(ctx, session); err != nil {
		t.Fatalf("Failed to save session: %v", err)
	}

	var wg sync.WaitGroup
	wins := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := storage.UpdateSessionStatus(ctx, "ses_race", models.SessionStatusProcessing, models.SessionStatusPostProcessing); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 winning transition, got %d", count)
	}
}

func TestIncrementProcessedPages(t *testing.T) {
	db := openTestDB(t)
	storage := NewSessionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	session := models.NewSession("ses_inc", "user-1", "m", time.Hour)
	session.TotalPages = 5
	if err := storage.SaveSession(ctx, session); err != nil {
		t.Fatalf("Failed to save session: %v", err)
	}

	// Concurrent increments never lose updates
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := storage.IncrementProcessedPages(ctx, "ses_inc"); err != nil {
				t.Errorf("Increment failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := storage.GetSession(ctx, "ses_inc")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got.ProcessedPages != 5 {
		t.Errorf("ProcessedPages = %d, want 5", got.ProcessedPages)
	}

	// The counter refuses to pass TotalPages
	if _, err := storage.IncrementProcessedPages(ctx, "ses_inc"); err == nil {
		t.Error("Expected increment past TotalPages to fail")
	}
}

func TestListExpiredSessions(t *testing.T) {
	db := openTestDB(t)
	storage := NewSessionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	now := time.Now().UTC()

	past := models.NewSession("ses_past", "user-1", "m", -time.Hour)
	future := models.NewSession("ses_future", "user-1", "m", time.Hour)
	alreadyExpired := models.NewSession("ses_done", "user-1", "m", -time.Hour)
	alreadyExpired.MarkExpired()

	for _, s := range []*models.Session{past, future, alreadyExpired} {
		if err := storage.SaveSession(ctx, s); err != nil {
			t.Fatalf("Failed to save session %s: %v", s.ID, err)
		}
	}

	expired, err := storage.ListExpiredSessions(ctx, now)
	if err != nil {
		t.Fatalf("Failed to list expired sessions: %v", err)
	}

	if len(expired) != 1 {
		t.Fatalf("Expected 1 expired session, got %d", len(expired))
	}
	if expired[0].ID != "ses_past" {
		t.Errorf("Expected ses_past, got %s", expired[0].ID)
	}
}

func TestCountActiveSessions(t *testing.T) {
	db := openTestDB(t)
	storage := NewSessionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	uploading := models.NewSession("ses_a", "user-1", "m", time.Hour)
	processing := models.NewSession("ses_b", "user-1", "m", time.Hour)
	processing.MarkProcessing()
	completed := models.NewSession("ses_c", "user-1", "m", time.Hour)
	completed.MarkProcessing()
	completed.MarkPostProcessing()
	completed.MarkCompleted()

	for _, s := range []*models.Session{uploading, processing, completed} {
		if err := storage.SaveSession(ctx, s); err != nil {
			t.Fatalf("Failed to save session %s: %v", s.ID, err)
		}
	}

	count, err := storage.CountActiveSessions(ctx)
	if err != nil {
		t.Fatalf("Failed to count active sessions: %v", err)
	}
	if count != 2 {
		t.Errorf("Active sessions = %d, want 2", count)
	}
}

func TestListSessionsByUser(t *testing.T) {
	db := openTestDB(t)
	storage := NewSessionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	mine := models.NewSession("ses_mine", "user-1", "m", time.Hour)
	theirs := models.NewSession("ses_theirs", "user-2", "m", time.Hour)

	for _, s := range []*models.Session{mine, theirs} {
		if err := storage.SaveSession(ctx, s); err != nil {
			t.Fatalf("Failed to save session: %v", err)
		}
	}

	sessions, err := storage.ListSessionsByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "ses_mine" {
		t.Errorf("Expected only ses_mine, got %d sessions", len(sessions))
	}
}

func TestGetSession_NotFound(t *testing.T) {
	db := openTestDB(t)
	storage := NewSessionStorage(db, arbor.NewLogger())

	_, err := storage.GetSession(context.Background(), "ses_missing")
	if err == nil {
		t.Fatal("Expected not-found error")
	}
	if !models.IsKind(err, models.ErrNotFound) {
		t.Errorf("Expected NOT_FOUND kind, got %v", err)
	}
}

func TestFailSession(t *testing.T) {
	db := openTestDB(t)
	storage := NewSessionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	session := models.NewSession("ses_fail", "user-1", "m", time.Hour)
	session.MarkProcessing()
	if err := storage.SaveSession(ctx, session); err != nil {
		t.Fatalf("Failed to save session: %v", err)
	}

	if err := storage.FailSession(ctx, "ses_fail", "database unreachable"); err != nil {
		t.Fatalf("Failed to fail session: %v", err)
	}

	got, err := storage.GetSession(ctx, "ses_fail")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got.Status != models.SessionStatusFailed {
		t.Errorf("Status = %s, want FAILED", got.Status)
	}
	if got.Error != "database unreachable" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// Terminal sessions reject the write
	if err := storage.FailSession(ctx, "ses_fail", "second failure"); err == nil {
		t.Error("Expected FailSession on terminal session to fail")
	}
	got, _ = storage.GetSession(ctx, "ses_fail")
	if got.Error != "database unreachable" {
		t.Errorf("Error overwritten to %q", got.Error)
	}
}
