package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/taskmill/taskmill/internal/db"
	"github.com/taskmill/taskmill/internal/task/models"
	"github.com/taskmill/taskmill/internal/task/repository/sqlite"
)

func createTestSQLiteRepo(t *testing.T) (*sqlite.Repository, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create SQLite repository: %v", err)
	}

	cleanup := func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
		if err := repo.Close(); err != nil {
			t.Errorf("failed to close repo: %v", err)
		}
	}

	return repo, cleanup
}

func TestNewSQLiteRepositoryWithDB(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()

	if repo == nil {
		t.Fatal("expected non-nil repository")
	}
	if repo.DB() == nil {
		t.Error("expected db to be initialized")
	}
}

func TestSQLiteRepository_Close(t *testing.T) {
	repo, _ := createTestSQLiteRepo(t)
	err := repo.Close()
	if err != nil {
		t.Errorf("expected no error on close, got %v", err)
	}
}

func TestSQLiteRepository_Ping(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()

	latency, err := repo.Ping(context.Background())
	if err != nil {
		t.Fatalf("failed to ping: %v", err)
	}
	if latency <= 0 {
		t.Errorf("expected positive latency, got %v", latency)
	}
}

func TestSQLiteRepository_Persistence(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "persistence_test.db")
	ctx := context.Background()

	// Create repository and add data
	dbConn1, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB1 := sqlx.NewDb(dbConn1, "sqlite3")
	repo1, err := sqlite.NewWithDB(sqlxDB1, sqlxDB1)
	if err != nil {
		t.Fatalf("failed to create first repository: %v", err)
	}

	task := &models.Task{SessionID: "sess-1", Prompt: "persist me"}
	if err := repo1.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if err := repo1.Close(); err != nil {
		t.Fatalf("failed to close repo: %v", err)
	}
	if err := sqlxDB1.Close(); err != nil {
		t.Fatalf("failed to close sqlite db: %v", err)
	}

	// Reopen repository and verify data persisted
	dbConn2, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB2 := sqlx.NewDb(dbConn2, "sqlite3")
	repo2, err := sqlite.NewWithDB(sqlxDB2, sqlxDB2)
	if err != nil {
		t.Fatalf("failed to create second repository: %v", err)
	}
	defer func() {
		if err := sqlxDB2.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
		if err := repo2.Close(); err != nil {
			t.Errorf("failed to close repo: %v", err)
		}
	}()

	retrieved, err := repo2.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task after reopen: %v", err)
	}
	if retrieved.Prompt != "persist me" {
		t.Errorf("expected prompt 'persist me', got %s", retrieved.Prompt)
	}
	if retrieved.CreatedAt.IsZero() {
		t.Error("expected created_at to survive reopen")
	}
}

// backdateTask rewrites a task's created_at so aging behavior can be
// tested without sleeping.
func backdateTask(t *testing.T, repo *sqlite.Repository, taskID string, age time.Duration) {
	t.Helper()
	_, err := repo.DB().Exec(`UPDATE tasks SET created_at = ? WHERE id = ?`, time.Now().UTC().Add(-age), taskID)
	if err != nil {
		t.Fatalf("failed to backdate task: %v", err)
	}
}

// reschedule rewrites a task's scheduled_for directly.
func reschedule(t *testing.T, repo *sqlite.Repository, taskID string, at time.Time) {
	t.Helper()
	_, err := repo.DB().Exec(`UPDATE tasks SET scheduled_for = ? WHERE id = ?`, at.UTC(), taskID)
	if err != nil {
		t.Fatalf("failed to reschedule task: %v", err)
	}
}
