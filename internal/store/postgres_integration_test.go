//go:build postgres_integration

package store

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"nemtdispatch/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()
	if err := p.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.MigrateDir("../../db/migrations"); err != nil {
		t.Fatalf("MigrateDir: %v", err)
	}
	// Second pass must be a no-op.
	if err := p.MigrateDir("../../db/migrations"); err != nil {
		t.Fatalf("MigrateDir again: %v", err)
	}

	part := model.Partition{OpCoID: "it_" + uuid.NewString()[:8], FundingAccountID: "fa"}
	run := model.ShadowRun{
		ID: uuid.NewString(), Partition: part, RunDate: "2025-03-03", Status: model.RunPending,
		ShadowMode: true, CreatedAt: time.Now().UTC(),
		Input: model.InputSnapshot{TripCount: 1, DriverIDs: []string{"D1"}},
	}
	if err := p.CreateShadowRun(t.Context(), run); err != nil {
		t.Fatalf("CreateShadowRun: %v", err)
	}
	done := time.Now().UTC()
	run.Result = &model.ResultSnapshot{Algorithm: "gapfill"}
	run.CompletedAt = &done
	if err := p.CompleteShadowRun(t.Context(), run); err != nil {
		t.Fatalf("CompleteShadowRun: %v", err)
	}
	if err := p.CompleteShadowRun(t.Context(), run); !errors.Is(err, ErrRunCompleted) {
		t.Fatalf("second complete: want ErrRunCompleted, got %v", err)
	}
	got, err := p.GetShadowRun(t.Context(), part, run.ID)
	if err != nil {
		t.Fatalf("GetShadowRun: %v", err)
	}
	if got.Status != model.RunCompleted || got.Result == nil || got.Result.Algorithm != "gapfill" {
		t.Fatalf("unexpected run: %+v", got)
	}
	other := model.Partition{OpCoID: part.OpCoID, FundingAccountID: "other"}
	if _, err := p.GetShadowRun(t.Context(), other, run.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-partition read: want ErrNotFound, got %v", err)
	}
	if runs, _, err := p.ListShadowRuns(t.Context(), part, "", "", 1); err != nil || len(runs) != 1 {
		t.Fatalf("ListShadowRuns: %v (%d runs)", err, len(runs))
	}
}
