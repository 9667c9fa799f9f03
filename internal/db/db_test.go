package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/orrn/weighprint/internal/core"
)

func openTestDB(t *testing.T, dir string) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newJob(key, machine string, ticket int64) *core.Job {
	now := time.Now().UTC()
	return &core.Job{
		IdempotencyKey: key,
		MachineID:      machine,
		Status:         core.JobStatusPending,
		Copies:         1,
		Payload:        core.Payload{TicketID: &ticket, Code: "T-" + key, PlateNumber: "51C-12345"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestRunMigrations_IsIdempotent(t *testing.T) {
	db := openTestDB(t, OrchestratorMigrations)

	fsys := fstest.MapFS{
		"m/0001_a.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"m/0002_b.sql": {Data: []byte("CREATE TABLE b (id INTEGER);")},
		"m/readme.txt": {Data: []byte("ignored")},
	}
	if err := RunMigrations(db, fsys, "m"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := RunMigrations(db, fsys, "m"); err != nil {
		t.Fatalf("second run should skip applied migrations: %v", err)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 recorded migrations, got %d", n)
	}
}

func TestJobOperations_CreateIsIdempotentOnKey(t *testing.T) {
	ctx := context.Background()
	ops := NewJobOperations(openTestDB(t, OrchestratorMigrations))

	job := newJob("K1", "M1", 42)
	created, err := ops.Create(ctx, job)
	if err != nil || !created {
		t.Fatalf("expected created, got created=%v err=%v", created, err)
	}
	if job.ID == 0 {
		t.Fatalf("expected id to be assigned")
	}

	again, err := ops.Create(ctx, newJob("K1", "M2", 43))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again {
		t.Fatalf("expected second create with same key to be ignored")
	}

	got, err := ops.GetByKey(ctx, "K1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MachineID != "M1" || got.Payload.TicketID == nil || *got.Payload.TicketID != 42 {
		t.Fatalf("expected original row, got %+v", got)
	}
	if got.Payload.PlateNumber != "51C-12345" {
		t.Fatalf("expected payload round trip, got %+v", got.Payload)
	}
}

func TestJobOperations_GetMissing(t *testing.T) {
	ops := NewJobOperations(openTestDB(t, OrchestratorMigrations))
	if _, err := ops.GetByKey(context.Background(), "nope"); !errors.Is(err, core.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobOperations_TransitionsOnlyMoveForward(t *testing.T) {
	ctx := context.Background()
	ops := NewJobOperations(openTestDB(t, OrchestratorMigrations))
	if _, err := ops.Create(ctx, newJob("K1", "M1", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}

	steps := []struct {
		status core.JobStatus
		msg    string
		want   bool
	}{
		{core.JobStatusSent, "", true},
		{core.JobStatusSent, "", false},
		{core.JobStatusFailed, "paper jam", true},
		{core.JobStatusCompleted, "", false},
		{core.JobStatusPending, "", false},
	}
	for i, s := range steps {
		changed, err := ops.Transition(ctx, "K1", s.status, s.msg)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if changed != s.want {
			t.Fatalf("step %d (%s): expected changed=%v, got %v", i, s.status, s.want, changed)
		}
	}

	got, err := ops.GetByKey(ctx, "K1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.JobStatusFailed || got.ErrorMessage != "paper jam" {
		t.Fatalf("expected FAILED with message, got %s %q", got.Status, got.ErrorMessage)
	}
}

func TestJobOperations_ListFilters(t *testing.T) {
	ctx := context.Background()
	ops := NewJobOperations(openTestDB(t, OrchestratorMigrations))

	for _, j := range []*core.Job{
		newJob("a", "M1", 1),
		newJob("b", "M1", 2),
		newJob("c", "M2", 1),
	} {
		if _, err := ops.Create(ctx, j); err != nil {
			t.Fatalf("create %s: %v", j.IdempotencyKey, err)
		}
	}

	ticket := int64(1)
	byTicket, err := ops.List(ctx, core.JobFilter{TicketID: &ticket})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byTicket) != 2 {
		t.Fatalf("expected 2 jobs for ticket 1, got %d", len(byTicket))
	}

	byMachine, err := ops.List(ctx, core.JobFilter{MachineID: "M1", Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byMachine) != 1 || byMachine[0].MachineID != "M1" {
		t.Fatalf("expected one M1 job, got %+v", byMachine)
	}
}

func TestPrintedJobs_RoundTripAndPrune(t *testing.T) {
	ctx := context.Background()
	printed := NewPrintedJobs(openTestDB(t, AgentMigrations))

	base := time.UnixMilli(1_700_000_000_000)
	if err := printed.Upsert(ctx, "old", base); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := printed.Upsert(ctx, "new", base.Add(5*time.Hour)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	at, ok, err := printed.Get(ctx, "old")
	if err != nil || !ok || !at.Equal(base) {
		t.Fatalf("expected old at %v, got %v ok=%v err=%v", base, at, ok, err)
	}

	recent, err := printed.ListNewerThan(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, ok := recent["new"]; !ok || len(recent) != 1 {
		t.Fatalf("expected only new to be listed, got %v", recent)
	}

	n, err := printed.DeleteOlderThan(ctx, base.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned, got %d err=%v", n, err)
	}
	if _, ok, _ := printed.Get(ctx, "old"); ok {
		t.Fatalf("expected old to be pruned")
	}
}
