package engine_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("t1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return baseTime }
	ctx := context.Background()
	if _, err := eng.InitTenant(ctx, "t1", "test", "tester"); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func mkCell(t *testing.T, env testEnv, name string, seq int, limit *int, enforce bool) domain.Cell {
	t.Helper()
	c, err := env.Engine.CreateCell(env.Ctx, engine.CellCreateOptions{
		TenantID:            "t1",
		Name:                name,
		Sequence:            seq,
		WIPLimit:            limit,
		EnforceWIPLimit:     enforce,
		ShowCapacityWarning: true,
		ActorID:             "tester",
	})
	if err != nil {
		t.Fatalf("create cell %s: %v", name, err)
	}
	return c
}

func mkJob(t *testing.T, env testEnv, number string, dueDate *string) domain.Job {
	t.Helper()
	j, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		TenantID:  "t1",
		JobNumber: number,
		Name:      number,
		DueDate:   dueDate,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create job %s: %v", number, err)
	}
	return j
}

func mkOpInCell(t *testing.T, env testEnv, jobNumber, cellID string) domain.Operation {
	t.Helper()
	j := mkJob(t, env, jobNumber, nil)
	p, err := env.Engine.CreatePart(env.Ctx, engine.PartCreateOptions{
		TenantID:   "t1",
		JobID:      j.ID,
		PartNumber: jobNumber + "-p1",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	op, err := env.Engine.CreateOperation(env.Ctx, engine.OperationCreateOptions{
		TenantID: "t1",
		PartID:   p.ID,
		CellID:   cellID,
		Name:     jobNumber + "-op1",
		Sequence: 1,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	return op
}

func intPtr(n int) *int { return &n }

func TestWIPCountsDistinctJobs(t *testing.T) {
	env := newTestEnv(t)
	cell := mkCell(t, env, "milling", 1, nil, false)
	// one job, several operations queued in the same cell
	j := mkJob(t, env, "J-100", nil)
	p, err := env.Engine.CreatePart(env.Ctx, engine.PartCreateOptions{TenantID: "t1", JobID: j.ID, PartNumber: "P-1", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		_, err := env.Engine.CreateOperation(env.Ctx, engine.OperationCreateOptions{
			TenantID: "t1", PartID: p.ID, CellID: cell.ID, Name: fmt.Sprintf("op-%d", i), Sequence: i, ActorID: "tester",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	m, err := env.Engine.CellMetrics(env.Ctx, "t1", cell.ID)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.CurrentWIP != 1 {
		t.Fatalf("expected one job counted once, got %d", m.CurrentWIP)
	}
	// a second job in the same cell counts separately
	mkOpInCell(t, env, "J-101", cell.ID)
	m, _ = env.Engine.CellMetrics(env.Ctx, "t1", cell.ID)
	if m.CurrentWIP != 2 {
		t.Fatalf("expected two distinct jobs, got %d", m.CurrentWIP)
	}
}

func TestCompletedOperationsLeaveTheGauge(t *testing.T) {
	env := newTestEnv(t)
	cell := mkCell(t, env, "lathe", 1, nil, false)
	op := mkOpInCell(t, env, "J-200", cell.ID)
	if _, err := env.Engine.StartOperation(env.Ctx, "t1", op.ID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	m, _ := env.Engine.CellMetrics(env.Ctx, "t1", cell.ID)
	if m.CurrentWIP != 1 {
		t.Fatalf("expected in_progress counted, got %d", m.CurrentWIP)
	}
	if _, err := env.Engine.CompleteOperation(env.Ctx, "t1", op.ID, "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	m, _ = env.Engine.CellMetrics(env.Ctx, "t1", cell.ID)
	if m.CurrentWIP != 0 {
		t.Fatalf("expected completed work off the gauge, got %d", m.CurrentWIP)
	}
}

func TestCellMetricsThresholds(t *testing.T) {
	env := newTestEnv(t)
	cell := mkCell(t, env, "grind", 1, intPtr(5), false)
	for i := 0; i < 3; i++ {
		mkOpInCell(t, env, fmt.Sprintf("J-30%d", i), cell.ID)
	}
	m, err := env.Engine.CellMetrics(env.Ctx, "t1", cell.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.CapacityNormal {
		t.Fatalf("expected normal at 3/5, got %s", m.Status)
	}
	// default warning ratio 0.8 -> threshold floor(5*0.8)=4
	mkOpInCell(t, env, "J-303", cell.ID)
	m, _ = env.Engine.CellMetrics(env.Ctx, "t1", cell.ID)
	if m.Status != domain.CapacityWarning {
		t.Fatalf("expected warning at 4/5, got %s", m.Status)
	}
	if m.UtilizationPercent == nil || *m.UtilizationPercent != 80.0 {
		t.Fatalf("expected 80%% utilization, got %v", m.UtilizationPercent)
	}
	mkOpInCell(t, env, "J-304", cell.ID)
	m, _ = env.Engine.CellMetrics(env.Ctx, "t1", cell.ID)
	if m.Status != domain.CapacityAtCapacity {
		t.Fatalf("expected at_capacity at 5/5, got %s", m.Status)
	}
}

func TestCellMetricsNoLimit(t *testing.T) {
	env := newTestEnv(t)
	cell := mkCell(t, env, "free", 1, nil, false)
	m, err := env.Engine.CellMetrics(env.Ctx, "t1", cell.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.CapacityNoLimit {
		t.Fatalf("expected no_limit, got %s", m.Status)
	}
	if m.UtilizationPercent != nil {
		t.Fatalf("expected no utilization without a limit")
	}
}

func TestCellMetricsInactiveCellErrors(t *testing.T) {
	env := newTestEnv(t)
	cell := mkCell(t, env, "tmp", 1, nil, false)
	if err := env.Engine.RemoveCell(env.Ctx, "t1", cell.ID, "tester"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := env.Engine.CellMetrics(env.Ctx, "t1", cell.ID); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound for inactive cell, got %v", err)
	}
}

func TestAdmissionLastCell(t *testing.T) {
	env := newTestEnv(t)
	cell := mkCell(t, env, "final", 9, nil, false)
	d, err := env.Engine.CheckNextCellAdmission(env.Ctx, "t1", cell.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.HasCapacity || d.NextCellID != nil {
		t.Fatalf("expected last-cell admission, got %+v", d)
	}
}

func TestAdmissionEnforcedLimitBlocks(t *testing.T) {
	env := newTestEnv(t)
	src := mkCell(t, env, "cut", 1, nil, false)
	dst := mkCell(t, env, "weld", 2, intPtr(1), true)
	mkOpInCell(t, env, "J-400", dst.ID)
	d, err := env.Engine.CheckNextCellAdmission(env.Ctx, "t1", src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.HasCapacity {
		t.Fatalf("expected enforced limit to block, got %+v", d)
	}
	if d.NextCellID == nil || *d.NextCellID != dst.ID {
		t.Fatalf("expected next cell %s", dst.ID)
	}
}

func TestAdmissionSoftLimitWarns(t *testing.T) {
	env := newTestEnv(t)
	src := mkCell(t, env, "cut", 1, nil, false)
	dst := mkCell(t, env, "paint", 2, intPtr(1), false)
	mkOpInCell(t, env, "J-500", dst.ID)
	d, err := env.Engine.CheckNextCellAdmission(env.Ctx, "t1", src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.HasCapacity {
		t.Fatalf("expected advisory limit to admit, got %+v", d)
	}
	if !strings.Contains(d.Message, "advisory") {
		t.Fatalf("expected advisory message, got %q", d.Message)
	}
}

func TestAdvanceOperation(t *testing.T) {
	env := newTestEnv(t)
	src := mkCell(t, env, "cut", 1, nil, false)
	dst := mkCell(t, env, "weld", 2, intPtr(1), true)
	blocker := mkOpInCell(t, env, "J-600", dst.ID)
	op := mkOpInCell(t, env, "J-601", src.ID)
	// downstream full and enforced
	_, _, err := env.Engine.AdvanceOperation(env.Ctx, "t1", op.ID, "tester")
	if err == nil || !strings.Contains(err.Error(), "admission refused") {
		t.Fatalf("expected admission refusal, got %v", err)
	}
	// free the downstream cell, then the move lands
	if _, err := env.Engine.StartOperation(env.Ctx, "t1", blocker.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteOperation(env.Ctx, "t1", blocker.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	moved, d, err := env.Engine.AdvanceOperation(env.Ctx, "t1", op.ID, "tester")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if moved.CellID == nil || *moved.CellID != dst.ID {
		t.Fatalf("expected operation in %s, got %v", dst.ID, moved.CellID)
	}
	if !d.HasCapacity {
		t.Fatalf("expected capacity after relief")
	}
	// at the end of the pipeline advancing is a no-op
	same, d2, err := env.Engine.AdvanceOperation(env.Ctx, "t1", op.ID, "tester")
	if err != nil {
		t.Fatalf("last-cell advance: %v", err)
	}
	if d2.NextCellID != nil || *same.CellID != dst.ID {
		t.Fatalf("expected no-op at last cell")
	}
}

func TestExpectationSupersession(t *testing.T) {
	env := newTestEnv(t)
	j := mkJob(t, env, "J-700", nil)
	due := "2024-02-01T00:00:00Z"
	v1, err := env.Engine.AssertExpectation(env.Ctx, engine.AssertExpectationOptions{
		TenantID:        "t1",
		EntityType:      domain.EntityJob,
		EntityID:        j.ID,
		ExpectationType: domain.ExpectationCompletionTime,
		Statement:       "Job J-700 will complete by " + due,
		ExpectedAt:      &due,
		Source:          "manual",
		CreatedBy:       "tester",
	})
	if err != nil {
		t.Fatalf("assert: %v", err)
	}
	if v1.Version != 1 {
		t.Fatalf("expected version 1, got %d", v1.Version)
	}
	newDue := "2024-02-05T00:00:00Z"
	v2, err := env.Engine.SupersedeExpectation(env.Ctx, engine.SupersedeExpectationOptions{
		TenantID:      "t1",
		ExpectationID: v1.ID,
		ExpectedAt:    &newDue,
		Source:        "manual",
		CreatedBy:     "tester",
	})
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("expected version 2, got %d", v2.Version)
	}
	if !strings.HasSuffix(v2.Statement, "(replanned)") {
		t.Fatalf("expected replanned statement, got %q", v2.Statement)
	}
	old, err := env.Engine.Repo.GetExpectation(env.Ctx, "t1", v1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.SupersededBy == nil || *old.SupersededBy != v2.ID {
		t.Fatalf("expected old row stamped with %s, got %v", v2.ID, old.SupersededBy)
	}
	// the stale version cannot be superseded a second time
	_, err = env.Engine.SupersedeExpectation(env.Ctx, engine.SupersedeExpectationOptions{
		TenantID: "t1", ExpectationID: v1.ID, Source: "manual", CreatedBy: "tester",
	})
	if err == nil || !strings.Contains(err.Error(), "already superseded") {
		t.Fatalf("expected already-superseded conflict, got %v", err)
	}
	chain, err := env.Engine.Repo.ExpectationChain(env.Ctx, "t1", v1.EntityType, v1.EntityID, v1.ExpectationType)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected 2 versions in chain, got %d", len(chain))
	}
}

func TestAssertRejectsUnknownSource(t *testing.T) {
	env := newTestEnv(t)
	j := mkJob(t, env, "J-710", nil)
	_, err := env.Engine.AssertExpectation(env.Ctx, engine.AssertExpectationOptions{
		TenantID:        "t1",
		EntityType:      domain.EntityJob,
		EntityID:        j.ID,
		ExpectationType: domain.ExpectationCompletionTime,
		Statement:       "anything",
		Source:          "vibes",
		CreatedBy:       "tester",
	})
	if err == nil || !strings.Contains(err.Error(), "unrecognized expectation source") {
		t.Fatalf("expected source rejection, got %v", err)
	}
}

func TestAssertConflictsWithActiveBelief(t *testing.T) {
	env := newTestEnv(t)
	j := mkJob(t, env, "J-711", nil)
	opts := engine.AssertExpectationOptions{
		TenantID:        "t1",
		EntityType:      domain.EntityJob,
		EntityID:        j.ID,
		ExpectationType: domain.ExpectationCompletionTime,
		Statement:       "job completes on schedule",
		Source:          "manual",
		CreatedBy:       "tester",
	}
	if _, err := env.Engine.AssertExpectation(env.Ctx, opts); err != nil {
		t.Fatalf("first assert: %v", err)
	}
	_, err := env.Engine.AssertExpectation(env.Ctx, opts)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected active-belief conflict, got %v", err)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint") {
		t.Fatalf("raw driver error leaked: %v", err)
	}
	// A different expectation type for the same entity is a new chain.
	opts.ExpectationType = domain.ExpectationQuantity
	opts.Statement = "all parts delivered"
	if _, err := env.Engine.AssertExpectation(env.Ctx, opts); err != nil {
		t.Fatalf("assert for other type: %v", err)
	}
}

func TestDueDateChangeReplansExpectation(t *testing.T) {
	env := newTestEnv(t)
	due := "2024-02-01T00:00:00Z"
	j := mkJob(t, env, "J-800", &due)
	newDue := "2024-02-10T00:00:00Z"
	if _, err := env.Engine.SetJobDueDate(env.Ctx, "t1", j.ID, newDue, "tester"); err != nil {
		t.Fatalf("set due date: %v", err)
	}
	chain, err := env.Engine.Repo.ExpectationChain(env.Ctx, "t1", domain.EntityJob, j.ID, domain.ExpectationCompletionTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected seeded + replanned versions, got %d", len(chain))
	}
	active := chain[len(chain)-1]
	if active.SupersededBy != nil || active.Source != "due_date_change" {
		t.Fatalf("unexpected active version: %+v", active)
	}
	if active.ExpectedAt == nil || *active.ExpectedAt != newDue {
		t.Fatalf("expected new due date on active version")
	}
}

func TestLateCompletionRaisesException(t *testing.T) {
	env := newTestEnv(t)
	due := baseTime.Format(time.RFC3339)
	j := mkJob(t, env, "J-900", &due)
	// five minutes past the promise, well outside the 1 minute tolerance
	env.Engine.Now = func() time.Time { return baseTime.Add(5 * time.Minute) }
	if _, err := env.Engine.CompleteJob(env.Ctx, "t1", j.ID, "tester", true); err != nil {
		t.Fatalf("complete: %v", err)
	}
	items, err := env.Engine.Repo.ListExceptions(env.Ctx, repo.ExceptionFilters{TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one exception, got %d", len(items))
	}
	x := items[0]
	if x.ExceptionType != domain.ExceptionLate || x.Status != domain.ExceptionOpen {
		t.Fatalf("unexpected exception: %+v", x)
	}
	if x.DeviationAmount == nil || *x.DeviationAmount != 5.0 {
		t.Fatalf("expected 5.0 minute deviation, got %v", x.DeviationAmount)
	}
	if x.DeviationUnit == nil || *x.DeviationUnit != "minutes" {
		t.Fatalf("expected minutes unit")
	}
}

func TestCompletionWithinToleranceIsQuiet(t *testing.T) {
	env := newTestEnv(t)
	due := baseTime.Format(time.RFC3339)
	j := mkJob(t, env, "J-901", &due)
	env.Engine.Now = func() time.Time { return baseTime.Add(30 * time.Second) }
	if _, err := env.Engine.CompleteJob(env.Ctx, "t1", j.ID, "tester", true); err != nil {
		t.Fatalf("complete: %v", err)
	}
	items, err := env.Engine.Repo.ListExceptions(env.Ctx, repo.ExceptionFilters{TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no exception inside tolerance, got %d", len(items))
	}
}

func TestRecompleteDoesNotDetectTwice(t *testing.T) {
	env := newTestEnv(t)
	due := baseTime.Format(time.RFC3339)
	j := mkJob(t, env, "J-902", &due)
	env.Engine.Now = func() time.Time { return baseTime.Add(10 * time.Minute) }
	if _, err := env.Engine.CompleteJob(env.Ctx, "t1", j.ID, "tester", true); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteJob(env.Ctx, "t1", j.ID, "tester", true); err != nil {
		t.Fatal(err)
	}
	items, _ := env.Engine.Repo.ListExceptions(env.Ctx, repo.ExceptionFilters{TenantID: "t1"})
	if len(items) != 1 {
		t.Fatalf("expected a single exception after re-complete, got %d", len(items))
	}
}

func TestCompleteJobBlockedByUnfinishedOperations(t *testing.T) {
	env := newTestEnv(t)
	cell := mkCell(t, env, "mill", 1, nil, false)
	op := mkOpInCell(t, env, "J-903", cell.ID)
	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, repo.JobFilters{TenantID: "t1"})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list jobs: %v", err)
	}
	_, err = env.Engine.CompleteJob(env.Ctx, "t1", jobs[0].ID, "tester", false)
	if err == nil || !strings.Contains(err.Error(), "unfinished operations") {
		t.Fatalf("expected unfinished-operations error, got %v", err)
	}
	if _, err := env.Engine.StartOperation(env.Ctx, "t1", op.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteOperation(env.Ctx, "t1", op.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteJob(env.Ctx, "t1", jobs[0].ID, "tester", false); err != nil {
		t.Fatalf("expected completion after operations done: %v", err)
	}
}

func TestOperationStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	cell := mkCell(t, env, "mill", 1, nil, false)
	op := mkOpInCell(t, env, "J-904", cell.ID)
	op, err := env.Engine.StartOperation(env.Ctx, "t1", op.ID, "tester")
	if err != nil || op.Status != domain.StatusInProgress {
		t.Fatalf("start: %v", err)
	}
	if op.StartedAt == nil {
		t.Fatalf("expected started_at set")
	}
	op, err = env.Engine.HoldOperation(env.Ctx, "t1", op.ID, "tester")
	if err != nil || op.Status != domain.StatusOnHold {
		t.Fatalf("hold: %v", err)
	}
	op, err = env.Engine.ResumeOperation(env.Ctx, "t1", op.ID, "tester")
	if err != nil || op.Status != domain.StatusInProgress {
		t.Fatalf("resume: %v", err)
	}
	op, err = env.Engine.CompleteOperation(env.Ctx, "t1", op.ID, "tester")
	if err != nil || op.Status != domain.StatusCompleted {
		t.Fatalf("complete: %v", err)
	}
	// completed is terminal
	_, err = env.Engine.StartOperation(env.Ctx, "t1", op.ID, "tester")
	if err == nil || !strings.Contains(err.Error(), "invalid status transition") {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestStartOperationPullsJobAlong(t *testing.T) {
	env := newTestEnv(t)
	cell := mkCell(t, env, "mill", 1, nil, false)
	op := mkOpInCell(t, env, "J-905", cell.ID)
	if _, err := env.Engine.StartOperation(env.Ctx, "t1", op.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, repo.JobFilters{TenantID: "t1"})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list jobs: %v", err)
	}
	if jobs[0].Status != domain.StatusInProgress {
		t.Fatalf("expected job in_progress, got %s", jobs[0].Status)
	}
}

func TestExceptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	due := baseTime.Format(time.RFC3339)
	j := mkJob(t, env, "J-906", &due)
	env.Engine.Now = func() time.Time { return baseTime.Add(10 * time.Minute) }
	if _, err := env.Engine.CompleteJob(env.Ctx, "t1", j.ID, "tester", true); err != nil {
		t.Fatal(err)
	}
	items, _ := env.Engine.Repo.ListExceptions(env.Ctx, repo.ExceptionFilters{TenantID: "t1"})
	if len(items) != 1 {
		t.Fatalf("expected one exception")
	}
	id := items[0].ID
	// resolve before acknowledge is allowed; acknowledge after close is not
	x, err := env.Engine.AcknowledgeException(env.Ctx, "t1", id, "supervisor")
	if err != nil || x.Status != domain.ExceptionAcknowledged {
		t.Fatalf("acknowledge: %v", err)
	}
	if x.AcknowledgedBy == nil || *x.AcknowledgedBy != "supervisor" {
		t.Fatalf("expected acknowledger recorded")
	}
	_, err = env.Engine.AcknowledgeException(env.Ctx, "t1", id, "supervisor")
	if err == nil || !strings.Contains(err.Error(), "cannot acknowledge") {
		t.Fatalf("expected double-ack conflict, got %v", err)
	}
	x, err = env.Engine.ResolveException(env.Ctx, "t1", id, "supervisor", engine.ExceptionResolveOptions{
		RootCause:        "fixture change ran long",
		CorrectiveAction: "expedited next operation",
	})
	if err != nil || x.Status != domain.ExceptionResolved {
		t.Fatalf("resolve: %v", err)
	}
	_, err = env.Engine.DismissException(env.Ctx, "t1", id, "supervisor", "")
	if err == nil || !strings.Contains(err.Error(), "cannot dismiss") {
		t.Fatalf("expected dismiss conflict on resolved, got %v", err)
	}
}

func TestDismissFromOpen(t *testing.T) {
	env := newTestEnv(t)
	due := baseTime.Format(time.RFC3339)
	j := mkJob(t, env, "J-907", &due)
	env.Engine.Now = func() time.Time { return baseTime.Add(10 * time.Minute) }
	if _, err := env.Engine.CompleteJob(env.Ctx, "t1", j.ID, "tester", true); err != nil {
		t.Fatal(err)
	}
	items, _ := env.Engine.Repo.ListExceptions(env.Ctx, repo.ExceptionFilters{TenantID: "t1"})
	x, err := env.Engine.DismissException(env.Ctx, "t1", items[0].ID, "supervisor", "known slow fixture")
	if err != nil || x.Status != domain.ExceptionDismissed {
		t.Fatalf("dismiss: %v", err)
	}
	if x.ResolutionJSON == nil || !strings.Contains(*x.ResolutionJSON, "known slow fixture") {
		t.Fatalf("expected reason in resolution, got %v", x.ResolutionJSON)
	}
}

func TestManualExceptionCreation(t *testing.T) {
	env := newTestEnv(t)
	j := mkJob(t, env, "J-908", nil)
	due := "2024-02-01T00:00:00Z"
	exp, err := env.Engine.AssertExpectation(env.Ctx, engine.AssertExpectationOptions{
		TenantID:        "t1",
		EntityType:      domain.EntityJob,
		EntityID:        j.ID,
		ExpectationType: domain.ExpectationQuantity,
		Statement:       "Job J-908 will yield 100 good parts",
		ExpectedAt:      &due,
		Source:          "manual",
		CreatedBy:       "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	amount := 12.0
	unit := "units"
	x, err := env.Engine.CreateException(env.Ctx, engine.ExceptionCreateOptions{
		TenantID:        "t1",
		ExpectationID:   exp.ID,
		ExceptionType:   domain.ExceptionUnder,
		ActualValueJSON: `{"good_parts": 88}`,
		DeviationAmount: &amount,
		DeviationUnit:   &unit,
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("create exception: %v", err)
	}
	if x.Status != domain.ExceptionOpen || x.ExceptionType != domain.ExceptionUnder {
		t.Fatalf("unexpected exception: %+v", x)
	}
	_, err = env.Engine.CreateException(env.Ctx, engine.ExceptionCreateOptions{
		TenantID: "t1", ExpectationID: exp.ID, ExceptionType: "bogus", ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected invalid type rejection")
	}
}

func TestExceptionStats(t *testing.T) {
	env := newTestEnv(t)
	due := baseTime.Format(time.RFC3339)
	for i := 0; i < 3; i++ {
		j := mkJob(t, env, fmt.Sprintf("J-91%d", i), &due)
		env.Engine.Now = func() time.Time { return baseTime.Add(10 * time.Minute) }
		if _, err := env.Engine.CompleteJob(env.Ctx, "t1", j.ID, "tester", true); err != nil {
			t.Fatal(err)
		}
		env.Engine.Now = func() time.Time { return baseTime }
	}
	items, _ := env.Engine.Repo.ListExceptions(env.Ctx, repo.ExceptionFilters{TenantID: "t1"})
	if len(items) != 3 {
		t.Fatalf("expected 3 exceptions, got %d", len(items))
	}
	env.Engine.Now = func() time.Time { return baseTime.Add(2 * time.Hour) }
	if _, err := env.Engine.AcknowledgeException(env.Ctx, "t1", items[0].ID, "sup"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveException(env.Ctx, "t1", items[1].ID, "sup", engine.ExceptionResolveOptions{}); err != nil {
		t.Fatal(err)
	}
	stats, err := env.Engine.ExceptionStats(env.Ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.OpenCount != 1 || stats.AcknowledgedCount != 1 || stats.ResolvedCount != 1 || stats.TotalCount != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.AvgResolutionTimeHours == nil {
		t.Fatalf("expected avg resolution time with a resolved exception")
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	cell := mkCell(t, env, "mill", 1, nil, false)
	op := mkOpInCell(t, env, "J-920", cell.ID)
	_, _ = env.Engine.StartOperation(env.Ctx, "t1", op.ID, "tester")
	_, _ = env.Engine.HoldOperation(env.Ctx, "t1", op.ID, "tester")
	_, _ = env.Engine.ResumeOperation(env.Ctx, "t1", op.ID, "tester")
	_, _ = env.Engine.CompleteOperation(env.Ctx, "t1", op.ID, "tester")
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, op.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 5 {
		t.Fatalf("expected create plus four transitions logged, got %d", count)
	}
}
