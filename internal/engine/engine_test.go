package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AkaFlex/Trade-Junco/internal/config"
	"github.com/AkaFlex/Trade-Junco/internal/db"
	"github.com/AkaFlex/Trade-Junco/internal/domain"
	"github.com/AkaFlex/Trade-Junco/internal/engine"
	"github.com/AkaFlex/Trade-Junco/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

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
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2023, 10, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func validCreate() engine.RequestCreateOptions {
	return engine.RequestCreateOptions{
		RCAName:        "Maria Lima",
		RCAEmail:       "maria.lima@junco.com.br",
		PartnerCode:    "P-1042",
		Region:         "Sul",
		DateOfAction:   "2023-10-20",
		Days:           1,
		VolumeEligible: true,
		ActorID:        "maria.lima@junco.com.br",
	}
}

func TestCreateRequestComputesValue(t *testing.T) {
	env := newTestEnv(t)
	opts := validCreate()
	opts.Days = 3
	opts.Justification = "Feira regional de tres dias"
	req, err := env.Engine.CreateRequest(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if req.TotalValue != 450 {
		t.Fatalf("total value = %v, want 450", req.TotalValue)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t)

	opts := validCreate()
	opts.Days = 2 // justification missing
	if _, err := env.Engine.CreateRequest(env.Ctx, opts); err == nil {
		t.Fatalf("expected justification error")
	}

	opts = validCreate()
	opts.Days = 6
	if _, err := env.Engine.CreateRequest(env.Ctx, opts); err == nil {
		t.Fatalf("expected days range error")
	}

	opts = validCreate()
	opts.Region = "Antartida"
	if _, err := env.Engine.CreateRequest(env.Ctx, opts); err == nil {
		t.Fatalf("expected region error")
	}

	opts = validCreate()
	opts.DateOfAction = "2023-10-03" // two days ahead, lead time is five
	if _, err := env.Engine.CreateRequest(env.Ctx, opts); err == nil {
		t.Fatalf("expected lead-time error")
	}
}

func TestBlockedVolumeBranch(t *testing.T) {
	env := newTestEnv(t)
	opts := validCreate()
	opts.VolumeEligible = false
	opts.Days = 4          // discarded
	opts.PartnerCode = "X" // discarded
	req, err := env.Engine.CreateRequest(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create blocked: %v", err)
	}
	if req.Status != domain.StatusBlockedVolume {
		t.Fatalf("status = %s, want blocked_volume", req.Status)
	}
	if req.TotalValue != 0 || req.Days != 0 {
		t.Fatalf("blocked record should be zeroed, got value=%v days=%d", req.TotalValue, req.Days)
	}
	if req.PartnerCode != domain.BlockedPartnerCode {
		t.Fatalf("partner code = %q", req.PartnerCode)
	}
	if req.RejectionReason == nil || *req.RejectionReason != domain.BlockedVolumeReason {
		t.Fatalf("missing fixed blocked reason")
	}
	// terminal: no approval possible
	if _, err := env.Engine.Approve(env.Ctx, req.ID, "admin", false); err == nil {
		t.Fatalf("expected transition error for blocked request")
	}
}

func TestBudgetArithmetic(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetBudget(env.Ctx, "Sul", "2023-10", 5000, "admin"); err != nil {
		t.Fatalf("set budget: %v", err)
	}

	// consume 4200 of the ceiling
	seed := validCreate()
	seed.Days = 4
	seed.Justification = "Acao de quatro dias"
	req, err := env.Engine.CreateRequest(env.Ctx, seed)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.EditValue(env.Ctx, req.ID, 4200, "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, req.ID, "admin", false); err != nil {
		t.Fatalf("approve seed: %v", err)
	}

	a := env.Engine.CheckAvailability(env.Ctx, "Sul", "2023-10", 900)
	if a.Allowed {
		t.Fatalf("900 over remaining 800 should not be allowed: %+v", a)
	}
	if a.Remaining != 800 {
		t.Fatalf("remaining = %v, want 800", a.Remaining)
	}
	a = env.Engine.CheckAvailability(env.Ctx, "Sul", "2023-10", 700)
	if !a.Allowed {
		t.Fatalf("700 within remaining 800 should be allowed: %+v", a)
	}
}

func TestApproveBudgetExceededAndForce(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetBudget(env.Ctx, "Sul", "2023-10", 100, "admin"); err != nil {
		t.Fatal(err)
	}
	req, err := env.Engine.CreateRequest(env.Ctx, validCreate()) // value 150
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Approve(env.Ctx, req.ID, "admin", false)
	var be engine.BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if be.Availability.Allowed || be.Availability.Limit != 100 {
		t.Fatalf("unexpected availability: %+v", be.Availability)
	}
	got, err := env.Engine.Approve(env.Ctx, req.ID, "admin", true)
	if err != nil {
		t.Fatalf("forced approve: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestFailOpenOnMissingBudget(t *testing.T) {
	env := newTestEnv(t)
	a := env.Engine.CheckAvailability(env.Ctx, "Norte", "2023-10", 1_000_000)
	if !a.Allowed {
		t.Fatalf("missing budget must fail open: %+v", a)
	}
	if !strings.Contains(a.Message, "Sem orçamento configurado") {
		t.Fatalf("message = %q", a.Message)
	}
	a = env.Engine.CheckAvailability(env.Ctx, "", "2023-10", 10)
	if !a.Allowed {
		t.Fatalf("missing region must fail open: %+v", a)
	}
}

func TestAbsorbingTerminalStates(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.CreateRequest(env.Ctx, validCreate())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reject(env.Ctx, req.ID, "fora de verba", "admin"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, req.ID, "admin", true); err == nil {
		t.Fatalf("approve after reject should fail")
	}
	if _, err := env.Engine.Reject(env.Ctx, req.ID, "de novo", "admin"); err == nil {
		t.Fatalf("double reject should fail")
	}
	if _, err := env.Engine.MarkPaid(env.Ctx, req.ID, "admin"); err == nil {
		t.Fatalf("pay from rejected should fail")
	}
}

func TestMarkPaidOnlyFromCompleted(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.CreateRequest(env.Ctx, validCreate())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MarkPaid(env.Ctx, req.ID, "admin"); err == nil {
		t.Fatalf("pay from pending should fail")
	}
	if _, err := env.Engine.Approve(env.Ctx, req.ID, "admin", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MarkPaid(env.Ctx, req.ID, "admin"); err == nil {
		t.Fatalf("pay from approved should fail")
	}
	completeRequest(t, env, req.ID, 1)
	got, err := env.Engine.MarkPaid(env.Ctx, req.ID, "admin")
	if err != nil {
		t.Fatalf("pay from completed: %v", err)
	}
	if got.Status != domain.StatusPaid {
		t.Fatalf("status = %s", got.Status)
	}
}

// completeRequest attaches evidence, reports the given number of days and
// completes the request.
func completeRequest(t *testing.T, env testEnv, id string, days int) {
	t.Helper()
	if _, err := env.Engine.AttachEvidence(env.Ctx, id, "photo", []string{"https://img.example/p1.jpg"}, "rca"); err != nil {
		t.Fatalf("attach photo: %v", err)
	}
	if _, err := env.Engine.AttachEvidence(env.Ctx, id, "receipt", []string{"https://img.example/r1.jpg"}, "rca"); err != nil {
		t.Fatalf("attach receipt: %v", err)
	}
	for i := 0; i < days; i++ {
		rep := domain.SalesReport{
			Date:       time.Date(2023, 10, 20+i, 9, 0, 0, 0, time.UTC).Format(time.RFC3339),
			StoreName:  "Mercado Central",
			SellerName: "Ana",
		}
		if _, err := env.Engine.SubmitReport(env.Ctx, id, rep, "promoter"); err != nil {
			t.Fatalf("report day %d: %v", i, err)
		}
	}
	if _, err := env.Engine.CompleteExecution(env.Ctx, id, engine.PixDetails{Key: "maria@pix", Holder: "Maria Lima", CPF: "111.222.333-44"}, "rca"); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestCompletionGateRequiresAllDays(t *testing.T) {
	env := newTestEnv(t)
	opts := validCreate()
	opts.Days = 3
	opts.Justification = "Tres dias de degustacao"
	req, err := env.Engine.CreateRequest(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, req.ID, "admin", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AttachEvidence(env.Ctx, req.ID, "photo", []string{"https://img.example/p.jpg"}, "rca"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AttachEvidence(env.Ctx, req.ID, "receipt", []string{"https://img.example/r.jpg"}, "rca"); err != nil {
		t.Fatal(err)
	}
	pix := engine.PixDetails{Key: "k", Holder: "h", CPF: "c"}
	for day := 0; day < 2; day++ {
		rep := domain.SalesReport{
			Date:       time.Date(2023, 10, 20+day, 9, 0, 0, 0, time.UTC).Format(time.RFC3339),
			StoreName:  "Loja",
			SellerName: "Ana",
		}
		if _, err := env.Engine.SubmitReport(env.Ctx, req.ID, rep, "promoter"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.CompleteExecution(env.Ctx, req.ID, pix, "rca"); err == nil {
		t.Fatalf("complete with 2 of 3 reports should fail")
	}
	rep := domain.SalesReport{
		Date:       time.Date(2023, 10, 22, 9, 0, 0, 0, time.UTC).Format(time.RFC3339),
		StoreName:  "Loja",
		SellerName: "Ana",
	}
	if _, err := env.Engine.SubmitReport(env.Ctx, req.ID, rep, "promoter"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.CompleteExecution(env.Ctx, req.ID, pix, "rca")
	if err != nil {
		t.Fatalf("complete with 3 of 3 reports: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.PixKey == nil || *got.PixKey != "k" {
		t.Fatalf("pix key not persisted")
	}
}

func TestSameDayDuplicateReport(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.CreateRequest(env.Ctx, validCreate())
	if err != nil {
		t.Fatal(err)
	}
	first := domain.SalesReport{
		Date:       "2023-10-20T09:00:00Z",
		StoreName:  "Loja A",
		SellerName: "Ana",
		Products:   []domain.ProductCount{{Name: "Granola 250g", Qty: 3}, {Name: "Bala de Coco", Qty: 0}},
	}
	got, err := env.Engine.SubmitReport(env.Ctx, req.ID, first, "promoter")
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	if len(got.SalesReports) != 1 {
		t.Fatalf("reports = %d, want 1", len(got.SalesReports))
	}
	// zero-quantity line dropped
	if len(got.SalesReports[0].Products) != 1 {
		t.Fatalf("products = %v", got.SalesReports[0].Products)
	}

	dup := first
	dup.Date = "2023-10-20T18:30:00Z" // same calendar day
	_, err = env.Engine.SubmitReport(env.Ctx, req.ID, dup, "promoter")
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	next := first
	next.Date = "2023-10-21T09:00:00Z"
	got, err = env.Engine.SubmitReport(env.Ctx, req.ID, next, "promoter")
	if err != nil {
		t.Fatalf("second day: %v", err)
	}
	if len(got.SalesReports) != 2 {
		t.Fatalf("reports = %d, want 2", len(got.SalesReports))
	}
}

func TestExpireSweepIdempotent(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.CreateRequest(env.Ctx, validCreate()) // action 2023-10-20
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, req.ID, "admin", false); err != nil {
		t.Fatal(err)
	}

	// same month: nothing expires
	n, err := env.Engine.ExpireSweep(env.Ctx, "2023-10", "system")
	if err != nil || n != 0 {
		t.Fatalf("sweep same month: n=%d err=%v", n, err)
	}

	n, err = env.Engine.ExpireSweep(env.Ctx, "2023-11", "system")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusExpired {
		t.Fatalf("status = %s", got.Status)
	}
	if got.RejectionReason == nil || *got.RejectionReason != domain.ExpiredReason {
		t.Fatalf("missing expiry reason")
	}

	n, err = env.Engine.ExpireSweep(env.Ctx, "2023-11", "system")
	if err != nil || n != 0 {
		t.Fatalf("second sweep should be a no-op: n=%d err=%v", n, err)
	}
}

func TestExpiredSpendNotCounted(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetBudget(env.Ctx, "Sul", "2023-10", 1000, "admin"); err != nil {
		t.Fatal(err)
	}
	opts := validCreate()
	opts.DateOfAction = "2023-10-06"
	req, err := env.Engine.CreateRequest(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, req.ID, "admin", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ExpireSweep(env.Ctx, "2023-11", "system"); err != nil {
		t.Fatal(err)
	}
	a := env.Engine.CheckAvailability(env.Ctx, "Sul", "2023-10", 10)
	if a.Used != 0 {
		t.Fatalf("expired request counted as spend: %+v", a)
	}
}

func TestEditValueAnyStatus(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.CreateRequest(env.Ctx, validCreate())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reject(env.Ctx, req.ID, "duplicada", "admin"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.EditValue(env.Ctx, req.ID, 75.5, "admin")
	if err != nil {
		t.Fatalf("edit value on rejected: %v", err)
	}
	if got.TotalValue != 75.5 {
		t.Fatalf("value = %v", got.TotalValue)
	}
	if _, err := env.Engine.EditValue(env.Ctx, req.ID, -1, "admin"); err == nil {
		t.Fatalf("negative value should fail")
	}
}

func TestRejectRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.CreateRequest(env.Ctx, validCreate())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reject(env.Ctx, req.ID, "  ", "admin"); err == nil {
		t.Fatalf("empty reason should fail")
	}
}
