package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AkaFlex/Trade-Junco/internal/config"
	"github.com/AkaFlex/Trade-Junco/internal/domain"
	"github.com/AkaFlex/Trade-Junco/internal/events"
	"github.com/AkaFlex/Trade-Junco/internal/metrics"
	"github.com/AkaFlex/Trade-Junco/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ConflictError marks operations refused because of the request's current
// state, like a duplicate same-day report.
type ConflictError struct {
	Msg string
}

func (c ConflictError) Error() string { return c.Msg }

// RequestCreateOptions are the intake fields of a new trade request.
type RequestCreateOptions struct {
	UID           string
	RCAName       string
	RCAEmail      string
	RCAPhone      string
	PartnerCode   string
	Region        string
	OrderDate     string
	DateOfAction  string
	Days          int
	Justification string

	// VolumeEligible is the answer to the purchase-threshold question.
	// A "no" records a blocked placeholder and still reports success.
	VolumeEligible bool

	ActorID string
}

// CreateRequest validates the intake and stores a pending request.
// Ineligible volume takes the silent blocked branch instead: a zeroed
// record is written so the attempt stays visible to administrators, and
// the caller is told nothing.
func (e Engine) CreateRequest(ctx context.Context, opts RequestCreateOptions) (domain.TradeRequest, error) {
	if e.Config == nil {
		return domain.TradeRequest{}, errors.New("config not loaded")
	}
	opts.RCAName = strings.TrimSpace(opts.RCAName)
	opts.RCAEmail = strings.ToLower(strings.TrimSpace(opts.RCAEmail))
	if opts.RCAName == "" {
		return domain.TradeRequest{}, errors.New("rca name is required")
	}
	if opts.RCAEmail == "" {
		return domain.TradeRequest{}, errors.New("rca email is required")
	}

	if !opts.VolumeEligible {
		return e.createBlocked(ctx, opts)
	}

	if strings.TrimSpace(opts.PartnerCode) == "" {
		return domain.TradeRequest{}, errors.New("partner code is required")
	}
	if !domain.ValidRegion(opts.Region) {
		return domain.TradeRequest{}, fmt.Errorf("invalid region %q", opts.Region)
	}
	if opts.Days < 1 || opts.Days > e.Config.Rules.MaxDays {
		return domain.TradeRequest{}, fmt.Errorf("invalid days %d: must be between 1 and %d", opts.Days, e.Config.Rules.MaxDays)
	}
	if opts.Days > 1 && strings.TrimSpace(opts.Justification) == "" {
		return domain.TradeRequest{}, errors.New("justification is required for actions longer than one day")
	}
	actionDate, err := time.Parse("2006-01-02", opts.DateOfAction)
	if err != nil {
		return domain.TradeRequest{}, fmt.Errorf("invalid date of action %q", opts.DateOfAction)
	}
	today := e.now().UTC().Truncate(24 * time.Hour)
	minDate := today.AddDate(0, 0, e.Config.Rules.MinLeadDays)
	if actionDate.Before(minDate) {
		return domain.TradeRequest{}, fmt.Errorf("invalid date of action: must be at least %d days ahead", e.Config.Rules.MinLeadDays)
	}

	t := domain.TradeRequest{
		ID:           uuid.NewString(),
		UID:          opts.UID,
		CreatedAt:    e.now().UnixMilli(),
		RCAName:      opts.RCAName,
		RCAEmail:     opts.RCAEmail,
		RCAPhone:     strings.TrimSpace(opts.RCAPhone),
		PartnerCode:  strings.TrimSpace(opts.PartnerCode),
		Region:       opts.Region,
		DateOfAction: opts.DateOfAction,
		Days:         opts.Days,
		TotalValue:   float64(opts.Days) * e.Config.Rules.DayRate,
		Status:       domain.StatusPending,
	}
	if opts.OrderDate != "" {
		t.OrderDate = &opts.OrderDate
	}
	if j := strings.TrimSpace(opts.Justification); j != "" {
		t.Justification = &j
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequest(ctx, tx, t); err != nil {
		return domain.TradeRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "request.create", "request", t.ID, opts.ActorID, events.EventPayload{
		"status": t.Status, "region": t.Region, "total_value": t.TotalValue,
	}); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TradeRequest{}, err
	}
	metrics.RecordTransition(t.Status)
	return t, nil
}

// createBlocked writes the blocked_volume placeholder. Intake fields
// beyond identity are discarded so the record carries no actionable data.
func (e Engine) createBlocked(ctx context.Context, opts RequestCreateOptions) (domain.TradeRequest, error) {
	reason := domain.BlockedVolumeReason
	t := domain.TradeRequest{
		ID:              uuid.NewString(),
		UID:             opts.UID,
		CreatedAt:       e.now().UnixMilli(),
		RCAName:         opts.RCAName,
		RCAEmail:        opts.RCAEmail,
		RCAPhone:        strings.TrimSpace(opts.RCAPhone),
		PartnerCode:     domain.BlockedPartnerCode,
		Region:          opts.Region,
		DateOfAction:    e.now().UTC().Format("2006-01-02"),
		Days:            0,
		TotalValue:      0,
		Status:          domain.StatusBlockedVolume,
		RejectionReason: &reason,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequest(ctx, tx, t); err != nil {
		return domain.TradeRequest{}, fmt.Errorf("insert blocked request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "request.blocked", "request", t.ID, opts.ActorID, events.EventPayload{
		"reason": reason, "volume_floor": e.Config.Rules.VolumeFloor,
	}); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TradeRequest{}, err
	}
	metrics.RecordTransition(t.Status)
	return t, nil
}

// ensureRequestTransition encodes the closed lifecycle table. Terminal
// states have no outgoing edges.
func ensureRequestTransition(oldStatus, newStatus string) error {
	if domain.TerminalStatus(oldStatus) {
		return fmt.Errorf("invalid request status transition %s -> %s: %s is terminal", oldStatus, newStatus, oldStatus)
	}
	switch oldStatus {
	case domain.StatusPending:
		if newStatus == domain.StatusApproved || newStatus == domain.StatusRejected {
			return nil
		}
	case domain.StatusApproved:
		if newStatus == domain.StatusCompleted || newStatus == domain.StatusExpired || newStatus == domain.StatusRejected {
			return nil
		}
	case domain.StatusCompleted:
		if newStatus == domain.StatusPaid {
			return nil
		}
	}
	return fmt.Errorf("invalid request status transition %s -> %s", oldStatus, newStatus)
}

// Approve moves a pending request to approved after checking the
// regional budget. force skips the budget verdict, never the transition
// table.
func (e Engine) Approve(ctx context.Context, id, actorID string, force bool) (domain.TradeRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	if err := ensureRequestTransition(t.Status, domain.StatusApproved); err != nil {
		return domain.TradeRequest{}, err
	}

	avail := e.CheckAvailability(ctx, t.Region, t.ActionMonth(), t.TotalValue)
	if !avail.Allowed && !force {
		return domain.TradeRequest{}, BudgetExceededError{Availability: avail}
	}

	if err := e.Repo.UpdateStatus(ctx, tx, id, domain.StatusApproved, nil); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, "request.approve", "request", id, actorID, events.EventPayload{
		"forced": force && !avail.Allowed, "budget_message": avail.Message,
	}); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TradeRequest{}, err
	}
	metrics.RecordTransition(domain.StatusApproved)
	t.Status = domain.StatusApproved
	t.RejectionReason = nil
	return t, nil
}

// Reject closes a pending or approved request with a mandatory reason.
func (e Engine) Reject(ctx context.Context, id, reason, actorID string) (domain.TradeRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.TradeRequest{}, errors.New("rejection reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	if err := ensureRequestTransition(t.Status, domain.StatusRejected); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := e.Repo.UpdateStatus(ctx, tx, id, domain.StatusRejected, &reason); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, "request.reject", "request", id, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TradeRequest{}, err
	}
	metrics.RecordTransition(domain.StatusRejected)
	t.Status = domain.StatusRejected
	t.RejectionReason = &reason
	return t, nil
}

// EditValue overwrites the payout value. Allowed in any status and never
// re-checks the budget: the admin is correcting the number, not spending.
func (e Engine) EditValue(ctx context.Context, id string, value float64, actorID string) (domain.TradeRequest, error) {
	if value < 0 {
		return domain.TradeRequest{}, errors.New("invalid value: must be non-negative")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	if err := e.Repo.UpdateTotalValue(ctx, tx, id, value); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, "request.value_edit", "request", id, actorID, events.EventPayload{
		"old_value": t.TotalValue, "new_value": value,
	}); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TradeRequest{}, err
	}
	t.TotalValue = value
	return t, nil
}

// MarkPaid settles a completed request.
func (e Engine) MarkPaid(ctx context.Context, id, actorID string) (domain.TradeRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	if err := ensureRequestTransition(t.Status, domain.StatusPaid); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := e.Repo.UpdateStatus(ctx, tx, id, domain.StatusPaid, nil); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, "request.pay", "request", id, actorID, events.EventPayload{
		"total_value": t.TotalValue,
	}); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TradeRequest{}, err
	}
	metrics.RecordTransition(domain.StatusPaid)
	t.Status = domain.StatusPaid
	return t, nil
}

// PixDetails is the payout identification collected at completion.
type PixDetails struct {
	Key    string
	Holder string
	CPF    string
}

// CompleteExecution moves an approved request to completed once every
// evidence and reporting precondition holds: at least one photo, at
// least one receipt, every action day reported, and full PIX details.
func (e Engine) CompleteExecution(ctx context.Context, id string, pix PixDetails, actorID string) (domain.TradeRequest, error) {
	pix.Key = strings.TrimSpace(pix.Key)
	pix.Holder = strings.TrimSpace(pix.Holder)
	pix.CPF = strings.TrimSpace(pix.CPF)
	if pix.Key == "" || pix.Holder == "" || pix.CPF == "" {
		return domain.TradeRequest{}, errors.New("pix key, holder and cpf are required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	if err := ensureRequestTransition(t.Status, domain.StatusCompleted); err != nil {
		return domain.TradeRequest{}, err
	}
	photos, err := e.Repo.CountFilesTx(ctx, tx, id, "photo")
	if err != nil {
		return domain.TradeRequest{}, err
	}
	if photos == 0 {
		return domain.TradeRequest{}, errors.New("at least one action photo is required")
	}
	receipts, err := e.Repo.CountFilesTx(ctx, tx, id, "receipt")
	if err != nil {
		return domain.TradeRequest{}, err
	}
	if receipts == 0 {
		return domain.TradeRequest{}, errors.New("at least one purchase receipt is required")
	}
	reports, err := e.Repo.CountReports(ctx, tx, id)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	if !requiredDaysMet(t.Days, reports) {
		return domain.TradeRequest{}, fmt.Errorf("sell-out reports are required for all %d action days (%d submitted)", t.Days, reports)
	}

	if err := e.Repo.UpdatePix(ctx, tx, id, pix.Key, pix.Holder, pix.CPF); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := e.Repo.UpdateStatus(ctx, tx, id, domain.StatusCompleted, nil); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, "request.complete", "request", id, actorID, events.EventPayload{
		"photos": photos, "receipts": receipts, "reports": reports,
	}); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TradeRequest{}, err
	}
	metrics.RecordTransition(domain.StatusCompleted)
	return e.Repo.GetRequest(ctx, id)
}

// requiredDaysMet is the completion gate: one report per contracted day.
// Days below one still demand a single report.
func requiredDaysMet(days, reports int) bool {
	if days < 1 {
		days = 1
	}
	return reports >= days
}

// RequiredDaysMet reports whether a request has enough sell-out reports
// to be closed.
func RequiredDaysMet(t domain.TradeRequest) bool {
	return requiredDaysMet(t.Days, len(t.SalesReports))
}

// SubmitReport appends one promoter sell-out report. At most one report
// per calendar day per request; zero-quantity product lines are dropped.
func (e Engine) SubmitReport(ctx context.Context, id string, rep domain.SalesReport, actorID string) (domain.TradeRequest, error) {
	rep.StoreName = strings.TrimSpace(rep.StoreName)
	rep.SellerName = strings.TrimSpace(rep.SellerName)
	if rep.StoreName == "" {
		return domain.TradeRequest{}, errors.New("store name is required")
	}
	if rep.SellerName == "" {
		return domain.TradeRequest{}, errors.New("seller name is required")
	}
	if rep.Date == "" {
		rep.Date = e.now().UTC().Format(time.RFC3339)
	}
	if len(rep.Date) < 10 {
		return domain.TradeRequest{}, fmt.Errorf("invalid report date %q", rep.Date)
	}
	var kept []domain.ProductCount
	for _, p := range rep.Products {
		if p.Qty > 0 && strings.TrimSpace(p.Name) != "" {
			kept = append(kept, p)
		}
	}
	rep.Products = kept

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetRequestTx(ctx, tx, id); err != nil {
		return domain.TradeRequest{}, err
	}
	day := rep.Date[:10]
	dup, err := e.Repo.HasReportOn(ctx, tx, id, day)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	if dup {
		return domain.TradeRequest{}, ConflictError{Msg: fmt.Sprintf("a sell-out report for %s was already submitted", day)}
	}
	if err := e.Repo.AppendReport(ctx, tx, id, rep); err != nil {
		return domain.TradeRequest{}, fmt.Errorf("insert report: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "request.report", "request", id, actorID, events.EventPayload{
		"day": day, "store": rep.StoreName, "products": len(rep.Products),
	}); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TradeRequest{}, err
	}
	return e.Repo.GetRequest(ctx, id)
}

// AttachEvidence appends uploaded evidence URLs of one kind, photo or
// receipt. Appends are row inserts, so concurrent attachments never lose
// each other.
func (e Engine) AttachEvidence(ctx context.Context, id, kind string, urls []string, actorID string) (domain.TradeRequest, error) {
	if kind != "photo" && kind != "receipt" {
		return domain.TradeRequest{}, fmt.Errorf("invalid evidence kind %q", kind)
	}
	var kept []string
	for _, u := range urls {
		if strings.TrimSpace(u) != "" {
			kept = append(kept, strings.TrimSpace(u))
		}
	}
	if len(kept) == 0 {
		return domain.TradeRequest{}, errors.New("at least one evidence url is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetRequestTx(ctx, tx, id); err != nil {
		return domain.TradeRequest{}, err
	}
	for _, u := range kept {
		if err := e.Repo.AppendFile(ctx, tx, id, kind, u); err != nil {
			return domain.TradeRequest{}, fmt.Errorf("insert %s url: %w", kind, err)
		}
	}
	if err := e.Events.Append(ctx, tx, "request.evidence", "request", id, actorID, events.EventPayload{
		"kind": kind, "count": len(kept),
	}); err != nil {
		return domain.TradeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TradeRequest{}, err
	}
	return e.Repo.GetRequest(ctx, id)
}

// ExpireSweep closes every approved request whose action month is past.
// nowMonth defaults to the current month; passing it explicitly keeps
// the sweep deterministic for schedulers. Idempotent: a second run with
// no intervening writes finds nothing approved and changes nothing.
func (e Engine) ExpireSweep(ctx context.Context, nowMonth, actorID string) (int, error) {
	if nowMonth == "" {
		nowMonth = e.now().UTC().Format("2006-01")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM requests WHERE status=? AND substr(date_of_action,1,7) < ?`,
		domain.StatusApproved, nowMonth)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reason := domain.ExpiredReason
	for _, id := range ids {
		if err := e.Repo.UpdateStatus(ctx, tx, id, domain.StatusExpired, &reason); err != nil {
			return 0, err
		}
		if err := e.Events.Append(ctx, tx, "request.expire", "request", id, actorID, events.EventPayload{
			"month": nowMonth,
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for range ids {
		metrics.RecordTransition(domain.StatusExpired)
		metrics.ExpiredRequests.Inc()
	}
	return len(ids), nil
}

// SetBudget creates or overwrites one region-month ceiling. No history
// kept.
func (e Engine) SetBudget(ctx context.Context, region, month string, limit float64, actorID string) (domain.RegionalBudget, error) {
	if !domain.ValidRegion(region) {
		return domain.RegionalBudget{}, fmt.Errorf("invalid region %q", region)
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		return domain.RegionalBudget{}, fmt.Errorf("invalid month %q: want YYYY-MM", month)
	}
	if limit < 0 {
		return domain.RegionalBudget{}, errors.New("invalid limit: must be non-negative")
	}
	b := domain.RegionalBudget{
		ID:     domain.BudgetKey(region, month),
		Region: region,
		Month:  month,
		Limit:  limit,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RegionalBudget{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertBudgetTx(ctx, tx, b); err != nil {
		return domain.RegionalBudget{}, fmt.Errorf("upsert budget: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "budget.set", "budget", b.ID, actorID, events.EventPayload{
		"limit": limit,
	}); err != nil {
		return domain.RegionalBudget{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RegionalBudget{}, err
	}
	return b, nil
}
