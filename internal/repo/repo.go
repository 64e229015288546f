package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AkaFlex/Trade-Junco/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const requestColumns = `id,uid,created_at,rca_name,rca_email,rca_phone,partner_code,region,order_date,date_of_action,days,justification,total_value,status,rejection_reason,pix_key,pix_holder,pix_cpf`

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, t domain.TradeRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullable(t.UID), t.CreatedAt, t.RCAName, t.RCAEmail, nullable(t.RCAPhone),
		t.PartnerCode, t.Region, nullableStringPtr(t.OrderDate), t.DateOfAction, t.Days,
		nullableStringPtr(t.Justification), t.TotalValue, t.Status,
		nullableStringPtr(t.RejectionReason), nullableStringPtr(t.PixKey),
		nullableStringPtr(t.PixHolder), nullableStringPtr(t.PixCPF))
	return err
}

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (domain.TradeRequest, error) {
	var t domain.TradeRequest
	var uid, phone, orderDate, justification, reason, pixKey, pixHolder, pixCPF sql.NullString
	err := row.Scan(&t.ID, &uid, &t.CreatedAt, &t.RCAName, &t.RCAEmail, &phone,
		&t.PartnerCode, &t.Region, &orderDate, &t.DateOfAction, &t.Days,
		&justification, &t.TotalValue, &t.Status, &reason, &pixKey, &pixHolder, &pixCPF)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if uid.Valid {
		t.UID = uid.String
	}
	if phone.Valid {
		t.RCAPhone = phone.String
	}
	if orderDate.Valid {
		t.OrderDate = &orderDate.String
	}
	if justification.Valid {
		t.Justification = &justification.String
	}
	if reason.Valid {
		t.RejectionReason = &reason.String
	}
	if pixKey.Valid {
		t.PixKey = &pixKey.String
	}
	if pixHolder.Valid {
		t.PixHolder = &pixHolder.String
	}
	if pixCPF.Valid {
		t.PixCPF = &pixCPF.String
	}
	return t, nil
}

// GetRequest loads one request with its embedded reports and evidence URLs.
func (r Repo) GetRequest(ctx context.Context, id string) (domain.TradeRequest, error) {
	t, err := scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	return r.hydrate(ctx, t)
}

// GetRequestTx is GetRequest inside the caller's transaction, without
// hydration. Status checks during transitions use this.
func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.TradeRequest, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

func (r Repo) hydrate(ctx context.Context, t domain.TradeRequest) (domain.TradeRequest, error) {
	reports, err := r.ListReports(ctx, t.ID)
	if err != nil {
		return t, err
	}
	t.SalesReports = reports
	photos, receipts, err := r.ListFiles(ctx, t.ID)
	if err != nil {
		return t, err
	}
	t.PhotoURLs = photos
	t.ReceiptURLs = receipts
	return t, nil
}

type RequestFilters struct {
	RCAEmail    string
	PartnerCode string
	Status      string
	Region      string
}

// ListRequests returns hydrated requests newest-first.
func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.TradeRequest, error) {
	var clauses []string
	var args []any
	if f.RCAEmail != "" {
		clauses = append(clauses, "rca_email=?")
		args = append(args, strings.ToLower(strings.TrimSpace(f.RCAEmail)))
	}
	if f.PartnerCode != "" {
		clauses = append(clauses, "partner_code=?")
		args = append(args, f.PartnerCode)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Region != "" {
		clauses = append(clauses, "region=?")
		args = append(args, f.Region)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TradeRequest
	for rows.Next() {
		t, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, t := range res {
		h, err := r.hydrate(ctx, t)
		if err != nil {
			return nil, err
		}
		res[i] = h
	}
	return res, nil
}

// UpdateStatus overwrites status and rejection reason. A nil reason
// clears the column, mirroring the store's merge-with-null semantics.
func (r Repo) UpdateStatus(ctx context.Context, tx *sql.Tx, id, status string, reason *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, rejection_reason=? WHERE id=?`,
		status, nullableStringPtr(reason), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTotalValue(ctx context.Context, tx *sql.Tx, id string, value float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET total_value=? WHERE id=?`, value, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdatePix(ctx context.Context, tx *sql.Tx, id, key, holder, cpf string) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET pix_key=?, pix_holder=?, pix_cpf=? WHERE id=?`,
		key, holder, cpf, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- sell-out reports ---

func (r Repo) AppendReport(ctx context.Context, tx *sql.Tx, requestID string, rep domain.SalesReport) error {
	products, err := marshalProducts(rep.Products)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sales_reports(request_id,reported_at,store_name,seller_name,products_json) VALUES (?,?,?,?,?)`,
		requestID, rep.Date, rep.StoreName, rep.SellerName, products)
	return err
}

func (r Repo) ListReports(ctx context.Context, requestID string) ([]domain.SalesReport, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT reported_at,store_name,seller_name,products_json FROM sales_reports WHERE request_id=? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SalesReport
	for rows.Next() {
		var rep domain.SalesReport
		var products sql.NullString
		if err := rows.Scan(&rep.Date, &rep.StoreName, &rep.SellerName, &products); err != nil {
			return nil, err
		}
		if products.Valid && products.String != "" {
			if err := json.Unmarshal([]byte(products.String), &rep.Products); err != nil {
				return nil, fmt.Errorf("report products for %s: %w", requestID, err)
			}
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

// HasReportOn checks for an existing report on a calendar day (YYYY-MM-DD),
// comparing by date prefix of the stored RFC3339 timestamp.
func (r Repo) HasReportOn(ctx context.Context, tx *sql.Tx, requestID, day string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM sales_reports WHERE request_id=? AND substr(reported_at,1,10)=? LIMIT 1`, requestID, day)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) CountReports(ctx context.Context, tx *sql.Tx, requestID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM sales_reports WHERE request_id=?`, requestID).Scan(&n)
	return n, err
}

func marshalProducts(in []domain.ProductCount) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// --- evidence files ---

func (r Repo) AppendFile(ctx context.Context, tx *sql.Tx, requestID, kind, url string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO request_files(request_id,kind,url) VALUES (?,?,?)`, requestID, kind, url)
	return err
}

func (r Repo) ListFiles(ctx context.Context, requestID string) (photos, receipts []string, err error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT kind,url FROM request_files WHERE request_id=? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind, url string
		if err := rows.Scan(&kind, &url); err != nil {
			return nil, nil, err
		}
		switch kind {
		case "photo":
			photos = append(photos, url)
		case "receipt":
			receipts = append(receipts, url)
		}
	}
	return photos, receipts, rows.Err()
}

func (r Repo) CountFilesTx(ctx context.Context, tx *sql.Tx, requestID, kind string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM request_files WHERE request_id=? AND kind=?`, requestID, kind).Scan(&n)
	return n, err
}

// --- budgets ---

func (r Repo) UpsertBudgetTx(ctx context.Context, tx *sql.Tx, b domain.RegionalBudget) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO budgets(id,region,month,max_value) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET region=excluded.region, month=excluded.month, max_value=excluded.max_value`,
		b.ID, b.Region, b.Month, b.Limit)
	return err
}

func (r Repo) GetBudget(ctx context.Context, region, month string) (domain.RegionalBudget, error) {
	var b domain.RegionalBudget
	err := r.DB.QueryRowContext(ctx, `SELECT id,region,month,max_value FROM budgets WHERE id=?`,
		domain.BudgetKey(region, month)).Scan(&b.ID, &b.Region, &b.Month, &b.Limit)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

type BudgetFilters struct {
	Month string // exact YYYY-MM
	Year  string // YYYY prefix
}

func (r Repo) ListBudgets(ctx context.Context, f BudgetFilters) ([]domain.RegionalBudget, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Month != "" {
		clauses = append(clauses, "month=?")
		args = append(args, f.Month)
	}
	if f.Year != "" {
		clauses = append(clauses, "month LIKE ?")
		args = append(args, f.Year+"-%")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,region,month,max_value FROM budgets WHERE `+strings.Join(clauses, " AND ")+` ORDER BY month ASC, region ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RegionalBudget
	for rows.Next() {
		var b domain.RegionalBudget
		if err := rows.Scan(&b.ID, &b.Region, &b.Month, &b.Limit); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ApprovedValueForMonth sums total_value over approved requests of a region
// whose action date carries the month prefix. Rows are never malformed
// enough to break the sum here; defaulted columns make the computation
// total.
func (r Repo) ApprovedValueForMonth(ctx context.Context, region, month string) (float64, error) {
	var used sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT SUM(total_value) FROM requests WHERE region=? AND status=? AND substr(date_of_action,1,7)=?`,
		region, domain.StatusApproved, month).Scan(&used)
	if err != nil {
		return 0, err
	}
	if !used.Valid {
		return 0, nil
	}
	return used.Float64, nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
