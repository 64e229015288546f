package domain

// Lifecycle states of a trade request. rejected, blocked_volume, expired
// and paid are terminal.
const (
	StatusPending       = "pending"
	StatusApproved      = "approved"
	StatusRejected      = "rejected"
	StatusCompleted     = "completed"
	StatusPaid          = "paid"
	StatusBlockedVolume = "blocked_volume"
	StatusExpired       = "expired"
)

// Regions is the fixed commercial-region enumeration.
var Regions = []string{
	"Norte",
	"Nordeste 1",
	"Nordeste 2",
	"Centro-Oeste",
	"Sudeste",
	"Sul",
	"São Paulo",
	"Grandes Contas",
	"Televendas",
	"Doces Tempos",
}

// Products is the tasting-action product catalog reported by promoters.
var Products = []string{
	"Granola 250g",
	"Granola 500g",
	"Granola 1Kg",
	"Bala de Coco",
	"Doce Zero/Whey",
	"Doce 400g",
	"Doce 1,1Kg",
	"Bisnaga 1,1Kg",
}

const (
	// BlockedPartnerCode is recorded on silently blocked intakes, where the
	// partner code was never asked for.
	BlockedPartnerCode = "Não Informado"

	// BlockedVolumeReason is the fixed reason stamped on blocked_volume records.
	BlockedVolumeReason = "Volume de Doceria abaixo de R$ 5.000 (Auto-bloqueio inicial)"

	// ExpiredReason is the fixed reason stamped by the expiration sweep.
	ExpiredReason = "Vencimento Automático: Ação não realizada dentro do mês de competência."
)

func ValidRegion(region string) bool {
	for _, r := range Regions {
		if r == region {
			return true
		}
	}
	return false
}

// TerminalStatus reports whether a status is absorbing.
func TerminalStatus(status string) bool {
	switch status {
	case StatusRejected, StatusBlockedVolume, StatusExpired, StatusPaid:
		return true
	}
	return false
}

type ProductCount struct {
	Name string `json:"name"`
	Qty  int    `json:"qty"`
}

// SalesReport is one promoter sell-out report for one action day,
// embedded in a single TradeRequest in submission order.
type SalesReport struct {
	Date       string         `json:"date" format:"date-time"`
	StoreName  string         `json:"store_name"`
	SellerName string         `json:"seller_name"`
	Products   []ProductCount `json:"products,omitempty"`
}

type TradeRequest struct {
	ID        string `json:"id"`
	UID       string `json:"uid,omitempty"`
	CreatedAt int64  `json:"created_at"`

	RCAName  string `json:"rca_name"`
	RCAEmail string `json:"rca_email"`
	RCAPhone string `json:"rca_phone,omitempty"`

	PartnerCode   string  `json:"partner_code"`
	Region        string  `json:"region"`
	OrderDate     *string `json:"order_date,omitempty" format:"date"`
	DateOfAction  string  `json:"date_of_action" format:"date"`
	Days          int     `json:"days"`
	Justification *string `json:"justification,omitempty"`
	TotalValue    float64 `json:"total_value"`

	Status          string  `json:"status" enum:"pending,approved,rejected,completed,paid,blocked_volume,expired"`
	RejectionReason *string `json:"rejection_reason,omitempty"`

	SalesReports []SalesReport `json:"sales_reports,omitempty"`
	PixKey       *string       `json:"pix_key,omitempty"`
	PixHolder    *string       `json:"pix_holder,omitempty"`
	PixCPF       *string       `json:"pix_cpf,omitempty"`
	PhotoURLs    []string      `json:"photo_urls,omitempty"`
	ReceiptURLs  []string      `json:"receipt_urls,omitempty"`
}

// ActionMonth returns the YYYY-MM prefix of the action date, the calendar
// month whose budget this request consumes. Empty when the date is unset
// or too short to carry a month.
func (t TradeRequest) ActionMonth() string {
	if len(t.DateOfAction) < 7 {
		return ""
	}
	return t.DateOfAction[:7]
}

// RegionalBudget is the soft spending ceiling for one region in one
// calendar month. Overwritten in place, no history of prior limits.
type RegionalBudget struct {
	ID     string  `json:"id"`
	Region string  `json:"region"`
	Month  string  `json:"month"`
	Limit  float64 `json:"limit"`
}

// BudgetKey builds the composite budget document key, e.g. "Sul_2023-10".
func BudgetKey(region, month string) string {
	return region + "_" + month
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
