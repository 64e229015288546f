package tradejuncosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Trade Junco HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorEmail  string // legacy header fallback when no token is set
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// SalesReport is one promoter sell-out report.
type SalesReport struct {
	Date       string         `json:"date"`
	StoreName  string         `json:"store_name"`
	SellerName string         `json:"seller_name"`
	Products   []ProductCount `json:"products,omitempty"`
}

type ProductCount struct {
	Name string `json:"name"`
	Qty  int    `json:"qty"`
}

// TradeRequest represents the API request model (partial).
type TradeRequest struct {
	ID              string        `json:"id"`
	RCAName         string        `json:"rca_name"`
	RCAEmail        string        `json:"rca_email"`
	PartnerCode     string        `json:"partner_code"`
	Region          string        `json:"region"`
	DateOfAction    string        `json:"date_of_action"`
	Days            int           `json:"days"`
	TotalValue      float64       `json:"total_value"`
	Status          string        `json:"status"`
	RejectionReason *string       `json:"rejection_reason,omitempty"`
	SalesReports    []SalesReport `json:"sales_reports,omitempty"`
	PhotoURLs       []string      `json:"photo_urls,omitempty"`
	ReceiptURLs     []string      `json:"receipt_urls,omitempty"`
	RequiredDaysMet bool          `json:"required_days_met"`
}

// RegionalBudget is one region-month spending ceiling.
type RegionalBudget struct {
	ID     string  `json:"id"`
	Region string  `json:"region"`
	Month  string  `json:"month"`
	Limit  float64 `json:"limit"`
}

// Availability is a budget check verdict.
type Availability struct {
	Allowed   bool    `json:"allowed"`
	Limit     float64 `json:"limit"`
	Used      float64 `json:"used"`
	Requested float64 `json:"requested"`
	Remaining float64 `json:"remaining"`
	Message   string  `json:"message"`
}

// CreateRequestOptions are the intake fields for CreateRequest.
type CreateRequestOptions struct {
	RCAName        string `json:"rca_name"`
	RCAEmail       string `json:"rca_email,omitempty"`
	RCAPhone       string `json:"rca_phone,omitempty"`
	PartnerCode    string `json:"partner_code,omitempty"`
	Region         string `json:"region"`
	OrderDate      string `json:"order_date,omitempty"`
	DateOfAction   string `json:"date_of_action,omitempty"`
	Days           int    `json:"days,omitempty"`
	Justification  string `json:"justification,omitempty"`
	VolumeEligible bool   `json:"volume_eligible"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRequest submits a trade action request.
func (c *Client) CreateRequest(ctx context.Context, opts CreateRequestOptions) (TradeRequest, error) {
	var resp TradeRequest
	err := c.do(ctx, http.MethodPost, "v1/requests", opts, &resp)
	return resp, err
}

// Request fetches one request with its reports and evidence.
func (c *Client) Request(ctx context.Context, id string) (TradeRequest, error) {
	var resp TradeRequest
	err := c.do(ctx, http.MethodGet, "v1/requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// MyRequests lists the caller's own requests.
func (c *Client) MyRequests(ctx context.Context) ([]TradeRequest, error) {
	var resp []TradeRequest
	err := c.do(ctx, http.MethodGet, "v1/requests", nil, &resp)
	return resp, err
}

// ApprovedForPartner runs the promoter search: approved requests of one
// partner store.
func (c *Client) ApprovedForPartner(ctx context.Context, partnerCode string) ([]TradeRequest, error) {
	var resp []TradeRequest
	err := c.do(ctx, http.MethodGet, "v1/requests?partner_code="+url.QueryEscape(partnerCode), nil, &resp)
	return resp, err
}

// Approve approves a pending request. force overrides a budget overrun.
func (c *Client) Approve(ctx context.Context, id string, force bool) (TradeRequest, error) {
	endpoint := "v1/requests/" + url.PathEscape(id) + "/approve"
	if force {
		endpoint += "?force=true"
	}
	var resp TradeRequest
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Reject rejects a request with a reason.
func (c *Client) Reject(ctx context.Context, id, reason string) (TradeRequest, error) {
	var resp TradeRequest
	err := c.do(ctx, http.MethodPost, "v1/requests/"+url.PathEscape(id)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// MarkPaid settles a completed request.
func (c *Client) MarkPaid(ctx context.Context, id string) (TradeRequest, error) {
	var resp TradeRequest
	err := c.do(ctx, http.MethodPost, "v1/requests/"+url.PathEscape(id)+"/pay", nil, &resp)
	return resp, err
}

// Complete closes execution with payout details.
func (c *Client) Complete(ctx context.Context, id, pixKey, pixHolder, pixCPF string) (TradeRequest, error) {
	body := map[string]any{
		"pix_key":    pixKey,
		"pix_holder": pixHolder,
		"pix_cpf":    pixCPF,
	}
	var resp TradeRequest
	err := c.do(ctx, http.MethodPost, "v1/requests/"+url.PathEscape(id)+"/complete", body, &resp)
	return resp, err
}

// SubmitReport files a daily sell-out report.
func (c *Client) SubmitReport(ctx context.Context, id string, rep SalesReport) (TradeRequest, error) {
	var resp TradeRequest
	err := c.do(ctx, http.MethodPost, "v1/requests/"+url.PathEscape(id)+"/reports", rep, &resp)
	return resp, err
}

// AttachEvidence appends hosted evidence URLs; kind is photo or receipt.
func (c *Client) AttachEvidence(ctx context.Context, id, kind string, urls []string) (TradeRequest, error) {
	body := map[string]any{"kind": kind, "urls": urls}
	var resp TradeRequest
	err := c.do(ctx, http.MethodPost, "v1/requests/"+url.PathEscape(id)+"/evidence", body, &resp)
	return resp, err
}

// SetBudget creates or overwrites a region-month ceiling.
func (c *Client) SetBudget(ctx context.Context, region, month string, limit float64) (RegionalBudget, error) {
	body := map[string]any{"region": region, "month": month, "limit": limit}
	var resp RegionalBudget
	err := c.do(ctx, http.MethodPut, "v1/budgets", body, &resp)
	return resp, err
}

// CheckAvailability asks for budget headroom before an approval.
func (c *Client) CheckAvailability(ctx context.Context, region, month string, value float64) (Availability, error) {
	endpoint := fmt.Sprintf("v1/budgets/availability?region=%s&month=%s&value=%g",
		url.QueryEscape(region), url.QueryEscape(month), value)
	var resp Availability
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Sweep expires approved requests from months before the given one.
func (c *Client) Sweep(ctx context.Context, month string) (int, error) {
	endpoint := "v1/sweep"
	if month != "" {
		endpoint += "?month=" + url.QueryEscape(month)
	}
	var resp struct {
		Expired int `json:"expired"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Expired, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorEmail != "":
		req.Header.Set("X-Actor-Email", c.ActorEmail)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
