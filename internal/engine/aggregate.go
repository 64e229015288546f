package engine

import (
	"context"
	"sort"

	"github.com/AkaFlex/Trade-Junco/internal/domain"
	"github.com/AkaFlex/Trade-Junco/internal/repo"
)

// Dashboard aggregates are pure recomputations over the full request
// set. Nothing here is cached.

// RegionSpend is one region's committed spend against its monthly ceiling.
type RegionSpend struct {
	Region    string  `json:"region"`
	Spent     float64 `json:"spent"`
	Limit     float64 `json:"limit"`
	Remaining float64 `json:"remaining"`
}

// ProductTotal is units sold of one catalog product across all reports.
type ProductTotal struct {
	Name string `json:"name"`
	Qty  int    `json:"qty"`
}

// Dashboard is the admin overview for one month.
type Dashboard struct {
	Month         string                `json:"month"`
	StatusCounts  map[string]int        `json:"status_counts"`
	RegionTotals  []RegionSpend         `json:"region_totals"`
	ProductMix    []ProductTotal        `json:"product_mix"`
	AnnualBudgets map[string]float64    `json:"annual_budgets"`
	Pending       []domain.TradeRequest `json:"pending"`
}

// committed reports whether a request's value counts as spend.
func committed(status string) bool {
	switch status {
	case domain.StatusApproved, domain.StatusCompleted, domain.StatusPaid:
		return true
	}
	return false
}

// RegionTotals sums committed spend per region for one month, paired
// with that month's configured limit. Regions appear in catalog order.
func RegionTotals(requests []domain.TradeRequest, budgets []domain.RegionalBudget, month string) []RegionSpend {
	spent := make(map[string]float64)
	for _, t := range requests {
		if committed(t.Status) && t.ActionMonth() == month {
			spent[t.Region] += t.TotalValue
		}
	}
	limits := make(map[string]float64)
	for _, b := range budgets {
		if b.Month == month {
			limits[b.Region] = b.Limit
		}
	}
	res := make([]RegionSpend, 0, len(domain.Regions))
	for _, region := range domain.Regions {
		res = append(res, RegionSpend{
			Region:    region,
			Spent:     spent[region],
			Limit:     limits[region],
			Remaining: limits[region] - spent[region],
		})
	}
	return res
}

// ProductMix totals reported units per product over committed requests,
// sorted by quantity descending, then name for stability.
func ProductMix(requests []domain.TradeRequest) []ProductTotal {
	totals := make(map[string]int)
	for _, t := range requests {
		if !committed(t.Status) {
			continue
		}
		for _, rep := range t.SalesReports {
			for _, p := range rep.Products {
				totals[p.Name] += p.Qty
			}
		}
	}
	res := make([]ProductTotal, 0, len(totals))
	for name, qty := range totals {
		res = append(res, ProductTotal{Name: name, Qty: qty})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Qty != res[j].Qty {
			return res[i].Qty > res[j].Qty
		}
		return res[i].Name < res[j].Name
	})
	return res
}

// StatusCounts buckets requests by lifecycle status.
func StatusCounts(requests []domain.TradeRequest) map[string]int {
	res := make(map[string]int)
	for _, t := range requests {
		res[t.Status]++
	}
	return res
}

// AnnualBudgets sums monthly limits per region over one calendar year.
func AnnualBudgets(budgets []domain.RegionalBudget) map[string]float64 {
	res := make(map[string]float64)
	for _, b := range budgets {
		res[b.Region] += b.Limit
	}
	return res
}

// LoadDashboard assembles the admin overview for a month. year is the
// month's YYYY prefix; annual totals cover it.
func (e Engine) LoadDashboard(ctx context.Context, month string) (Dashboard, error) {
	if month == "" {
		month = e.now().UTC().Format("2006-01")
	}
	requests, err := e.Repo.ListRequests(ctx, repo.RequestFilters{})
	if err != nil {
		return Dashboard{}, err
	}
	monthBudgets, err := e.Repo.ListBudgets(ctx, repo.BudgetFilters{Month: month})
	if err != nil {
		return Dashboard{}, err
	}
	year := ""
	if len(month) >= 4 {
		year = month[:4]
	}
	yearBudgets, err := e.Repo.ListBudgets(ctx, repo.BudgetFilters{Year: year})
	if err != nil {
		return Dashboard{}, err
	}
	var pending []domain.TradeRequest
	for _, t := range requests {
		if t.Status == domain.StatusPending {
			pending = append(pending, t)
		}
	}
	return Dashboard{
		Month:         month,
		StatusCounts:  StatusCounts(requests),
		RegionTotals:  RegionTotals(requests, monthBudgets, month),
		ProductMix:    ProductMix(requests),
		AnnualBudgets: AnnualBudgets(yearBudgets),
		Pending:       pending,
	}, nil
}
