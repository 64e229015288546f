package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AkaFlex/Trade-Junco/internal/repo"
)

// Availability is the verdict of a budget check. The message is shown to
// the approving administrator verbatim.
type Availability struct {
	Allowed   bool    `json:"allowed"`
	Limit     float64 `json:"limit"`
	Used      float64 `json:"used"`
	Requested float64 `json:"requested"`
	Remaining float64 `json:"remaining"`
	Message   string  `json:"message"`
}

// BudgetExceededError carries the availability verdict so callers can
// show the numbers and offer the force override.
type BudgetExceededError struct {
	Availability Availability
}

func (b BudgetExceededError) Error() string {
	return b.Availability.Message
}

// CheckAvailability compares a requested value against the region's
// ceiling for a month, counting already-approved spend. The check fails
// open: missing inputs, missing budget configuration and store errors
// all yield allowed with a diagnostic message, so a broken budget table
// never stalls the operation. Only a computed overrun blocks.
func (e Engine) CheckAvailability(ctx context.Context, region, month string, requestedValue float64) Availability {
	if strings.TrimSpace(month) == "" {
		return Availability{Allowed: true, Requested: requestedValue, Message: "Data indefinida, aprovação livre."}
	}
	if strings.TrimSpace(region) == "" {
		return Availability{Allowed: true, Requested: requestedValue, Message: "Região indefinida, aprovação livre."}
	}
	region = strings.TrimSpace(region)
	month = strings.TrimSpace(month)

	b, err := e.Repo.GetBudget(ctx, region, month)
	if errors.Is(err, repo.ErrNotFound) {
		return Availability{
			Allowed:   true,
			Requested: requestedValue,
			Message:   fmt.Sprintf("Sem orçamento configurado para %s em %s.", region, month),
		}
	}
	if err != nil {
		return Availability{
			Allowed:   true,
			Requested: requestedValue,
			Message:   fmt.Sprintf("Erro no cálculo de orçamento, aprovação liberada: %v", err),
		}
	}

	used, err := e.Repo.ApprovedValueForMonth(ctx, region, month)
	if err != nil {
		return Availability{
			Allowed:   true,
			Limit:     b.Limit,
			Requested: requestedValue,
			Message:   fmt.Sprintf("Erro no cálculo de orçamento, aprovação liberada: %v", err),
		}
	}

	if requestedValue < 0 {
		requestedValue = 0
	}
	remaining := b.Limit - used
	a := Availability{
		Limit:     b.Limit,
		Used:      used,
		Requested: requestedValue,
		Remaining: remaining,
	}
	if requestedValue <= remaining {
		a.Allowed = true
		a.Message = "Orçamento disponível."
		return a
	}
	a.Message = fmt.Sprintf("Estouro de Orçamento! Teto: R$%g | Usado: R$%g | Solicitado: R$%g", b.Limit, used, requestedValue)
	return a
}
