package server

import (
	"github.com/AkaFlex/Trade-Junco/internal/domain"
	"github.com/AkaFlex/Trade-Junco/internal/engine"
)

type CreateRequestBody struct {
	RCAName        string `json:"rca_name" example:"Maria Lima"`
	RCAEmail       string `json:"rca_email,omitempty" format:"email"`
	RCAPhone       string `json:"rca_phone,omitempty"`
	PartnerCode    string `json:"partner_code,omitempty" example:"P-1042"`
	Region         string `json:"region" example:"Sul"`
	OrderDate      string `json:"order_date,omitempty" format:"date"`
	DateOfAction   string `json:"date_of_action,omitempty" format:"date"`
	Days           int    `json:"days,omitempty" minimum:"0" maximum:"5"`
	Justification  string `json:"justification,omitempty"`
	VolumeEligible bool   `json:"volume_eligible"`
}

type RejectBody struct {
	Reason string `json:"reason" minLength:"1"`
}

type EditValueBody struct {
	TotalValue float64 `json:"total_value" minimum:"0"`
}

type CompleteBody struct {
	PixKey    string `json:"pix_key" minLength:"1"`
	PixHolder string `json:"pix_holder" minLength:"1"`
	PixCPF    string `json:"pix_cpf" minLength:"1"`
}

type ReportBody struct {
	Date       string                `json:"date,omitempty" format:"date-time"`
	StoreName  string                `json:"store_name" minLength:"1"`
	SellerName string                `json:"seller_name" minLength:"1"`
	Products   []domain.ProductCount `json:"products,omitempty"`
}

type EvidenceBody struct {
	Kind string   `json:"kind" enum:"photo,receipt"`
	URLs []string `json:"urls" minItems:"1"`
}

type BudgetBody struct {
	Region string  `json:"region" example:"Sul"`
	Month  string  `json:"month" example:"2023-10"`
	Limit  float64 `json:"limit" minimum:"0"`
}

type RequestResponse struct {
	domain.TradeRequest
	RequiredDaysMet bool `json:"required_days_met"`
}

func requestResponse(t domain.TradeRequest) RequestResponse {
	return RequestResponse{TradeRequest: t, RequiredDaysMet: engine.RequiredDaysMet(t)}
}

func requestResponses(ts []domain.TradeRequest) []RequestResponse {
	res := make([]RequestResponse, 0, len(ts))
	for _, t := range ts {
		res = append(res, requestResponse(t))
	}
	return res
}

type SweepResponse struct {
	Expired int    `json:"expired"`
	Month   string `json:"month"`
}
