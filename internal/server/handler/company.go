package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

// CompanyService defines the methods the company handler requires.
type CompanyService interface {
	Register(ctx context.Context, req domain.RegisterRequest) (domain.CompanyRecord, error)
	GetCompany(ctx context.Context, address string) (domain.CompanyInfo, error)
}

// CompanyHandler serves company registration and lookup.
type CompanyHandler struct {
	companies CompanyService
	logger    *slog.Logger
}

// NewCompanyHandler creates a CompanyHandler.
func NewCompanyHandler(companies CompanyService, logger *slog.Logger) *CompanyHandler {
	return &CompanyHandler{companies: companies, logger: logger}
}

type registerBody struct {
	Name        string      `json:"name"`
	CompanyType json.Number `json:"companyType"`
	FromAddress string      `json:"fromAddress"`
	PrivateKey  string      `json:"privateKey"`
}

// Register registers a company on chain.
// POST /api/register
func (h *CompanyHandler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.CompanyType == "" {
		writeServiceError(w, r, h.logger, "register", &domain.ValidationError{Fields: []string{"companyType"}})
		return
	}
	ctype, err := parseInt("companyType", body.CompanyType)
	if err != nil || ctype < 0 || ctype > 255 {
		writeServiceError(w, r, h.logger, "register", &domain.ValidationError{Fields: []string{"companyType"}, Reason: "unknown company type"})
		return
	}

	rec, err := h.companies.Register(r.Context(), domain.RegisterRequest{
		Name:        body.Name,
		CompanyType: domain.CompanyType(ctype),
		FromAddress: body.FromAddress,
		PrivateKey:  body.PrivateKey,
	})
	if err != nil {
		if errors.Is(err, domain.ErrReceiptPending) {
			writePending(w, rec.TxHash, nil)
			return
		}
		writeServiceError(w, r, h.logger, "register", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Company registered successfully",
		"txHash":  rec.TxHash,
	})
}

// GetCompany returns the on-chain record for an address.
// GET /api/company/{address}
func (h *CompanyHandler) GetCompany(w http.ResponseWriter, r *http.Request) {
	info, err := h.companies.GetCompany(r.Context(), r.PathValue("address"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "company not registered")
			return
		}
		writeServiceError(w, r, h.logger, "get company", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
