package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

// maxBodyBytes bounds request bodies; the largest legitimate body is a sell
// request of a few hundred bytes.
const maxBodyBytes = 64 << 10

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a single JSON object from the request body. Numbers are
// kept as json.Number so amounts may arrive either quoted or bare.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return err
	}
	return nil
}

// parseInt converts an optional json.Number holding an integer. An empty
// number yields 0 so the service reports the field as missing.
func parseInt(field string, n json.Number) (int64, error) {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &domain.ValidationError{Fields: []string{field}, Reason: "must be an integer"}
	}
	return v, nil
}

// writeServiceError maps a service error onto an HTTP status and body. A
// partial settlement is checked before the other sentinels because it may
// wrap any of them.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	var (
		verr    *domain.ValidationError
		partial *domain.PartialSettlementError
	)
	switch {
	case errors.As(err, &partial):
		logger.ErrorContext(r.Context(), "handler: "+op+" partial settlement",
			slog.String("settlement_id", partial.SettlementID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":          err.Error(),
			"status":         "partial",
			"settlementId":   partial.SettlementID,
			"transferTxHash": partial.TransferTxHash,
		})
	case errors.As(err, &verr):
		body := map[string]any{"error": verr.Error()}
		if len(verr.Fields) > 0 {
			body["fields"] = verr.Fields
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writePending answers 202 for a broadcast transaction whose receipt has not
// arrived yet.
func writePending(w http.ResponseWriter, txHash string, extra map[string]any) {
	body := map[string]any{
		"message": "transaction submitted, receipt still pending",
		"status":  "pending",
		"txHash":  txHash,
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusAccepted, body)
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0. since is RFC 3339.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("invalid since: %w", err)
		}
		opts.Since = &t
	}
	return opts, nil
}
