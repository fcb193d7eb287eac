package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pluvio/settlement-engine/internal/payout"
	"github.com/pluvio/settlement-engine/internal/reserve"
	"github.com/pluvio/settlement-engine/internal/store"
	"github.com/pluvio/settlement-engine/internal/vault"
)

// HandleRequestQuote handles POST /api/v1/quotes.
func (s *Service) HandleRequestQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	quote, err := s.RequestQuote(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(quote)
}

// HandleGetQuote handles GET /api/v1/quotes/{handle}.
func (s *Service) HandleGetQuote(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	quote, err := s.store.GetQuote(r.Context(), handle)
	if err != nil {
		writeError(w, "quote not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(quote)
}

// HandleFulfillQuote handles POST /api/v1/oracle/quotes/{handle}: the price
// oracle's callback reporting a premium, or a failure.
func (s *Service) HandleFulfillQuote(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	var req struct {
		Premium decimal.Decimal `json:"premium"`
		Failed  bool            `json:"failed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	if req.Failed {
		err = s.FailQuote(r.Context(), handle)
	} else {
		err = s.FulfillQuote(r.Context(), handle, req.Premium)
	}
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleRedeemQuote handles POST /api/v1/positions.
func (s *Service) HandleRedeemQuote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle  string          `json:"handle"`
		Caller  string          `json:"caller"`
		Payment decimal.Decimal `json:"payment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Handle == "" || req.Caller == "" {
		writeError(w, "handle and caller are required", http.StatusBadRequest)
		return
	}

	position, err := s.RedeemQuote(r.Context(), req.Handle, req.Caller, req.Payment)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(position)
}

// HandleGetPosition handles GET /api/v1/positions/{id}.
func (s *Service) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	position, err := s.store.GetPosition(r.Context(), id)
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(position)
}

// HandleListPositions handles GET /api/v1/positions?owner=.
func (s *Service) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, "owner query parameter is required", http.StatusBadRequest)
		return
	}

	positions, err := s.store.ListPositionsByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"positions": positions, "count": len(positions)})
}

// HandleJournal handles GET /api/v1/positions/{id}/journal.
func (s *Service) HandleJournal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entries, err := s.store.ListJournalByPosition(r.Context(), id)
	if err != nil {
		writeError(w, "failed to list journal", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"entries": entries, "count": len(entries)})
}

// HandleTransfer handles POST /api/v1/positions/{id}/transfer.
func (s *Service) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Caller string `json:"caller"`
		To     string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.Transfer(r.Context(), id, req.Caller, req.To); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRequestSettlement handles POST /api/v1/positions/{id}/settle.
func (s *Service) HandleRequestSettlement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.RequestSettlement(r.Context(), id, req.Caller); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleFulfillIndex handles POST /api/v1/oracle/index/{handle}: the index
// oracle's callback reporting the realized index value.
func (s *Service) HandleFulfillIndex(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	var req struct {
		Value decimal.Decimal `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.FulfillIndex(r.Context(), handle, req.Value); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleFinalize handles POST /api/v1/positions/{id}/finalize.
func (s *Service) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	position, err := s.FinalizeSettlement(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(position)
}

// HandleClaim handles POST /api/v1/positions/{id}/claim.
func (s *Service) HandleClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	amount, err := s.Claim(r.Context(), id, req.Caller)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"claimed": amount.String()})
}

// --- Vault handlers ---

// HandleVaultStats handles GET /api/v1/vault/stats.
func (s *Service) HandleVaultStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.vault.Stats())
}

// HandleVaultMultiplier handles GET /api/v1/vault/multiplier.
func (s *Service) HandleVaultMultiplier(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"multiplier": s.vault.PremiumMultiplier().String()})
}

// HandleVaultDeposit handles POST /api/v1/vault/deposits.
func (s *Service) HandleVaultDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Depositor string          `json:"depositor"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Depositor == "" {
		writeError(w, "depositor is required", http.StatusBadRequest)
		return
	}

	shares, err := s.vault.Deposit(req.Depositor, req.Amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.updateVaultGauges()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"shares": shares.String()})
}

// HandleVaultWithdraw handles POST /api/v1/vault/withdrawals.
func (s *Service) HandleVaultWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Depositor string          `json:"depositor"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	burned, err := s.vault.Withdraw(r.Context(), req.Depositor, req.Amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.updateVaultGauges()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"burned": burned.String()})
}

// HandleVaultDepositor handles GET /api/v1/vault/depositors/{id}.
func (s *Service) HandleVaultDepositor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"shares":           s.vault.SharesOf(id).String(),
		"redeemable":       s.vault.RedeemableValue(id).String(),
		"max_withdrawable": s.vault.MaxWithdrawable(id).String(),
	})
}

// HandleCanUnderwrite handles GET /api/v1/vault/underwrite?amount=&location=.
func (s *Service) HandleCanUnderwrite(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "invalid amount", http.StatusBadRequest)
		return
	}
	locationKey := r.URL.Query().Get("location")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": s.vault.CanUnderwrite(amount, locationKey)})
}

// HandleSetLimits handles POST /api/v1/vault/limits (owner only).
func (s *Service) HandleSetLimits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller                 string `json:"caller"`
		TargetUtilizationBps   int64  `json:"target_utilization_bps"`
		MaxUtilizationBps      int64  `json:"max_utilization_bps"`
		MaxLocationExposureBps int64  `json:"max_location_exposure_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.vault.SetLimits(req.Caller, req.TargetUtilizationBps, req.MaxUtilizationBps, req.MaxLocationExposureBps); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Reserve handlers ---

// HandleReserveStats handles GET /api/v1/reserve/stats.
func (s *Service) HandleReserveStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.pool.Stats())
}

// HandleReserveDeposit handles POST /api/v1/reserve/deposits.
func (s *Service) HandleReserveDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Depositor string          `json:"depositor"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Depositor == "" {
		writeError(w, "depositor is required", http.StatusBadRequest)
		return
	}

	minted, err := s.pool.Deposit(req.Depositor, req.Amount, s.clock())
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"shares":        minted.String(),
		"lockup_expiry": s.pool.LockupExpiry(req.Depositor).Format(time.RFC3339),
	})
}

// HandleReserveWithdraw handles POST /api/v1/reserve/withdrawals.
func (s *Service) HandleReserveWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Depositor string          `json:"depositor"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	burned, err := s.pool.Withdraw(r.Context(), req.Depositor, req.Amount, s.clock())
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"burned": burned.String()})
}

// HandleClaimYield handles POST /api/v1/reserve/yield/claims.
func (s *Service) HandleClaimYield(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Depositor string `json:"depositor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	claimed, err := s.pool.ClaimYield(r.Context(), req.Depositor)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"claimed": claimed.String()})
}

// HandleFundVault handles POST /api/v1/reserve/draws (guardian only).
func (s *Service) HandleFundVault(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string          `json:"caller"`
		Amount decimal.Decimal `json:"amount"`
		Reason string          `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	record, err := s.FundVaultFromReserve(r.Context(), req.Caller, req.Amount, req.Reason)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}

// HandleListDraws handles GET /api/v1/reserve/draws.
func (s *Service) HandleListDraws(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListDrawRecords(r.Context())
	if err != nil {
		writeError(w, "failed to list draws", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"draws": records, "count": len(records)})
}

// statusFor maps domain errors to HTTP status codes: validation → 400,
// authorization → 403, missing → 404, capacity and sequencing conflicts →
// 409, downstream payment failure → 502.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, ErrNotRequester),
		errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrNotBeneficiary),
		errors.Is(err, vault.ErrUnauthorized),
		errors.Is(err, reserve.ErrUnauthorized):
		return http.StatusForbidden

	case errors.Is(err, ErrInvalidTerms),
		errors.Is(err, ErrNotionalTooSmall),
		errors.Is(err, ErrPremiumTooLow),
		errors.Is(err, ErrInsufficientPayment),
		errors.Is(err, vault.ErrZeroAmount),
		errors.Is(err, vault.ErrInvalidLimits),
		errors.Is(err, reserve.ErrZeroAmount):
		return http.StatusBadRequest

	case errors.Is(err, payout.ErrRecipientUnavailable):
		return http.StatusBadGateway
	}
	// Everything else is a state conflict: wrong lifecycle phase, capacity
	// limits, lockups, floors.
	return http.StatusConflict
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
