package api

import (
	"errors"
	"log/slog"
	"net/http"

	"gatekeeper/internal/models"

	"github.com/gorilla/mux"
)

const (
	policyLogin        = "login"
	policyRegistration = "registration"
)

var errPolicyAndTier = errors.New("use either policy or tier, not both")

// adminPolicy picks the policy a key is inspected under: ?policy=login,
// ?policy=registration, ?tier=<name>, or the default tier.
func (h *Handlers) adminPolicy(r *http.Request) (string, models.Policy, error) {
	q := r.URL.Query()
	policyName, tier := q.Get("policy"), q.Get("tier")

	switch {
	case policyName != "" && tier != "":
		return "", models.Policy{}, errPolicyAndTier
	case policyName == policyLogin:
		return policyLogin, h.loginPolicy, nil
	case policyName == policyRegistration:
		return policyRegistration, h.registrationPolicy, nil
	case policyName != "":
		return "", models.Policy{}, errors.New("policy must be login or registration")
	case tier != "" && !h.tiers.Known(tier):
		return "", models.Policy{}, errors.New("unknown tier " + tier)
	}

	name := h.tiers.Name(tier)
	return name, h.tiers.Resolve(name), nil
}

// AdminGetLimit reports the limiter state of any key
// GET /api/v1/admin/limits/{key}
func (h *Handlers) AdminGetLimit(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	name, policy, err := h.adminPolicy(r)
	if err != nil {
		h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
		return
	}

	status, err := h.limiter.Peek(r.Context(), key, policy)
	if err != nil {
		slog.Error("Admin limit lookup failed", "key", key, "error", err)
		h.writeErrorResponse(w, r, http.StatusServiceUnavailable, models.ErrorCodeServiceUnavailable, "Rate limiter unavailable")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, quotaResponse(key, name, policy, status))
}

// AdminResetLimit clears the limiter state of a key, lifting any lockout
// DELETE /api/v1/admin/limits/{key}
func (h *Handlers) AdminResetLimit(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if err := h.limiter.Reset(r.Context(), key); err != nil {
		slog.Error("Admin limit reset failed", "key", key, "error", err)
		h.writeErrorResponse(w, r, http.StatusServiceUnavailable, models.ErrorCodeServiceUnavailable, "Rate limiter unavailable")
		return
	}

	admin := "unknown"
	if acct, ok := models.AccountFromContext(r.Context()); ok {
		admin = acct.Name
	}
	slog.Info("Limiter state reset", "key", key, "admin", admin)
	w.WriteHeader(http.StatusNoContent)
}
