package httpapi

import (
	"net/http"
	"time"

	"pishop.app/internal/audit"
	"pishop.app/internal/ledger"
)

type authRequest struct {
	AccessToken string `json:"accessToken" validate:"required,max=4096"`
}

type authResponse struct {
	SessionToken string      `json:"sessionToken"`
	ExpiresAt    time.Time   `json:"expiresAt"`
	User         ledger.User `json:"user"`
}

func (a *API) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req authRequest
	if err := a.decodeRequest(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.auth.Verify(r.Context(), req.AccessToken)
	if err != nil {
		handleError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventLogin, map[string]any{
		"user_id":     res.User.ID,
		"external_id": res.User.ExternalID,
		"expires_at":  res.ExpiresAt.UTC().Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, authResponse{
		SessionToken: res.SessionToken,
		ExpiresAt:    res.ExpiresAt,
		User:         res.User,
	})
}
