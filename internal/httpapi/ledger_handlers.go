package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"pishop.app/internal/auth"
	"pishop.app/internal/identity"
	"pishop.app/internal/ledger"
	"pishop.app/internal/obs"
	"pishop.app/internal/payments"
	"pishop.app/internal/price"
)

type listTransactionsResponse struct {
	Items []ledger.Transaction `json:"items"`
	AsOf  time.Time            `json:"as_of"`
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	items, err := a.payments.Transactions(r.Context(), callerID(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{Items: items, AsOf: time.Now().UTC()})
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeRequest decodes one JSON object strictly and validates it.
func (a *API) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := a.decodeJSON(w, r, dst); err != nil {
		return err
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" {
				return fmt.Errorf("%s is required", fe.Field())
			}
			return fmt.Errorf("%s is invalid (%s)", fe.Field(), fe.Tag())
		}
		return err
	}
	return nil
}

func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, a.maxBody)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleError is the single mapping from domain errors to HTTP statuses.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid access token")
	case errors.Is(err, auth.ErrExpiredOrInvalidSession):
		writeError(w, r, http.StatusUnauthorized, "session expired or invalid")
	case errors.Is(err, identity.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "identity provider unavailable")
	case errors.Is(err, price.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "price unavailable")
	case errors.Is(err, payments.ErrUpstreamUnavailable):
		writeError(w, r, http.StatusBadGateway, "payment platform unavailable")
	case errors.Is(err, payments.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "payment not found")
	case errors.Is(err, payments.ErrAlreadyTerminal):
		writeError(w, r, http.StatusConflict, "payment already completed or cancelled")
	case errors.Is(err, payments.ErrNotApproved):
		writeError(w, r, http.StatusConflict, "payment not approved")
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflicting update")
	case errors.Is(err, payments.ErrAmountMismatch), errors.Is(err, payments.ErrRejected):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
