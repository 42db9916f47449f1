package httpapi

import (
	"net/http"
	"strings"

	"pishop.app/internal/ledger"
)

type createPaymentRequest struct {
	PaymentID string `json:"paymentId" validate:"required,max=128"`
	PackageID string `json:"packageId" validate:"omitempty,max=64"`
}

type completePaymentRequest struct {
	TxID string `json:"txid" validate:"required,max=256"`
}

type listPaymentsResponse struct {
	Items []ledger.Payment `json:"items"`
}

type paymentAction int

const (
	actionApprove paymentAction = iota + 1
	actionComplete
	actionCancel
	actionReconcile
)

func parseAction(s string) (paymentAction, bool) {
	switch s {
	case "approve":
		return actionApprove, true
	case "complete":
		return actionComplete, true
	case "cancel":
		return actionCancel, true
	case "reconcile":
		return actionReconcile, true
	}
	return 0, false
}

func (a *API) handlePaymentsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listPayments(w, r)
	case http.MethodPost:
		a.createPayment(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handlePaymentResource serves /payments/{id} and /payments/{id}/{action}.
func (a *API) handlePaymentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/payments/"), "/")
	id, rest, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(rest, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if rest == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getPayment(w, r, id)
		return
	}

	action, ok := parseAction(rest)
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var (
		p   ledger.Payment
		err error
	)
	user := callerID(r)
	switch action {
	case actionApprove:
		p, err = a.payments.Approve(r.Context(), user, id)
	case actionComplete:
		var req completePaymentRequest
		if err := a.decodeRequest(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		p, err = a.payments.Complete(r.Context(), user, id, req.TxID)
	case actionCancel:
		p, err = a.payments.Cancel(r.Context(), user, id)
	case actionReconcile:
		p, err = a.payments.Reconcile(r.Context(), user, id)
	}
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := a.decodeRequest(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.payments.Create(r.Context(), callerID(r), strings.TrimSpace(req.PaymentID), strings.TrimSpace(req.PackageID))
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/payments/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) getPayment(w http.ResponseWriter, r *http.Request, id string) {
	p, err := a.payments.Get(r.Context(), callerID(r), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) listPayments(w http.ResponseWriter, r *http.Request) {
	items, err := a.payments.List(r.Context(), callerID(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Payment{}
	}
	writeJSON(w, http.StatusOK, listPaymentsResponse{Items: items})
}
