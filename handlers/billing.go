package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"privatrengoering.dk/cloud/internal/auth"
	"privatrengoering.dk/cloud/internal/billing"
	ierr "privatrengoering.dk/cloud/internal/errors"
	"privatrengoering.dk/cloud/internal/logger"
)

const (
	maxBodyBytes        = int64(65536)
	signatureHeaderName = "Stripe-Signature"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return ierr.WithError(err).
			WithHint("Ugyldig JSON i forespørgslen").
			Mark(ierr.ErrInvalidArgument)
	}
	return nil
}

// CreateCheckoutSession starts a hosted subscription checkout. The endpoint
// is public; a bearer token, when sent, binds the session to that user.
func (s *Server) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CheckoutSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	in := billing.CheckoutRequest{
		BillingCustomerID: req.CustomerID,
		PriceID:           req.PriceID,
		SuccessURL:        req.SuccessURL,
		CancelURL:         req.CancelURL,
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		in.UserID = claims.UserID
		in.Email = claims.Email
	}

	session, err := s.billing.StartCheckout(r.Context(), in)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CheckoutSessionResponse{
		ID:  session.SessionID,
		URL: session.RedirectURL,
	})
}

func (s *Server) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	var req PortalSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	url, err := s.billing.OpenPortal(r.Context(), req.CustomerID, req.ReturnURL)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PortalSessionResponse{URL: url})
}

// HandleWebhook acknowledges every verified delivery with 200. Only an
// unreadable body or a bad signature is answered with 400 so the processor
// retries.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warn("Error reading webhook body", map[string]interface{}{
			"error": err.Error(),
		})
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return
	}

	result, err := s.billing.ProcessEvent(r.Context(), payload, r.Header.Get(signatureHeaderName))
	if err != nil {
		http.Error(w, "Webhook Error: invalid signature", http.StatusBadRequest)
		return
	}

	logger.Info("Webhook processed", map[string]interface{}{
		"event_id":   result.EventID,
		"event_type": result.Type,
		"outcome":    string(result.Outcome),
		"request_id": RequestIDFromContext(r.Context()),
	})
	writeJSON(w, http.StatusOK, WebhookResponse{Received: true})
}
