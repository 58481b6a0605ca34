/**
 * @description
 * This file contains the HTTP handlers for the promo-service API: the USSD
 * callback invoked by the telecom aggregator and the MTN MoMo disbursement
 * webhook. Both endpoints authenticate the caller before touching the service
 * layer: the USSD callback with an HMAC signature over the request fields, the
 * webhook with the provider subscription key.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex, encoding/json, net/http: Standard Go libraries.
 * - internal/app: The core redemption service.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log"
	"mime"
	"net/http"
	"strings"

	"github.com/mbelyco/promo-service/internal/app"
)

// HandlerConfig carries the request authentication settings for the API.
type HandlerConfig struct {
	SigningSecret   string
	SignatureHeader string
	SubscriptionKey string
}

// Handler holds the dependencies for the API handlers.
type Handler struct {
	service *app.Service
	cfg     HandlerConfig
}

// NewHandler creates a new API handler.
func NewHandler(service *app.Service, cfg HandlerConfig) *Handler {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Ussd-Signature"
	}
	return &Handler{service: service, cfg: cfg}
}

// HandleUSSD processes one aggregator callback. The reply is always plain
// text in the CON/END session protocol.
func (h *Handler) HandleUSSD(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseUSSDRequest(r)
	if !ok {
		writeUSSD(w, app.Reply{Body: app.ReplyInvalidRequest, Status: http.StatusBadRequest})
		return
	}

	if h.cfg.SigningSecret != "" && !h.verifySignature(r, req) {
		log.Printf("level=warn component=api endpoint=ussd msg=\"rejected request with bad signature\" session_id=%s remote=%s", req.SessionID, r.RemoteAddr)
		writeUSSD(w, app.Reply{Body: "END Unauthorized", Status: http.StatusUnauthorized})
		return
	}

	req.SourceIP = remoteIP(r)
	writeUSSD(w, h.service.HandleUSSD(r.Context(), req))
}

// parseUSSDRequest accepts either the aggregator's form encoding or JSON.
func (h *Handler) parseUSSDRequest(r *http.Request) (app.USSDRequest, bool) {
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if contentType == "application/json" {
		var req app.USSDRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return app.USSDRequest{}, false
		}
		return req, true
	}

	if err := r.ParseForm(); err != nil {
		return app.USSDRequest{}, false
	}
	return app.USSDRequest{
		SessionID:   r.PostFormValue("sessionId"),
		PhoneNumber: r.PostFormValue("phoneNumber"),
		ServiceCode: r.PostFormValue("serviceCode"),
		Text:        r.PostFormValue("text"),
	}, true
}

// verifySignature checks the aggregator's HMAC-SHA256 signature over the
// canonical field string. Comparison is constant time.
func (h *Handler) verifySignature(r *http.Request, req app.USSDRequest) bool {
	provided := strings.TrimSpace(r.Header.Get(h.cfg.SignatureHeader))
	if provided == "" {
		return false
	}
	providedBytes, err := hex.DecodeString(strings.ToLower(provided))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.cfg.SigningSecret))
	mac.Write([]byte(canonicalUSSDString(req)))
	return hmac.Equal(providedBytes, mac.Sum(nil))
}

// canonicalUSSDString is the signing payload agreed with the aggregator.
func canonicalUSSDString(req app.USSDRequest) string {
	return strings.Join([]string{req.SessionID, req.PhoneNumber, req.ServiceCode, req.Text}, "|")
}

func writeUSSD(w http.ResponseWriter, reply app.Reply) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(reply.Status)
	w.Write([]byte(reply.Body))
}

// momoWebhookPayload tolerates the provider's field-name variations across
// callback versions.
type momoWebhookPayload struct {
	ExternalID             string `json:"externalId"`
	MomoReference          string `json:"momoReference"`
	Reference              string `json:"reference"`
	FinancialTransactionID string `json:"financialTransactionId"`
	TransactionID          string `json:"transactionId"`
	Status                 string `json:"status"`
}

func (p momoWebhookPayload) reference() string {
	for _, v := range []string{p.ExternalID, p.MomoReference, p.Reference} {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func (p momoWebhookPayload) transactionID() string {
	for _, v := range []string{p.FinancialTransactionID, p.TransactionID} {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// HandleMomoWebhook processes a provider disbursement confirmation. Repeats
// and unknown references acknowledge with 200 so the provider stops
// redelivering.
func (h *Handler) HandleMomoWebhook(w http.ResponseWriter, r *http.Request) {
	if h.cfg.SubscriptionKey != "" {
		provided := r.Header.Get("Ocp-Apim-Subscription-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.cfg.SubscriptionKey)) != 1 {
			log.Printf("level=warn component=api endpoint=webhook msg=\"rejected webhook with bad subscription key\" remote=%s", r.RemoteAddr)
			writeWebhook(w, http.StatusUnauthorized, false)
			return
		}
	}

	var payload momoWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeWebhook(w, http.StatusBadRequest, false)
		return
	}

	reference := payload.reference()
	if reference == "" {
		writeWebhook(w, http.StatusBadRequest, false)
		return
	}

	result, err := h.service.ReconcileDisbursement(r.Context(), reference, payload.transactionID())
	if err != nil {
		log.Printf("level=error component=api endpoint=webhook msg=\"reconciliation failed\" reference=%s err=%v", reference, err)
		writeWebhook(w, http.StatusInternalServerError, false)
		return
	}

	log.Printf("level=info component=api endpoint=webhook msg=\"webhook processed\" reference=%s result=%s", reference, result)
	writeWebhook(w, http.StatusOK, true)
}

func writeWebhook(w http.ResponseWriter, status int, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]bool{"ok": ok})
}

// RejectUSSD denies a USSD request in the aggregator's plain-text protocol.
func RejectUSSD(w http.ResponseWriter, r *http.Request) {
	writeUSSD(w, app.Reply{Body: "END Unauthorized", Status: http.StatusUnauthorized})
}

// RejectWebhook denies a webhook delivery in the provider's JSON protocol.
func RejectWebhook(w http.ResponseWriter, r *http.Request) {
	writeWebhook(w, http.StatusUnauthorized, false)
}

// HandleHealth is a simple liveness probe.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
