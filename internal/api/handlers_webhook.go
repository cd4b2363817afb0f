package api

import (
	"io"
	"net/http"

	"github.com/exchange-oracle/internal/webhook"
)

// maxWebhookBody bounds the accepted request size. Event payloads are small;
// anything larger is not a legitimate oracle webhook.
const maxWebhookBody = 1 << 20

// handleWebhook accepts one signed oracle event. Duplicates of already
// completed events are acknowledged with 200 so the sender stops retrying.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "failed to read request body", nil)
		return
	}

	signature := r.Header.Get(webhook.SignatureHeader)
	if err := s.receiver.Handle(r.Context(), body, signature); err != nil {
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handlePlatformWebhook accepts one HMAC-authenticated event from the
// annotation platform.
func (s *Server) handlePlatformWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "failed to read request body", nil)
		return
	}

	signature := r.Header.Get(webhook.PlatformSignatureHeader)
	if err := s.platform.Handle(r.Context(), body, signature); err != nil {
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
