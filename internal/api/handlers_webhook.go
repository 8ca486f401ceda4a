/**
 * @description
 * Internal webhook endpoint bridging the payment processor's HTTP callbacks
 * into the same transfer-status path the queue consumer uses. Guarded by the
 * shared internal API key, never by user JWTs.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - internal/domain: The processor event shape.
 */

package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/sparklecrew/affiliate-service/internal/domain"
)

// ProcessorTransferWebhookHandler accepts a processor transfer status callback
// and applies it. Replays of a terminal status are acknowledged without error.
func (h *AffiliateHandlers) ProcessorTransferWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.ProcessorTransferEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if event.TransferRef == "" && event.BatchID == "" && event.LedgerEntryID == "" {
		h.writeError(w, http.StatusBadRequest, "Event must carry a transfer_ref, batch_id, or ledger_entry_id")
		return
	}

	log.Printf("level=info component=api endpoint=processor_webhook transfer_ref=%s batch_id=%s status=%s", event.TransferRef, event.BatchID, event.Status)
	if err := h.service.ApplyProcessorTransferUpdate(r.Context(), event); err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
