package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ignite/campaign-mailer/internal/pkg/logger"
	"github.com/ignite/campaign-mailer/internal/status"
)

// snsEnvelope is the notification wrapper the provider posts to the
// webhook. SubscriptionConfirmation carries a URL to visit once;
// Notification wraps the actual delivery event as a JSON string.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

// deliveryEvent is the provider's per-message event payload. Tags carry
// back the operation and campaign ids attached at send time.
type deliveryEvent struct {
	EventType string `json:"eventType"`
	Mail      struct {
		Destination []string            `json:"destination"`
		Tags        map[string][]string `json:"tags"`
	} `json:"mail"`
}

// DeliveryEvents handles POST /campaign/deliveryEvents: the subscription
// handshake plus per-recipient status updates confirmed by the provider.
func (h *Handlers) DeliveryEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		respondError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	switch env.Type {
	case "SubscriptionConfirmation":
		h.confirmSubscription(w, env)
	case "Notification":
		h.applyDeliveryEvent(w, r, env)
	default:
		// UnsubscribeConfirmation and anything unrecognized are
		// acknowledged without action.
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Handlers) confirmSubscription(w http.ResponseWriter, env snsEnvelope) {
	if env.SubscribeURL == "" {
		respondError(w, http.StatusBadRequest, "missing subscribe URL")
		return
	}
	resp, err := h.httpGet(env.SubscribeURL)
	if err != nil {
		logger.Error("subscription confirmation failed", "error", err.Error())
		respondError(w, http.StatusBadGateway, "subscription confirmation failed")
		return
	}
	resp.Body.Close()
	logger.Info("delivery event subscription confirmed")
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) applyDeliveryEvent(w http.ResponseWriter, r *http.Request, env snsEnvelope) {
	var event deliveryEvent
	if err := json.Unmarshal([]byte(env.Message), &event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid delivery event")
		return
	}

	st, relevant := eventStatus(event.EventType)
	if !relevant {
		w.WriteHeader(http.StatusOK)
		return
	}

	operationID := firstTag(event.Mail.Tags, "operation_id")
	if operationID == "" {
		logger.Warn("delivery event without operation tag", "event_type", event.EventType, "message_id", env.MessageID)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, recipient := range event.Mail.Destination {
		if err := h.store.UpdateStatus(r.Context(), recipient, operationID, st); err != nil {
			logger.Error("failed to apply delivery event",
				"operation_id", operationID,
				"recipient", recipient,
				"error", err.Error())
		}
	}
	logger.Debug("delivery event applied",
		"event_type", event.EventType,
		"operation_id", operationID,
		"recipients", len(event.Mail.Destination))
	w.WriteHeader(http.StatusOK)
}

// eventStatus maps provider event types onto stored statuses. Engagement
// events (opens, clicks) are not tracked here.
func eventStatus(eventType string) (status.Status, bool) {
	switch eventType {
	case "Delivery":
		return status.Completed, true
	case "Bounce", "Reject", "RenderingFailure":
		return status.Failed, true
	default:
		return "", false
	}
}

func firstTag(tags map[string][]string, name string) string {
	if vals := tags[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}
