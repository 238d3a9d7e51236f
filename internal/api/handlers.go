// Package api exposes the campaign HTTP surface: run start, delivery
// statistics, result cleanup, and the provider delivery-event webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/campaign-mailer/internal/campaign"
	"github.com/ignite/campaign-mailer/internal/content"
	"github.com/ignite/campaign-mailer/internal/dispatch"
	"github.com/ignite/campaign-mailer/internal/pkg/logger"
	"github.com/ignite/campaign-mailer/internal/status"
)

// RunStarter launches campaign runs.
type RunStarter interface {
	StartRun(ctx context.Context, req dispatch.RunRequest) error
}

// StatusStore is the delivery-status surface the handlers need.
type StatusStore interface {
	Statistics(ctx context.Context, campaignID string) (status.Statistics, error)
	UpdateStatus(ctx context.Context, recipient, operationID string, st status.Status) error
	DeleteByCampaign(ctx context.Context, campaignID string) (int, error)
}

// ContentLoader fetches stored campaign content.
type ContentLoader interface {
	Load(ctx context.Context, campaignID string) (*content.Document, error)
}

// CampaignDefaults are applied when a start request omits tuning fields.
type CampaignDefaults struct {
	MaxRecipientsPerSend int
	IdleFlush            time.Duration
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	supervisor RunStarter
	store      StatusStore
	loader     ContentLoader
	defaults   CampaignDefaults

	// Confirms provider webhook subscriptions; swapped in tests.
	httpGet func(url string) (*http.Response, error)
}

// NewHandlers creates the handler set.
func NewHandlers(supervisor RunStarter, store StatusStore, loader ContentLoader, defaults CampaignDefaults) *Handlers {
	return &Handlers{
		supervisor: supervisor,
		store:      store,
		loader:     loader,
		defaults:   defaults,
		httpGet:    http.Get,
	}
}

// StartRequest is the body of POST /campaign/start. Content and sender may
// be inlined or omitted to use the stored content document.
type StartRequest struct {
	CampaignID           string                 `json:"campaignId"`
	ListName             string                 `json:"listName"`
	MaxRecipientsPerSend int                    `json:"maxRecipientsPerSend"`
	SkipIngestion        bool                   `json:"skipIngestion"`
	SenderAddress        string                 `json:"senderAddress"`
	ReplyTo              *campaign.EmailAddress `json:"replyTo,omitempty"`
	Content              *campaign.Content      `json:"content,omitempty"`
}

// StartCampaign handles POST /campaign/start. Accepted runs return 202
// immediately; the run itself proceeds in the background.
func (h *Handlers) StartCampaign(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CampaignID == "" {
		respondError(w, http.StatusBadRequest, "campaignId is required")
		return
	}
	if req.ListName == "" && !req.SkipIngestion {
		respondError(w, http.StatusBadRequest, "listName is required")
		return
	}

	emailContent := req.Content
	sender := req.SenderAddress
	replyTo := campaign.EmailAddress{}
	if req.ReplyTo != nil {
		replyTo = *req.ReplyTo
	}
	if emailContent == nil || sender == "" {
		doc, err := h.loader.Load(r.Context(), req.CampaignID)
		if err != nil {
			logger.Error("failed to load campaign content", "campaign_id", req.CampaignID, "error", err.Error())
			respondError(w, http.StatusBadRequest, fmt.Sprintf("no stored content for campaign %s", req.CampaignID))
			return
		}
		if emailContent == nil {
			c := doc.Content()
			emailContent = &c
		}
		if sender == "" {
			sender = doc.SenderEmailAddress
		}
		if replyTo.Address == "" {
			replyTo = doc.ReplyTo()
		}
	}

	maxRecipients := req.MaxRecipientsPerSend
	if maxRecipients == 0 {
		maxRecipients = h.defaults.MaxRecipientsPerSend
	}

	cmp, err := campaign.New(req.CampaignID, *emailContent, replyTo, sender, maxRecipients, h.defaults.IdleFlush)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.supervisor.StartRun(r.Context(), dispatch.RunRequest{
		Campaign:      cmp,
		ListName:      req.ListName,
		SkipIngestion: req.SkipIngestion,
	})
	if errors.Is(err, dispatch.ErrRunActive) {
		respondError(w, http.StatusConflict, fmt.Sprintf("campaign %s is already running", req.CampaignID))
		return
	}
	if err != nil {
		logger.Error("failed to start campaign run", "campaign_id", req.CampaignID, "error", err.Error())
		respondError(w, http.StatusInternalServerError, "failed to start campaign run")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"campaignId": req.CampaignID,
	})
}

// DeliveryStatistics handles GET /campaign/deliveryStatistics.
func (h *Handlers) DeliveryStatistics(w http.ResponseWriter, r *http.Request) {
	campaignID := r.URL.Query().Get("campaignId")
	if campaignID == "" {
		respondError(w, http.StatusBadRequest, "campaignId is required")
		return
	}

	stats, err := h.store.Statistics(r.Context(), campaignID)
	if err != nil {
		logger.Error("failed to read delivery statistics", "campaign_id", campaignID, "error", err.Error())
		respondError(w, http.StatusInternalServerError, "failed to read delivery statistics")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// DeleteDeliveryResults handles DELETE /campaign/deliveryResults. Deletion
// runs in the background; large campaigns can hold millions of records.
func (h *Handlers) DeleteDeliveryResults(w http.ResponseWriter, r *http.Request) {
	campaignID := r.URL.Query().Get("campaignId")
	if campaignID == "" {
		respondError(w, http.StatusBadRequest, "campaignId is required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		n, err := h.store.DeleteByCampaign(ctx, campaignID)
		if err != nil {
			logger.Error("failed to delete delivery results", "campaign_id", campaignID, "error", err.Error())
			return
		}
		logger.Info("delivery results deleted", "campaign_id", campaignID, "count", fmt.Sprintf("%d", n))
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"campaignId": campaignID,
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}
