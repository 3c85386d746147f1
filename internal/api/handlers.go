// Package api is the ops HTTP surface: health, provider usage, manual
// processing triggers, account/campaign registration, and ad-hoc test
// sends. It is operational tooling, not a public product API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/embersend/warmup-engine/internal/content"
	"github.com/embersend/warmup-engine/internal/domain"
	"github.com/embersend/warmup-engine/internal/ratelimit"
	"github.com/embersend/warmup-engine/internal/store"
	"github.com/embersend/warmup-engine/internal/transport"
)

// SchedulerService triggers campaign processing passes.
type SchedulerService interface {
	ProcessAllCampaigns(ctx context.Context) (map[string]int, error)
	ProcessCampaignByID(ctx context.Context, id string) (int, error)
}

// ResponderService triggers receiver inbox passes.
type ResponderService interface {
	ProcessAllReceivers(ctx context.Context) (map[string]int, error)
	ProcessReceiverByID(ctx context.Context, id string) (int, error)
}

// BounceService triggers bounce scans.
type BounceService interface {
	ProcessAllSenders(ctx context.Context) (map[string]int, error)
	ProcessSenderByID(ctx context.Context, id string) (int, error)
}

// Store is the persistence surface the handlers need.
type Store interface {
	CampaignByID(ctx context.Context, id string) (*domain.Campaign, error)
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	UpdateCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error
	AccountByID(ctx context.Context, id string) (*domain.Account, error)
	AccountsByRole(ctx context.Context, role domain.AccountRole) ([]*domain.Account, error)
	CreateAccount(ctx context.Context, a *domain.Account) error
}

// Generator produces content for test sends.
type Generator interface {
	Generate(ctx context.Context, req content.Request) content.Content
}

// Handlers carries the dependencies for every endpoint.
type Handlers struct {
	scheduler SchedulerService
	responder ResponderService
	bounces   BounceService
	store     Store
	gen       Generator
	mailer    transport.Mailer
	tracker   *ratelimit.Tracker
}

func NewHandlers(scheduler SchedulerService, responder ResponderService, bounces BounceService, st Store, gen Generator, mailer transport.Mailer, tracker *ratelimit.Tracker) *Handlers {
	return &Handlers{
		scheduler: scheduler,
		responder: responder,
		bounces:   bounces,
		store:     st,
		gen:       gen,
		mailer:    mailer,
		tracker:   tracker,
	}
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// providerUsage is one provider's window consumption plus the saturation
// forecast for operational dashboards.
type providerUsage struct {
	ratelimit.Usage
	SaturatesInSeconds *int64 `json:"saturates_in_seconds,omitempty"`
}

func (h *Handlers) ProviderUsage(w http.ResponseWriter, r *http.Request) {
	snapshot := h.tracker.Snapshot()
	out := make([]providerUsage, 0, len(snapshot))
	for _, u := range snapshot {
		pu := providerUsage{Usage: u}
		if d, ok := h.tracker.ForecastSaturation(u.Provider); ok {
			secs := int64(d / time.Second)
			pu.SaturatesInSeconds = &secs
		}
		out = append(out, pu)
	}
	respondJSON(w, http.StatusOK, out)
}

// ---- manual triggers ----

func (h *Handlers) TriggerCampaigns(w http.ResponseWriter, r *http.Request) {
	results, err := h.scheduler.ProcessAllCampaigns(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sent": results})
}

func (h *Handlers) TriggerCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sent, err := h.scheduler.ProcessCampaignByID(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "sent": sent})
}

func (h *Handlers) TriggerReceivers(w http.ResponseWriter, r *http.Request) {
	results, err := h.responder.ProcessAllReceivers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"replies": results})
}

func (h *Handlers) TriggerReceiver(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	replies, err := h.responder.ProcessReceiverByID(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"account_id": id, "replies": replies})
}

func (h *Handlers) TriggerBounceScan(w http.ResponseWriter, r *http.Request) {
	results, err := h.bounces.ProcessAllSenders(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"bounces": results})
}

func (h *Handlers) TriggerBounceScanFor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.bounces.ProcessSenderByID(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"account_id": id, "bounces": n})
}

// ---- campaign lifecycle ----

func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.setCampaignStatus(w, r, domain.CampaignPaused, domain.CampaignActive, domain.CampaignPending)
}

func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.setCampaignStatus(w, r, domain.CampaignActive, domain.CampaignPaused)
}

func (h *Handlers) setCampaignStatus(w http.ResponseWriter, r *http.Request, to domain.CampaignStatus, allowedFrom ...domain.CampaignStatus) {
	id := chi.URLParam(r, "id")
	c, err := h.store.CampaignByID(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	ok := false
	for _, from := range allowedFrom {
		if c.Status == from {
			ok = true
		}
	}
	if !ok {
		respondError(w, http.StatusConflict, "campaign is "+string(c.Status))
		return
	}
	if err := h.store.UpdateCampaignStatus(r.Context(), id, to); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"campaign_id": id, "status": string(to)})
}

type createCampaignInput struct {
	Name          string   `json:"name"`
	SenderIDs     []string `json:"sender_ids"`
	ReceiverIDs   []string `json:"receiver_ids"`
	DurationWeeks int      `json:"duration_weeks"`
	Language      string   `json:"language"`
}

func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in createCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.Name == "" || len(in.SenderIDs) == 0 || len(in.ReceiverIDs) == 0 {
		respondError(w, http.StatusBadRequest, "name, sender_ids, and receiver_ids are required")
		return
	}
	if in.DurationWeeks <= 0 {
		in.DurationWeeks = 6
	}
	if in.Language == "" {
		in.Language = "en"
	}
	c := &domain.Campaign{
		Name:          in.Name,
		SenderIDs:     in.SenderIDs,
		ReceiverIDs:   in.ReceiverIDs,
		Status:        domain.CampaignPending,
		DurationWeeks: in.DurationWeeks,
		Language:      in.Language,
	}
	if err := h.store.CreateCampaign(r.Context(), c); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

type createAccountInput struct {
	Email         string `json:"email"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	SMTPHost      string `json:"smtp_host"`
	SMTPPort      int    `json:"smtp_port"`
	SMTPUsername  string `json:"smtp_username"`
	SMTPPassword  string `json:"smtp_password"`
	IMAPHost      string `json:"imap_host"`
	IMAPPort      int    `json:"imap_port"`
	IMAPUsername  string `json:"imap_username"`
	IMAPPassword  string `json:"imap_password"`
	DomainAgeDays int    `json:"domain_age_days"`
}

func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var in createAccountInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	role := domain.AccountRole(in.Role)
	if role != domain.RoleSender && role != domain.RoleReceiver {
		respondError(w, http.StatusBadRequest, "role must be sender or receiver")
		return
	}
	if in.Email == "" || in.SMTPHost == "" {
		respondError(w, http.StatusBadRequest, "email and smtp_host are required")
		return
	}
	a := &domain.Account{
		Email:         in.Email,
		Name:          in.Name,
		Role:          role,
		Status:        domain.AccountActive,
		SMTPHost:      in.SMTPHost,
		SMTPPort:      in.SMTPPort,
		SMTPUsername:  in.SMTPUsername,
		SMTPPassword:  in.SMTPPassword,
		IMAPHost:      in.IMAPHost,
		IMAPPort:      in.IMAPPort,
		IMAPUsername:  in.IMAPUsername,
		IMAPPassword:  in.IMAPPassword,
		DomainAgeDays: in.DomainAgeDays,
	}
	if err := h.store.CreateAccount(r.Context(), a); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Never echo credentials back. The store may retain the struct, so the
	// response is a copy with the passwords blanked, not a mutation of it.
	echo := *a
	echo.SMTPPassword, echo.IMAPPassword = "", ""
	respondJSON(w, http.StatusCreated, &echo)
}

// ---- reputation ----

type reputationRow struct {
	AccountID  string  `json:"account_id"`
	Email      string  `json:"email"`
	Status     string  `json:"status"`
	TotalSent  int     `json:"total_sent"`
	OpenRate   float64 `json:"open_rate"`
	ReplyRate  float64 `json:"reply_rate"`
	BounceRate float64 `json:"bounce_rate"`
}

// Reputation reports derived engagement rates for every sender, the same
// numbers the scheduler's circuit breaker reads.
func (h *Handlers) Reputation(w http.ResponseWriter, r *http.Request) {
	senders, err := h.store.AccountsByRole(r.Context(), domain.RoleSender)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]reputationRow, 0, len(senders))
	for _, a := range senders {
		out = append(out, reputationRow{
			AccountID:  a.ID,
			Email:      a.Email,
			Status:     string(a.Status),
			TotalSent:  a.TotalSent,
			OpenRate:   a.OpenRate(),
			ReplyRate:  a.ReplyRate(),
			BounceRate: a.BounceRate(),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// ---- test send ----

type testSendInput struct {
	SenderID string `json:"sender_id"`
	To       string `json:"to"`
	Language string `json:"language"`
}

// TestSend generates content and sends one ad-hoc email immediately,
// bypassing the schedule gate. Used to verify an account's SMTP setup.
func (h *Handlers) TestSend(w http.ResponseWriter, r *http.Request) {
	var in testSendInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.SenderID == "" || in.To == "" {
		respondError(w, http.StatusBadRequest, "sender_id and to are required")
		return
	}

	sender, err := h.store.AccountByID(r.Context(), in.SenderID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	gc := h.gen.Generate(r.Context(), content.Request{
		SenderName: sender.Name,
		Language:   in.Language,
	})
	out := &domain.OutboundMessage{
		From:     sender.Email,
		FromName: sender.Name,
		To:       in.To,
		Subject:  gc.Subject,
		Body:     gc.Body,
	}
	if err := h.mailer.SendMail(r.Context(), sender, out); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"subject":  gc.Subject,
		"provider": gc.Provider,
	})
}

// ---- helpers ----

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
