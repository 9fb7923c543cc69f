package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vionex/impact/api/handlers/dberror"
	"github.com/vionex/impact/impact/pkg/domain"
	"github.com/vionex/impact/impact/pkg/lifecycle"
	"github.com/vionex/impact/impact/pkg/store"
)

type ngoProfileRequest struct {
	ID      string         `json:"id"`
	Name    string         `json:"ngoName"`
	Email   string         `json:"email"`
	Profile map[string]any `json:"profile"`
}

func (a *API) PutNGOProfile(w http.ResponseWriter, r *http.Request) {
	var req ngoProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	status, mode := http.StatusOK, store.PutOverwrite
	if req.ID == "" {
		req.ID = uuid.NewString()
		status, mode = http.StatusCreated, store.PutInsertIfAbsent
	}
	now := a.cfg.Clock.Now().UTC()
	ngo := &domain.NGO{
		ID:        req.ID,
		Name:      strings.TrimSpace(req.Name),
		Email:     strings.TrimSpace(req.Email),
		Profile:   req.Profile,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ngo.Validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.cfg.Store.PutNGO(r.Context(), ngo, mode); err != nil {
		a.writeError(w, r, err)
		return
	}

	saved, err := a.cfg.Store.GetNGO(r.Context(), ngo.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.Info("api: ngo profile saved", "ngo_id", saved.ID, "created", status == http.StatusCreated)
	writeJSON(w, status, saved)
}

func (a *API) GetNGOByEmail(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	ngo, err := dberror.Retry(r.Context(), dberror.ReadConfig(), func(ctx context.Context) (*domain.NGO, error) {
		return a.cfg.Store.GetNGOByEmail(ctx, email)
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ngo)
}

// RequestResponse is the NGO-facing view of a donation.
type RequestResponse struct {
	ID           string        `json:"id"`
	MedicineName string        `json:"medicineName"`
	Quantity     int64         `json:"quantity"`
	ExpiryDate   *time.Time    `json:"expiryDate,omitempty"`
	QRCode       string        `json:"qrCode,omitempty"`
	Status       domain.Status `json:"status"`
	Feedback     string        `json:"feedback,omitempty"`
}

func (a *API) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := dberror.Retry(r.Context(), dberror.ReadConfig(), func(ctx context.Context) (*domain.Donation, error) {
		return a.cfg.Lifecycle.Get(ctx, id)
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RequestResponse{
		ID:           d.ID,
		MedicineName: d.MedicineName,
		Quantity:     d.Quantity,
		ExpiryDate:   d.ExpiryDate,
		QRCode:       d.RequestToken,
		Status:       d.Status,
		Feedback:     d.Outcome.Thumb(),
	})
}

func (a *API) ClaimRequest(w http.ResponseWriter, r *http.Request) {
	var req confirmDonationRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.claim(w, r, chi.URLParam(r, "id"), req.NGOID, req.QRCode)
}

func (a *API) ConfirmRequest(w http.ResponseWriter, r *http.Request) {
	a.confirmDelivery(w, r, chi.URLParam(r, "id"))
}

type feedbackRequest struct {
	Thumb string `json:"thumb"`
}

// FeedbackResponse reports the ledger entry written for the feedback.
type FeedbackResponse struct {
	Success       bool             `json:"success"`
	TxSignature   string           `json:"txSignature"`
	ImpactPDA     string           `json:"impactPda"`
	Counter       uint64           `json:"counter"`
	PointsAwarded int64            `json:"pointsAwarded"`
	Balance       int64            `json:"balance"`
	Duplicate     bool             `json:"duplicate"`
	MirrorPending bool             `json:"mirrorPending"`
	RewardPending bool             `json:"rewardPending"`
	Donation      *domain.Donation `json:"donation"`
}

func (a *API) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")

	res, err := a.cfg.Feedback.Submit(r.Context(), id, req.Thumb)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyClosed) {
			a.log.Info("api: feedback conflicts with recorded outcome", "donation_id", id, "thumb", req.Thumb)
		}
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FeedbackResponse{
		Success:       true,
		TxSignature:   res.Signature,
		ImpactPDA:     res.SlotAddress,
		Counter:       res.CounterValue,
		PointsAwarded: res.PointsAwarded,
		Balance:       res.Balance,
		Duplicate:     res.Duplicate,
		MirrorPending: res.MirrorPending,
		RewardPending: res.RewardPending,
		Donation:      res.Donation,
	})
}
