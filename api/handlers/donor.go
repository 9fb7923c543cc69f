package handlers

import (
	"context"
	"fmt"
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

type donorProfileRequest struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Email   string         `json:"email"`
	Profile map[string]any `json:"profile"`
}

// PutDonorProfile creates a donor, or replaces an existing donor's profile when the
// body carries its id. Points are never taken from the body.
func (a *API) PutDonorProfile(w http.ResponseWriter, r *http.Request) {
	var req donorProfileRequest
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
	donor := &domain.Donor{
		ID:        req.ID,
		Name:      strings.TrimSpace(req.Name),
		Email:     strings.TrimSpace(req.Email),
		Profile:   req.Profile,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := donor.Validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.cfg.Store.PutDonor(r.Context(), donor, mode); err != nil {
		a.writeError(w, r, err)
		return
	}

	saved, err := a.cfg.Store.GetDonor(r.Context(), donor.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.Info("api: donor profile saved", "donor_id", saved.ID, "created", status == http.StatusCreated)
	writeJSON(w, status, saved)
}

func (a *API) GetDonorByEmail(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	donor, err := dberror.Retry(r.Context(), dberror.ReadConfig(), func(ctx context.Context) (*domain.Donor, error) {
		return a.cfg.Store.GetDonorByEmail(ctx, email)
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, donor)
}

func (a *API) GetDonorProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	donor, err := dberror.Retry(r.Context(), dberror.ReadConfig(), func(ctx context.Context) (*domain.Donor, error) {
		return a.cfg.Store.GetDonor(ctx, id)
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, donor)
}

type donationsResponse struct {
	Donations []domain.Donation `json:"donations"`
}

func (a *API) ListDonorDonations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.cfg.Store.GetDonor(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	donations, err := dberror.Retry(r.Context(), dberror.ReadConfig(), func(ctx context.Context) ([]domain.Donation, error) {
		return a.cfg.Store.ListDonationsByDonor(ctx, id)
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if donations == nil {
		donations = []domain.Donation{}
	}
	writeJSON(w, http.StatusOK, donationsResponse{Donations: donations})
}

type createDonationRequest struct {
	MedicineName string `json:"medicineName"`
	Quantity     int64  `json:"quantity"`
	ExpiryDate   string `json:"expiryDate"`
}

func (a *API) CreateDonation(w http.ResponseWriter, r *http.Request) {
	var req createDonationRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	expiry, err := parseDate(req.ExpiryDate)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	d, err := a.cfg.Lifecycle.Create(r.Context(), lifecycle.CreateParams{
		DonorID:      chi.URLParam(r, "id"),
		MedicineName: req.MedicineName,
		Quantity:     req.Quantity,
		ExpiryDate:   expiry,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type confirmDonationRequest struct {
	NGOID  string `json:"ngoId"`
	QRCode string `json:"qrCode"`
}

type transitionResponse struct {
	Success  bool             `json:"success"`
	Changed  bool             `json:"changed"`
	Donation *domain.Donation `json:"donation"`
}

// ConfirmDonation claims the donation for an NGO when the body names one, and
// otherwise confirms delivery.
func (a *API) ConfirmDonation(w http.ResponseWriter, r *http.Request) {
	var req confirmDonationRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if req.NGOID != "" {
		a.claim(w, r, id, req.NGOID, req.QRCode)
		return
	}
	a.confirmDelivery(w, r, id)
}

func (a *API) claim(w http.ResponseWriter, r *http.Request, id, ngoID, token string) {
	d, err := a.cfg.Lifecycle.Claim(r.Context(), id, ngoID, token)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Success: true, Changed: true, Donation: d})
}

func (a *API) confirmDelivery(w http.ResponseWriter, r *http.Request, id string) {
	d, changed, err := a.cfg.Lifecycle.ConfirmDelivery(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Success: true, Changed: changed, Donation: d})
}

// parseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: invalid date %q", domain.ErrInvalidInput, s)
}
