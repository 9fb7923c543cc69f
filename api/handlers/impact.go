package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vionex/impact/api/handlers/dberror"
	"github.com/vionex/impact/impact/pkg/domain"
)

func (a *API) ListImpactLogs(w http.ResponseWriter, r *http.Request) {
	page := ParsePagination(r, DefaultLimit)

	type result struct {
		items []domain.ImpactLog
		total int
	}
	res, err := dberror.Retry(r.Context(), dberror.ReadConfig(), func(ctx context.Context) (result, error) {
		items, total, err := a.cfg.Store.ListImpactLogs(ctx, page)
		return result{items: items, total: total}, err
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	items := res.items
	if items == nil {
		items = []domain.ImpactLog{}
	}
	writeJSON(w, http.StatusOK, PaginatedResponse[domain.ImpactLog]{
		Items:  items,
		Total:  res.total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

func (a *API) GetImpactLog(w http.ResponseWriter, r *http.Request) {
	sig := chi.URLParam(r, "signature")
	l, err := dberror.Retry(r.Context(), dberror.ReadConfig(), func(ctx context.Context) (*domain.ImpactLog, error) {
		return a.cfg.Store.GetImpactLog(ctx, sig)
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}
