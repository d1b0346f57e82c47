package audit

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetbridge/fleetd/internal/httpserver"
	"github.com/fleetbridge/fleetd/internal/store/pgstore"
)

// Store is the narrow read surface this handler needs from pgstore.Store.
type Store interface {
	ListAuditLog(ctx context.Context, limit, offset int) ([]pgstore.AuditLogRow, int, error)
}

// Handler provides HTTP handlers for the admin-facing audit log API.
type Handler struct {
	logger *slog.Logger
	store  Store
}

// NewHandler creates an audit log Handler.
func NewHandler(logger *slog.Logger, store Store) *Handler {
	return &Handler{logger: logger, store: store}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	rows, total, err := h.store.ListAuditLog(r.Context(), params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(rows, params, total))
}
