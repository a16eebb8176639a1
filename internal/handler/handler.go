// Package handler содержит HTTP-обработчики API сервиса милей.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aeroclub/mileage-system/internal/middleware"
	"github.com/aeroclub/mileage-system/internal/model"
	"github.com/aeroclub/mileage-system/internal/repository"
	"github.com/aeroclub/mileage-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	GetMileageHistory(ctx context.Context, userID int64) ([]model.MileageTransaction, error)
	GetMileageSummary(ctx context.Context, userID int64) (*model.MileageSummary, error)
	RecordMileageEvent(ctx context.Context, draft model.TransactionDraft) (*service.MileageResult, error)
	AmendMileageEvent(ctx context.Context, id uuid.UUID, patch model.TransactionPatch, actingUserID int64) (*service.MileageResult, error)
	DeleteMileageEvent(ctx context.Context, id uuid.UUID) (*model.MileageSummary, error)
	ReconcileUser(ctx context.Context, userID int64) (*model.MileageSummary, error)
	OverrideMemberLevel(ctx context.Context, userID int64, level model.MemberLevel, actingAdmin int64) error
	ClearMemberLevelOverride(ctx context.Context, userID int64, actingAdmin int64) (*model.MileageSummary, error)
}

// Handler реализует HTTP-обработчики API сервиса милей.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

// writeEngineError транслирует таксономию ошибок движка в HTTP-статусы.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var validationErr *repository.ValidationError
	if errors.As(err, &validationErr) {
		http.Error(w, validationErr.Error(), http.StatusUnprocessableEntity)
		return
	}

	if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, repository.ErrTransactionNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var syncErr *service.SyncInconsistencyError
	if errors.As(err, &syncErr) {
		h.logger.Error("mileage sync inconsistency", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.logger.Error("mileage engine error", zap.Error(err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового участника.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if err := h.authMiddleware.SetAuthCookie(w, &model.User{ID: userID}); err != nil {
		h.logger.Error("set auth cookie error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию участника и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if err := h.authMiddleware.SetAuthCookie(w, user); err != nil {
		h.logger.Error("set auth cookie error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetMileageSummary возвращает сумму милей и уровень текущего участника.
func (h *Handler) GetMileageSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	summary, err := h.service.GetMileageSummary(r.Context(), userID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// GetMileageHistory возвращает мильную книжку текущего участника.
func (h *Handler) GetMileageHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	history, err := h.service.GetMileageHistory(r.Context(), userID)
	if err != nil {
		h.logger.Error("get mileage history error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, history)
}

type redeemRequest struct {
	Amount      *int64 `json:"amount"`
	Description string `json:"description"`
	Details     string `json:"details"`
}

// Redeem создаёт списание милей текущего участника.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Amount == nil {
		http.Error(w, "validation failed: amount: is required", http.StatusUnprocessableEntity)
		return
	}

	result, err := h.service.RecordMileageEvent(r.Context(), model.TransactionDraft{
		UserID:      userID,
		Amount:      *req.Amount,
		Kind:        model.KindRedeemed,
		Description: req.Description,
		Details:     req.Details,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, result)
}

type eventRequest struct {
	UserID        *int64     `json:"user_id"`
	Amount        *int64     `json:"amount"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	Description   string     `json:"description"`
	Details       string     `json:"details"`
	OccurredAt    *time.Time `json:"occurred_at"`
	RelatedFlight string     `json:"related_flight"`
}

// RecordEvent создаёт мильную операцию для любого участника (админская ручка).
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID == nil {
		http.Error(w, "validation failed: user_id: is required", http.StatusUnprocessableEntity)
		return
	}
	if req.Amount == nil {
		http.Error(w, "validation failed: amount: is required", http.StatusUnprocessableEntity)
		return
	}

	draft := model.TransactionDraft{
		UserID:        *req.UserID,
		Amount:        *req.Amount,
		Kind:          model.TransactionKind(req.Kind),
		Status:        model.TransactionStatus(req.Status),
		Description:   req.Description,
		Details:       req.Details,
		RelatedFlight: req.RelatedFlight,
	}
	if req.OccurredAt != nil {
		draft.OccurredAt = *req.OccurredAt
	}

	result, err := h.service.RecordMileageEvent(r.Context(), draft)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, result)
}

type amendRequest struct {
	Amount        *int64     `json:"amount"`
	Kind          *string    `json:"kind"`
	Status        *string    `json:"status"`
	Description   *string    `json:"description"`
	Details       *string    `json:"details"`
	OccurredAt    *time.Time `json:"occurred_at"`
	RelatedFlight *string    `json:"related_flight"`
}

// AmendEvent изменяет существующую операцию; счёт владельца пересчитывается полностью.
func (h *Handler) AmendEvent(w http.ResponseWriter, r *http.Request) {
	actingUserID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "validation failed: id: must be a UUID", http.StatusUnprocessableEntity)
		return
	}

	var req amendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	patch := model.TransactionPatch{
		Amount:        req.Amount,
		Description:   req.Description,
		Details:       req.Details,
		OccurredAt:    req.OccurredAt,
		RelatedFlight: req.RelatedFlight,
	}
	if req.Kind != nil {
		kind := model.TransactionKind(*req.Kind)
		patch.Kind = &kind
	}
	if req.Status != nil {
		status := model.TransactionStatus(*req.Status)
		patch.Status = &status
	}

	result, err := h.service.AmendMileageEvent(r.Context(), id, patch, actingUserID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// DeleteEvent удаляет операцию; счёт владельца пересчитывается полностью.
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "validation failed: id: must be a UUID", http.StatusUnprocessableEntity)
		return
	}

	summary, err := h.service.DeleteMileageEvent(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

func userIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
}

type levelRequest struct {
	Level string `json:"level"`
}

// OverrideLevel принудительно выставляет уровень участника по решению администратора.
func (h *Handler) OverrideLevel(w http.ResponseWriter, r *http.Request) {
	actingAdmin, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	userID, err := userIDParam(r)
	if err != nil {
		http.Error(w, "validation failed: userID: must be an integer", http.StatusUnprocessableEntity)
		return
	}

	var req levelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.OverrideMemberLevel(r.Context(), userID, model.MemberLevel(req.Level), actingAdmin); err != nil {
		h.writeEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ClearLevelOverride снимает переопределение уровня и возвращает расчётный уровень.
func (h *Handler) ClearLevelOverride(w http.ResponseWriter, r *http.Request) {
	actingAdmin, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	userID, err := userIDParam(r)
	if err != nil {
		http.Error(w, "validation failed: userID: must be an integer", http.StatusUnprocessableEntity)
		return
	}

	summary, err := h.service.ClearMemberLevelOverride(r.Context(), userID, actingAdmin)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// Reconcile выполняет принудительный полный пересчёт счёта участника.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		http.Error(w, "validation failed: userID: must be an integer", http.StatusUnprocessableEntity)
		return
	}

	summary, err := h.service.ReconcileUser(r.Context(), userID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}
