// Package service реализует бизнес-логику мильного движка.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeroclub/mileage-system/internal/flightfeed"
	"github.com/aeroclub/mileage-system/internal/model"
	"github.com/aeroclub/mileage-system/internal/repository"
	"github.com/aeroclub/mileage-system/internal/tier"
)

// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

var negativeTotals = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "mileage_negative_totals_total",
	Help: "Times a member total went negative after recomputation",
})

func init() {
	prometheus.MustRegister(negativeTotals)
}

// SyncInconsistencyError сигнализирует о расхождении инкрементального расчёта
// суммы милей с полным пересчётом по книжке. В хранилище при этом уже записан
// результат полного пересчёта.
type SyncInconsistencyError struct {
	UserID      int64
	Incremental int64
	Replayed    int64
}

// Error возвращает текст ошибки с обоими значениями суммы.
func (e *SyncInconsistencyError) Error() string {
	return fmt.Sprintf("mileage sync inconsistency for user %d: incremental %d, replayed %d",
		e.UserID, e.Incremental, e.Replayed)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, isAdmin bool) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, userID int64) (*model.User, error)
	ListTransactionsByUser(ctx context.Context, userID int64) ([]model.MileageTransaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (model.MileageTransaction, error)
	CreateTransaction(ctx context.Context, draft model.TransactionDraft) (model.MileageTransaction, error)
	UpdateTransaction(ctx context.Context, id uuid.UUID, patch model.TransactionPatch, actingUserID int64) (model.MileageTransaction, error)
	DeleteTransaction(ctx context.Context, id uuid.UUID) error
	HasFlightAccrual(ctx context.Context, locator string) (bool, error)
	UpdateUserMileage(ctx context.Context, userID int64, totalMiles int64, level model.MemberLevel) (model.MemberLevel, error)
	OverrideMemberLevel(ctx context.Context, userID int64, level model.MemberLevel, actingAdmin int64) error
	ClearMemberLevelOverride(ctx context.Context, userID int64, level model.MemberLevel, actingAdmin int64) error
}

// MileageResult содержит созданную или изменённую операцию вместе с
// актуальными показателями счёта участника.
type MileageResult struct {
	Transaction model.MileageTransaction `json:"transaction"`
	TotalMiles  int64                    `json:"total_miles"`
	MemberLevel model.MemberLevel        `json:"member_level"`
}

// userLocks выдаёт мьютекс на каждого участника. Блокировка сериализует
// последовательность «создать операцию → пересчитать счёт», иначе два
// конкурентных начисления могут прочитать одну и ту же прежнюю сумму.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*sync.Mutex)}
}

func (l *userLocks) get(userID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	return m
}

// Service содержит бизнес-логику мильного движка.
type Service struct {
	repo       Repository
	feedClient *flightfeed.Client
	logger     *zap.Logger
	strict     bool
	locks      *userLocks
}

// NewService создаёт новый сервис. При strict=true каждый инкрементальный
// расчёт суммы сверяется с полным пересчётом по книжке.
func NewService(repo Repository, feedClient *flightfeed.Client, logger *zap.Logger, strict bool) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:       repo,
		feedClient: feedClient,
		logger:     logger,
		strict:     strict,
		locks:      newUserLocks(),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового участника программы лояльности.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	id, err := s.repo.CreateUser(ctx, login, hash, false)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль участника и возвращает его запись.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// GetMileageHistory возвращает мильную книжку участника от новых операций к старым.
func (s *Service) GetMileageHistory(ctx context.Context, userID int64) ([]model.MileageTransaction, error) {
	return s.repo.ListTransactionsByUser(ctx, userID)
}

// GetMileageSummary возвращает текущую сумму милей и уровень участника.
func (s *Service) GetMileageSummary(ctx context.Context, userID int64) (*model.MileageSummary, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.MileageSummary{TotalMiles: u.TotalMiles, MemberLevel: u.MemberLevel}, nil
}

// RecordMileageEvent создаёт мильную операцию и синхронно обновляет сумму и
// уровень участника. При ошибке создания счёт участника не меняется.
func (s *Service) RecordMileageEvent(ctx context.Context, draft model.TransactionDraft) (*MileageResult, error) {
	lock := s.locks.get(draft.UserID)
	lock.Lock()
	defer lock.Unlock()

	u, err := s.repo.GetUserByID(ctx, draft.UserID)
	if err != nil {
		return nil, err
	}

	txn, err := s.repo.CreateTransaction(ctx, draft)
	if err != nil {
		return nil, err
	}

	// Инкрементальный расчёт корректен: это изолированное создание под
	// блокировкой участника поверх согласованной прежней суммы.
	newTotal := u.TotalMiles + tier.Delta(txn)

	if s.strict {
		replayed, err := s.replayTotal(ctx, draft.UserID)
		if err != nil {
			return nil, err
		}
		if replayed != newTotal {
			if _, err := s.persistTotal(ctx, draft.UserID, replayed); err != nil {
				return nil, err
			}
			return nil, &SyncInconsistencyError{
				UserID:      draft.UserID,
				Incremental: newTotal,
				Replayed:    replayed,
			}
		}
	}

	level, err := s.persistTotal(ctx, draft.UserID, newTotal)
	if err != nil {
		return nil, err
	}

	return &MileageResult{Transaction: txn, TotalMiles: newTotal, MemberLevel: level}, nil
}

// AmendMileageEvent изменяет существующую операцию и всегда выполняет полный
// пересчёт суммы: дельта правки не равна знаковой сумме новой записи.
func (s *Service) AmendMileageEvent(ctx context.Context, id uuid.UUID, patch model.TransactionPatch, actingUserID int64) (*MileageResult, error) {
	existing, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	lock := s.locks.get(existing.UserID)
	lock.Lock()
	defer lock.Unlock()

	txn, err := s.repo.UpdateTransaction(ctx, id, patch, actingUserID)
	if err != nil {
		return nil, err
	}

	total, level, err := s.replayAndPersist(ctx, txn.UserID)
	if err != nil {
		return nil, err
	}

	return &MileageResult{Transaction: txn, TotalMiles: total, MemberLevel: level}, nil
}

// DeleteMileageEvent удаляет операцию и пересчитывает счёт её владельца.
func (s *Service) DeleteMileageEvent(ctx context.Context, id uuid.UUID) (*model.MileageSummary, error) {
	existing, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	lock := s.locks.get(existing.UserID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.repo.DeleteTransaction(ctx, id); err != nil {
		return nil, err
	}

	total, level, err := s.replayAndPersist(ctx, existing.UserID)
	if err != nil {
		return nil, err
	}

	return &model.MileageSummary{TotalMiles: total, MemberLevel: level}, nil
}

// ReconcileUser приводит денормализованные поля участника в соответствие с
// книжкой полным пересчётом. Это же путь восстановления после сбоя между
// записью операции и обновлением счёта.
func (s *Service) ReconcileUser(ctx context.Context, userID int64) (*model.MileageSummary, error) {
	lock := s.locks.get(userID)
	lock.Lock()
	defer lock.Unlock()

	total, level, err := s.replayAndPersist(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &model.MileageSummary{TotalMiles: total, MemberLevel: level}, nil
}

// OverrideMemberLevel принудительно выставляет уровень участника по решению
// администратора. Сумма милей при этом не меняется, а уровень перестаёт
// пересчитываться до снятия переопределения.
func (s *Service) OverrideMemberLevel(ctx context.Context, userID int64, level model.MemberLevel, actingAdmin int64) error {
	if !level.Valid() {
		return &repository.ValidationError{Field: "level", Reason: "must be STANDARD, SILVER, GOLD or DIAMOND"}
	}
	return s.repo.OverrideMemberLevel(ctx, userID, level, actingAdmin)
}

// ClearMemberLevelOverride снимает административное переопределение и
// возвращает участнику расчётный уровень.
func (s *Service) ClearMemberLevelOverride(ctx context.Context, userID int64, actingAdmin int64) (*model.MileageSummary, error) {
	lock := s.locks.get(userID)
	lock.Lock()
	defer lock.Unlock()

	total, err := s.replayTotal(ctx, userID)
	if err != nil {
		return nil, err
	}

	level := tier.Of(total)
	if err := s.repo.ClearMemberLevelOverride(ctx, userID, level, actingAdmin); err != nil {
		return nil, err
	}

	if _, err := s.persistTotal(ctx, userID, total); err != nil {
		return nil, err
	}

	return &model.MileageSummary{TotalMiles: total, MemberLevel: level}, nil
}

func (s *Service) replayTotal(ctx context.Context, userID int64) (int64, error) {
	txns, err := s.repo.ListTransactionsByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return tier.TotalOf(txns), nil
}

func (s *Service) replayAndPersist(ctx context.Context, userID int64) (int64, model.MemberLevel, error) {
	total, err := s.replayTotal(ctx, userID)
	if err != nil {
		return 0, "", err
	}

	level, err := s.persistTotal(ctx, userID, total)
	if err != nil {
		return 0, "", err
	}

	return total, level, nil
}

func (s *Service) persistTotal(ctx context.Context, userID int64, total int64) (model.MemberLevel, error) {
	if total < 0 {
		// Отрицательная сумма не обрезается до нуля: это сигнал о
		// проблеме в данных (например, двойное списание), его нельзя прятать.
		negativeTotals.Inc()
		s.logger.Warn("member total went negative",
			zap.Int64("userID", userID),
			zap.Int64("totalMiles", total),
		)
	}

	level, err := s.repo.UpdateUserMileage(ctx, userID, total, tier.Of(total))
	if err != nil {
		return "", err
	}
	return level, nil
}

// StartFlightFeedUpdates запускает фоновый опрос внешней ленты завершённых
// рейсов и начисление милей за них.
func (s *Service) StartFlightFeedUpdates(ctx context.Context) {
	if s.feedClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processFlightBatch(ctx)
			}
		}
	}()
}

func (s *Service) processFlightBatch(ctx context.Context) {
	flights, statusCode, retryAfter, err := s.feedClient.FetchCompletedFlights(ctx)
	if err != nil {
		s.logger.Warn("flight feed fetch failed", zap.Error(err))
		return
	}

	if statusCode == 429 {
		if retryAfter > 0 {
			timer := time.NewTimer(retryAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		return
	}

	for _, f := range flights {
		// Рейс начисляется не более одного раза: локатор уже в книжке — пропускаем.
		exists, err := s.repo.HasFlightAccrual(ctx, f.Locator)
		if err != nil {
			s.logger.Warn("flight accrual check failed", zap.Error(err), zap.String("locator", f.Locator))
			continue
		}
		if exists {
			continue
		}

		_, err = s.RecordMileageEvent(ctx, model.TransactionDraft{
			UserID:        f.UserID,
			Amount:        f.Miles,
			Kind:          model.KindEarned,
			Description:   fmt.Sprintf("Flight %s %s-%s", f.Number, f.Origin, f.Destination),
			OccurredAt:    f.FlownAt,
			RelatedFlight: f.Locator,
		})
		if err != nil {
			s.logger.Warn("flight accrual failed", zap.Error(err), zap.String("locator", f.Locator))
		}
	}
}
