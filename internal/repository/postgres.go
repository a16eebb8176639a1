// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/aeroclub/mileage-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если участник не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrTransactionNotFound возвращается, если мильная операция не найдена.
	ErrTransactionNotFound = errors.New("mileage transaction not found")
)

// ValidationError описывает некорректное входное поле мильной операции.
type ValidationError struct {
	Field  string
	Reason string
}

// Error возвращает текст ошибки с указанием поля.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового участника программы лояльности.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, isAdmin bool) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, is_admin) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, isAdmin,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает участника по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return r.getUser(ctx,
		`SELECT id, login, password_hash, is_admin, total_miles, member_level, level_locked, created_at
		 FROM users WHERE login = $1`,
		login,
	)
}

// GetUserByID возвращает участника по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, userID int64) (*model.User, error) {
	return r.getUser(ctx,
		`SELECT id, login, password_hash, is_admin, total_miles, member_level, level_locked, created_at
		 FROM users WHERE id = $1`,
		userID,
	)
}

func (r *PostgresRepository) getUser(ctx context.Context, query string, arg any) (*model.User, error) {
	row := r.pool.QueryRow(ctx, query, arg)

	var u model.User
	var level string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.IsAdmin, &u.TotalMiles, &level, &u.LevelLocked, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.MemberLevel = model.MemberLevel(level)

	return &u, nil
}

const transactionColumns = `id, user_id, amount, kind, status, description, details,
	 occurred_at, related_flight, created_at, updated_at, updated_by`

func scanTransaction(row pgx.Row) (model.MileageTransaction, error) {
	var t model.MileageTransaction
	var kind, status string
	err := row.Scan(
		&t.ID, &t.UserID, &t.Amount, &kind, &status, &t.Description, &t.Details,
		&t.OccurredAt, &t.RelatedFlight, &t.CreatedAt, &t.UpdatedAt, &t.UpdatedBy,
	)
	if err != nil {
		return model.MileageTransaction{}, err
	}
	t.Kind = model.TransactionKind(kind)
	t.Status = model.TransactionStatus(status)
	return t, nil
}

// ListTransactionsByUser возвращает мильные операции участника от новых к старым.
// Для неизвестного участника возвращается пустой список без ошибки.
func (r *PostgresRepository) ListTransactionsByUser(ctx context.Context, userID int64) ([]model.MileageTransaction, error) {
	var res []model.MileageTransaction

	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT `+transactionColumns+`
			 FROM mileage_transactions
			 WHERE user_id = $1
			 ORDER BY occurred_at DESC, created_at DESC`,
			userID,
		)
		if err != nil {
			return fmt.Errorf("select transactions: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			t, err := scanTransaction(rows)
			if err != nil {
				return fmt.Errorf("scan transaction: %w", err)
			}
			res = append(res, t)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// GetTransaction возвращает мильную операцию по идентификатору.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id uuid.UUID) (model.MileageTransaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM mileage_transactions WHERE id = $1`,
		id,
	)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MileageTransaction{}, ErrTransactionNotFound
		}
		return model.MileageTransaction{}, fmt.Errorf("get transaction: %w", err)
	}

	return t, nil
}

func validateDraft(d model.TransactionDraft) error {
	if d.Amount < 0 {
		return &ValidationError{Field: "amount", Reason: "must be non-negative"}
	}
	if !d.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: "must be EARNED or REDEEMED"}
	}
	if d.Status != "" && !d.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "must be PENDING, COMPLETED or CANCELLED"}
	}
	if strings.TrimSpace(d.Description) == "" {
		return &ValidationError{Field: "description", Reason: "must not be empty"}
	}
	return nil
}

// CreateTransaction создаёт мильную операцию: присваивает идентификатор,
// подставляет статус COMPLETED и текущее время, если они не указаны.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, draft model.TransactionDraft) (model.MileageTransaction, error) {
	if err := validateDraft(draft); err != nil {
		return model.MileageTransaction{}, err
	}

	t := model.MileageTransaction{
		ID:            uuid.New(),
		UserID:        draft.UserID,
		Amount:        draft.Amount,
		Kind:          draft.Kind,
		Status:        draft.Status,
		Description:   draft.Description,
		Details:       draft.Details,
		OccurredAt:    draft.OccurredAt,
		RelatedFlight: draft.RelatedFlight,
		CreatedAt:     time.Now().UTC(),
	}
	if t.Status == "" {
		t.Status = model.StatusCompleted
	}
	if t.OccurredAt.IsZero() {
		t.OccurredAt = t.CreatedAt
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO mileage_transactions
		 (id, user_id, amount, kind, status, description, details, occurred_at, related_flight, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.UserID, t.Amount, string(t.Kind), string(t.Status),
		t.Description, t.Details, t.OccurredAt, t.RelatedFlight, t.CreatedAt,
	)
	if err != nil {
		return model.MileageTransaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	return t, nil
}

func validatePatch(p model.TransactionPatch) error {
	if p.Amount != nil && *p.Amount < 0 {
		return &ValidationError{Field: "amount", Reason: "must be non-negative"}
	}
	if p.Kind != nil && !p.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: "must be EARNED or REDEEMED"}
	}
	if p.Status != nil && !p.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "must be PENDING, COMPLETED or CANCELLED"}
	}
	if p.Description != nil && strings.TrimSpace(*p.Description) == "" {
		return &ValidationError{Field: "description", Reason: "must not be empty"}
	}
	return nil
}

// UpdateTransaction применяет частичное изменение операции: неуказанные поля
// сохраняют прежние значения, проставляются updated_at и updated_by.
func (r *PostgresRepository) UpdateTransaction(ctx context.Context, id uuid.UUID, patch model.TransactionPatch, actingUserID int64) (model.MileageTransaction, error) {
	if err := validatePatch(patch); err != nil {
		return model.MileageTransaction{}, err
	}

	set := []string{"updated_at = $2", "updated_by = $3"}
	args := []any{id, time.Now().UTC(), actingUserID}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Amount != nil {
		add("amount", *patch.Amount)
	}
	if patch.Kind != nil {
		add("kind", string(*patch.Kind))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Details != nil {
		add("details", *patch.Details)
	}
	if patch.OccurredAt != nil {
		add("occurred_at", *patch.OccurredAt)
	}
	if patch.RelatedFlight != nil {
		add("related_flight", *patch.RelatedFlight)
	}

	row := r.pool.QueryRow(ctx,
		`UPDATE mileage_transactions SET `+strings.Join(set, ", ")+`
		 WHERE id = $1
		 RETURNING `+transactionColumns,
		args...,
	)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MileageTransaction{}, ErrTransactionNotFound
		}
		return model.MileageTransaction{}, fmt.Errorf("update transaction: %w", err)
	}

	return t, nil
}

// DeleteTransaction удаляет мильную операцию. Удаление стирает историю,
// поэтому для аудируемых операций предпочтительнее смена статуса на CANCELLED.
func (r *PostgresRepository) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM mileage_transactions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}

	return nil
}

// HasFlightAccrual сообщает, была ли уже начислена операция по указанному рейсу.
func (r *PostgresRepository) HasFlightAccrual(ctx context.Context, locator string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM mileage_transactions WHERE related_flight = $1)`,
		locator,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check flight accrual: %w", err)
	}
	return exists, nil
}

// UpdateUserMileage записывает новую сумму милей и уровень участника.
// Переопределённый администратором уровень (level_locked) не перезаписывается.
// Возвращает фактический уровень участника после обновления.
func (r *PostgresRepository) UpdateUserMileage(ctx context.Context, userID int64, totalMiles int64, level model.MemberLevel) (model.MemberLevel, error) {
	var effective string

	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`UPDATE users
			 SET total_miles = $2,
			     member_level = CASE WHEN level_locked THEN member_level ELSE $3 END
			 WHERE id = $1
			 RETURNING member_level`,
			userID, totalMiles, string(level),
		)
		return row.Scan(&effective)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("update user mileage: %w", err)
	}

	return model.MemberLevel(effective), nil
}

// OverrideMemberLevel принудительно выставляет уровень участника в обход
// расчёта по милям и фиксирует факт переопределения в журнале level_overrides.
func (r *PostgresRepository) OverrideMemberLevel(ctx context.Context, userID int64, level model.MemberLevel, actingAdmin int64) error {
	return r.setMemberLevel(ctx, userID, level, true, actingAdmin)
}

// ClearMemberLevelOverride снимает переопределение и выставляет расчётный уровень.
func (r *PostgresRepository) ClearMemberLevelOverride(ctx context.Context, userID int64, level model.MemberLevel, actingAdmin int64) error {
	return r.setMemberLevel(ctx, userID, level, false, actingAdmin)
}

func (r *PostgresRepository) setMemberLevel(ctx context.Context, userID int64, level model.MemberLevel, locked bool, actingAdmin int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE users SET member_level = $2, level_locked = $3 WHERE id = $1`,
		userID, string(level), locked,
	)
	if err != nil {
		return fmt.Errorf("set member level: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO level_overrides (user_id, member_level, locked, acting_admin) VALUES ($1, $2, $3, $4)`,
		userID, string(level), locked, actingAdmin,
	)
	if err != nil {
		return fmt.Errorf("insert level override: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
