// Package model содержит доменные сущности сервиса милей.
package model

import (
	"time"

	"github.com/google/uuid"
)

// MemberLevel описывает уровень участника программы лояльности.
type MemberLevel string

const (
	LevelStandard MemberLevel = "STANDARD"
	LevelSilver   MemberLevel = "SILVER"
	LevelGold     MemberLevel = "GOLD"
	LevelDiamond  MemberLevel = "DIAMOND"
)

// Valid сообщает, является ли значение допустимым уровнем участника.
func (l MemberLevel) Valid() bool {
	switch l {
	case LevelStandard, LevelSilver, LevelGold, LevelDiamond:
		return true
	}
	return false
}

// TransactionKind описывает тип мильной операции: начисление или списание.
type TransactionKind string

const (
	KindEarned   TransactionKind = "EARNED"
	KindRedeemed TransactionKind = "REDEEMED"
)

// Valid сообщает, является ли значение допустимым типом операции.
func (k TransactionKind) Valid() bool {
	return k == KindEarned || k == KindRedeemed
}

// TransactionStatus описывает статус мильной операции.
// В итоговую сумму участника входят только операции со статусом COMPLETED.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusCancelled TransactionStatus = "CANCELLED"
)

// Valid сообщает, является ли значение допустимым статусом операции.
func (s TransactionStatus) Valid() bool {
	return s == StatusPending || s == StatusCompleted || s == StatusCancelled
}

// User представляет зарегистрированного участника программы лояльности.
// Поля TotalMiles и MemberLevel денормализованы: они должны совпадать со
// свёрткой COMPLETED-операций участника, кроме случая административного
// переопределения уровня (LevelLocked).
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	IsAdmin      bool
	TotalMiles   int64
	MemberLevel  MemberLevel
	LevelLocked  bool
	CreatedAt    time.Time
}

// MileageTransaction описывает одну запись мильной книжки участника.
type MileageTransaction struct {
	ID            uuid.UUID         `json:"id"`
	UserID        int64             `json:"user_id"`
	Amount        int64             `json:"amount"`
	Kind          TransactionKind   `json:"kind"`
	Status        TransactionStatus `json:"status"`
	Description   string            `json:"description"`
	Details       string            `json:"details,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
	RelatedFlight string            `json:"related_flight,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     *time.Time        `json:"updated_at,omitempty"`
	UpdatedBy     *int64            `json:"updated_by,omitempty"`
}

// TransactionDraft содержит входные данные для создания мильной операции.
// Пустой Status трактуется как COMPLETED, нулевой OccurredAt — как текущее время.
type TransactionDraft struct {
	UserID        int64
	Amount        int64
	Kind          TransactionKind
	Status        TransactionStatus
	Description   string
	Details       string
	OccurredAt    time.Time
	RelatedFlight string
}

// TransactionPatch описывает частичное изменение операции.
// Нулевой указатель означает «поле не меняется».
type TransactionPatch struct {
	Amount        *int64
	Kind          *TransactionKind
	Status        *TransactionStatus
	Description   *string
	Details       *string
	OccurredAt    *time.Time
	RelatedFlight *string
}

// Empty сообщает, что патч не меняет ни одного поля.
func (p TransactionPatch) Empty() bool {
	return p.Amount == nil && p.Kind == nil && p.Status == nil &&
		p.Description == nil && p.Details == nil && p.OccurredAt == nil &&
		p.RelatedFlight == nil
}

// MileageSummary содержит текущее состояние мильного счёта участника.
type MileageSummary struct {
	TotalMiles  int64       `json:"total_miles"`
	MemberLevel MemberLevel `json:"member_level"`
}
