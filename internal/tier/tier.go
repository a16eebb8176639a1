// Package tier содержит чистые функции расчёта уровня участника и суммы милей.
package tier

import "github.com/aeroclub/mileage-system/internal/model"

// Пороговые значения милей для уровней участника. Нижняя граница включительно.
const (
	SilverThreshold  = 25000
	GoldThreshold    = 50000
	DiamondThreshold = 100000
)

// Of возвращает уровень участника для указанной суммы милей.
// Границы проверяются от старшего уровня к младшему, поэтому ровно
// пороговое значение даёт старший уровень.
func Of(totalMiles int64) model.MemberLevel {
	switch {
	case totalMiles >= DiamondThreshold:
		return model.LevelDiamond
	case totalMiles >= GoldThreshold:
		return model.LevelGold
	case totalMiles >= SilverThreshold:
		return model.LevelSilver
	default:
		return model.LevelStandard
	}
}

// Delta возвращает знаковый вклад одной операции в сумму милей участника:
// +Amount для COMPLETED-начисления, -Amount для COMPLETED-списания, иначе 0.
func Delta(t model.MileageTransaction) int64 {
	if t.Status != model.StatusCompleted {
		return 0
	}

	switch t.Kind {
	case model.KindEarned:
		return t.Amount
	case model.KindRedeemed:
		return -t.Amount
	}

	return 0
}

// TotalOf сворачивает список операций в сумму милей участника.
// Результат не зависит от порядка операций и может быть отрицательным,
// если списания превышают начисления, — сумма намеренно не ограничивается нулём.
func TotalOf(transactions []model.MileageTransaction) int64 {
	var total int64
	for _, t := range transactions {
		total += Delta(t)
	}
	return total
}
