package tier

import (
	"math/rand"
	"testing"

	"github.com/aeroclub/mileage-system/internal/model"
)

func TestOf_Boundaries(t *testing.T) {
	tests := []struct {
		name  string
		miles int64
		want  model.MemberLevel
	}{
		{
			name:  "zero miles",
			miles: 0,
			want:  model.LevelStandard,
		},
		{
			name:  "just below silver",
			miles: 24999,
			want:  model.LevelStandard,
		},
		{
			name:  "exactly silver threshold",
			miles: 25000,
			want:  model.LevelSilver,
		},
		{
			name:  "just below gold",
			miles: 49999,
			want:  model.LevelSilver,
		},
		{
			name:  "exactly gold threshold",
			miles: 50000,
			want:  model.LevelGold,
		},
		{
			name:  "just below diamond",
			miles: 99999,
			want:  model.LevelGold,
		},
		{
			name:  "exactly diamond threshold",
			miles: 100000,
			want:  model.LevelDiamond,
		},
		{
			name:  "far above diamond",
			miles: 5000000,
			want:  model.LevelDiamond,
		},
		{
			name:  "negative total maps to standard",
			miles: -300,
			want:  model.LevelStandard,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Of(tt.miles)
			if got != tt.want {
				t.Fatalf("Of(%d) = %s, want %s", tt.miles, got, tt.want)
			}
		})
	}
}

func TestOf_Monotonic(t *testing.T) {
	rank := map[model.MemberLevel]int{
		model.LevelStandard: 0,
		model.LevelSilver:   1,
		model.LevelGold:     2,
		model.LevelDiamond:  3,
	}

	prev := Of(0)
	for m := int64(1); m <= 150000; m += 500 {
		cur := Of(m)
		if rank[cur] < rank[prev] {
			t.Fatalf("Of is not monotonic: Of(%d) = %s after %s", m, cur, prev)
		}
		prev = cur
	}
}

func TestDelta(t *testing.T) {
	tests := []struct {
		name string
		txn  model.MileageTransaction
		want int64
	}{
		{
			name: "completed earning adds",
			txn:  model.MileageTransaction{Amount: 100, Kind: model.KindEarned, Status: model.StatusCompleted},
			want: 100,
		},
		{
			name: "completed redemption subtracts",
			txn:  model.MileageTransaction{Amount: 100, Kind: model.KindRedeemed, Status: model.StatusCompleted},
			want: -100,
		},
		{
			name: "pending earning ignored",
			txn:  model.MileageTransaction{Amount: 100, Kind: model.KindEarned, Status: model.StatusPending},
			want: 0,
		},
		{
			name: "cancelled redemption ignored",
			txn:  model.MileageTransaction{Amount: 100, Kind: model.KindRedeemed, Status: model.StatusCancelled},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Delta(tt.txn)
			if got != tt.want {
				t.Fatalf("Delta = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTotalOf_MixedStatuses(t *testing.T) {
	txns := []model.MileageTransaction{
		{Amount: 30000, Kind: model.KindEarned, Status: model.StatusCompleted},
		{Amount: 5000, Kind: model.KindRedeemed, Status: model.StatusCompleted},
		{Amount: 9999, Kind: model.KindEarned, Status: model.StatusPending},
		{Amount: 7777, Kind: model.KindRedeemed, Status: model.StatusCancelled},
	}

	if got := TotalOf(txns); got != 25000 {
		t.Fatalf("TotalOf = %d, want 25000", got)
	}
}

func TestTotalOf_OrderIndependent(t *testing.T) {
	txns := []model.MileageTransaction{
		{Amount: 12000, Kind: model.KindEarned, Status: model.StatusCompleted},
		{Amount: 500, Kind: model.KindRedeemed, Status: model.StatusCompleted},
		{Amount: 44000, Kind: model.KindEarned, Status: model.StatusCompleted},
		{Amount: 300, Kind: model.KindEarned, Status: model.StatusPending},
		{Amount: 9000, Kind: model.KindRedeemed, Status: model.StatusCompleted},
	}

	want := TotalOf(txns)

	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]model.MileageTransaction, len(txns))
		copy(shuffled, txns)
		rnd.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		if got := TotalOf(shuffled); got != want {
			t.Fatalf("TotalOf after shuffle = %d, want %d", got, want)
		}
	}
}

func TestTotalOf_NonCompletedDoesNotAffect(t *testing.T) {
	base := []model.MileageTransaction{
		{Amount: 10000, Kind: model.KindEarned, Status: model.StatusCompleted},
	}
	withPending := append([]model.MileageTransaction{
		{Amount: 123456, Kind: model.KindEarned, Status: model.StatusPending},
		{Amount: 654321, Kind: model.KindRedeemed, Status: model.StatusCancelled},
	}, base...)

	if TotalOf(base) != TotalOf(withPending) {
		t.Fatalf("non-completed transactions must not affect the total")
	}
}

func TestTotalOf_MayGoNegative(t *testing.T) {
	txns := []model.MileageTransaction{
		{Amount: 1000, Kind: model.KindEarned, Status: model.StatusCompleted},
		{Amount: 2500, Kind: model.KindRedeemed, Status: model.StatusCompleted},
	}

	if got := TotalOf(txns); got != -1500 {
		t.Fatalf("TotalOf = %d, want -1500 (no clamping to zero)", got)
	}
}
