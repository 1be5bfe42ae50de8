package types

import "testing"

func TestSchedulePre(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Schedule
		want Schedule
	}{
		{"same day", Schedule{Weekday: 2, Hour: 5}, Schedule{Weekday: 2, Hour: 4}},
		{"borrow weekday", Schedule{Weekday: 3, Hour: 0}, Schedule{Weekday: 2, Hour: 23}},
		{"first hour of day one", Schedule{Weekday: 1, Hour: 0}, Schedule{Weekday: 0, Hour: 23}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Pre(); got != tt.want {
				t.Errorf("Pre(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestScheduleHasPre(t *testing.T) {
	t.Parallel()
	if (Schedule{}).HasPre() {
		t.Error("origin should have no predecessor")
	}
	if !(Schedule{Hour: 1}).HasPre() {
		t.Error("(0,1) should have a predecessor")
	}
	if !(Schedule{Weekday: 1}).HasPre() {
		t.Error("(1,0) should have a predecessor")
	}
}

func TestScheduleBefore(t *testing.T) {
	t.Parallel()
	a := Schedule{Weekday: 0, Hour: 23}
	b := Schedule{Weekday: 1, Hour: 0}
	if !a.Before(b) {
		t.Errorf("%v should be before %v", a, b)
	}
	if b.Before(a) {
		t.Errorf("%v should not be before %v", b, a)
	}
	if a.Before(a) {
		t.Error("a slot is not before itself")
	}
}

func TestScheduleString(t *testing.T) {
	t.Parallel()
	if got := (Schedule{Weekday: 4, Hour: 17}).String(); got != "4:17" {
		t.Errorf("String() = %q, want %q", got, "4:17")
	}
}

func TestTradeWithAmount(t *testing.T) {
	t.Parallel()
	orig := Trade{
		Amount:           10,
		Price:            30,
		SupplierID:       "u1",
		SupplierDeviceID: "pv1",
		Mode:             ModeMarket,
	}
	shrunk := orig.WithAmount(4)

	if shrunk.Amount != 4 {
		t.Errorf("Amount = %v, want 4", shrunk.Amount)
	}
	if shrunk.Price != orig.Price || shrunk.SupplierID != orig.SupplierID || shrunk.Mode != orig.Mode {
		t.Error("WithAmount must preserve all other fields")
	}
	if orig.Amount != 10 {
		t.Error("WithAmount must not mutate the original")
	}
}

func TestEnergyModeBits(t *testing.T) {
	t.Parallel()
	both := Producer | Consumer
	if !both.CanProduce() || !both.CanConsume() {
		t.Error("Producer|Consumer should have both capabilities")
	}
	if Producer.CanConsume() {
		t.Error("Producer alone should not consume")
	}
	if Consumer.CanProduce() {
		t.Error("Consumer alone should not produce")
	}
}
