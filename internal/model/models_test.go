package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOptionUnmarshalNormalizes(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		wantN string
		wantV string
	}{
		{"bare string", `"red"`, "red", "red"},
		{"full object", `{"name":"Team Red","value":"red"}`, "Team Red", "red"},
		{"name only", `{"name":"red"}`, "red", "red"},
		{"value only", `{"value":"red"}`, "red", "red"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var o Option
			if err := json.Unmarshal([]byte(tc.raw), &o); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if o.Name != tc.wantN || o.Value != tc.wantV {
				t.Fatalf("got {%q, %q}, want {%q, %q}", o.Name, o.Value, tc.wantN, tc.wantV)
			}
		})
	}
}

func TestOptionUnmarshalRejectsGarbage(t *testing.T) {
	var o Option
	if err := json.Unmarshal([]byte(`42`), &o); err == nil {
		t.Fatal("expected error for numeric option")
	}
}

func TestProfileComplete(t *testing.T) {
	p := Profile{DisplayName: "Ana", PixKey: "ana@pix"}
	if !p.Complete() {
		t.Fatal("profile with name and key should be complete")
	}
	for _, p := range []Profile{
		{},
		{DisplayName: "Ana"},
		{PixKey: "ana@pix"},
		{DisplayName: "  ", PixKey: "ana@pix"},
	} {
		if p.Complete() {
			t.Fatalf("profile %+v should be incomplete", p)
		}
	}
}

func TestBetAcceptingWagers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := Bet{Status: BetOpen, CloseDate: now.Add(time.Hour)}
	if !b.AcceptingWagers(now) {
		t.Fatal("open bet before close date should accept")
	}
	if b.AcceptingWagers(now.Add(2 * time.Hour)) {
		t.Fatal("past close date should refuse")
	}
	b.Status = BetSettled
	if b.AcceptingWagers(now) {
		t.Fatal("settled bet should refuse")
	}
}

func TestBetHasOptionExactMatch(t *testing.T) {
	b := Bet{Options: []Option{{Name: "Team Red", Value: "red"}, {Name: "Team Blue", Value: "blue"}}}
	if !b.HasOption("red") {
		t.Fatal("red should match")
	}
	if b.HasOption("Red") || b.HasOption("Team Red") || b.HasOption("") {
		t.Fatal("matching is by exact value only")
	}
}

func TestChargeRemainingSeconds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := PaymentCharge{ExpiresAt: now.Add(90 * time.Second)}
	if got := c.RemainingSeconds(now); got != 90 {
		t.Fatalf("want 90, got %d", got)
	}
	if got := c.RemainingSeconds(now.Add(2 * time.Minute)); got != 0 {
		t.Fatalf("past expiry must clamp to 0, got %d", got)
	}
}
