package main

import (
	"testing"

	"stockworks/internal/game"
)

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base, want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/v1/games/g1/ws?player_id=alice"},
		{"https://play.example.com/", "wss://play.example.com/v1/games/g1/ws?player_id=alice"},
		{"https://example.com/api", "wss://example.com/api/v1/games/g1/ws?player_id=alice"},
	}
	for _, tt := range tests {
		got, err := streamURL(tt.base, "g1", "alice")
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Fatalf("streamURL(%q) = %q want %q", tt.base, got, tt.want)
		}
	}
}

func TestFindCompanyByIDOrName(t *testing.T) {
	st := game.GameState{Companies: []game.Company{{ID: "c1", Name: "Acme"}, {ID: "c2", Name: "Globex"}}}
	for _, ref := range []string{"c2", "globex", " Globex "} {
		co, err := findCompany(st, ref)
		if err != nil || co.ID != "c2" {
			t.Fatalf("findCompany(%q) = %+v, %v", ref, co, err)
		}
	}
	if _, err := findCompany(st, "initech"); err == nil {
		t.Fatal("expected unknown company error")
	}
}

func TestFormatMoney(t *testing.T) {
	tests := map[int64]string{
		0:        "$0",
		999:      "$999",
		1000:     "$1,000",
		-1234567: "-$1,234,567",
	}
	for in, want := range tests {
		if got := formatMoney(in); got != want {
			t.Fatalf("formatMoney(%d) = %q want %q", in, got, want)
		}
	}
}

func TestPositiveArg(t *testing.T) {
	if v, err := positiveArg(" 12 ", "quantity"); err != nil || v != 12 {
		t.Fatalf("got %d, %v", v, err)
	}
	for _, bad := range []string{"0", "-3", "x"} {
		if _, err := positiveArg(bad, "quantity"); err == nil {
			t.Fatalf("positiveArg(%q) accepted", bad)
		}
	}
}
