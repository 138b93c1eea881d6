package notify

import (
	"strings"
	"testing"
	"unicode/utf8"

	"lotwatch/internal/market"
	"lotwatch/internal/repo"
)

func TestSnippetTruncatesRunes(t *testing.T) {
	long := strings.Repeat("я", 600)
	got := Snippet("  " + long + "  ")
	if utf8.RuneCountInString(got) != MaxSnippetRunes {
		t.Fatalf("expected %d runes, got %d", MaxSnippetRunes, utf8.RuneCountInString(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis suffix, got %q", got[len(got)-6:])
	}

	exact := strings.Repeat("a", MaxSnippetRunes)
	if Snippet(exact) != exact {
		t.Fatal("text at the limit must not be cut")
	}
}

func TestChatTextPhotoPlaceholder(t *testing.T) {
	if got := ChatText("  ", "https://cdn/x.png"); got != photoPlaceholder {
		t.Fatalf("expected placeholder, got %q", got)
	}
	if got := ChatText("", ""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := ChatText(" hi ", "https://cdn/x.png"); got != "hi" {
		t.Fatalf("expected text to win, got %q", got)
	}
}

func TestFormatOrderCreatedIncludesCodes(t *testing.T) {
	order := market.Order{
		ID:       "o1",
		Quantity: 3,
		User:     market.User{ID: "9", Username: "buyer"},
		OfferDetails: market.OfferDetails{
			Name:     "Steam Key",
			Game:     &market.Named{Name: "Steam"},
			Category: &market.Named{Name: "Keys"},
		},
		BasePrice: 10,
	}
	text := FormatOrderCreated(order, &Fulfillment{Product: "Steam Key", Requested: 3, Codes: []string{"A", "B"}, Sent: true})
	for _, want := range []string{"New order o1", "buyer: buyer", "Steam / Keys", "2/3", "A\nB"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in %q", want, text)
		}
	}
	if strings.Contains(text, "not reached") {
		t.Fatalf("unexpected delivery warning in %q", text)
	}

	plain := FormatOrderCreated(order, nil)
	if strings.Contains(plain, "Auto-delivered") {
		t.Fatalf("unexpected delivery section in %q", plain)
	}
}

func TestFormatInventory(t *testing.T) {
	if got := FormatInventory(nil); got != "Inventory is empty." {
		t.Fatalf("unexpected empty text %q", got)
	}
	got := FormatInventory([]repo.InventoryCount{{Product: "a", Count: 2}, {Product: "b", Count: 1}})
	if !strings.Contains(got, "- a: 2") || !strings.HasSuffix(got, "Total: 3") {
		t.Fatalf("unexpected inventory text %q", got)
	}
}

func TestFormatDigest(t *testing.T) {
	cases := []struct {
		d    Digest
		want string
	}{
		{Digest{Title: "T", Text: "body"}, "T\n\nbody"},
		{Digest{Title: "T"}, "T"},
		{Digest{Text: " body "}, "body"},
	}
	for _, tc := range cases {
		if got := FormatDigest(tc.d); got != tc.want {
			t.Fatalf("FormatDigest(%+v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestFormatSalesStats(t *testing.T) {
	got := FormatSalesStats([]market.PeriodStats{
		{Period: "day", Completed: market.Tally{Count: 2, Sum: 12.5}},
		{Period: "all", Refunded: market.Tally{Count: 1, Sum: 3}},
	})
	if !strings.HasPrefix(got, "Sales:") {
		t.Fatalf("unexpected header in %q", got)
	}
	if !strings.Contains(got, "Last 24h:\ncompleted 2 (12.50)") {
		t.Fatalf("missing day line in %q", got)
	}
	if !strings.Contains(got, "All time:\ncompleted 0 (0.00)\nrefunded 1 (3.00)\nopen 0 (0.00)") {
		t.Fatalf("missing all-time block in %q", got)
	}
}
