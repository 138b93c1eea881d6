package notify

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"lotwatch/internal/market"
	"lotwatch/internal/repo"
)

const (
	// MaxSnippetRunes bounds the chat text carried in a notification.
	MaxSnippetRunes  = 500
	photoPlaceholder = "[photo]"
)

// Snippet trims text and truncates it to MaxSnippetRunes, ending in "..." when cut.
func Snippet(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= MaxSnippetRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxSnippetRunes-3]) + "..."
}

// ChatText returns the notification body of a message: its snippet, or a photo
// placeholder when only an image was sent.
func ChatText(content, imageURL string) string {
	if s := Snippet(content); s != "" {
		return s
	}
	if imageURL != "" {
		return photoPlaceholder
	}
	return ""
}

// FormatChatMessage renders a new inbound chat message.
func FormatChatMessage(evt ChatEvent) string {
	var b strings.Builder
	b.WriteString("New message from ")
	b.WriteString(evt.Username)
	b.WriteString(":\n")
	b.WriteString(evt.Text)
	if evt.ImageURL != "" {
		b.WriteString("\n")
		b.WriteString(evt.ImageURL)
	}
	b.WriteString(fmt.Sprintf("\n\nchat: %s", evt.ChatID))
	return b.String()
}

// FormatOrderCreated renders a new order with its auto-delivery outcome.
func FormatOrderCreated(order market.Order, f *Fulfillment) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("New order %s\n", order.ID))
	b.WriteString(fmt.Sprintf("- buyer: %s\n", order.BuyerName()))
	b.WriteString(fmt.Sprintf("- item: %s / %s\n", gameName(order), categoryName(order)))
	if name := order.OfferDetails.ProductName(); name != "" {
		b.WriteString(fmt.Sprintf("- product: %s\n", name))
	}
	b.WriteString(fmt.Sprintf("- quantity: %d\n", order.Units()))
	b.WriteString(fmt.Sprintf("- price: %.2f", order.Price()))
	if f != nil && len(f.Codes) > 0 {
		b.WriteString(fmt.Sprintf("\n\nAuto-delivered %d/%d from %q", len(f.Codes), f.Requested, f.Product))
		if !f.Sent {
			b.WriteString(" (buyer chat not reached)")
		}
		b.WriteString(":\n")
		b.WriteString(strings.Join(f.Codes, "\n"))
	}
	return b.String()
}

// FormatOrderCompleted renders an order that reached COMPLETED.
func FormatOrderCompleted(order market.Order) string {
	return fmt.Sprintf("Order %s completed\n- buyer: %s\n- item: %s / %s", order.ID, order.BuyerName(), gameName(order), categoryName(order))
}

// FormatBump renders a raised listing.
func FormatBump(lot market.Lot) string {
	title := strings.TrimSpace(lot.Title)
	if title == "" {
		title = fmt.Sprintf("lot %d", lot.ID)
	}
	var b strings.Builder
	b.WriteString("Listing raised: ")
	b.WriteString(title)
	if lot.URL != "" {
		b.WriteString("\n")
		b.WriteString(lot.URL)
	}
	return b.String()
}

// FormatDigest renders an announcement or owner note.
func FormatDigest(d Digest) string {
	title := strings.TrimSpace(d.Title)
	text := strings.TrimSpace(d.Text)
	switch {
	case title != "" && text != "":
		return title + "\n\n" + text
	case title != "":
		return title
	default:
		return text
	}
}

// FormatUpdate renders a new-version announcement.
func FormatUpdate(latest, current string) string {
	if current == "" {
		current = "unknown"
	}
	return fmt.Sprintf("Update available: %s (running %s)", latest, current)
}

// FormatInventory lists stored code counts per product.
func FormatInventory(counts []repo.InventoryCount) string {
	if len(counts) == 0 {
		return "Inventory is empty."
	}
	var b strings.Builder
	b.WriteString("Inventory:\n")
	total := 0
	for _, c := range counts {
		b.WriteString(fmt.Sprintf("- %s: %d\n", c.Product, c.Count))
		total += c.Count
	}
	b.WriteString(fmt.Sprintf("\nTotal: %d", total))
	return b.String()
}

// FormatSalesStats renders per-period order counts and sums.
func FormatSalesStats(stats []market.PeriodStats) string {
	var b strings.Builder
	b.WriteString("Sales:")
	for _, p := range stats {
		b.WriteString(fmt.Sprintf("\n\n%s:\n", periodLabel(p.Period)))
		b.WriteString(fmt.Sprintf("completed %d (%.2f)\n", p.Completed.Count, p.Completed.Sum))
		b.WriteString(fmt.Sprintf("refunded %d (%.2f)\n", p.Refunded.Count, p.Refunded.Sum))
		b.WriteString(fmt.Sprintf("open %d (%.2f)", p.Created.Count, p.Created.Sum))
	}
	return b.String()
}

func periodLabel(p string) string {
	switch p {
	case "day":
		return "Last 24h"
	case "week":
		return "Last 7 days"
	case "all":
		return "All time"
	}
	return p
}

func gameName(order market.Order) string {
	if g := order.OfferDetails.Game; g != nil && strings.TrimSpace(g.Name) != "" {
		return g.Name
	}
	return "-"
}

func categoryName(order market.Order) string {
	if c := order.OfferDetails.Category; c != nil && strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return "-"
}
