package market

import (
	"strings"
	"time"
)

// Tally is the number and summed price of orders in one status.
type Tally struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
}

// PeriodStats summarises the orders created within one reporting period.
type PeriodStats struct {
	Period    string `json:"period"`
	Created   Tally  `json:"created"`
	Completed Tally  `json:"completed"`
	Refunded  Tally  `json:"refunded"`
}

type period struct {
	name  string
	since time.Time
}

// SummarizeOrders counts orders per status over the last day, the last week
// and all time. Orders without a parsable creation time are skipped.
func SummarizeOrders(orders []Order, now time.Time) []PeriodStats {
	periods := []period{
		{name: "day", since: now.Add(-24 * time.Hour)},
		{name: "week", since: now.Add(-7 * 24 * time.Hour)},
		{name: "all"},
	}
	out := make([]PeriodStats, len(periods))
	for i, p := range periods {
		out[i].Period = p.name
	}
	for _, o := range orders {
		created, ok := o.CreatedTime()
		if !ok {
			continue
		}
		for i, p := range periods {
			if created.Before(p.since) {
				continue
			}
			var t *Tally
			switch o.Status {
			case StatusCreated:
				t = &out[i].Created
			case StatusCompleted:
				t = &out[i].Completed
			case StatusRefund:
				t = &out[i].Refunded
			default:
				continue
			}
			t.Count++
			t.Sum += o.Total()
		}
	}
	return out
}

// CreatedTime parses CreatedAt.
func (o Order) CreatedTime() (time.Time, bool) {
	raw := strings.TrimSpace(o.CreatedAt)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Total returns the total price, falling back to the base price.
func (o Order) Total() float64 {
	if o.TotalPrice != 0 {
		return o.TotalPrice
	}
	return o.BasePrice
}
