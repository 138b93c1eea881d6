package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// parseLots flattens the profile offers payload, which groups offers per category.
func parseLots(data json.RawMessage, baseURL string) ([]Lot, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var envelope map[string]json.RawMessage
	var categories []map[string]json.RawMessage
	if err := json.Unmarshal(data, &categories); err != nil {
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("decode lots: %w", err)
		}
		for _, key := range []string{"userProfileOffers", "categoriesWithOffers", "categories"} {
			raw, ok := envelope[key]
			if !ok || string(raw) == "null" {
				continue
			}
			if err := json.Unmarshal(raw, &categories); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			break
		}
	}

	var lots []Lot
	for _, category := range categories {
		categoryID := readIntRaw(category, "id")
		gameID := readIntRaw(category, "gameId")
		var game map[string]json.RawMessage
		if raw, ok := category["game"]; ok {
			_ = json.Unmarshal(raw, &game)
		}
		if gameID == 0 {
			gameID = readIntRaw(game, "id")
		}
		categoryURL := ""
		if gameSlug, catSlug := readStringRaw(game, "slug"), readStringRaw(category, "slug"); gameSlug != "" && catSlug != "" {
			categoryURL = fmt.Sprintf("%s/%s/%s/trade", baseURL, gameSlug, catSlug)
		}

		var offers []map[string]json.RawMessage
		if raw, ok := category["offers"]; ok {
			if err := json.Unmarshal(raw, &offers); err != nil {
				continue
			}
		}
		for _, offer := range offers {
			id := readIntRaw(offer, "id")
			lot := Lot{
				ID:           id,
				Title:        offerTitle(offer),
				Price:        readFloatRaw(offer, "price"),
				Availability: readIntRaw(offer, "availability"),
				GameID:       gameID,
				CategoryID:   categoryID,
				CategoryURL:  categoryURL,
			}
			if id != 0 {
				lot.URL = fmt.Sprintf("%s/offers/%d", baseURL, id)
			}
			lots = append(lots, lot)
		}
	}
	return lots, nil
}

// parseOfferDetail reads placement from either top-level ids or nested game/category objects.
func parseOfferDetail(data json.RawMessage) (*OfferDetail, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode offer detail: %w", err)
	}
	if nested, ok := raw["offer"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err == nil {
			for k, v := range inner {
				if _, exists := raw[k]; !exists {
					raw[k] = v
				}
			}
		}
	}
	detail := &OfferDetail{
		ID:         readIntRaw(raw, "id"),
		GameID:     readIntRaw(raw, "gameId", "game_id"),
		CategoryID: readIntRaw(raw, "categoryId", "category_id"),
		Title:      offerTitle(raw),
	}
	if detail.GameID == 0 {
		detail.GameID = nestedID(raw, "game")
	}
	if detail.CategoryID == 0 {
		detail.CategoryID = nestedID(raw, "category")
	}
	return detail, nil
}

func nestedID(raw map[string]json.RawMessage, key string) int64 {
	val, ok := raw[key]
	if !ok {
		return 0
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(val, &obj); err != nil {
		return 0
	}
	return readIntRaw(obj, "id")
}

func offerTitle(offer map[string]json.RawMessage) string {
	var descriptions map[string]Description
	if raw, ok := offer["descriptions"]; ok {
		_ = json.Unmarshal(raw, &descriptions)
	}
	rus := descriptions["rus"]
	if t := strings.TrimSpace(rus.BriefDescription); t != "" {
		return t
	}
	if t := strings.TrimSpace(rus.Description); t != "" {
		return t
	}
	return readStringRaw(offer, "title", "name")
}

func readStringRaw(raw map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		if val, ok := raw[key]; ok {
			var decoded string
			if err := json.Unmarshal(val, &decoded); err == nil {
				if decoded = strings.TrimSpace(decoded); decoded != "" {
					return decoded
				}
				continue
			}
			var number float64
			if err := json.Unmarshal(val, &number); err == nil && number != 0 {
				return strconv.FormatFloat(number, 'f', -1, 64)
			}
		}
	}
	return ""
}

func readFloatRaw(raw map[string]json.RawMessage, keys ...string) float64 {
	for _, key := range keys {
		if val, ok := raw[key]; ok {
			var decoded float64
			if err := json.Unmarshal(val, &decoded); err == nil {
				return decoded
			}
			var str string
			if err := json.Unmarshal(val, &str); err == nil {
				if parsed, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
					return parsed
				}
			}
		}
	}
	return 0
}

func readIntRaw(raw map[string]json.RawMessage, keys ...string) int64 {
	for _, key := range keys {
		if val, ok := raw[key]; ok {
			var decoded json.Number
			if err := json.Unmarshal(val, &decoded); err == nil {
				if n, err := decoded.Int64(); err == nil {
					return n
				}
			}
			var str string
			if err := json.Unmarshal(val, &str); err == nil {
				if n := parseInt(str); n != 0 {
					return n
				}
			}
		}
	}
	return 0
}
