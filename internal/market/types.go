package market

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ID is an identifier the marketplace sends either as a JSON string or number.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// User is a marketplace account as embedded in chats and orders.
type User struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
}

// Image is a chat attachment.
type Image struct {
	ID        ID     `json:"id"`
	Extension string `json:"extension"`
}

// MessageMetadata flags system-generated messages.
type MessageMetadata struct {
	IsAuto bool `json:"isAuto"`
}

// Message is one chat message.
type Message struct {
	ID       ID              `json:"id"`
	AuthorID ID              `json:"authorId"`
	Author   *User           `json:"author,omitempty"`
	Content  string          `json:"content"`
	Images   []Image         `json:"images,omitempty"`
	Metadata MessageMetadata `json:"metadata"`
}

// AuthorRef returns the explicit author id, falling back to the embedded author.
func (m *Message) AuthorRef() ID {
	if m == nil {
		return ""
	}
	if m.AuthorID != "" {
		return m.AuthorID
	}
	if m.Author != nil {
		return m.Author.ID
	}
	return ""
}

// Chat is one conversation in the chat list.
type Chat struct {
	ID                 ID       `json:"id"`
	UnreadMessageCount int      `json:"unreadMessageCount"`
	LastMessage        *Message `json:"lastMessage,omitempty"`
	Participants       []User   `json:"participants"`
}

// ChatList is the chat page: the signed-in user and their chats.
type ChatList struct {
	User  *User  `json:"user,omitempty"`
	Chats []Chat `json:"chats"`
}

// FindChatWith returns the id of the first chat where userID participates.
func (l *ChatList) FindChatWith(userID ID) (ID, bool) {
	if l == nil || userID == "" {
		return "", false
	}
	for _, ch := range l.Chats {
		for _, p := range ch.Participants {
			if p.ID == userID {
				return ch.ID, true
			}
		}
	}
	return "", false
}

// Named is an entity carried only for its display name.
type Named struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// Description holds localized offer texts.
type Description struct {
	BriefDescription string `json:"briefDescription"`
	Description      string `json:"description"`
}

// OfferDetails is the offer snapshot attached to an order.
type OfferDetails struct {
	Name         string                 `json:"name"`
	Title        string                 `json:"title"`
	Offer        *Named                 `json:"offer,omitempty"`
	Descriptions map[string]Description `json:"descriptions,omitempty"`
	Game         *Named                 `json:"game,omitempty"`
	Category     *Named                 `json:"category,omitempty"`
}

// ProductName resolves the inventory product key of an order: the Russian brief
// description, then the full description, then the offer, order or title names.
func (d OfferDetails) ProductName() string {
	rus := d.Descriptions["rus"]
	candidates := []string{rus.BriefDescription, rus.Description}
	if d.Offer != nil {
		candidates = append(candidates, d.Offer.Name)
	}
	candidates = append(candidates, d.Name, d.Title)
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

// Order is one sale.
type Order struct {
	ID           ID           `json:"id"`
	Status       string       `json:"status"`
	Quantity     int          `json:"quantity"`
	BasePrice    float64      `json:"basePrice"`
	TotalPrice   float64      `json:"totalPrice"`
	User         User         `json:"user"`
	OfferDetails OfferDetails `json:"offerDetails"`
	CreatedAt    string       `json:"createdAt,omitempty"`
}

// Order statuses the loops and sales stats act on.
const (
	StatusCreated   = "CREATED"
	StatusCompleted = "COMPLETED"
	StatusRefund    = "REFUND"
)

// Units returns the number of codes owed for the order, at least one.
func (o Order) Units() int {
	if o.Quantity < 1 {
		return 1
	}
	return o.Quantity
}

// Price returns the base price, falling back to the total.
func (o Order) Price() float64 {
	if o.BasePrice != 0 {
		return o.BasePrice
	}
	return o.TotalPrice
}

// BuyerName returns the buyer username or id.
func (o Order) BuyerName() string {
	if o.User.Username != "" {
		return o.User.Username
	}
	if o.User.ID != "" {
		return o.User.ID.String()
	}
	return "-"
}

// Lot is one of the seller's own listings.
type Lot struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Price        float64 `json:"price"`
	Availability int64   `json:"availability"`
	URL          string  `json:"url"`
	GameID       int64   `json:"game_id"`
	CategoryID   int64   `json:"category_id"`
	CategoryURL  string  `json:"category_url"`
}

// OfferDetail is the single-offer view used to fill lot placement.
type OfferDetail struct {
	ID         int64  `json:"id"`
	GameID     int64  `json:"game_id"`
	CategoryID int64  `json:"category_id"`
	Title      string `json:"title"`
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
