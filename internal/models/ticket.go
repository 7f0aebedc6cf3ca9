package models

import (
	"fmt"
	"strings"

	"TicketMail/internal/layout"
)

// TicketContext is the rendering snapshot taken when a ticket mail is enqueued.
type TicketContext struct {
	OrderID         string       `json:"orderId" firestore:"orderId"`
	TicketName      string       `json:"ticketName" firestore:"ticketName"`
	Seats           []Seat       `json:"seatList,omitempty" firestore:"seatList,omitempty"`
	EventDate       string       `json:"eventDate,omitempty" firestore:"eventDate,omitempty"`
	Quantity        int          `json:"quantity,omitempty" firestore:"quantity,omitempty"`
	AssociationName string       `json:"associationName,omitempty" firestore:"associationName,omitempty"`
	TemplateURL     string       `json:"templateUrl,omitempty" firestore:"templateUrl,omitempty"`
	QRArea          *layout.Rect `json:"qrArea,omitempty" firestore:"qrArea,omitempty"`
	InfoArea        *layout.Rect `json:"infoArea,omitempty" firestore:"infoArea,omitempty"`
	OrderIDArea     *layout.Rect `json:"orderIdArea,omitempty" firestore:"orderIdArea,omitempty"`
}

// TicketCount is quantity, else the seat count, else 1.
func (c *TicketContext) TicketCount() int {
	if c.Quantity > 0 {
		return c.Quantity
	}
	if len(c.Seats) > 0 {
		return len(c.Seats)
	}
	return 1
}

// SeatLabel resolves the label of the i-th ticket, nil when there is none.
func (c *TicketContext) SeatLabel(i int) *string {
	if i < 0 || i >= len(c.Seats) {
		return nil
	}
	return c.Seats[i].DisplayLabel()
}

// Seat values come from the booking frontend and may be strings or numbers.
type Seat struct {
	Label  any `json:"label,omitempty" firestore:"label,omitempty"`
	Number any `json:"number,omitempty" firestore:"number,omitempty"`
	ID     any `json:"id,omitempty" firestore:"id,omitempty"`
}

// DisplayLabel returns the first non-empty of label, number, id.
func (s Seat) DisplayLabel() *string {
	for _, v := range []any{s.Label, s.Number, s.ID} {
		if v == nil {
			continue
		}
		str := strings.TrimSpace(fmt.Sprint(v))
		if str != "" {
			return &str
		}
	}
	return nil
}

// TemplateAsset is a downloaded ticket background.
type TemplateAsset struct {
	URL         string
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}
