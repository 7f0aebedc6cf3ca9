// Package qrcode encodes ticket identities into scannable QR images.
package qrcode

import (
	"bytes"
	"encoding/json"
	"image"
	"image/draw"
	"image/png"
	"math"
	"strings"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"

	"TicketMail/internal/errs"
	"TicketMail/internal/models"
)

const (
	MinPixels = 200
	MaxPixels = 500

	isoMillis = "2006-01-02T15:04:05.000Z07:00"
)

// Payload is the scanner-facing ticket identity. Field order is fixed so the
// same ticket always yields the same code.
type Payload struct {
	OrderID    string  `json:"orderId"`
	TicketName string  `json:"ticketName"`
	SeatLabel  *string `json:"seatLabel"`
	EventDate  *string `json:"eventDate"`
}

// NewPayload normalizes the event date to ISO-8601 UTC. An unparsable date is
// kept verbatim, an empty one becomes null.
func NewPayload(orderID, ticketName string, seatLabel *string, rawEventDate string, loc *time.Location) Payload {
	p := Payload{
		OrderID:    orderID,
		TicketName: ticketName,
		SeatLabel:  seatLabel,
	}
	raw := strings.TrimSpace(rawEventDate)
	if raw == "" {
		return p
	}
	if t, ok := models.ParseEventDate(raw, loc); ok {
		iso := t.UTC().Format(isoMillis)
		p.EventDate = &iso
	} else {
		p.EventDate = &raw
	}
	return p
}

func (p Payload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", errs.Wrap(err, "encode qr payload")
	}
	return string(b), nil
}

// PixelSize picks the raster resolution for a destination square.
func PixelSize(side float64) int {
	if math.IsNaN(side) {
		return MinPixels
	}
	px := int(math.Round(side))
	if px < MinPixels {
		return MinPixels
	}
	if px > MaxPixels {
		return MaxPixels
	}
	return px
}

// Render rasterizes the payload as a square image of px pixels.
func Render(p Payload, px int) (image.Image, error) {
	content, err := p.Encode()
	if err != nil {
		return nil, err
	}
	code, err := qr.Encode(content, qr.M, qr.Auto)
	if err != nil {
		return nil, errs.Wrap(err, "qr encode")
	}
	scaled, err := barcode.Scale(code, px, px)
	if err != nil {
		return nil, errs.Wrap(err, "qr scale")
	}
	return scaled, nil
}

// PNG renders the payload and encodes it as an 8-bit grayscale PNG, the
// depth PDF writers accept.
func PNG(p Payload, px int) ([]byte, error) {
	img, err := Render(p, px)
	if err != nil {
		return nil, err
	}
	gray := image.NewGray(img.Bounds())
	draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, errs.Wrap(err, "qr png")
	}
	return buf.Bytes(), nil
}
