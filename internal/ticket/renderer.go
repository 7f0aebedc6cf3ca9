// Package ticket renders single-page ticket PDFs: background template, QR
// code, wrapped info text and an order number stamp.
package ticket

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"go.uber.org/zap"
	"golang.org/x/image/webp"

	"TicketMail/internal/errs"
	"TicketMail/internal/layout"
	"TicketMail/internal/models"
	"TicketMail/internal/qrcode"
	"TicketMail/internal/textflow"
)

const (
	DefaultPageWidth  = 595.0
	DefaultPageHeight = 842.0

	fontFamily = "Helvetica"

	orderIDFontSize = 7.0
	orderIDPadding  = 3.0

	fallbackX        = 40.0
	fallbackY        = 60.0
	fallbackStep     = 18.0
	fallbackFontSize = 12.0
	cornerInset      = 30.0
)

var ErrNoQRArea = errs.New("ticket has no qr area")

// OrderID placements reported in Ticket.OrderIDPlacement.
const (
	PlacementArea   = "area"
	PlacementStack  = "stack"
	PlacementCorner = "corner"
)

// Input describes one ticket. Areas are normalized rectangles as stored in the
// design; nil areas are skipped, except the QR area which falls back to the
// renderer's default.
type Input struct {
	Template *models.TemplateAsset

	QRArea      *layout.Rect
	InfoArea    *layout.Rect
	OrderIDArea *layout.Rect

	OrderID         string
	TicketName      string
	SeatLabel       *string
	EventDate       string
	AssociationName string
}

// Ticket is a rendered ticket with diagnostics about degraded paths.
type Ticket struct {
	PDF              []byte
	PageWidth        float64
	PageHeight       float64
	Background       bool
	InfoLines        int
	Dropped          int
	FallbackStack    bool
	OrderIDPlacement string
}

type Renderer struct {
	// QRFallback is used when a ticket has no QR area. Nil makes a missing
	// area fatal.
	QRFallback *layout.Rect

	loc *time.Location
	log *zap.Logger
}

func NewRenderer(loc *time.Location, log *zap.Logger) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	fallback := layout.DefaultQRArea
	return &Renderer{
		QRFallback: &fallback,
		loc:        loc,
		log:        log,
	}
}

// Render builds the PDF for one ticket. Only a missing QR code or a failure to
// serialize the document is an error; everything else degrades.
func (r *Renderer) Render(in Input) (*Ticket, error) {
	out := &Ticket{PageWidth: DefaultPageWidth, PageHeight: DefaultPageHeight}

	bg, err := prepareBackground(in.Template)
	if err != nil {
		r.log.Warn("template unusable, rendering on blank page",
			zap.String("order_id", in.OrderID),
			zap.Error(err),
		)
		bg = nil
	}
	if bg != nil {
		out.PageWidth, out.PageHeight = float64(bg.width), float64(bg.height)
	}

	pdf := newDocument(out.PageWidth, out.PageHeight)
	if bg != nil {
		opts := fpdf.ImageOptions{ImageType: bg.imageType}
		pdf.RegisterImageOptionsReader("template", opts, bytes.NewReader(bg.data))
		if !pdf.Err() {
			pdf.ImageOptions("template", 0, 0, out.PageWidth, out.PageHeight, false, opts, 0, "")
		}
		if pdf.Err() {
			r.log.Warn("template embed failed, rendering on blank page",
				zap.String("order_id", in.OrderID),
				zap.Error(pdf.Error()),
			)
			out.PageWidth, out.PageHeight = DefaultPageWidth, DefaultPageHeight
			pdf = newDocument(out.PageWidth, out.PageHeight)
		} else {
			out.Background = true
		}
	}

	if err := r.drawQR(pdf, in, out); err != nil {
		return nil, err
	}

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTextColor(0, 0, 0)

	lines := r.infoLines(in)
	if box, ok := layout.Resolve(in.InfoArea, nil, out.PageWidth, out.PageHeight); ok {
		r.drawInfo(pdf, tr, box, lines, in, out)
	} else if len(lines) > 0 {
		r.drawFallbackStack(pdf, tr, in, out)
	}

	if box, ok := layout.Resolve(in.OrderIDArea, nil, out.PageWidth, out.PageHeight); ok {
		if in.OrderID != "" {
			pdf.SetFont(fontFamily, "", orderIDFontSize)
			pdf.Text(box.X+orderIDPadding, box.Y+orderIDPadding+orderIDFontSize, tr(orderIDLabel(in.OrderID)))
			out.OrderIDPlacement = PlacementArea
		}
	} else if out.InfoLines == 0 && !out.FallbackStack && in.OrderID != "" {
		pdf.SetFont(fontFamily, "", orderIDFontSize)
		pdf.Text(fallbackX, out.PageHeight-cornerInset, tr(orderIDLabel(in.OrderID)))
		out.OrderIDPlacement = PlacementCorner
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, errs.Wrap(err, "write ticket pdf")
	}
	out.PDF = buf.Bytes()
	return out, nil
}

func (r *Renderer) drawQR(pdf *fpdf.Fpdf, in Input, out *Ticket) error {
	box, ok := layout.Resolve(in.QRArea, r.QRFallback, out.PageWidth, out.PageHeight)
	if !ok {
		return ErrNoQRArea
	}
	side := box.Side()

	payload := qrcode.NewPayload(in.OrderID, in.TicketName, in.SeatLabel, in.EventDate, r.loc)
	data, err := qrcode.PNG(payload, qrcode.PixelSize(side))
	if err != nil {
		return err
	}

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("qr", opts, bytes.NewReader(data))
	pdf.ImageOptions("qr", box.X, box.Y, side, side, false, opts, 0, "")
	if pdf.Err() {
		return errs.Wrap(pdf.Error(), "embed qr code")
	}
	return nil
}

func (r *Renderer) drawInfo(pdf *fpdf.Fpdf, tr func(string) string, box layout.Box, lines []string, in Input, out *Ticket) {
	if len(lines) == 0 {
		return
	}

	pdf.SetFont(fontFamily, "", textflow.DefaultFontSize)
	measure := textflow.MeasureFunc(func(text string, size float64) float64 {
		pdf.SetFontSize(size)
		return pdf.GetStringWidth(tr(text))
	})

	l := textflow.Fit(lines, box.W, box.H, textflow.Options{
		FontSize:    box.FontSize,
		LineSpacing: box.LineSpacing,
	}, measure)
	placed, dropped := l.Place(box.X, box.Y, box.H)

	pdf.SetFontSize(l.FontSize)
	for _, line := range placed {
		pdf.Text(line.X, line.Baseline, tr(line.Text))
	}
	out.InfoLines = len(placed)
	out.Dropped = dropped

	if dropped > 0 || !l.Fits {
		r.log.Warn("ticket info text truncated",
			zap.String("order_id", in.OrderID),
			zap.Int("segments", len(l.Segments)),
			zap.Int("dropped", dropped),
			zap.Float64("font_size", l.FontSize),
			zap.Int("iterations", l.Iterations),
		)
	}
}

func (r *Renderer) drawFallbackStack(pdf *fpdf.Fpdf, tr func(string) string, in Input, out *Ticket) {
	var stack []string
	if s := strings.TrimSpace(in.AssociationName); s != "" {
		stack = append(stack, s)
	}
	if s := strings.TrimSpace(in.TicketName); s != "" {
		stack = append(stack, "Ticket: "+s)
	}
	if s := r.formatEventDate(in.EventDate); s != "" {
		stack = append(stack, "Datum: "+s)
	}
	if in.SeatLabel != nil && strings.TrimSpace(*in.SeatLabel) != "" {
		stack = append(stack, "Platz: "+strings.TrimSpace(*in.SeatLabel))
	}
	if in.OrderID != "" {
		stack = append(stack, "Bestellnummer: "+in.OrderID)
		out.OrderIDPlacement = PlacementStack
	}

	pdf.SetFont(fontFamily, "", fallbackFontSize)
	y := fallbackY
	for _, s := range stack {
		pdf.Text(fallbackX, y, tr(s))
		y += fallbackStep
	}
	out.FallbackStack = true
}

// infoLines returns ticket name, event date and seat label, skipping blanks.
func (r *Renderer) infoLines(in Input) []string {
	var lines []string
	if s := strings.TrimSpace(in.TicketName); s != "" {
		lines = append(lines, s)
	}
	if s := r.formatEventDate(in.EventDate); s != "" {
		lines = append(lines, s)
	}
	if in.SeatLabel != nil {
		if s := strings.TrimSpace(*in.SeatLabel); s != "" {
			lines = append(lines, s)
		}
	}
	return lines
}

func (r *Renderer) formatEventDate(raw string) string {
	raw = strings.TrimSpace(raw)
	t, ok := models.ParseEventDate(raw, r.loc)
	if !ok {
		return raw
	}
	t = t.In(r.loc)
	if t.Hour() == 0 && t.Minute() == 0 {
		return t.Format("02.01.2006")
	}
	return t.Format("02.01.2006, 15:04") + " Uhr"
}

func orderIDLabel(orderID string) string {
	return "Bestellnr.: " + orderID
}

func newDocument(w, h float64) *fpdf.Fpdf {
	pdf := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "pt",
		Size:    fpdf.SizeType{Wd: w, Ht: h},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCreator("TicketMail", true)
	pdf.AddPage()
	return pdf
}

type background struct {
	data      []byte
	imageType string
	width     int
	height    int
}

// prepareBackground converts a template asset into something fpdf can embed.
// A nil asset yields a nil background.
func prepareBackground(asset *models.TemplateAsset) (*background, error) {
	if asset == nil || len(asset.Data) == 0 {
		return nil, nil
	}

	bg := &background{data: asset.Data, width: asset.Width, height: asset.Height}
	switch asset.ContentType {
	case "image/png":
		bg.imageType = "PNG"
	case "image/jpeg":
		bg.imageType = "JPG"
	case "image/gif":
		bg.imageType = "GIF"
	case "image/webp":
		img, err := webp.Decode(bytes.NewReader(asset.Data))
		if err != nil {
			return nil, errs.Wrap(err, "decode webp template")
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, errs.Wrap(err, "convert webp template")
		}
		bg.data, bg.imageType = buf.Bytes(), "PNG"
		bg.width, bg.height = img.Bounds().Dx(), img.Bounds().Dy()
	default:
		return nil, errs.Newf("unsupported template type %q", asset.ContentType)
	}

	if bg.width <= 0 || bg.height <= 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(bg.data))
		if err != nil {
			return nil, errs.Wrap(err, "read template size")
		}
		bg.width, bg.height = cfg.Width, cfg.Height
	}
	return bg, nil
}
