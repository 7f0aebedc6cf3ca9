// Package attachment turns a ticket order job into one PDF per ticket.
package attachment

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"TicketMail/internal/layout"
	"TicketMail/internal/metrics"
	"TicketMail/internal/models"
	"TicketMail/internal/ticket"
)

const maxNamePart = 50

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// DesignSource provides an association's live ticket design.
type DesignSource interface {
	TicketDesign(ctx context.Context, associationID string) (*models.TicketDesign, error)
}

// TemplateFetcher downloads a template image.
type TemplateFetcher interface {
	Fetch(ctx context.Context, url string) (*models.TemplateAsset, error)
}

// TicketRenderer renders one ticket.
type TicketRenderer interface {
	Render(in ticket.Input) (*ticket.Ticket, error)
}

type Builder struct {
	designs  DesignSource
	fetcher  TemplateFetcher
	renderer TicketRenderer
	log      *zap.Logger
}

func NewBuilder(designs DesignSource, fetcher TemplateFetcher, renderer TicketRenderer, log *zap.Logger) *Builder {
	return &Builder{
		designs:  designs,
		fetcher:  fetcher,
		renderer: renderer,
		log:      log,
	}
}

// resolved holds the design values used for one build.
type resolved struct {
	templateURL string
	qrArea      *layout.Rect
	infoArea    *layout.Rect
	orderIDArea *layout.Rect
}

// Build renders one PDF per ticket of the job's order. Jobs that are not
// complete ticket jobs yield no attachments. Tickets that fail to render are
// skipped, so the result may be shorter than the ticket count.
func (b *Builder) Build(ctx context.Context, associationID string, job *models.EmailJob) ([]models.Attachment, error) {
	if !job.IsTicket() {
		return nil, nil
	}
	tc := job.Context
	log := b.log.With(
		zap.String("association_id", associationID),
		zap.String("job_id", job.ID),
		zap.String("order_id", tc.OrderID),
	)

	design := b.resolveDesign(ctx, associationID, tc, log)
	template := b.fetchTemplate(ctx, design.templateURL, log)

	count := tc.TicketCount()
	attachments := make([]models.Attachment, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return attachments, err
		}

		seat := tc.SeatLabel(i)
		t, err := b.renderer.Render(ticket.Input{
			Template:        template,
			QRArea:          design.qrArea,
			InfoArea:        design.infoArea,
			OrderIDArea:     design.orderIDArea,
			OrderID:         tc.OrderID,
			TicketName:      tc.TicketName,
			SeatLabel:       seat,
			EventDate:       tc.EventDate,
			AssociationName: tc.AssociationName,
		})
		if err != nil {
			metrics.TicketRenderFailures.Inc()
			log.Error("ticket render failed, skipping",
				zap.Int("ticket_index", i),
				zap.Error(err),
			)
			continue
		}
		metrics.TicketsRendered.Inc()

		label := strconv.Itoa(i + 1)
		if seat != nil {
			label = *seat
		}
		attachments = append(attachments, models.Attachment{
			Filename:    Filename(tc.TicketName, label),
			ContentType: "application/pdf",
			Content:     t.PDF,
		})
	}

	log.Info("ticket attachments built",
		zap.Int("tickets", count),
		zap.Int("attachments", len(attachments)),
		zap.Bool("template", template != nil),
	)
	return attachments, nil
}

// resolveDesign prefers the snapshot stored on the job and fills gaps from the
// association's live design.
func (b *Builder) resolveDesign(ctx context.Context, associationID string, tc *models.TicketContext, log *zap.Logger) resolved {
	r := resolved{
		templateURL: tc.TemplateURL,
		qrArea:      tc.QRArea,
		infoArea:    tc.InfoArea,
		orderIDArea: tc.OrderIDArea,
	}
	if r.templateURL != "" && r.qrArea != nil && r.infoArea != nil && r.orderIDArea != nil {
		return r
	}
	if b.designs == nil || associationID == "" {
		return r
	}

	d, err := b.designs.TicketDesign(ctx, associationID)
	if err != nil {
		log.Warn("ticket design unavailable, using job snapshot only", zap.Error(err))
		return r
	}
	if r.templateURL == "" {
		r.templateURL = d.TemplateURL
	}
	if r.qrArea == nil {
		r.qrArea = d.QRArea
	}
	if r.infoArea == nil {
		r.infoArea = d.InfoArea
	}
	if r.orderIDArea == nil {
		r.orderIDArea = d.OrderIDArea
	}
	return r
}

func (b *Builder) fetchTemplate(ctx context.Context, url string, log *zap.Logger) *models.TemplateAsset {
	if url == "" || b.fetcher == nil {
		return nil
	}
	a, err := b.fetcher.Fetch(ctx, url)
	if err != nil {
		log.Warn("template fetch failed, rendering without background",
			zap.String("url", url),
			zap.Error(err),
		)
		return nil
	}
	return a
}

// Filename builds Ticket_<name>_<label>.pdf from sanitized parts.
func Filename(ticketName, label string) string {
	return fmt.Sprintf("Ticket_%s_%s.pdf", sanitize(ticketName), sanitize(label))
}

func sanitize(s string) string {
	s = unsafeFilenameChars.ReplaceAllString(s, "")
	if len(s) > maxNamePart {
		s = s[:maxNamePart]
	}
	return s
}
