package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"TicketMail/internal/errs"
	"TicketMail/internal/layout"
	"TicketMail/internal/models"
)

func (s *Store) EmailSettings(ctx context.Context, associationID string) (*models.EmailSettings, error) {
	var st models.EmailSettings
	err := s.Pool.QueryRow(ctx,
		`SELECT smtp_host, smtp_port, smtp_user, smtp_password, secure,
		        sender_name, sender_email, reply_to
		 FROM association_email_settings
		 WHERE association_id=$1`,
		associationID,
	).Scan(&st.Host, &st.Port, &st.User, &st.Password, &st.Secure,
		&st.SenderName, &st.SenderEmail, &st.ReplyTo)
	if errs.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrSettingsNotFound
	}
	if err != nil {
		return nil, errs.Wrap(err, "load email settings")
	}
	return &st, nil
}

func (s *Store) SaveEmailSettings(ctx context.Context, associationID string, st models.EmailSettings) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO association_email_settings
		 (association_id, smtp_host, smtp_port, smtp_user, smtp_password, secure, sender_name, sender_email, reply_to)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (association_id) DO UPDATE SET
		     smtp_host=EXCLUDED.smtp_host,
		     smtp_port=EXCLUDED.smtp_port,
		     smtp_user=EXCLUDED.smtp_user,
		     smtp_password=EXCLUDED.smtp_password,
		     secure=EXCLUDED.secure,
		     sender_name=EXCLUDED.sender_name,
		     sender_email=EXCLUDED.sender_email,
		     reply_to=EXCLUDED.reply_to`,
		associationID, st.Host, st.Port, st.User, st.Password, st.Secure,
		st.SenderName, st.SenderEmail, st.ReplyTo,
	)
	return errs.Wrap(err, "save email settings")
}

func (s *Store) TicketDesign(ctx context.Context, associationID string) (*models.TicketDesign, error) {
	var (
		d                 models.TicketDesign
		qr, info, orderID []byte
	)
	err := s.Pool.QueryRow(ctx,
		`SELECT template_url, qr_area, info_area, order_id_area
		 FROM ticket_designs
		 WHERE association_id=$1`,
		associationID,
	).Scan(&d.TemplateURL, &qr, &info, &orderID)
	if errs.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrDesignNotFound
	}
	if err != nil {
		return nil, errs.Wrap(err, "load ticket design")
	}

	if d.QRArea, err = fromJSON[layout.Rect](qr); err != nil {
		return nil, errs.Wrap(err, "decode qr area")
	}
	if d.InfoArea, err = fromJSON[layout.Rect](info); err != nil {
		return nil, errs.Wrap(err, "decode info area")
	}
	if d.OrderIDArea, err = fromJSON[layout.Rect](orderID); err != nil {
		return nil, errs.Wrap(err, "decode order id area")
	}
	return &d, nil
}

func (s *Store) SaveTicketDesign(ctx context.Context, associationID string, d models.TicketDesign) error {
	qr, err := jsonOrNil(d.QRArea)
	if err != nil {
		return err
	}
	info, err := jsonOrNil(d.InfoArea)
	if err != nil {
		return err
	}
	orderID, err := jsonOrNil(d.OrderIDArea)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO ticket_designs (association_id, template_url, qr_area, info_area, order_id_area)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (association_id) DO UPDATE SET
		     template_url=EXCLUDED.template_url,
		     qr_area=EXCLUDED.qr_area,
		     info_area=EXCLUDED.info_area,
		     order_id_area=EXCLUDED.order_id_area`,
		associationID, d.TemplateURL, qr, info, orderID,
	)
	return errs.Wrap(err, "save ticket design")
}
