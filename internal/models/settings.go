package models

import (
	"strings"

	"TicketMail/internal/errs"
	"TicketMail/internal/layout"
)

var (
	ErrSettingsNotFound = errs.New("association email settings not found")
	ErrDesignNotFound   = errs.New("ticket design settings not found")
)

// EmailSettings holds the SMTP relay an association sends through.
type EmailSettings struct {
	Host        string `json:"smtpHost" firestore:"smtpHost"`
	Port        int    `json:"smtpPort" firestore:"smtpPort"`
	User        string `json:"smtpUser" firestore:"smtpUser"`
	Password    string `json:"smtpPassword" firestore:"smtpPassword"`
	Secure      bool   `json:"secure" firestore:"secure"`
	SenderName  string `json:"senderName" firestore:"senderName"`
	SenderEmail string `json:"senderEmail" firestore:"senderEmail"`
	ReplyTo     string `json:"replyTo,omitempty" firestore:"replyTo,omitempty"`
}

func (s *EmailSettings) Validate() error {
	var missing []string
	if strings.TrimSpace(s.Host) == "" {
		missing = append(missing, "smtpHost")
	}
	if s.Port <= 0 {
		missing = append(missing, "smtpPort")
	}
	if strings.TrimSpace(s.User) == "" {
		missing = append(missing, "smtpUser")
	}
	if s.Password == "" {
		missing = append(missing, "smtpPassword")
	}
	if strings.TrimSpace(s.SenderEmail) == "" {
		missing = append(missing, "senderEmail")
	}
	if len(missing) > 0 {
		return errs.Newf("incomplete smtp settings, missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// TicketDesign is the live design of an association's ticketing module.
type TicketDesign struct {
	TemplateURL string       `json:"templateUrl" firestore:"templateUrl"`
	QRArea      *layout.Rect `json:"qrArea,omitempty" firestore:"qrArea,omitempty"`
	InfoArea    *layout.Rect `json:"infoArea,omitempty" firestore:"infoArea,omitempty"`
	OrderIDArea *layout.Rect `json:"orderIdArea,omitempty" firestore:"orderIdArea,omitempty"`
}
