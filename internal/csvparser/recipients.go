// Package csvparser reads recipient lists for bulk mailings.
package csvparser

import (
	"encoding/csv"
	"io"
	"strings"
	"text/template"

	"TicketMail/internal/errs"
)

const DefaultMaxRows = 1000

// Recipient is one CSV row. Email comes from the "Email" column
// (case-insensitive); every other column lands in Fields.
type Recipient struct {
	Email  string
	Fields map[string]string
}

// ParseRecipients reads at most maxRows data rows. Rows with the wrong
// column count or an empty email are skipped.
func ParseRecipients(r io.Reader, maxRows int) ([]Recipient, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, errs.New("csv is empty")
	}
	if err != nil {
		return nil, errs.Wrap(err, "read csv header")
	}

	emailIdx := -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		if strings.EqualFold(h, "email") {
			emailIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, errs.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	var rows []Recipient
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(err, "read csv row")
		}
		if len(record) != len(headers) {
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		fields := make(map[string]string, len(headers)-1)
		for i, v := range record {
			if i == emailIdx || normalized[i] == "" {
				continue
			}
			fields[normalized[i]] = strings.TrimSpace(v)
		}
		rows = append(rows, Recipient{Email: email, Fields: fields})
	}

	if len(rows) == 0 {
		return nil, errs.New("csv must contain at least one data row")
	}
	return rows, nil
}

// Template personalizes subject or body text with a recipient's fields,
// e.g. "Hallo {{.Vorname}}". Unknown fields render empty.
type Template struct {
	t *template.Template
}

func ParseTemplate(name, text string) (*Template, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, errs.Wrapf(err, "parse %s template", name)
	}
	return &Template{t: t}, nil
}

func (t *Template) Render(r Recipient) (string, error) {
	data := make(map[string]string, len(r.Fields)+1)
	for k, v := range r.Fields {
		data[k] = v
	}
	data["Email"] = r.Email

	var b strings.Builder
	if err := t.t.Execute(&b, data); err != nil {
		return "", errs.Wrapf(err, "render template for %s", r.Email)
	}
	return b.String(), nil
}
