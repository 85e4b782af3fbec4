package services

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/lib/pq"

	"github.com/bulksms/backend/internal/middleware"
)

const (
	maxImportContacts = 10000
	maxImportBytes    = 5 << 20
)

// ImportRowError points at a CSV line that failed validation. Row is the
// 1-based line number in the file, header included.
type ImportRowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

type ImportResult struct {
	Imported int64            `json:"imported"`
	Skipped  int64            `json:"skipped"`
	Invalid  []ImportRowError `json:"invalid"`
}

// ParseContactsCSV reads a header row naming at least name and phone
// (email, location and tags are optional, tags separated by ';') and
// validates every data row as a ContactRequest. Bad rows are reported, not
// fatal.
func (s *ContactService) ParseContactsCSV(r io.Reader) ([]ContactRequest, []ImportRowError, error) {
	const op = "import_contacts"

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, invalid(op, "file is empty")
	}
	if err != nil {
		return nil, nil, invalidErr(op, err)
	}

	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, required := range []string{"name", "phone"} {
		if _, ok := cols[required]; !ok {
			return nil, nil, invalid(op, "missing %q column", required)
		}
	}
	field := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var (
		contacts []ContactRequest
		rowErrs  []ImportRowError
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				rowErrs = append(rowErrs, ImportRowError{Row: parseErr.StartLine, Error: parseErr.Err.Error()})
				continue
			}
			return nil, nil, invalidErr(op, err)
		}
		line, _ := reader.FieldPos(0)
		if len(contacts)+len(rowErrs) >= maxImportContacts {
			return nil, nil, invalid(op, "at most %d contacts per upload", maxImportContacts)
		}

		req := ContactRequest{
			Name:   field(record, "name"),
			Phone:  strings.ReplaceAll(field(record, "phone"), " ", ""),
			Status: "active",
			Tags:   []string{},
		}
		if v := field(record, "email"); v != "" {
			req.Email = &v
		}
		if v := field(record, "location"); v != "" {
			req.Location = &v
		}
		for _, tag := range strings.Split(field(record, "tags"), ";") {
			if tag = strings.TrimSpace(tag); tag != "" {
				req.Tags = append(req.Tags, tag)
			}
		}

		if err := s.validator.ValidateStruct(req); err != nil {
			rowErrs = append(rowErrs, ImportRowError{Row: line, Error: err.Error()})
			continue
		}
		contacts = append(contacts, req)
	}
	return contacts, rowErrs, nil
}

// Import inserts contacts in one statement. Phones already in the address
// book, or repeated in the batch, are skipped.
func (s *ContactService) Import(ctx context.Context, userID string, contacts []ContactRequest) (inserted, skipped int64, err error) {
	const op = "import_contacts"

	seen := make(map[string]bool, len(contacts))
	var names, phones, emails, locations, tags []string
	for _, c := range contacts {
		if seen[c.Phone] {
			skipped++
			continue
		}
		seen[c.Phone] = true
		names = append(names, c.Name)
		phones = append(phones, c.Phone)
		emails = append(emails, derefString(c.Email))
		locations = append(locations, derefString(c.Location))
		tags = append(tags, strings.Join(c.Tags, ";"))
	}
	if len(phones) == 0 {
		return 0, skipped, nil
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (user_id, name, phone, email, location, tags)
		SELECT $1, r.name, r.phone, NULLIF(r.email, ''), NULLIF(r.location, ''),
		       CASE WHEN r.tags = '' THEN '{}'::text[] ELSE string_to_array(r.tags, ';') END
		FROM unnest($2::text[], $3::text[], $4::text[], $5::text[], $6::text[]) AS r(name, phone, email, location, tags)
		ON CONFLICT (user_id, phone) DO NOTHING`,
		userID, pq.Array(names), pq.Array(phones), pq.Array(emails), pq.Array(locations), pq.Array(tags))
	if err != nil {
		return 0, 0, persistence(op, err)
	}
	inserted, err = res.RowsAffected()
	if err != nil {
		return 0, 0, persistence(op, err)
	}
	return inserted, skipped + int64(len(phones)) - inserted, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ImportContacts bulk-imports contacts from CSV
// @Summary Import contacts
// @Description CSV with a header row: name, phone (E.164), and optional email, location, tags (';' separated). At most 10,000 rows. Send it as the multipart field "file" or as a text/csv body.
// @Tags contacts
// @Accept multipart/form-data
// @Accept text/csv
// @Produce json
// @Security BearerAuth
// @Param file formData file false "CSV file"
// @Success 200 {object} ImportResult
// @Failure 400 {object} ErrorResponse
// @Router /contacts/import [post]
func (s *ContactService) ImportContacts(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	var body io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			SendErrorResponse(w, "Missing CSV file", http.StatusBadRequest, nil)
			return
		}
		defer file.Close()
		body = file
	}

	contacts, rowErrs, err := s.ParseContactsCSV(body)
	if err != nil {
		SendLedgerError(w, err)
		return
	}

	inserted, skipped, err := s.Import(r.Context(), userID, contacts)
	if err != nil {
		SendLedgerError(w, err)
		return
	}

	if rowErrs == nil {
		rowErrs = []ImportRowError{}
	}
	s.log.Info().Str("user_id", userID).Int64("imported", inserted).Int64("skipped", skipped).
		Int("invalid", len(rowErrs)).Msg("contacts imported")
	WriteJSON(w, http.StatusOK, ImportResult{Imported: inserted, Skipped: skipped, Invalid: rowErrs})
}
