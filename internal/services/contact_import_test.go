package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulksms/backend/internal/middleware"
)

const importSQL = "INSERT INTO contacts (user_id, name, phone, email, location, tags)"

func TestContactService_ParseContactsCSV(t *testing.T) {
	svc, _ := newTestContacts(t)

	t.Run("reads rows and reports bad ones", func(t *testing.T) {
		csv := "\ufeffName,Phone,Email,Location,Tags\n" +
			"Jane Doe,+256700000001,jane@example.com,Kampala,vip; lagos\n" +
			"Bad Phone,0700000002,,,\n" +
			"Spaced,+256 700 000 003,,,\n"

		contacts, rowErrs, err := svc.ParseContactsCSV(strings.NewReader(csv))
		require.NoError(t, err)
		require.Len(t, contacts, 2)

		assert.Equal(t, "Jane Doe", contacts[0].Name)
		require.NotNil(t, contacts[0].Email)
		assert.Equal(t, "jane@example.com", *contacts[0].Email)
		assert.Equal(t, []string{"vip", "lagos"}, contacts[0].Tags)
		assert.Equal(t, "+256700000003", contacts[1].Phone)
		assert.Nil(t, contacts[1].Email)

		require.Len(t, rowErrs, 1)
		assert.Equal(t, 3, rowErrs[0].Row)
		assert.Contains(t, rowErrs[0].Error, "Phone")
	})

	t.Run("columns in any order and case", func(t *testing.T) {
		contacts, rowErrs, err := svc.ParseContactsCSV(strings.NewReader("PHONE,name\n+256700000001,Jane\n"))
		require.NoError(t, err)
		assert.Empty(t, rowErrs)
		require.Len(t, contacts, 1)
		assert.Equal(t, "Jane", contacts[0].Name)
	})

	t.Run("phone column is required", func(t *testing.T) {
		_, _, err := svc.ParseContactsCSV(strings.NewReader("name,email\nJane,jane@example.com\n"))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("empty file", func(t *testing.T) {
		_, _, err := svc.ParseContactsCSV(strings.NewReader(""))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("caps an upload at ten thousand rows", func(t *testing.T) {
		var b strings.Builder
		b.WriteString("name,phone\n")
		for i := 0; i <= maxImportContacts; i++ {
			fmt.Fprintf(&b, "Contact %d,+2567%08d\n", i, i)
		}

		_, _, err := svc.ParseContactsCSV(strings.NewReader(b.String()))
		require.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	})
}

func TestContactService_Import(t *testing.T) {
	t.Run("skips repeats and existing phones", func(t *testing.T) {
		svc, mock := newTestContacts(t)

		mock.ExpectExec(regexp.QuoteMeta(importSQL)).
			WithArgs("user-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		inserted, skipped, err := svc.Import(context.Background(), "user-1", []ContactRequest{
			{Name: "Jane", Phone: "+256700000001"},
			{Name: "Jane again", Phone: "+256700000001"},
			{Name: "John", Phone: "+256700000002"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), inserted)
		assert.Equal(t, int64(2), skipped)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing to insert", func(t *testing.T) {
		svc, mock := newTestContacts(t)

		inserted, skipped, err := svc.Import(context.Background(), "user-1", nil)
		require.NoError(t, err)
		assert.Zero(t, inserted)
		assert.Zero(t, skipped)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestContactService_ImportContactsHandler(t *testing.T) {
	t.Run("multipart upload", func(t *testing.T) {
		svc, mock := newTestContacts(t)

		mock.ExpectExec(regexp.QuoteMeta(importSQL)).WillReturnResult(sqlmock.NewResult(0, 2))

		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", "contacts.csv")
		require.NoError(t, err)
		part.Write([]byte("name,phone\nJane,+256700000001\nJohn,+256700000002\nNobody,12\n"))
		require.NoError(t, mw.Close())

		r := httptest.NewRequest(http.MethodPost, "/contacts/import", &body)
		r.Header.Set("Content-Type", mw.FormDataContentType())
		r = r.WithContext(middleware.WithUserID(r.Context(), "user-1"))
		w := httptest.NewRecorder()
		svc.ImportContacts(w, r)

		require.Equal(t, http.StatusOK, w.Code)
		var res ImportResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, int64(2), res.Imported)
		assert.Zero(t, res.Skipped)
		require.Len(t, res.Invalid, 1)
		assert.Equal(t, 4, res.Invalid[0].Row)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("raw csv body without phone column", func(t *testing.T) {
		svc, _ := newTestContacts(t)

		r := httptest.NewRequest(http.MethodPost, "/contacts/import", strings.NewReader("name\nJane\n"))
		r.Header.Set("Content-Type", "text/csv")
		r = r.WithContext(middleware.WithUserID(r.Context(), "user-1"))
		w := httptest.NewRecorder()
		svc.ImportContacts(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "phone")
	})
}
