package services

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/bulksms/backend/internal/models"
)

const exportSheet = "Transactions"

// maxExportRows caps a single export.
const maxExportRows = 10000

// ExportTransactions renders the user's full transaction history as an XLSX
// workbook with columns Date, Type, Description, Amount, Balance, Status.
func (s *LedgerService) ExportTransactions(ctx context.Context, userID string) ([]byte, error) {
	const op = "export_transactions"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, balance_after, description, reference, status, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, maxExportRows)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var ref sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter,
			&t.Description, &ref, &t.Status, &t.CreatedAt); err != nil {
			return nil, persistence(op, err)
		}
		t.Reference = nullableString(ref)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}

	data, err := transactionsWorkbook(txs)
	if err != nil {
		return nil, fmt.Errorf("%s: build workbook: %w", op, err)
	}

	s.audit.LogOperation(userID, "EXPORT", fmt.Sprintf("%d transactions", len(txs)))
	return data, nil
}

func transactionsWorkbook(txs []models.Transaction) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), exportSheet); err != nil {
		return nil, err
	}

	header := []interface{}{"Date", "Type", "Description", "Amount", "Balance", "Status"}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return nil, err
	}

	for i, t := range txs {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := []interface{}{
			t.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			t.Type,
			t.Description,
			t.Amount,
			t.BalanceAfter,
			t.Status,
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	buf := &bytes.Buffer{}
	if err := f.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
