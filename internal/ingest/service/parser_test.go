package service

import (
	"bytes"
	"testing"
	"time"

	"github.com/smallbiznis/cobro/internal/config"
	"github.com/smallbiznis/cobro/internal/ingest/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func workbook(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func TestReadRowsLegacyWorkbookHeadings(t *testing.T) {
	body := workbook(t, [][]any{
		{"FIRST NAME", "LAST NAME", "EMAIL", "CARD NUMBER", "EXPIRATION MONTH", "EXPIRATION YEAR", "AMOUNT", "START DATE", "TIME", "ATTEMPTS", "ATTEMPTS TIME ON MINUTES"},
		{"Ana", "Pérez", "ana@example.com", "4111111111111112", 3, 28, 120.5, 45731, 0.375, 3, 10},
		{},
		{"Luis", "Gómez", "luis@example.com", "4111111111111114", 12, 2029, "99.90", "2025-03-15", "18:45", "", ""},
	})

	rows, err := readRows("clientes.xlsx", body)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].line)
	assert.Equal(t, 4, rows[1].line)

	first, err := parseRow(rows[0], config.DefaultCollectionsConfig())
	require.NoError(t, err)
	assert.Equal(t, "Ana Pérez", first.CustomerName)
	assert.Equal(t, "Ana Pérez", first.CardHolder)
	assert.Equal(t, "03", first.ExpiryMonth)
	assert.Equal(t, 120.5, first.Amount)
	assert.Equal(t, "USD", first.Currency)
	assert.Equal(t, "monthly", first.Frequency)
	assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), first.StartDate)
	assert.Equal(t, "09:00:00", first.TimeOfDay)
	assert.Equal(t, 3, first.RetryAttempts)
	assert.Equal(t, 10, first.RetryIntervalMinutes)

	second, err := parseRow(rows[1], config.DefaultCollectionsConfig())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), second.StartDate)
	assert.Equal(t, "18:45:00", second.TimeOfDay)
	assert.Equal(t, 99.9, second.Amount)
	assert.Equal(t, 1, second.RetryAttempts)
	assert.Equal(t, 5, second.RetryIntervalMinutes)
}

func TestReadRowsCSV(t *testing.T) {
	body := []byte("\xef\xbb\xbfcustomer_name,email,card_number,card_expiry_month,card_expiry_year,amount,currency,start_date,frequency\n" +
		"Marta Ruiz,MARTA@example.com,4111 1111 1111 1112,7,30,\"$1,250.00\",mxn,2025/04/01,Semanal\n")

	rows, err := readRows("batch.CSV", body)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row, err := parseRow(rows[0], config.DefaultCollectionsConfig())
	require.NoError(t, err)
	assert.Equal(t, "marta@example.com", row.Email)
	assert.Equal(t, "4111111111111112", row.CardNumber)
	assert.Equal(t, "07", row.ExpiryMonth)
	assert.Equal(t, 1250.0, row.Amount)
	assert.Equal(t, "MXN", row.Currency)
	assert.Equal(t, "weekly", row.Frequency)
	assert.Equal(t, "00:00:00", row.TimeOfDay)
}

func TestReadRowsRejectsBadFiles(t *testing.T) {
	_, err := readRows("notes.txt", []byte("a,b"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedFile)

	_, err = readRows("only-header.csv", []byte("customer_name,email\n"))
	assert.ErrorIs(t, err, domain.ErrEmptyFile)

	_, err = readRows("partial.csv", []byte("customer_name,email\nAna,ana@example.com\n"))
	require.ErrorIs(t, err, domain.ErrMissingColumns)
	assert.Contains(t, err.Error(), "card_number")
	assert.Contains(t, err.Error(), "start_date")
}

func TestParseRowErrors(t *testing.T) {
	base := func() rawRow {
		return rawRow{line: 2, values: map[string]string{
			"customer_name": "Ana",
			"email":         "ana@example.com",
			"card_number":   "4111111111111112",
			"expiry_month":  "01",
			"expiry_year":   "29",
			"amount":        "10",
			"start_date":    "2025-01-01",
		}}
	}
	cases := map[string]struct {
		column string
		value  string
	}{
		"amount":    {"amount", "ten"},
		"date":      {"start_date", "mañana"},
		"time":      {"time_of_day", "noon"},
		"frequency": {"frequency", "hourly"},
		"attempts":  {"retry_attempts", "x"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			raw := base()
			raw.values[tc.column] = tc.value
			_, err := parseRow(raw, config.DefaultCollectionsConfig())
			assert.Error(t, err)
		})
	}
}

func TestParseHelpers(t *testing.T) {
	amount, err := parseAmount("1,234.567")
	require.NoError(t, err)
	assert.Equal(t, 1234.57, amount)

	_, err = parseAmount("")
	assert.Error(t, err)

	at, err := parseTimeOfDay("0.5")
	require.NoError(t, err)
	assert.Equal(t, "12:00:00", at)

	at, err = parseTimeOfDay("45731.75")
	require.NoError(t, err)
	assert.Equal(t, "18:00:00", at)

	n, err := parsePositiveInt("", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = parsePositiveInt("0", 4)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = parsePositiveInt("3.0", 4)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, "card_number", normalizeHeader(" Número de tarjeta "))
	assert.Equal(t, "retry_interval", normalizeHeader("ATTEMPTS TIME ON MINUTES"))
}
