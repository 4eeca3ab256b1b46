package service

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/cobro/internal/config"
	"github.com/smallbiznis/cobro/internal/ingest/domain"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	"github.com/smallbiznis/cobro/pkg/cardvault"
	"github.com/xuri/excelize/v2"
)

// rawRow keeps the cells of one line keyed by canonical column name.
type rawRow struct {
	line   int
	values map[string]string
}

func (r rawRow) get(column string) string {
	return strings.TrimSpace(r.values[column])
}

// headerAliases maps normalised header text to canonical column names.
// Both the snake_case template and the uppercase headings of the legacy
// spreadsheet are accepted.
var headerAliases = map[string]string{
	"customer_name": "customer_name", "name": "customer_name", "nombre": "customer_name",
	"first_name": "first_name",
	"last_name":  "last_name",
	"email":      "email", "correo": "email",
	"address": "address", "direccion": "address",
	"city": "city", "ciudad": "city",
	"country": "country", "pais": "country",
	"card_number": "card_number", "numero_de_tarjeta": "card_number",
	"card_holder": "card_holder", "cardholder_name": "card_holder", "titular": "card_holder",
	"card_expiry_month": "expiry_month", "exp_month": "expiry_month", "expiration_month": "expiry_month",
	"card_expiry_year": "expiry_year", "exp_year": "expiry_year", "expiration_year": "expiry_year",
	"cvv": "cvv",
	"amount": "amount", "importe": "amount", "monto": "amount",
	"currency": "currency", "moneda": "currency",
	"start_date": "start_date", "fecha_inicio": "start_date",
	"time": "time_of_day", "time_of_day": "time_of_day", "hora": "time_of_day",
	"frequency": "frequency", "frecuencia": "frequency",
	"attempts": "retry_attempts", "retry_attempts": "retry_attempts", "intentos": "retry_attempts",
	"attempt_interval": "retry_interval", "retry_interval_minutes": "retry_interval",
	"attempts_time_on_minutes": "retry_interval", "attempt_interval_minutes": "retry_interval",
	"reference": "reference", "referencia": "reference",
}

var requiredColumns = []string{"email", "card_number", "expiry_month", "expiry_year", "amount", "start_date"}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.NewReplacer(" ", "_", "-", "_", ".", "", "á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u").Replace(h)
	if canonical, ok := headerAliases[h]; ok {
		return canonical
	}
	return h
}

// readRows loads the first sheet of an .xlsx file or a .csv file.
// Spreadsheet cells are read raw so dates and times keep their serial form.
func readRows(fileName string, body []byte) ([]rawRow, error) {
	var grid [][]string
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		f, err := excelize.OpenReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("open workbook: %w", err)
		}
		defer f.Close()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, domain.ErrEmptyFile
		}
		grid, err = f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("read sheet: %w", err)
		}
	case ".csv":
		reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))))
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true
		for {
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("read csv: %w", err)
			}
			grid = append(grid, record)
		}
	default:
		return nil, domain.ErrUnsupportedFile
	}

	if len(grid) < 2 {
		return nil, domain.ErrEmptyFile
	}

	headers := make([]string, len(grid[0]))
	present := map[string]bool{}
	for i, h := range grid[0] {
		headers[i] = normalizeHeader(h)
		present[headers[i]] = true
	}
	var missing []string
	for _, col := range requiredColumns {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	if !present["customer_name"] && !present["first_name"] {
		missing = append(missing, "customer_name")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingColumns, strings.Join(missing, ", "))
	}

	rows := make([]rawRow, 0, len(grid)-1)
	for i, record := range grid[1:] {
		if blank(record) {
			continue
		}
		values := make(map[string]string, len(headers))
		for j, cell := range record {
			if j < len(headers) && headers[j] != "" {
				values[headers[j]] = cell
			}
		}
		rows = append(rows, rawRow{line: i + 2, values: values})
	}
	if len(rows) == 0 {
		return nil, domain.ErrEmptyFile
	}
	return rows, nil
}

func blank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// parseRow normalises a raw line. Validation of the result is separate.
func parseRow(raw rawRow, defaults config.CollectionsConfig) (domain.Row, error) {
	row := domain.Row{
		Line:        raw.line,
		Email:       strings.ToLower(raw.get("email")),
		Address:     raw.get("address"),
		City:        raw.get("city"),
		Country:     raw.get("country"),
		CardNumber:  cardvault.Digits(raw.get("card_number")),
		CardHolder:  raw.get("card_holder"),
		ExpiryMonth: raw.get("expiry_month"),
		ExpiryYear:  raw.get("expiry_year"),
		CVV:         raw.get("cvv"),
		Reference:   raw.get("reference"),
	}

	row.CustomerName = raw.get("customer_name")
	if row.CustomerName == "" {
		row.CustomerName = strings.TrimSpace(raw.get("first_name") + " " + raw.get("last_name"))
	}
	if row.CardHolder == "" {
		row.CardHolder = row.CustomerName
	}
	if len(row.ExpiryMonth) == 1 {
		row.ExpiryMonth = "0" + row.ExpiryMonth
	}

	amount, err := parseAmount(raw.get("amount"))
	if err != nil {
		return row, err
	}
	row.Amount = amount

	row.Currency = strings.ToUpper(raw.get("currency"))
	if row.Currency == "" {
		row.Currency = defaults.DefaultCurrency
	}

	frequency, ok := scheduledomain.NormalizeFrequency(raw.get("frequency"), defaults.DefaultFrequency)
	if !ok {
		return row, fmt.Errorf("unknown frequency %q", frequency)
	}
	row.Frequency = frequency

	start, err := parseDate(raw.get("start_date"))
	if err != nil {
		return row, err
	}
	row.StartDate = start

	row.TimeOfDay, err = parseTimeOfDay(raw.get("time_of_day"))
	if err != nil {
		return row, err
	}

	row.RetryAttempts, err = parsePositiveInt(raw.get("retry_attempts"), defaults.DefaultRetryAttempts)
	if err != nil {
		return row, fmt.Errorf("invalid attempts: %w", err)
	}
	row.RetryIntervalMinutes, err = parsePositiveInt(raw.get("retry_interval"), defaults.DefaultRetryInterval)
	if err != nil {
		return row, fmt.Errorf("invalid attempt interval: %w", err)
	}
	return row, nil
}

func parseAmount(value string) (float64, error) {
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(value)
	if cleaned == "" {
		return 0, errors.New("amount is required")
	}
	amount, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	return math.Round(amount*100) / 100, nil
}

// spreadsheetEpoch is day zero of spreadsheet serial dates.
var spreadsheetEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

var dateLayouts = []string{"2006-01-02", "2006/01/02", "02/01/2006", time.RFC3339}

// parseDate accepts ISO dates or spreadsheet serial numbers.
func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("start date is required")
	}
	if serial, err := strconv.ParseFloat(value, 64); err == nil {
		if serial < 1 {
			return time.Time{}, fmt.Errorf("invalid start date %q", value)
		}
		return spreadsheetEpoch.AddDate(0, 0, int(math.Floor(serial))), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid start date %q", value)
}

// parseTimeOfDay accepts HH:MM[:SS] or a spreadsheet fraction of a day and
// returns HH:MM:SS. Blank means midnight.
func parseTimeOfDay(value string) (string, error) {
	if value == "" {
		return "00:00:00", nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("15:04:05"), nil
		}
	}
	fraction, err := strconv.ParseFloat(value, 64)
	if err != nil || fraction < 0 {
		return "", fmt.Errorf("invalid time %q", value)
	}
	fraction -= math.Floor(fraction)
	total := int(math.Round(fraction*24*60*60)) % (24 * 60 * 60)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60), nil
}

// parsePositiveInt returns def for blank cells. Explicit values below one
// are raised to one.
func parsePositiveInt(value string, def int) (int, error) {
	if value == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	return max(int(f), 1), nil
}
