package service

import (
	"github.com/smallbiznis/cobro/internal/transaction/domain"
	"github.com/xuri/excelize/v2"
)

const (
	XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	xlsxSheet       = "Transactions"
	amountColumn    = 5
)

// WriteXLSX renders transactions on a single sheet with the amount kept
// numeric so spreadsheets can sum it.
func WriteXLSX(txs []domain.Transaction) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return nil, err
	}

	header := make([]any, 0, len(domain.ExportColumns))
	for _, name := range domain.ExportColumns {
		header = append(header, name)
	}
	if err := f.SetSheetRow(xlsxSheet, "A1", &header); err != nil {
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	lastHeader, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(xlsxSheet, "A1", lastHeader, bold); err != nil {
		return nil, err
	}

	for i, t := range txs {
		values := domain.ExportRow(t)
		row := make([]any, 0, len(values))
		for j, v := range values {
			if j == amountColumn {
				row = append(row, t.Amount)
				continue
			}
			row = append(row, v)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(xlsxSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
