package domain

import (
	"strconv"
	"strings"
)

// ExportColumns are the ledger report headings shown to operators.
var ExportColumns = []string{
	"Estado",
	"Fecha",
	"Hora",
	"Nombre",
	"Operación",
	"Importe",
	"Moneda",
	"ISO",
	"Respuesta",
	"Bin",
	"Número de tarjeta",
	"Banco emisor",
	"Marca",
}

// ExportRow renders one transaction in ExportColumns order.
func ExportRow(t Transaction) []string {
	date := t.TransactionDate.UTC()
	return []string{
		statusLabel(t.Status),
		date.Format("2006-01-02"),
		date.Format("15:04"),
		orNA(t.CustomerName),
		orNA(t.TicketNumber),
		strconv.FormatFloat(t.Amount, 'f', 2, 64),
		t.Currency,
		orNA(t.ISOCode),
		orNA(t.ISOMessage),
		orNA(t.BIN),
		orNA(t.CardMask),
		orNA(t.BankName),
		orNA(t.CardBrand),
	}
}

func statusLabel(s Status) string {
	switch s {
	case StatusApproved:
		return "APPROVED"
	case StatusRejected:
		return "DECLINED"
	default:
		return "PENDING"
	}
}

func orNA(v string) string {
	if strings.TrimSpace(v) == "" {
		return "N/A"
	}
	return v
}
