// Package report renders the transaction ledger as a printable PDF.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/consts/orientation"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/smallbiznis/cobro/internal/transaction/domain"
)

type Renderer interface {
	TransactionsPDF(ctx context.Context, data TransactionsReport) ([]byte, error)
}

type TransactionsReport struct {
	Title        string
	From         time.Time
	To           time.Time
	GeneratedAt  time.Time
	Transactions []domain.Transaction
}

// columnSizes partitions the wide grid across domain.ExportColumns.
var columnSizes = []int{2, 2, 1, 3, 3, 2, 1, 1, 3, 2, 3, 2, 1}

const gridSize = 26

type PDFRenderer struct{}

func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{}
}

func (r *PDFRenderer) TransactionsPDF(ctx context.Context, data TransactionsReport) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(columnSizes) != len(domain.ExportColumns) {
		return nil, fmt.Errorf("report layout has %d columns, ledger has %d", len(columnSizes), len(domain.ExportColumns))
	}

	cfg := config.NewBuilder().
		WithOrientation(orientation.Horizontal).
		WithMaxGridSize(gridSize).
		WithPageNumber(props.PageNumber{
			Pattern: "Página {current} de {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	title := data.Title
	if title == "" {
		title = "Reporte de transacciones"
	}
	m.AddRow(14,
		text.NewCol(gridSize, title, props.Text{Size: 16, Style: fontstyle.Bold, Align: align.Left}),
	)

	approved, rejected, approvedTotal := summarize(data.Transactions)
	m.AddRow(12,
		col.New(gridSize/2).Add(
			text.New(fmt.Sprintf("Desde: %s", data.From.UTC().Format("2006-01-02")), props.Text{Size: 9}),
			text.New(fmt.Sprintf("Hasta: %s", data.To.UTC().Format("2006-01-02")), props.Text{Size: 9, Top: 4}),
		),
		col.New(gridSize/2).Add(
			text.New(fmt.Sprintf("Aprobadas: %d  Rechazadas: %d", approved, rejected), props.Text{Size: 9, Align: align.Right}),
			text.New(fmt.Sprintf("Total aprobado: %.2f", approvedTotal), props.Text{Size: 9, Top: 4, Align: align.Right}),
		),
	)

	header := make([]core.Col, 0, len(domain.ExportColumns))
	for i, name := range domain.ExportColumns {
		header = append(header, text.NewCol(columnSizes[i], name, props.Text{Size: 7, Style: fontstyle.Bold}))
	}
	m.AddRow(8, header...)

	for _, t := range data.Transactions {
		values := domain.ExportRow(t)
		cells := make([]core.Col, 0, len(values))
		for i, value := range values {
			cells = append(cells, text.NewCol(columnSizes[i], value, props.Text{Size: 7}))
		}
		m.AddRow(7, cells...)
	}

	if len(data.Transactions) == 0 {
		m.AddRow(10, text.NewCol(gridSize, "No se encontraron transacciones", props.Text{Size: 9, Align: align.Center}))
	}

	generated := data.GeneratedAt
	if generated.IsZero() {
		generated = time.Now().UTC()
	}
	m.AddRow(8, text.NewCol(gridSize, "Generado: "+generated.UTC().Format(time.RFC3339), props.Text{Size: 7, Top: 3}))

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

func summarize(txs []domain.Transaction) (approved, rejected int, approvedTotal float64) {
	for _, t := range txs {
		switch t.Status {
		case domain.StatusApproved:
			approved++
			approvedTotal += t.Amount
		case domain.StatusRejected:
			rejected++
		}
	}
	return approved, rejected, approvedTotal
}
