package service

import (
	"fmt"
	"strings"

	analyticsdomain "github.com/smallbiznis/cobro/internal/analytics/domain"
)

const noData = "sin datos"

// systemPrompt grounds the model on the dashboard the operator is looking at.
func systemPrompt(d analyticsdomain.Dashboard) string {
	var b strings.Builder
	b.WriteString("Eres el asistente de Cobro, una plataforma de cobros recurrentes con tarjeta. ")
	b.WriteString("Analizas las transacciones y ayudas a los operadores a entender sus métricas.\n\n")

	fmt.Fprintf(&b, "Datos actuales del sistema (rango %s, generado %s):\n", d.Range, d.GeneratedAt.UTC().Format("2006-01-02 15:04 UTC"))
	fmt.Fprintf(&b, "- Transacciones aprobadas hoy: %d\n", d.TodayApproved)
	fmt.Fprintf(&b, "- Monto de ventas hoy: $%.2f\n", d.TodaySales)
	fmt.Fprintf(&b, "- Crecimiento vs. ayer: %.1f%%\n", d.GrowthVsYesterday)
	fmt.Fprintf(&b, "- Tasa de aprobación: %.1f%%\n", d.ApprovalRate)
	fmt.Fprintf(&b, "- Tasa de rechazo: %.1f%%\n", d.RejectionRate)
	fmt.Fprintf(&b, "- Total de transacciones: %d\n", d.TotalTransactions)
	fmt.Fprintf(&b, "- Transacción promedio: $%.2f\n", d.AverageTransaction)
	fmt.Fprintf(&b, "- Hora pico: %d:00\n", d.PeakHour)
	fmt.Fprintf(&b, "- Cargos pendientes: %d\n", d.PendingCharges)
	fmt.Fprintf(&b, "- Errores principales: %s\n", joinOr(d.TopDeclines, func(s analyticsdomain.DeclineStat) string {
		return fmt.Sprintf("ISO %s: %s (%d ocurrencias)", s.Code, s.Message, s.Count)
	}))
	fmt.Fprintf(&b, "- Top bancos: %s\n", joinOr(d.Banks, func(s analyticsdomain.BankStat) string {
		return fmt.Sprintf("%s: %d aprobadas, %d rechazadas", s.Bank, s.Approved, s.Declined)
	}))
	fmt.Fprintf(&b, "- Monedas: %s\n\n", joinOr(d.Currencies, func(s analyticsdomain.CurrencyStat) string {
		return fmt.Sprintf("%s: $%.2f", s.Currency, s.Amount)
	}))

	b.WriteString("Responde de manera concisa, profesional y en español. ")
	b.WriteString("Usa los datos exactos cuando te pregunten por una métrica. ")
	b.WriteString("Si notas tendencias preocupantes, como tasas de rechazo altas, menciónalas.")
	return b.String()
}

func joinOr[T any](items []T, format func(T) string) string {
	if len(items) == 0 {
		return noData
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, format(item))
	}
	return strings.Join(parts, ", ")
}
