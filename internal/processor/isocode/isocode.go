package isocode

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Resolver maps a network response code to the operator-facing message.
type Resolver interface {
	Message(code string) string
}

type ISOCode struct {
	Code        string  `gorm:"primaryKey" json:"code"`
	Description string  `gorm:"not null" json:"description"`
	Details     *string `json:"details,omitempty"`
}

func (ISOCode) TableName() string { return "iso_codes" }

var builtin = map[string]string{
	"00": "Transacción Aprobada",
	"01": "Referirse al emisor",
	"04": "Retener tarjeta",
	"05": "Tarjeta sin Fondos",
	"12": "Transacción inválida",
	"13": "Monto inválido",
	"14": "Número de tarjeta inválido",
	"41": "Tarjeta perdida",
	"43": "Tarjeta robada",
	"51": "Fondos Insuficientes",
	"54": "Tarjeta Expirada",
	"57": "Transacción no permitida al tarjetahabiente",
	"61": "Excede el límite de monto",
	"62": "Tarjeta restringida",
	"65": "Excede el límite de frecuencia",
	"91": "Emisor no disponible",
	"96": "Error del sistema",
}

// Table resolves codes from, in order: config overrides, the iso_codes
// table, then the built-in list.
type Table struct {
	mu        sync.RWMutex
	loaded    map[string]ISOCode
	overrides func() map[string]string
}

// NewTable builds a table. overrides is consulted on every lookup so hot
// reloaded config applies without a restart; it may be nil.
func NewTable(overrides func() map[string]string) *Table {
	return &Table{
		loaded:    map[string]ISOCode{},
		overrides: overrides,
	}
}

func (t *Table) Message(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "Código ISO: sin código"
	}
	if t != nil {
		if t.overrides != nil {
			if msg, ok := t.overrides()[code]; ok && strings.TrimSpace(msg) != "" {
				return msg
			}
		}
		t.mu.RLock()
		row, ok := t.loaded[code]
		t.mu.RUnlock()
		if ok && row.Description != "" {
			return row.Description
		}
	}
	if msg, ok := builtin[code]; ok {
		return msg
	}
	return "Código ISO: " + code
}

// Replace swaps the rows loaded from the database.
func (t *Table) Replace(rows []ISOCode) {
	loaded := make(map[string]ISOCode, len(rows))
	for _, row := range rows {
		code := strings.TrimSpace(row.Code)
		if code == "" {
			continue
		}
		row.Code = code
		loaded[code] = row
	}
	t.mu.Lock()
	t.loaded = loaded
	t.mu.Unlock()
}

// List returns every known code with its effective description, sorted by code.
func (t *Table) List() []ISOCode {
	merged := map[string]ISOCode{}
	for code, msg := range builtin {
		merged[code] = ISOCode{Code: code, Description: msg}
	}
	t.mu.RLock()
	for code, row := range t.loaded {
		merged[code] = row
	}
	t.mu.RUnlock()
	if t.overrides != nil {
		for code, msg := range t.overrides() {
			row := merged[code]
			row.Code = code
			row.Description = msg
			merged[code] = row
		}
	}

	out := make([]ISOCode, 0, len(merged))
	for _, row := range merged {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Source loads the persisted code table.
type Source interface {
	List(ctx context.Context) ([]ISOCode, error)
}

func (t *Table) Load(ctx context.Context, src Source) error {
	rows, err := src.List(ctx)
	if err != nil {
		return err
	}
	t.Replace(rows)
	return nil
}
