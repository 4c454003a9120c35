package repository

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
)

// ledgerColumn maps the JSONB ledger array.
type ledgerColumn []domain.LedgerEntry

func (c ledgerColumn) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]domain.LedgerEntry(c))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (c *ledgerColumn) Scan(src any) error {
	return scanJSON(src, (*[]domain.LedgerEntry)(c))
}

// formulaColumn maps the JSONB product formula.
type formulaColumn []domain.FormulaLine

func (c formulaColumn) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]domain.FormulaLine(c))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (c *formulaColumn) Scan(src any) error {
	return scanJSON(src, (*[]domain.FormulaLine)(c))
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
