package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// UpsertProduct creates a product or updates its name, price and active flag.
// Lines already placed keep the price copied onto them.
func (s *Store) UpsertProduct(ctx context.Context, p Product) (*Product, error) {
	p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
	if p.Code == "" || p.Name == "" || p.Price < 0 {
		return nil, validationErr("product needs code, name and a non-negative price")
	}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO products(code, name, price, active) VALUES ($1,$2,$3,$4)
		ON CONFLICT (code) DO UPDATE SET name=EXCLUDED.name, price=EXCLUDED.price, active=EXCLUDED.active
		RETURNING id, created_at`, p.Code, p.Name, p.Price, p.Active).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert product: %w", err)
	}
	return &p, nil
}

// AddStockUnits is inventory intake: every secret becomes one available unit.
func (s *Store) AddStockUnits(ctx context.Context, productCode string, secrets []string) (int64, error) {
	var productID int64
	err := s.DB.QueryRow(ctx, `SELECT id FROM products WHERE code=$1`, strings.ToUpper(productCode)).Scan(&productID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrProductNotFound, productCode)
	}
	if err != nil {
		return 0, err
	}

	now := s.now()
	src := make([][]any, 0, len(secrets))
	for _, sec := range secrets {
		if sec = strings.TrimSpace(sec); sec != "" {
			src = append(src, []any{productID, string(UnitAvailable), sec, now, now})
		}
	}
	if len(src) == 0 {
		return 0, nil
	}
	return s.DB.CopyFrom(ctx, pgx.Identifier{"stock_units"},
		[]string{"product_id", "status", "secret", "created_at", "updated_at"},
		pgx.CopyFromRows(src))
}

// StockLevels counts units per status for one product.
func (s *Store) StockLevels(ctx context.Context, productCode string) (map[UnitStatus]int, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT su.status, COUNT(*) FROM stock_units su JOIN products p ON p.id = su.product_id
		WHERE p.code=$1 GROUP BY su.status`, strings.ToUpper(productCode))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[UnitStatus]int{UnitAvailable: 0, UnitReserved: 0, UnitSold: 0}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[UnitStatus(st)] = n
	}
	return out, rows.Err()
}
