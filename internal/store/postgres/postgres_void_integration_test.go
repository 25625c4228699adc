package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"mayorista/backend/internal/domain"
)

func TestVoidSaleRestocksInventory(t *testing.T) {
	databaseURL := os.Getenv("POS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-void-it-%d", stamp)
	code := fmt.Sprintf("VOID-IT-%d", stamp)
	saleID := fmt.Sprintf("sale-void-it-%d", stamp)
	sessionID := fmt.Sprintf("cash-void-it-%d", stamp)
	date := fmt.Sprintf("2099-01-%02d", stamp%28+1)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM reversal_lines WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM reversals WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE entity_id IN ($1, $2, $3)`, productID, saleID, sessionID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cash_sessions WHERE id = $1`, sessionID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, code, name, category, supplier, bulk_content, cost_price, wholesale_price, retail_margin_pct, stock, min_stock, active, created_at, updated_at)
		VALUES ($1, $2, 'Harina de prueba', 'almacen', '', 25, 1000, 1400, 20, 10, 2, true, now(), now())
	`, productID, code); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	if _, err := s.OpenCashSession(ctx, domain.CashSession{
		ID:            sessionID,
		Date:          date,
		OpeningAmount: 1000,
		OpenedBy:      "admin",
	}); err != nil {
		t.Fatalf("open cash session: %v", err)
	}

	created, err := s.CreateSale(ctx, domain.Sale{
		ID:            saleID,
		Date:          date,
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Actor:         "admin",
		Total:         2800,
		Lines: []domain.SaleLine{
			{ProductID: productID, Quantity: 2, UnitPrice: 1400, UnitCost: 1000},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	at := time.Now().UTC()
	reversal, err := s.VoidSale(ctx, created.ID, "integration test void", "admin", at)
	if err != nil {
		t.Fatalf("void sale: %v", err)
	}
	if reversal.Amount != 2800 {
		t.Fatalf("expected reversal amount 2800, got %.2f", reversal.Amount)
	}

	var stock float64
	if err := s.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock); err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if stock != 10 {
		t.Fatalf("expected stock 10 after void restock, got %.2f", stock)
	}

	var voided bool
	if err := s.db.QueryRowContext(ctx, `SELECT voided FROM sales WHERE id = $1`, saleID).Scan(&voided); err != nil {
		t.Fatalf("query sale: %v", err)
	}
	if !voided {
		t.Fatal("expected sale marked voided")
	}
}
