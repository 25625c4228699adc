package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"mayorista/backend/internal/domain"
	"mayorista/backend/internal/store"
	"mayorista/backend/internal/store/memory"
)

const testDate = "2026-03-02"

func newTestService() *Service {
	svc := New(memory.NewSeeded(), nil, nil)
	svc.SetClock(func() time.Time {
		return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	})
	return svc
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func openDrawer(t *testing.T, svc *Service, opening float64) {
	t.Helper()
	if _, err := svc.OpenCashSession(adminCtx(), testDate, domain.CashOpenRequest{OpeningAmount: opening}); err != nil {
		t.Fatalf("open cash session: %v", err)
	}
}

func TestResolvePricePriority(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	// Special price beats the client discount.
	quote, err := svc.ResolvePrice(ctx, domain.PriceQuoteRequest{
		ClientID:  "cli-almacen",
		ProductID: "prod-harina",
		Channel:   domain.ChannelWholesale,
	})
	if err != nil {
		t.Fatalf("resolve price: %v", err)
	}
	if quote.UnitPrice != 1250 || quote.Source != domain.PriceSourceSpecial {
		t.Fatalf("expected special price 1250, got %.2f source=%s", quote.UnitPrice, quote.Source)
	}

	// Removing the special price falls through to the 10% client discount.
	if err := svc.RemoveSpecialPrice(ctx, "sp-almacen-harina"); err != nil {
		t.Fatalf("remove special price: %v", err)
	}
	quote, err = svc.ResolvePrice(ctx, domain.PriceQuoteRequest{
		ClientID:  "cli-almacen",
		ProductID: "prod-harina",
		Channel:   domain.ChannelWholesale,
	})
	if err != nil {
		t.Fatalf("resolve price: %v", err)
	}
	if quote.UnitPrice != 1260 || quote.Source != domain.PriceSourceClientDiscount {
		t.Fatalf("expected discounted 1260, got %.2f source=%s", quote.UnitPrice, quote.Source)
	}

	// Fraction with a fixed price uses it as-is.
	quote, err = svc.ResolvePrice(ctx, domain.PriceQuoteRequest{
		ProductID:  "prod-mani",
		FractionID: "frac-mani-250",
		Channel:    domain.ChannelRetail,
	})
	if err != nil {
		t.Fatalf("resolve price: %v", err)
	}
	if quote.UnitPrice != 950 || quote.Source != domain.PriceSourceFractionFixed {
		t.Fatalf("expected fixed 950, got %.2f source=%s", quote.UnitPrice, quote.Source)
	}

	// Fraction without a fixed price derives from cost and margin:
	// 1000/25 * 0.5 * 1.20 = 24.00.
	quote, err = svc.ResolvePrice(ctx, domain.PriceQuoteRequest{
		ProductID:  "prod-harina",
		FractionID: "frac-harina-500",
		Channel:    domain.ChannelRetail,
	})
	if err != nil {
		t.Fatalf("resolve price: %v", err)
	}
	if quote.UnitPrice != 24 || quote.Source != domain.PriceSourceFractionMargin {
		t.Fatalf("expected margin 24, got %.2f source=%s", quote.UnitPrice, quote.Source)
	}

	// Whole bulk unit by channel.
	quote, err = svc.ResolvePrice(ctx, domain.PriceQuoteRequest{
		ProductID: "prod-harina",
		Channel:   domain.ChannelWholesale,
	})
	if err != nil {
		t.Fatalf("resolve price: %v", err)
	}
	if quote.UnitPrice != 1400 || quote.Source != domain.PriceSourceWholesale {
		t.Fatalf("expected wholesale 1400, got %.2f source=%s", quote.UnitPrice, quote.Source)
	}
	quote, err = svc.ResolvePrice(ctx, domain.PriceQuoteRequest{
		ProductID: "prod-harina",
		Channel:   domain.ChannelRetail,
	})
	if err != nil {
		t.Fatalf("resolve price: %v", err)
	}
	if quote.UnitPrice != 1200 || quote.Source != domain.PriceSourceRetail {
		t.Fatalf("expected retail 1200, got %.2f source=%s", quote.UnitPrice, quote.Source)
	}

	if _, err := svc.ResolvePrice(ctx, domain.PriceQuoteRequest{ProductID: "prod-harina", Channel: "bulk"}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown channel, got %v", err)
	}
}

func TestFractionUpdateSwitchesToFixedPrice(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	fixed := 30.0
	updated, err := svc.UpdateFraction(ctx, "frac-harina-500", domain.FractionUpdateRequest{FixedPrice: &fixed})
	if err != nil {
		t.Fatalf("update fraction: %v", err)
	}
	if updated.FixedPrice == nil || *updated.FixedPrice != 30 {
		t.Fatalf("expected fixed price 30, got %+v", updated.FixedPrice)
	}
	// Fields absent from the request stay as they were.
	if updated.Name != "500g" || updated.Quantity != 0.5 || !updated.Active {
		t.Fatalf("partial update touched other fields: %+v", updated)
	}

	quote, err := svc.ResolvePrice(ctx, domain.PriceQuoteRequest{
		ProductID:  "prod-harina",
		FractionID: "frac-harina-500",
		Channel:    domain.ChannelRetail,
	})
	if err != nil {
		t.Fatalf("resolve price: %v", err)
	}
	if quote.UnitPrice != 30 || quote.Source != domain.PriceSourceFractionFixed {
		t.Fatalf("expected fixed 30, got %.2f source=%s", quote.UnitPrice, quote.Source)
	}

	// Clearing the fixed price reverts to margin-derived pricing.
	reverted, err := svc.UpdateFraction(ctx, "frac-harina-500", domain.FractionUpdateRequest{ClearFixedPrice: true})
	if err != nil {
		t.Fatalf("clear fixed price: %v", err)
	}
	if reverted.FixedPrice != nil {
		t.Fatalf("expected fixed price cleared, got %v", *reverted.FixedPrice)
	}
	quote, err = svc.ResolvePrice(ctx, domain.PriceQuoteRequest{
		ProductID:  "prod-harina",
		FractionID: "frac-harina-500",
		Channel:    domain.ChannelRetail,
	})
	if err != nil {
		t.Fatalf("resolve price: %v", err)
	}
	if quote.UnitPrice != 24 || quote.Source != domain.PriceSourceFractionMargin {
		t.Fatalf("expected margin 24 after clear, got %.2f source=%s", quote.UnitPrice, quote.Source)
	}

	if _, err := svc.UpdateFraction(cashierCtx(), "frac-harina-500", domain.FractionUpdateRequest{}); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("cashier fraction update: expected ErrNotAuthorized, got %v", err)
	}
}

func TestFractionUpdateRejectsQuantityBeyondBulkContent(t *testing.T) {
	svc := newTestService()

	// prod-harina's bulk content is 25.
	tooBig := 30.0
	if _, err := svc.UpdateFraction(adminCtx(), "frac-harina-500", domain.FractionUpdateRequest{Quantity: &tooBig}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	zero := 0.0
	if _, err := svc.UpdateFraction(adminCtx(), "frac-harina-500", domain.FractionUpdateRequest{Quantity: &zero}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero quantity, got %v", err)
	}
}

func TestUpdateClientKeepsOmittedFields(t *testing.T) {
	svc := newTestService()

	name := "Almacen La Esquina SRL"
	updated, err := svc.UpdateClient(adminCtx(), "cli-almacen", domain.ClientUpdateRequest{Name: &name})
	if err != nil {
		t.Fatalf("update client: %v", err)
	}
	if updated.Name != name {
		t.Fatalf("expected renamed client, got %q", updated.Name)
	}
	if updated.DiscountPct != 10 || !updated.Active {
		t.Fatalf("rename must not touch discount or active, got %+v", updated)
	}

	bad := 150.0
	if _, err := svc.UpdateClient(adminCtx(), "cli-almacen", domain.ClientUpdateRequest{DiscountPct: &bad}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for discount over 100, got %v", err)
	}
}

func TestGetProductByCode(t *testing.T) {
	svc := newTestService()

	product, err := svc.GetProductByCode(context.Background(), "HAR-000")
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if product.ID != "prod-harina" {
		t.Fatalf("expected prod-harina, got %s", product.ID)
	}
	if _, err := svc.GetProductByCode(context.Background(), "NOPE-999"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFractionSaleDebitsBulkStock(t *testing.T) {
	svc := newTestService()
	openDrawer(t, svc, 500)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Channel:       domain.ChannelRetail,
		PaymentMethod: domain.PaymentCash,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-harina", FractionID: "frac-harina-500", Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.Total != 72 {
		t.Fatalf("expected total 72, got %.2f", sale.Total)
	}
	if len(sale.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(sale.Lines))
	}
	line := sale.Lines[0]
	if line.UnitPrice != 24 {
		t.Fatalf("expected unit price 24, got %.2f", line.UnitPrice)
	}
	if line.UnitCost != 20 {
		t.Fatalf("expected unit cost 20, got %.2f", line.UnitCost)
	}

	product, err := svc.GetProduct(context.Background(), "prod-harina")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 38.5 {
		t.Fatalf("expected stock 38.5 after selling 3x500g, got %.2f", product.Stock)
	}
}

func TestSaleRequiresOpenDrawer(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrCashClosed) {
		t.Fatalf("expected ErrCashClosed, got %v", err)
	}
}

func TestSaleRejectsInsufficientStock(t *testing.T) {
	svc := newTestService()
	openDrawer(t, svc, 0)

	_, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-mani", Quantity: 13}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	product, err := svc.GetProduct(context.Background(), "prod-mani")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 12 {
		t.Fatalf("stock must be untouched after rejected sale, got %.2f", product.Stock)
	}
}

func TestSaleValidation(t *testing.T) {
	svc := newTestService()
	openDrawer(t, svc, 0)
	ctx := cashierCtx()

	cases := []struct {
		name string
		req  domain.SaleRequest
	}{
		{"no items", domain.SaleRequest{Channel: domain.ChannelRetail, PaymentMethod: domain.PaymentCash}},
		{"bad payment", domain.SaleRequest{Channel: domain.ChannelRetail, PaymentMethod: "card", Items: []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 1}}}},
		{"account without client", domain.SaleRequest{Channel: domain.ChannelRetail, PaymentMethod: domain.PaymentAccount, Items: []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 1}}}},
		{"zero quantity", domain.SaleRequest{Channel: domain.ChannelRetail, PaymentMethod: domain.PaymentCash, Items: []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 0}}}},
	}
	for _, tc := range cases {
		if _, err := svc.CreateSale(ctx, tc.req); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestStockLedgerMatchesProductStock(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()
	openDrawer(t, svc, 0)

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		Code:            "azu-001",
		Name:            "Azucar",
		Category:        "almacen",
		BulkContent:     50,
		CostPrice:       800,
		WholesalePrice:  1100,
		RetailMarginPct: 15,
		InitialStock:    10,
		MinStock:        2,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if product.Stock != 10 {
		t.Fatalf("expected initial stock 10, got %.2f", product.Stock)
	}

	sale, err := svc.CreateSale(ctx, domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: product.ID, Quantity: 4}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.ReturnSaleLines(ctx, sale.ID, []domain.ReturnSelection{{LineID: sale.Lines[0].ID, Quantity: 1}}, "damaged bag"); err != nil {
		t.Fatalf("return: %v", err)
	}
	if _, err := svc.AdjustStock(ctx, domain.StockAdjustRequest{ProductID: product.ID, Quantity: -2, Kind: domain.MovementAdjustment, Reason: "spillage"}); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	product, err = svc.GetProduct(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 5 {
		t.Fatalf("expected stock 5 (10-4+1-2), got %.2f", product.Stock)
	}

	movements, err := svc.ListStockMovements(context.Background(), product.ID, 50)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	var sum float64
	for _, m := range movements {
		sum += m.Quantity
	}
	if sum != product.Stock {
		t.Fatalf("movement ledger sums to %.2f, product stock is %.2f", sum, product.Stock)
	}
}

func TestVoidSaleRestocksOnce(t *testing.T) {
	svc := newTestService()
	openDrawer(t, svc, 0)
	ctx := adminCtx()

	sale, err := svc.CreateSale(ctx, domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.Total != 2800 {
		t.Fatalf("expected total 2800, got %.2f", sale.Total)
	}

	reversal, err := svc.VoidSale(ctx, sale.ID, "loading error")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if reversal.Kind != domain.ReversalKindVoid || reversal.Amount != 2800 {
		t.Fatalf("expected void reversal for 2800, got kind=%s amount=%.2f", reversal.Kind, reversal.Amount)
	}

	product, err := svc.GetProduct(context.Background(), "prod-harina")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 40 {
		t.Fatalf("expected stock restored to 40, got %.2f", product.Stock)
	}

	voided, err := svc.GetSale(context.Background(), sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if !voided.Voided || voided.VoidReason != "loading error" {
		t.Fatalf("expected voided sale, got voided=%v reason=%q", voided.Voided, voided.VoidReason)
	}

	if _, err := svc.VoidSale(ctx, sale.ID, "again"); !errors.Is(err, store.ErrAlreadyVoided) {
		t.Fatalf("expected ErrAlreadyVoided, got %v", err)
	}
	product, _ = svc.GetProduct(context.Background(), "prod-harina")
	if product.Stock != 40 {
		t.Fatalf("second void must not credit stock again, got %.2f", product.Stock)
	}

	if _, err := svc.ReturnSaleLines(ctx, sale.ID, []domain.ReturnSelection{{LineID: sale.Lines[0].ID, Quantity: 1}}, "late"); !errors.Is(err, store.ErrInvalidReturnQuantity) {
		t.Fatalf("expected ErrInvalidReturnQuantity on voided sale, got %v", err)
	}
}

func TestPartialReturnsAreCumulative(t *testing.T) {
	svc := newTestService()
	openDrawer(t, svc, 0)
	ctx := adminCtx()

	sale, err := svc.CreateSale(ctx, domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 5}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	lineID := sale.Lines[0].ID

	first, err := svc.ReturnSaleLines(ctx, sale.ID, []domain.ReturnSelection{{LineID: lineID, Quantity: 2}}, "client changed order")
	if err != nil {
		t.Fatalf("first return: %v", err)
	}
	if first.Amount != 2800 {
		t.Fatalf("expected first return amount 2800, got %.2f", first.Amount)
	}

	// Only 3 of the original 5 remain returnable.
	if _, err := svc.ReturnSaleLines(ctx, sale.ID, []domain.ReturnSelection{{LineID: lineID, Quantity: 4}}, "too many"); !errors.Is(err, store.ErrInvalidReturnQuantity) {
		t.Fatalf("expected ErrInvalidReturnQuantity over the cap, got %v", err)
	}

	second, err := svc.ReturnSaleLines(ctx, sale.ID, []domain.ReturnSelection{{LineID: lineID, Quantity: 3}}, "full return")
	if err != nil {
		t.Fatalf("second return: %v", err)
	}
	if second.Amount != 4200 {
		t.Fatalf("expected second return amount 4200, got %.2f", second.Amount)
	}

	if _, err := svc.ReturnSaleLines(ctx, sale.ID, []domain.ReturnSelection{{LineID: lineID, Quantity: 1}}, "nothing left"); !errors.Is(err, store.ErrInvalidReturnQuantity) {
		t.Fatalf("expected ErrInvalidReturnQuantity when fully returned, got %v", err)
	}

	product, err := svc.GetProduct(context.Background(), "prod-harina")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 40 {
		t.Fatalf("expected stock back to 40, got %.2f", product.Stock)
	}

	reversals, err := svc.ListReversals(context.Background(), sale.ID)
	if err != nil {
		t.Fatalf("list reversals: %v", err)
	}
	if len(reversals) != 2 {
		t.Fatalf("expected 2 reversals, got %d", len(reversals))
	}
}

func TestReturnCapsDuplicateLineSelections(t *testing.T) {
	svc := newTestService()
	openDrawer(t, svc, 0)
	ctx := adminCtx()

	sale, err := svc.CreateSale(ctx, domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 5}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	lineID := sale.Lines[0].ID

	// Naming the same line twice must be checked against the combined
	// quantity: 3+3 exceeds the 5 sold even though each part fits alone.
	selections := []domain.ReturnSelection{
		{LineID: lineID, Quantity: 3},
		{LineID: lineID, Quantity: 3},
	}
	if _, err := svc.ReturnSaleLines(ctx, sale.ID, selections, "double count"); !errors.Is(err, store.ErrInvalidReturnQuantity) {
		t.Fatalf("expected ErrInvalidReturnQuantity for duplicate selections, got %v", err)
	}

	product, err := svc.GetProduct(context.Background(), "prod-harina")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 35 {
		t.Fatalf("rejected return must not restock, expected 35, got %.2f", product.Stock)
	}

	// Duplicates that fit within the cap merge into a single line.
	merged, err := svc.ReturnSaleLines(ctx, sale.ID, []domain.ReturnSelection{
		{LineID: lineID, Quantity: 2},
		{LineID: lineID, Quantity: 3},
	}, "split request")
	if err != nil {
		t.Fatalf("merged return: %v", err)
	}
	if merged.Amount != 7000 {
		t.Fatalf("expected merged return amount 7000, got %.2f", merged.Amount)
	}
	if len(merged.Lines) != 1 || merged.Lines[0].Quantity != 5 {
		t.Fatalf("expected one merged reversal line of 5, got %+v", merged.Lines)
	}

	product, err = svc.GetProduct(context.Background(), "prod-harina")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 40 {
		t.Fatalf("expected stock back to 40, got %.2f", product.Stock)
	}
}

func TestVoidAfterPartialReturnCreditsRemainder(t *testing.T) {
	svc := newTestService()
	openDrawer(t, svc, 0)
	ctx := adminCtx()

	sale, err := svc.CreateSale(ctx, domain.SaleRequest{
		ClientID:      "cli-dietetica",
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentAccount,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 4}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.Total != 5600 {
		t.Fatalf("expected total 5600, got %.2f", sale.Total)
	}

	client, err := svc.GetClient(context.Background(), "cli-dietetica")
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if client.Balance != 5600 {
		t.Fatalf("expected balance 5600 after account sale, got %.2f", client.Balance)
	}

	if _, err := svc.ReturnSaleLines(ctx, sale.ID, []domain.ReturnSelection{{LineID: sale.Lines[0].ID, Quantity: 1}}, "one bag back"); err != nil {
		t.Fatalf("return: %v", err)
	}
	client, _ = svc.GetClient(context.Background(), "cli-dietetica")
	if client.Balance != 4200 {
		t.Fatalf("expected balance 4200 after returning one unit, got %.2f", client.Balance)
	}

	reversal, err := svc.VoidSale(ctx, sale.ID, "cancelled delivery")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if reversal.Amount != 4200 {
		t.Fatalf("void must credit only the remainder, expected 4200 got %.2f", reversal.Amount)
	}

	client, _ = svc.GetClient(context.Background(), "cli-dietetica")
	if client.Balance != 0 {
		t.Fatalf("expected balance 0 after void, got %.2f", client.Balance)
	}
	product, _ := svc.GetProduct(context.Background(), "prod-harina")
	if product.Stock != 40 {
		t.Fatalf("expected stock restored to 40, got %.2f", product.Stock)
	}
}

func TestCashSessionReconciliation(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()
	openDrawer(t, svc, 1000)

	if _, err := svc.OpenCashSession(ctx, testDate, domain.CashOpenRequest{OpeningAmount: 50}); !errors.Is(err, store.ErrCashAlreadyOpen) {
		t.Fatalf("expected ErrCashAlreadyOpen, got %v", err)
	}

	if _, err := svc.CreateSale(ctx, domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 2}},
	}); err != nil {
		t.Fatalf("cash sale: %v", err)
	}

	// Voided cash sales drop out of the expected count.
	voidMe, err := svc.CreateSale(ctx, domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-yerba", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("cash sale: %v", err)
	}
	if _, err := svc.VoidSale(ctx, voidMe.ID, "mistake"); err != nil {
		t.Fatalf("void: %v", err)
	}

	// Transfer sales never touch the drawer.
	if _, err := svc.CreateSale(ctx, domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentTransfer,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-avena", Quantity: 1}},
	}); err != nil {
		t.Fatalf("transfer sale: %v", err)
	}

	if _, err := svc.RegisterCashWithdrawal(ctx, testDate, domain.CashWithdrawalRequest{Amount: 200, Reason: "supplier payment"}); err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if _, err := svc.CreateExpense(ctx, domain.ExpenseCreateRequest{Amount: 100, Category: "freight", Description: "delivery"}); err != nil {
		t.Fatalf("expense: %v", err)
	}

	status, err := svc.CashSessionStatus(context.Background(), testDate)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Open {
		t.Fatalf("expected open session")
	}
	if open, err := svc.IsCashOpen(context.Background(), testDate); err != nil || !open {
		t.Fatalf("expected drawer open, got open=%v err=%v", open, err)
	}
	if status.ExpectedCash != 3500 {
		t.Fatalf("expected cash 3500 (1000+2800-200-100), got %.2f", status.ExpectedCash)
	}

	closed, err := svc.CloseCashSession(ctx, testDate, domain.CashCloseRequest{ClosingAmount: 3450, Notes: "short at count"})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Expected != 3500 || closed.Real != 3450 || closed.Difference != -50 {
		t.Fatalf("expected 3500/3450/-50, got %.2f/%.2f/%.2f", closed.Expected, closed.Real, closed.Difference)
	}
	if closed.Session.Status != domain.CashStatusClosed {
		t.Fatalf("expected closed status, got %s", closed.Session.Status)
	}

	// No sales once the drawer is closed.
	if _, err := svc.CreateSale(ctx, domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 1}},
	}); !errors.Is(err, store.ErrCashClosed) {
		t.Fatalf("expected ErrCashClosed after close, got %v", err)
	}
	if open, err := svc.IsCashOpen(context.Background(), testDate); err != nil || open {
		t.Fatalf("expected drawer closed, got open=%v err=%v", open, err)
	}
}

func TestCashWithdrawalRequiresSession(t *testing.T) {
	svc := newTestService()

	_, err := svc.RegisterCashWithdrawal(adminCtx(), testDate, domain.CashWithdrawalRequest{Amount: 50, Reason: "change"})
	if !errors.Is(err, store.ErrSessionNotOpen) {
		t.Fatalf("expected ErrSessionNotOpen, got %v", err)
	}
}

func TestCashDateValidation(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	for _, date := range []string{"not-a-date", "2026-13-40", "02-03-2026"} {
		if _, err := svc.OpenCashSession(ctx, date, domain.CashOpenRequest{}); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("date %q: expected ErrInvalidInput, got %v", date, err)
		}
	}
}

func TestBulkPriceUpdate(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	preview, err := svc.BulkPriceUpdate(ctx, domain.BulkPriceUpdateRequest{
		Category: "harinas",
		Percent:  10,
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !preview.DryRun || len(preview.Changes) != 1 {
		t.Fatalf("expected dry-run preview with 1 change, got %+v", preview)
	}
	change := preview.Changes[0]
	if change.NewCostPrice != 1100 || change.NewWholesalePrice != 1540 {
		t.Fatalf("expected 1100/1540, got %.2f/%.2f", change.NewCostPrice, change.NewWholesalePrice)
	}
	product, _ := svc.GetProduct(context.Background(), "prod-harina")
	if product.CostPrice != 1000 || product.WholesalePrice != 1400 {
		t.Fatalf("dry run must not write, got %.2f/%.2f", product.CostPrice, product.WholesalePrice)
	}

	applied, err := svc.BulkPriceUpdate(ctx, domain.BulkPriceUpdateRequest{
		Category: "harinas",
		Percent:  10,
		Fields:   []string{domain.PriceFieldWholesale},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.Updated != 1 {
		t.Fatalf("expected 1 updated, got %d", applied.Updated)
	}
	product, _ = svc.GetProduct(context.Background(), "prod-harina")
	if product.CostPrice != 1000 {
		t.Fatalf("cost field was excluded, got %.2f", product.CostPrice)
	}
	if product.WholesalePrice != 1540 {
		t.Fatalf("expected wholesale 1540, got %.2f", product.WholesalePrice)
	}

	for _, pct := range []float64{0, -60, 250} {
		if _, err := svc.BulkPriceUpdate(ctx, domain.BulkPriceUpdateRequest{Percent: pct}); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("percent %.0f: expected ErrInvalidInput, got %v", pct, err)
		}
	}
	if _, err := svc.BulkPriceUpdate(ctx, domain.BulkPriceUpdateRequest{Percent: 10, Fields: []string{"margin"}}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown field, got %v", err)
	}
}

func TestAdminOnlyOperations(t *testing.T) {
	svc := newTestService()
	openDrawer(t, svc, 0)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if _, err := svc.VoidSale(cashierCtx(), sale.ID, "oops"); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("cashier void: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := svc.ReturnSaleLines(cashierCtx(), sale.ID, []domain.ReturnSelection{{LineID: sale.Lines[0].ID, Quantity: 1}}, "oops"); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("cashier return: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := svc.ListAuditRecords(cashierCtx(), domain.AuditFilter{}); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("cashier audit list: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := svc.BulkPriceUpdate(cashierCtx(), domain.BulkPriceUpdateRequest{Percent: 10}); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("cashier bulk update: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := svc.CreateSale(context.Background(), domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 1}},
	}); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("sale without actor: expected ErrNotAuthorized, got %v", err)
	}
}

func TestAuditTrailCoversSaleLifecycle(t *testing.T) {
	svc := newTestService()
	openDrawer(t, svc, 0)
	ctx := adminCtx()

	sale, err := svc.CreateSale(ctx, domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.VoidSale(ctx, sale.ID, "test void"); err != nil {
		t.Fatalf("void: %v", err)
	}

	records, err := svc.ListAuditRecords(ctx, domain.AuditFilter{Limit: 500})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	seen := make(map[string]bool)
	for _, r := range records {
		seen[r.Action] = true
	}
	for _, action := range []string{"cash.open", "sale.create", "sale.void", "stock.sale", "stock.return"} {
		if !seen[action] {
			t.Fatalf("expected audit action %q, have %v", action, seen)
		}
	}
}

func TestCreateExpenseDefaults(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	expense, err := svc.CreateExpense(ctx, domain.ExpenseCreateRequest{Amount: 100, Category: "freight"})
	if err != nil {
		t.Fatalf("create expense: %v", err)
	}
	if expense.Date != testDate {
		t.Fatalf("expected date %s from the clock, got %s", testDate, expense.Date)
	}
	if expense.PaymentMethod != domain.PaymentCash {
		t.Fatalf("expected cash default, got %s", expense.PaymentMethod)
	}

	if _, err := svc.CreateExpense(ctx, domain.ExpenseCreateRequest{Amount: 0}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero amount, got %v", err)
	}
	if _, err := svc.CreateExpense(ctx, domain.ExpenseCreateRequest{Amount: 10, PaymentMethod: "card"}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for card, got %v", err)
	}
}

func TestDailySummaryCountsNetSales(t *testing.T) {
	svc := newTestService()
	openDrawer(t, svc, 0)
	ctx := adminCtx()

	if _, err := svc.CreateSale(ctx, domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-harina", Quantity: 2}},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	summary, err := svc.DailySummary(context.Background(), testDate)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.SalesCount != 1 {
		t.Fatalf("expected 1 sale, got %d", summary.SalesCount)
	}
	if summary.Total != 2800 {
		t.Fatalf("expected total 2800, got %.2f", summary.Total)
	}
	// Margin: (1400-1000) * 2.
	if summary.Profit != 800 {
		t.Fatalf("expected profit 800, got %.2f", summary.Profit)
	}

	if _, err := svc.DailySummary(context.Background(), "garbage"); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestReorderSuggestionsRunWithoutCache(t *testing.T) {
	svc := newTestService()
	openDrawer(t, svc, 0)

	// prod-lenteja sits at 9 with minimum 2; a sale pushes recent demand up.
	if _, err := svc.CreateSale(adminCtx(), domain.SaleRequest{
		Channel:       domain.ChannelWholesale,
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-lenteja", Quantity: 6}},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	resp, err := svc.ReorderSuggestions(context.Background())
	if err != nil {
		t.Fatalf("suggestions: %v", err)
	}
	found := false
	for _, s := range resp.Suggestions {
		if s.ProductID == "prod-lenteja" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a suggestion for prod-lenteja, got %+v", resp.Suggestions)
	}
}
