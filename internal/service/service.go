package service

import (
	"context"
	"log"
	"regexp"
	"slices"
	"strings"
	"time"

	"mayorista/backend/internal/cache"
	"mayorista/backend/internal/domain"
	"mayorista/backend/internal/reorder"
	"mayorista/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const productListCacheKey = "pos:products:active"

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

type Service struct {
	repo     store.Repository
	catalog  cache.CatalogCache
	reorder  *reorder.Engine
	cacheTTL time.Duration
	now      func() time.Time
}

func New(repo store.Repository, catalog cache.CatalogCache, reorderEngine *reorder.Engine) *Service {
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	if reorderEngine == nil {
		reorderEngine = reorder.NewEngine(nil, 0)
	}

	return &Service{
		repo:     repo,
		catalog:  catalog,
		reorder:  reorderEngine,
		cacheTTL: 30 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) today() string {
	return s.now().UTC().Format("2006-01-02")
}

func (s *Service) requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, store.ErrNotAuthorized
	}
	return actor, nil
}

func (s *Service) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != "admin" {
		return domain.Actor{}, store.ErrNotAuthorized
	}
	return actor, nil
}

func (s *Service) invalidateCatalog(ctx context.Context) {
	if err := s.catalog.Invalidate(ctx, productListCacheKey); err != nil {
		log.Printf("[service] WARN: failed to invalidate product cache: %v", err)
	}
}

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	if !includeInactive {
		if cached, ok, err := s.catalog.GetProducts(ctx, productListCacheKey); err == nil && ok {
			return cached, nil
		}
	}
	products, err := s.repo.ListProducts(ctx, includeInactive)
	if err != nil {
		return nil, err
	}
	if !includeInactive {
		if err := s.catalog.SetProducts(ctx, productListCacheKey, products, s.cacheTTL); err != nil {
			log.Printf("[service] WARN: failed to cache product list: %v", err)
		}
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) GetProductByCode(ctx context.Context, code string) (domain.Product, error) {
	product, err := s.repo.GetProductByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Product{}, err
	}

	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Supplier = strings.TrimSpace(req.Supplier)

	if req.Code == "" || req.Name == "" {
		return domain.Product{}, store.ErrInvalidInput
	}
	if req.BulkContent <= 0 || req.CostPrice < 0 || req.WholesalePrice < 0 {
		return domain.Product{}, store.ErrInvalidInput
	}
	if req.RetailMarginPct < 0 || req.InitialStock < 0 || req.MinStock < 0 {
		return domain.Product{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Code:            req.Code,
		Name:            req.Name,
		Category:        req.Category,
		Supplier:        req.Supplier,
		BulkContent:     req.BulkContent,
		CostPrice:       req.CostPrice,
		WholesalePrice:  req.WholesalePrice,
		RetailMarginPct: req.RetailMarginPct,
		MinStock:        req.MinStock,
		Active:          true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		resp, err := s.repo.AdjustStock(ctx, domain.StockAdjustRequest{
			ProductID: created.ID,
			Quantity:  req.InitialStock,
			Kind:      domain.MovementEntry,
			Reason:    "initial stock",
		}, actor.Username)
		if err != nil {
			return domain.Product{}, err
		}
		created = &resp.Product
	}

	s.invalidateCatalog(ctx)
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Name = name
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.Supplier != nil {
		updated.Supplier = strings.TrimSpace(*req.Supplier)
	}
	if req.BulkContent != nil {
		if *req.BulkContent <= 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.BulkContent = *req.BulkContent
	}
	if req.CostPrice != nil {
		if *req.CostPrice < 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.CostPrice = *req.CostPrice
	}
	if req.WholesalePrice != nil {
		if *req.WholesalePrice < 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.WholesalePrice = *req.WholesalePrice
	}
	if req.RetailMarginPct != nil {
		if *req.RetailMarginPct < 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.RetailMarginPct = *req.RetailMarginPct
	}
	if req.MinStock != nil {
		if *req.MinStock < 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.MinStock = *req.MinStock
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	result, err := s.repo.UpdateProduct(ctx, updated, actor.Username)
	if err != nil {
		return domain.Product{}, err
	}
	s.invalidateCatalog(ctx)
	return *result, nil
}

func (s *Service) DeactivateProduct(ctx context.Context, id string) (domain.Product, error) {
	inactive := false
	return s.UpdateProduct(ctx, id, domain.ProductUpdateRequest{Active: &inactive})
}

func (s *Service) ListCategories(ctx context.Context) ([]string, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) ListSuppliers(ctx context.Context) ([]string, error) {
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) ListLowStockProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListLowStockProducts(ctx)
}

func (s *Service) CreateFraction(ctx context.Context, req domain.FractionCreateRequest) (domain.Fraction, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Fraction{}, err
	}
	if req.ProductID == "" || req.Quantity <= 0 {
		return domain.Fraction{}, store.ErrInvalidInput
	}
	if req.FixedPrice != nil && *req.FixedPrice < 0 {
		return domain.Fraction{}, store.ErrInvalidInput
	}

	product, err := s.repo.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return domain.Fraction{}, err
	}
	if req.Quantity > product.BulkContent {
		return domain.Fraction{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateFraction(ctx, domain.Fraction{
		ProductID:  req.ProductID,
		Name:       strings.TrimSpace(req.Name),
		Quantity:   req.Quantity,
		FixedPrice: req.FixedPrice,
		Active:     true,
	})
	if err != nil {
		return domain.Fraction{}, err
	}
	return *created, nil
}

func (s *Service) ListFractions(ctx context.Context, productID string) ([]domain.Fraction, error) {
	return s.repo.ListFractionsByProduct(ctx, productID)
}

func (s *Service) UpdateFraction(ctx context.Context, id string, req domain.FractionUpdateRequest) (domain.Fraction, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Fraction{}, err
	}

	existing, err := s.repo.GetFractionByID(ctx, id)
	if err != nil {
		return domain.Fraction{}, err
	}
	product, err := s.repo.GetProductByID(ctx, existing.ProductID)
	if err != nil {
		return domain.Fraction{}, err
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.Quantity != nil {
		if *req.Quantity <= 0 || *req.Quantity > product.BulkContent {
			return domain.Fraction{}, store.ErrInvalidInput
		}
		updated.Quantity = *req.Quantity
	}
	if req.ClearFixedPrice {
		updated.FixedPrice = nil
	} else if req.FixedPrice != nil {
		if *req.FixedPrice < 0 {
			return domain.Fraction{}, store.ErrInvalidInput
		}
		price := *req.FixedPrice
		updated.FixedPrice = &price
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	result, err := s.repo.UpdateFraction(ctx, updated)
	if err != nil {
		return domain.Fraction{}, err
	}
	return *result, nil
}

func (s *Service) CreateClient(ctx context.Context, req domain.ClientCreateRequest) (domain.Client, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return domain.Client{}, err
	}
	if strings.TrimSpace(req.Name) == "" || req.DiscountPct < 0 || req.DiscountPct > 100 {
		return domain.Client{}, store.ErrInvalidInput
	}
	created, err := s.repo.CreateClient(ctx, domain.Client{
		Name:        strings.TrimSpace(req.Name),
		Phone:       strings.TrimSpace(req.Phone),
		DiscountPct: req.DiscountPct,
		Active:      true,
	})
	if err != nil {
		return domain.Client{}, err
	}
	return *created, nil
}

func (s *Service) GetClient(ctx context.Context, id string) (domain.Client, error) {
	client, err := s.repo.GetClientByID(ctx, id)
	if err != nil {
		return domain.Client{}, err
	}
	return *client, nil
}

func (s *Service) ListClients(ctx context.Context, includeInactive bool) ([]domain.Client, error) {
	return s.repo.ListClients(ctx, includeInactive)
}

func (s *Service) UpdateClient(ctx context.Context, id string, req domain.ClientUpdateRequest) (domain.Client, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return domain.Client{}, err
	}

	existing, err := s.repo.GetClientByID(ctx, id)
	if err != nil {
		return domain.Client{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Client{}, store.ErrInvalidInput
		}
		updated.Name = name
	}
	if req.Phone != nil {
		updated.Phone = strings.TrimSpace(*req.Phone)
	}
	if req.DiscountPct != nil {
		if *req.DiscountPct < 0 || *req.DiscountPct > 100 {
			return domain.Client{}, store.ErrInvalidInput
		}
		updated.DiscountPct = *req.DiscountPct
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	result, err := s.repo.UpdateClient(ctx, updated)
	if err != nil {
		return domain.Client{}, err
	}
	return *result, nil
}

// RegisterClientPayment credits a deferred-payment balance and records the
// movement on the client's account ledger.
func (s *Service) RegisterClientPayment(ctx context.Context, clientID string, req domain.ClientPaymentRequest) (domain.Client, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Client{}, err
	}
	if req.Amount <= 0 {
		return domain.Client{}, store.ErrInvalidInput
	}

	client, err := s.repo.ApplyClientPayment(ctx, domain.ClientMovement{
		ClientID: clientID,
		Kind:     domain.ClientMovementPayment,
		Amount:   round2(req.Amount),
		Note:     strings.TrimSpace(req.Note),
		Actor:    actor.Username,
	})
	if err != nil {
		return domain.Client{}, err
	}
	return *client, nil
}

func (s *Service) ListClientMovements(ctx context.Context, clientID string, limit int) ([]domain.ClientMovement, error) {
	return s.repo.ListClientMovements(ctx, clientID, limit)
}

func (s *Service) SetSpecialPrice(ctx context.Context, req domain.SpecialPriceRequest) (domain.SpecialPrice, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.SpecialPrice{}, err
	}
	if req.ClientID == "" || req.ProductID == "" || req.Price < 0 {
		return domain.SpecialPrice{}, store.ErrInvalidInput
	}
	created, err := s.repo.UpsertSpecialPrice(ctx, domain.SpecialPrice{
		ClientID:  req.ClientID,
		ProductID: req.ProductID,
		Price:     round2(req.Price),
	})
	if err != nil {
		return domain.SpecialPrice{}, err
	}
	return *created, nil
}

func (s *Service) ListSpecialPrices(ctx context.Context, clientID string) ([]domain.SpecialPrice, error) {
	return s.repo.ListSpecialPricesByClient(ctx, clientID)
}

func (s *Service) RemoveSpecialPrice(ctx context.Context, id string) error {
	if _, err := s.requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.DeactivateSpecialPrice(ctx, id)
}

// ResolvePrice picks the unit price for a product (or one of its fractions)
// following a fixed priority: special price, then client discount, then
// fraction fixed price, then margin-derived fraction price, then the channel
// price for the whole bulk unit. Rounding to cents happens once, at the end.
func (s *Service) ResolvePrice(ctx context.Context, req domain.PriceQuoteRequest) (domain.PriceQuote, error) {
	if req.Channel != domain.ChannelWholesale && req.Channel != domain.ChannelRetail {
		return domain.PriceQuote{}, store.ErrInvalidInput
	}

	product, err := s.repo.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	if !product.Active {
		return domain.PriceQuote{}, store.ErrInvalidPriceInput
	}

	var fraction *domain.Fraction
	if req.FractionID != "" {
		fraction, err = s.repo.GetFractionByID(ctx, req.FractionID)
		if err != nil {
			return domain.PriceQuote{}, err
		}
		if fraction.ProductID != product.ID || !fraction.Active {
			return domain.PriceQuote{}, store.ErrInvalidPriceInput
		}
	}

	quote := domain.PriceQuote{
		ProductID:  product.ID,
		FractionID: req.FractionID,
		Channel:    req.Channel,
	}

	if req.ClientID != "" {
		special, err := s.repo.GetActiveSpecialPrice(ctx, req.ClientID, product.ID)
		if err == nil {
			quote.UnitPrice = special.Price
			quote.Source = domain.PriceSourceSpecial
			return quote, nil
		}
		if err != store.ErrNotFound {
			return domain.PriceQuote{}, err
		}

		client, err := s.repo.GetClientByID(ctx, req.ClientID)
		if err != nil {
			return domain.PriceQuote{}, err
		}
		if client.DiscountPct > 0 {
			quote.UnitPrice = round2(product.WholesalePrice * (1 - client.DiscountPct/100))
			quote.Source = domain.PriceSourceClientDiscount
			return quote, nil
		}
	}

	if fraction != nil {
		if fraction.FixedPrice != nil {
			quote.UnitPrice = *fraction.FixedPrice
			quote.Source = domain.PriceSourceFractionFixed
			return quote, nil
		}
		quote.UnitPrice = round2(product.CostPrice / product.BulkContent * fraction.Quantity * (1 + product.RetailMarginPct/100))
		quote.Source = domain.PriceSourceFractionMargin
		return quote, nil
	}

	if req.Channel == domain.ChannelWholesale {
		quote.UnitPrice = product.WholesalePrice
		quote.Source = domain.PriceSourceWholesale
		return quote, nil
	}
	quote.UnitPrice = round2(product.CostPrice * (1 + product.RetailMarginPct/100))
	quote.Source = domain.PriceSourceRetail
	return quote, nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (domain.StockAdjustResponse, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.StockAdjustResponse{}, err
	}
	if req.Kind != domain.MovementEntry && req.Kind != domain.MovementAdjustment {
		return domain.StockAdjustResponse{}, store.ErrInvalidInput
	}
	if req.Quantity == 0 {
		return domain.StockAdjustResponse{}, store.ErrInvalidInput
	}
	if req.Force && actor.Role != "admin" {
		return domain.StockAdjustResponse{}, store.ErrNotAuthorized
	}

	resp, err := s.repo.AdjustStock(ctx, req, actor.Username)
	if err != nil {
		return domain.StockAdjustResponse{}, err
	}
	if resp.LowStock {
		log.Printf("[service] WARN: low stock product=%s code=%s stock=%.2f min=%.2f",
			resp.Product.ID, resp.Product.Code, resp.Product.Stock, resp.Product.MinStock)
	}
	s.invalidateCatalog(ctx)
	return *resp, nil
}

func (s *Service) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	return s.repo.ListStockMovements(ctx, productID, limit)
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}

	if req.Channel != domain.ChannelWholesale && req.Channel != domain.ChannelRetail {
		return domain.Sale{}, store.ErrInvalidInput
	}
	switch req.PaymentMethod {
	case domain.PaymentCash, domain.PaymentTransfer:
	case domain.PaymentAccount:
		if req.ClientID == "" {
			return domain.Sale{}, store.ErrInvalidInput
		}
	default:
		return domain.Sale{}, store.ErrInvalidInput
	}
	if len(req.Items) == 0 {
		return domain.Sale{}, store.ErrInvalidInput
	}

	now := s.now().UTC()
	date := now.Format("2006-01-02")
	session, err := s.repo.GetCashSessionByDate(ctx, date)
	if err == store.ErrNotFound || (err == nil && session.Status != domain.CashStatusOpen) {
		return domain.Sale{}, store.ErrCashClosed
	}
	if err != nil && err != store.ErrNotFound {
		return domain.Sale{}, err
	}

	if req.ClientID != "" {
		if _, err := s.repo.GetClientByID(ctx, req.ClientID); err != nil {
			return domain.Sale{}, err
		}
	}

	lines := make([]domain.SaleLine, 0, len(req.Items))
	var total float64
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return domain.Sale{}, store.ErrInvalidInput
		}
		quote, err := s.ResolvePrice(ctx, domain.PriceQuoteRequest{
			ClientID:   req.ClientID,
			ProductID:  item.ProductID,
			FractionID: item.FractionID,
			Channel:    req.Channel,
		})
		if err != nil {
			return domain.Sale{}, err
		}

		product, err := s.repo.GetProductByID(ctx, item.ProductID)
		if err != nil {
			return domain.Sale{}, err
		}
		unitCost := product.CostPrice
		if item.FractionID != "" {
			fraction, err := s.repo.GetFractionByID(ctx, item.FractionID)
			if err != nil {
				return domain.Sale{}, err
			}
			unitCost = round2(product.CostPrice / product.BulkContent * fraction.Quantity)
		}

		lines = append(lines, domain.SaleLine{
			ProductID:  item.ProductID,
			FractionID: item.FractionID,
			Quantity:   item.Quantity,
			UnitPrice:  quote.UnitPrice,
			UnitCost:   unitCost,
		})
		total += item.Quantity * quote.UnitPrice
	}

	created, err := s.repo.CreateSale(ctx, domain.Sale{
		Date:          date,
		Channel:       req.Channel,
		PaymentMethod: req.PaymentMethod,
		ClientID:      req.ClientID,
		Actor:         actor.Username,
		Total:         round2(total),
		CreatedAt:     now,
		Lines:         lines,
	})
	if err != nil {
		return domain.Sale{}, err
	}
	s.invalidateCatalog(ctx)
	return *created, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) VoidSale(ctx context.Context, saleID string, reason string) (domain.Reversal, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Reversal{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Reversal{}, store.ErrInvalidInput
	}

	reversal, err := s.repo.VoidSale(ctx, saleID, strings.TrimSpace(reason), actor.Username, s.now().UTC())
	if err != nil {
		return domain.Reversal{}, err
	}
	s.invalidateCatalog(ctx)
	return *reversal, nil
}

func (s *Service) ReturnSaleLines(ctx context.Context, saleID string, selections []domain.ReturnSelection, reason string) (domain.Reversal, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Reversal{}, err
	}
	if len(selections) == 0 || strings.TrimSpace(reason) == "" {
		return domain.Reversal{}, store.ErrInvalidInput
	}
	for _, sel := range selections {
		if sel.LineID == "" || sel.Quantity <= 0 {
			return domain.Reversal{}, store.ErrInvalidReturnQuantity
		}
	}
	selections = mergeReturnSelections(selections)

	reversal, err := s.repo.ReturnSaleLines(ctx, saleID, selections, strings.TrimSpace(reason), actor.Username, s.now().UTC())
	if err != nil {
		return domain.Reversal{}, err
	}
	s.invalidateCatalog(ctx)
	return *reversal, nil
}

// mergeReturnSelections collapses repeated references to the same sale line
// into one selection, so the per-line cumulative cap is checked against the
// request's combined quantity.
func mergeReturnSelections(selections []domain.ReturnSelection) []domain.ReturnSelection {
	index := make(map[string]int, len(selections))
	merged := make([]domain.ReturnSelection, 0, len(selections))
	for _, sel := range selections {
		if i, ok := index[sel.LineID]; ok {
			merged[i].Quantity += sel.Quantity
			continue
		}
		index[sel.LineID] = len(merged)
		merged = append(merged, sel)
	}
	return merged
}

func (s *Service) ListReversals(ctx context.Context, saleID string) ([]domain.Reversal, error) {
	return s.repo.ListReversalsBySale(ctx, saleID)
}

func (s *Service) OpenCashSession(ctx context.Context, date string, req domain.CashOpenRequest) (domain.CashSession, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CashSession{}, err
	}
	if err := validateDate(date); err != nil {
		return domain.CashSession{}, err
	}
	if req.OpeningAmount < 0 {
		return domain.CashSession{}, store.ErrInvalidInput
	}

	created, err := s.repo.OpenCashSession(ctx, domain.CashSession{
		Date:          date,
		OpeningAmount: round2(req.OpeningAmount),
		Notes:         strings.TrimSpace(req.Notes),
		OpenedBy:      actor.Username,
		OpenedAt:      s.now().UTC(),
	})
	if err != nil {
		return domain.CashSession{}, err
	}
	return *created, nil
}

func (s *Service) RegisterCashWithdrawal(ctx context.Context, date string, req domain.CashWithdrawalRequest) (domain.CashWithdrawal, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CashWithdrawal{}, err
	}
	if err := validateDate(date); err != nil {
		return domain.CashWithdrawal{}, err
	}
	if req.Amount <= 0 || strings.TrimSpace(req.Reason) == "" {
		return domain.CashWithdrawal{}, store.ErrInvalidInput
	}

	session, err := s.repo.GetCashSessionByDate(ctx, date)
	if err == store.ErrNotFound {
		return domain.CashWithdrawal{}, store.ErrSessionNotOpen
	}
	if err != nil {
		return domain.CashWithdrawal{}, err
	}

	created, err := s.repo.CreateCashWithdrawal(ctx, domain.CashWithdrawal{
		SessionID: session.ID,
		Amount:    round2(req.Amount),
		Reason:    strings.TrimSpace(req.Reason),
		Actor:     actor.Username,
	})
	if err != nil {
		return domain.CashWithdrawal{}, err
	}
	return *created, nil
}

func (s *Service) CloseCashSession(ctx context.Context, date string, req domain.CashCloseRequest) (domain.CashCloseResponse, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.CashCloseResponse{}, err
	}
	if err := validateDate(date); err != nil {
		return domain.CashCloseResponse{}, err
	}
	if req.ClosingAmount < 0 {
		return domain.CashCloseResponse{}, store.ErrInvalidInput
	}

	session, err := s.repo.GetCashSessionByDate(ctx, date)
	if err == store.ErrNotFound {
		return domain.CashCloseResponse{}, store.ErrSessionNotOpen
	}
	if err != nil {
		return domain.CashCloseResponse{}, err
	}

	totals, err := s.repo.CashTotalsForDate(ctx, date)
	if err != nil {
		return domain.CashCloseResponse{}, err
	}
	expected := round2(session.OpeningAmount + totals.CashSales - totals.Withdrawals - totals.CashExpenses)

	closed, err := s.repo.CloseCashSession(ctx, date, round2(req.ClosingAmount), expected, strings.TrimSpace(req.Notes), actor.Username, s.now().UTC())
	if err != nil {
		return domain.CashCloseResponse{}, err
	}

	return domain.CashCloseResponse{
		Session:    *closed,
		Expected:   expected,
		Real:       round2(req.ClosingAmount),
		Difference: round2(req.ClosingAmount - expected),
	}, nil
}

func (s *Service) CashSessionStatus(ctx context.Context, date string) (domain.CashStatus, error) {
	if err := validateDate(date); err != nil {
		return domain.CashStatus{}, err
	}

	session, err := s.repo.GetCashSessionByDate(ctx, date)
	if err == store.ErrNotFound {
		return domain.CashStatus{Open: false}, nil
	}
	if err != nil {
		return domain.CashStatus{}, err
	}

	totals, err := s.repo.CashTotalsForDate(ctx, date)
	if err != nil {
		return domain.CashStatus{}, err
	}
	movements, err := s.repo.ListCashWithdrawals(ctx, session.ID)
	if err != nil {
		return domain.CashStatus{}, err
	}

	return domain.CashStatus{
		Open:         session.Status == domain.CashStatusOpen,
		Session:      session,
		CashSales:    totals.CashSales,
		Withdrawals:  totals.Withdrawals,
		CashExpenses: totals.CashExpenses,
		ExpectedCash: round2(session.OpeningAmount + totals.CashSales - totals.Withdrawals - totals.CashExpenses),
		Movements:    movements,
	}, nil
}

func (s *Service) IsCashOpen(ctx context.Context, date string) (bool, error) {
	session, err := s.repo.GetCashSessionByDate(ctx, date)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return session.Status == domain.CashStatusOpen, nil
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Expense{}, err
	}
	if req.Amount <= 0 {
		return domain.Expense{}, store.ErrInvalidInput
	}
	date := req.Date
	if date == "" {
		date = s.today()
	}
	if err := validateDate(date); err != nil {
		return domain.Expense{}, err
	}
	method := req.PaymentMethod
	if method == "" {
		method = domain.PaymentCash
	}
	if method != domain.PaymentCash && method != domain.PaymentTransfer {
		return domain.Expense{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateExpense(ctx, domain.Expense{
		Date:          date,
		Amount:        round2(req.Amount),
		Category:      strings.TrimSpace(req.Category),
		Description:   strings.TrimSpace(req.Description),
		PaymentMethod: method,
		Actor:         actor.Username,
	})
	if err != nil {
		return domain.Expense{}, err
	}
	return *created, nil
}

func (s *Service) ListExpenses(ctx context.Context, from string, to string, limit int) ([]domain.Expense, error) {
	return s.repo.ListExpenses(ctx, from, to, limit)
}

func (s *Service) ListAuditRecords(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 200
	}
	return s.repo.ListAuditRecords(ctx, filter)
}

// BulkPriceUpdate applies a percent delta to the cost and/or wholesale price
// of every active product matching the category/supplier filter. With DryRun
// it returns the preview without writing anything.
func (s *Service) BulkPriceUpdate(ctx context.Context, req domain.BulkPriceUpdateRequest) (domain.BulkPriceUpdateResponse, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.BulkPriceUpdateResponse{}, err
	}
	if req.Percent < -50 || req.Percent > 200 || req.Percent == 0 {
		return domain.BulkPriceUpdateResponse{}, store.ErrInvalidInput
	}

	fields := req.Fields
	if len(fields) == 0 {
		fields = []string{domain.PriceFieldCost, domain.PriceFieldWholesale}
	}
	for _, f := range fields {
		if f != domain.PriceFieldCost && f != domain.PriceFieldWholesale {
			return domain.BulkPriceUpdateResponse{}, store.ErrInvalidInput
		}
	}

	products, err := s.repo.ListProducts(ctx, false)
	if err != nil {
		return domain.BulkPriceUpdateResponse{}, err
	}

	factor := 1 + req.Percent/100
	changes := make([]domain.BulkPriceChange, 0)
	for _, p := range products {
		if req.Category != "" && p.Category != req.Category {
			continue
		}
		if req.Supplier != "" && p.Supplier != req.Supplier {
			continue
		}
		change := domain.BulkPriceChange{
			ProductID:         p.ID,
			Code:              p.Code,
			Name:              p.Name,
			OldCostPrice:      p.CostPrice,
			NewCostPrice:      p.CostPrice,
			OldWholesalePrice: p.WholesalePrice,
			NewWholesalePrice: p.WholesalePrice,
		}
		if slices.Contains(fields, domain.PriceFieldCost) {
			change.NewCostPrice = round2(p.CostPrice * factor)
		}
		if slices.Contains(fields, domain.PriceFieldWholesale) {
			change.NewWholesalePrice = round2(p.WholesalePrice * factor)
		}
		changes = append(changes, change)
	}

	resp := domain.BulkPriceUpdateResponse{
		DryRun:  req.DryRun,
		Percent: req.Percent,
		Changes: changes,
	}
	if req.DryRun {
		return resp, nil
	}

	updated, err := s.repo.ApplyBulkPriceUpdate(ctx, changes, fields, actor.Username)
	if err != nil {
		return domain.BulkPriceUpdateResponse{}, err
	}
	resp.Updated = updated
	s.invalidateCatalog(ctx)
	return resp, nil
}

func (s *Service) DailySummary(ctx context.Context, date string) (domain.DailySummary, error) {
	if err := validateDate(date); err != nil {
		return domain.DailySummary{}, err
	}
	return s.repo.GetDailySummary(ctx, date)
}

func (s *Service) ReorderSuggestions(ctx context.Context) (domain.ReorderSuggestionResponse, error) {
	products, err := s.repo.ListProducts(ctx, false)
	if err != nil {
		return domain.ReorderSuggestionResponse{}, err
	}
	now := s.now().UTC()
	sold, err := s.repo.SoldQuantitySince(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		return domain.ReorderSuggestionResponse{}, err
	}
	return s.reorder.Suggest(ctx, products, sold, now), nil
}

func validateDate(date string) error {
	if !dateRe.MatchString(date) {
		return store.ErrInvalidInput
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return store.ErrInvalidInput
	}
	return nil
}

func round2(v float64) float64 {
	if v < 0 {
		return -round2(-v)
	}
	return float64(int64(v*100+0.5)) / 100
}
