package memory

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mayorista/backend/internal/domain"
	"mayorista/backend/internal/store"
	"mayorista/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	productIDByCode map[string]string
	fractions       map[string]domain.Fraction
	clients         map[string]domain.Client
	clientMovements map[string][]domain.ClientMovement
	specialPrices   map[string]domain.SpecialPrice
	sales           map[string]domain.Sale
	stockMovements  []domain.StockMovement
	reversals       map[string][]domain.Reversal
	cashSessions    map[string]domain.CashSession
	withdrawals     map[string][]domain.CashWithdrawal
	expenses        []domain.Expense
	auditRecords    []domain.AuditRecord
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		productIDByCode: make(map[string]string),
		fractions:       make(map[string]domain.Fraction),
		clients:         make(map[string]domain.Client),
		clientMovements: make(map[string][]domain.ClientMovement),
		specialPrices:   make(map[string]domain.SpecialPrice),
		sales:           make(map[string]domain.Sale),
		stockMovements:  make([]domain.StockMovement, 0, 256),
		reversals:       make(map[string][]domain.Reversal),
		cashSessions:    make(map[string]domain.CashSession),
		withdrawals:     make(map[string][]domain.CashWithdrawal),
		expenses:        make([]domain.Expense, 0, 64),
		auditRecords:    make([]domain.AuditRecord, 0, 256),
		usersByUsername: seedUsers(),
	}
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	products := []domain.Product{
		{ID: "prod-harina", Code: "HAR-000", Name: "Harina 000", Category: "harinas", Supplier: "Molinos Sur", BulkContent: 25, CostPrice: 1000, WholesalePrice: 1400, RetailMarginPct: 20, Stock: 40, MinStock: 5, Active: true},
		{ID: "prod-avena", Code: "AVE-001", Name: "Avena Arrollada", Category: "cereales", Supplier: "Molinos Sur", BulkContent: 20, CostPrice: 1600, WholesalePrice: 2100, RetailMarginPct: 25, Stock: 18, MinStock: 4, Active: true},
		{ID: "prod-mani", Code: "MAN-001", Name: "Mani Tostado", Category: "frutos-secos", Supplier: "Campo Norte", BulkContent: 10, CostPrice: 3200, WholesalePrice: 4000, RetailMarginPct: 30, Stock: 12, MinStock: 3, Active: true},
		{ID: "prod-lenteja", Code: "LEN-001", Name: "Lentejas", Category: "legumbres", Supplier: "Campo Norte", BulkContent: 25, CostPrice: 5500, WholesalePrice: 7200, RetailMarginPct: 28, Stock: 9, MinStock: 2, Active: true},
		{ID: "prod-yerba", Code: "YER-001", Name: "Yerba Barbacua", Category: "infusiones", Supplier: "Litoral SA", BulkContent: 5, CostPrice: 6000, WholesalePrice: 7500, RetailMarginPct: 22, Stock: 25, MinStock: 6, Active: true},
	}
	for _, p := range products {
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.productIDByCode[p.Code] = p.ID
	}

	fractions := []domain.Fraction{
		{ID: "frac-harina-500", ProductID: "prod-harina", Name: "500g", Quantity: 0.5, Active: true},
		{ID: "frac-harina-1k", ProductID: "prod-harina", Name: "1kg", Quantity: 1, Active: true},
		{ID: "frac-mani-250", ProductID: "prod-mani", Name: "250g", Quantity: 0.25, FixedPrice: ptrFloat(950), Active: true},
		{ID: "frac-avena-500", ProductID: "prod-avena", Name: "500g", Quantity: 0.5, Active: true},
	}
	for _, f := range fractions {
		s.fractions[f.ID] = f
	}

	clients := []domain.Client{
		{ID: "cli-almacen", Name: "Almacen La Esquina", Phone: "264-555-0101", DiscountPct: 10, Active: true, CreatedAt: now},
		{ID: "cli-dietetica", Name: "Dietetica Centro", Phone: "264-555-0102", Active: true, CreatedAt: now},
	}
	for _, c := range clients {
		s.clients[c.ID] = c
	}

	s.specialPrices["sp-almacen-harina"] = domain.SpecialPrice{
		ID: "sp-almacen-harina", ClientID: "cli-almacen", ProductID: "prod-harina", Price: 1250, Active: true, CreatedAt: now,
	}

	return s
}

func ptrFloat(v float64) *float64 { return &v }

func snapshot(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// appendAuditLocked must be called with s.mu held for writing.
func (s *Store) appendAuditLocked(actor, action, entityType, entityID, before, after string, at time.Time) {
	s.auditRecords = append(s.auditRecords, domain.AuditRecord{
		ID:         xid.New("aud"),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     before,
		After:      after,
		CreatedAt:  at,
	})
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active && !includeInactive {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductByCode(_ context.Context, code string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.productIDByCode[code]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := s.products[id]
	return &copyProduct, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Code == "" || product.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if product.BulkContent <= 0 || product.CostPrice < 0 || product.WholesalePrice < 0 || product.RetailMarginPct < 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.productIDByCode[product.Code]; exists {
		return nil, store.ErrConflict
	}

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	product.Active = true
	s.products[product.ID] = product
	s.productIDByCode[product.Code] = product.ID

	s.appendAuditLocked("system", "product.create", "product", product.ID, "", snapshot(product), now)
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product, actor string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if product.Name == "" || product.BulkContent <= 0 {
		return nil, store.ErrInvalidInput
	}

	product.Code = prev.Code
	product.Stock = prev.Stock
	product.CreatedAt = prev.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product

	s.appendAuditLocked(actor, "product.update", "product", product.ID, snapshot(prev), snapshot(product), product.UpdatedAt)
	updated := product
	return &updated, nil
}

func (s *Store) ListCategories(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return distinctField(s.products, func(p domain.Product) string { return p.Category }), nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return distinctField(s.products, func(p domain.Product) string { return p.Supplier }), nil
}

func (s *Store) ListLowStockProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	low := make([]domain.Product, 0)
	for _, p := range s.products {
		if p.Active && p.Stock <= p.MinStock {
			low = append(low, p)
		}
	}
	slices.SortFunc(low, func(a, b domain.Product) int { return cmpString(a.Name, b.Name) })
	return low, nil
}

func (s *Store) CreateFraction(_ context.Context, fraction domain.Fraction) (*domain.Fraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fraction.ProductID == "" || fraction.Quantity <= 0 {
		return nil, store.ErrInvalidInput
	}
	if fraction.FixedPrice != nil && *fraction.FixedPrice < 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.products[fraction.ProductID]; !exists {
		return nil, store.ErrNotFound
	}

	if fraction.ID == "" {
		fraction.ID = xid.New("frac")
	}
	fraction.Active = true
	s.fractions[fraction.ID] = fraction

	s.appendAuditLocked("system", "fraction.create", "fraction", fraction.ID, "", snapshot(fraction), time.Now().UTC())
	created := fraction
	return &created, nil
}

func (s *Store) GetFractionByID(_ context.Context, id string) (*domain.Fraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fraction, exists := s.fractions[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyFraction := fraction
	return &copyFraction, nil
}

func (s *Store) ListFractionsByProduct(_ context.Context, productID string) ([]domain.Fraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fractions := make([]domain.Fraction, 0)
	for _, f := range s.fractions {
		if f.ProductID == productID && f.Active {
			fractions = append(fractions, f)
		}
	}
	slices.SortFunc(fractions, func(a, b domain.Fraction) int {
		if a.Quantity == b.Quantity {
			return cmpString(a.ID, b.ID)
		}
		if a.Quantity < b.Quantity {
			return -1
		}
		return 1
	})
	return fractions, nil
}

func (s *Store) UpdateFraction(_ context.Context, fraction domain.Fraction) (*domain.Fraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.fractions[fraction.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if fraction.Quantity <= 0 {
		return nil, store.ErrInvalidInput
	}

	fraction.ProductID = prev.ProductID
	s.fractions[fraction.ID] = fraction

	s.appendAuditLocked("system", "fraction.update", "fraction", fraction.ID, snapshot(prev), snapshot(fraction), time.Now().UTC())
	updated := fraction
	return &updated, nil
}

func (s *Store) CreateClient(_ context.Context, client domain.Client) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if client.Name == "" || client.DiscountPct < 0 || client.DiscountPct > 100 {
		return nil, store.ErrInvalidInput
	}
	if client.ID == "" {
		client.ID = xid.New("cli")
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}
	client.Active = true
	s.clients[client.ID] = client

	s.appendAuditLocked("system", "client.create", "client", client.ID, "", snapshot(client), client.CreatedAt)
	created := client
	return &created, nil
}

func (s *Store) GetClientByID(_ context.Context, id string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, exists := s.clients[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyClient := client
	return &copyClient, nil
}

func (s *Store) ListClients(_ context.Context, includeInactive bool) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]domain.Client, 0, len(s.clients))
	for _, c := range s.clients {
		if !c.Active && !includeInactive {
			continue
		}
		clients = append(clients, c)
	}
	slices.SortFunc(clients, func(a, b domain.Client) int { return cmpString(a.Name, b.Name) })
	return clients, nil
}

func (s *Store) UpdateClient(_ context.Context, client domain.Client) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.clients[client.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if client.Name == "" || client.DiscountPct < 0 || client.DiscountPct > 100 {
		return nil, store.ErrInvalidInput
	}

	client.Balance = prev.Balance
	client.CreatedAt = prev.CreatedAt
	s.clients[client.ID] = client

	s.appendAuditLocked("system", "client.update", "client", client.ID, snapshot(prev), snapshot(client), time.Now().UTC())
	updated := client
	return &updated, nil
}

func (s *Store) ApplyClientPayment(_ context.Context, movement domain.ClientMovement) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, exists := s.clients[movement.ClientID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if movement.Amount <= 0 {
		return nil, store.ErrInvalidInput
	}

	prev := client
	now := time.Now().UTC()
	switch movement.Kind {
	case domain.ClientMovementCharge:
		client.Balance += movement.Amount
	case domain.ClientMovementPayment, domain.ClientMovementRefund:
		client.Balance -= movement.Amount
	default:
		return nil, store.ErrInvalidInput
	}
	s.clients[client.ID] = client

	if movement.ID == "" {
		movement.ID = xid.New("cmv")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = now
	}
	s.clientMovements[client.ID] = append(s.clientMovements[client.ID], movement)

	s.appendAuditLocked(movement.Actor, "client."+movement.Kind, "client", client.ID, snapshot(prev), snapshot(client), now)
	updated := client
	return &updated, nil
}

func (s *Store) ListClientMovements(_ context.Context, clientID string, limit int) ([]domain.ClientMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := s.clientMovements[clientID]
	result := make([]domain.ClientMovement, len(movements))
	copy(result, movements)
	slices.SortFunc(result, func(a, b domain.ClientMovement) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) UpsertSpecialPrice(_ context.Context, price domain.SpecialPrice) (*domain.SpecialPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if price.ClientID == "" || price.ProductID == "" || price.Price < 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.clients[price.ClientID]; !exists {
		return nil, store.ErrNotFound
	}
	if _, exists := s.products[price.ProductID]; !exists {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	// At most one active entry per (client, product) pair.
	for id, existing := range s.specialPrices {
		if existing.ClientID == price.ClientID && existing.ProductID == price.ProductID && existing.Active {
			prev := existing
			existing.Price = price.Price
			existing.CreatedAt = now
			s.specialPrices[id] = existing
			s.appendAuditLocked("system", "special_price.update", "special_price", id, snapshot(prev), snapshot(existing), now)
			updated := existing
			return &updated, nil
		}
	}

	if price.ID == "" {
		price.ID = xid.New("sp")
	}
	price.Active = true
	price.CreatedAt = now
	s.specialPrices[price.ID] = price

	s.appendAuditLocked("system", "special_price.create", "special_price", price.ID, "", snapshot(price), now)
	created := price
	return &created, nil
}

func (s *Store) GetActiveSpecialPrice(_ context.Context, clientID string, productID string) (*domain.SpecialPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sp := range s.specialPrices {
		if sp.ClientID == clientID && sp.ProductID == productID && sp.Active {
			copySP := sp
			return &copySP, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListSpecialPricesByClient(_ context.Context, clientID string) ([]domain.SpecialPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prices := make([]domain.SpecialPrice, 0)
	for _, sp := range s.specialPrices {
		if sp.ClientID == clientID && sp.Active {
			prices = append(prices, sp)
		}
	}
	slices.SortFunc(prices, func(a, b domain.SpecialPrice) int { return cmpString(a.ProductID, b.ProductID) })
	return prices, nil
}

func (s *Store) DeactivateSpecialPrice(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, exists := s.specialPrices[id]
	if !exists {
		return store.ErrNotFound
	}
	prev := sp
	sp.Active = false
	s.specialPrices[id] = sp
	s.appendAuditLocked("system", "special_price.deactivate", "special_price", id, snapshot(prev), snapshot(sp), time.Now().UTC())
	return nil
}

func (s *Store) AdjustStock(_ context.Context, req domain.StockAdjustRequest, actor string) (*domain.StockAdjustResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[req.ProductID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if req.Quantity == 0 {
		return nil, store.ErrInvalidInput
	}
	switch req.Kind {
	case domain.MovementEntry, domain.MovementAdjustment:
	default:
		return nil, store.ErrInvalidInput
	}

	newStock := product.Stock + req.Quantity
	if newStock < 0 && !req.Force {
		return nil, store.ErrInsufficientStock
	}

	now := time.Now().UTC()
	prev := product
	product.Stock = newStock
	product.UpdatedAt = now
	s.products[product.ID] = product

	movement := domain.StockMovement{
		ID:        xid.New("mov"),
		ProductID: product.ID,
		Quantity:  req.Quantity,
		Kind:      req.Kind,
		Reason:    req.Reason,
		Actor:     actor,
		CreatedAt: now,
	}
	s.stockMovements = append(s.stockMovements, movement)

	s.appendAuditLocked(actor, "stock."+req.Kind, "product", product.ID, snapshot(prev), snapshot(product), now)

	return &domain.StockAdjustResponse{
		Product:  product,
		Movement: movement,
		LowStock: newStock <= product.MinStock,
	}, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0)
	for _, m := range s.stockMovements {
		if productID != "" && m.ProductID != productID {
			continue
		}
		result = append(result, m)
	}
	slices.SortFunc(result, func(a, b domain.StockMovement) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) SumStockMovements(_ context.Context, productID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum float64
	for _, m := range s.stockMovements {
		if m.ProductID == productID {
			sum += m.Quantity
		}
	}
	return sum, nil
}

func (s *Store) SoldQuantitySince(_ context.Context, since time.Time) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sold := make(map[string]float64)
	for _, m := range s.stockMovements {
		if m.Kind != domain.MovementSale || m.CreatedAt.Before(since) {
			continue
		}
		sold[m.ProductID] += -m.Quantity
	}
	return sold, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Lines) == 0 || sale.Date == "" || sale.Actor == "" {
		return nil, store.ErrInvalidInput
	}
	session, exists := s.cashSessions[sale.Date]
	if !exists || session.Status != domain.CashStatusOpen {
		return nil, store.ErrCashClosed
	}
	if sale.PaymentMethod == domain.PaymentAccount && sale.ClientID == "" {
		return nil, store.ErrInvalidInput
	}

	// Validate every line before touching anything.
	debits := make([]float64, len(sale.Lines))
	perProduct := make(map[string]float64)
	for i, line := range sale.Lines {
		product, ok := s.products[line.ProductID]
		if !ok || !product.Active {
			return nil, store.ErrInvalidPriceInput
		}
		if line.Quantity <= 0 {
			return nil, store.ErrInvalidInput
		}
		debit := line.Quantity
		if line.FractionID != "" {
			fraction, ok := s.fractions[line.FractionID]
			if !ok || fraction.ProductID != line.ProductID {
				return nil, store.ErrInvalidPriceInput
			}
			debit = fraction.Quantity * line.Quantity
		}
		debits[i] = debit
		perProduct[line.ProductID] += debit
	}
	for productID, debit := range perProduct {
		if s.products[productID].Stock-debit < 0 {
			return nil, store.ErrInsufficientStock
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	now := sale.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
		sale.CreatedAt = now
	}

	for i := range sale.Lines {
		if sale.Lines[i].ID == "" {
			sale.Lines[i].ID = xid.New("line")
		}
		sale.Lines[i].SaleID = sale.ID
	}

	// Apply stock debits, one movement and one audit record per product touch.
	for i, line := range sale.Lines {
		product := s.products[line.ProductID]
		prev := product
		product.Stock -= debits[i]
		product.UpdatedAt = now
		s.products[product.ID] = product

		s.stockMovements = append(s.stockMovements, domain.StockMovement{
			ID:        xid.New("mov"),
			ProductID: product.ID,
			Quantity:  -debits[i],
			Kind:      domain.MovementSale,
			Reference: sale.ID,
			Actor:     sale.Actor,
			CreatedAt: now,
		})
		s.appendAuditLocked(sale.Actor, "stock.sale", "product", product.ID, snapshot(prev), snapshot(product), now)
	}

	if sale.PaymentMethod == domain.PaymentAccount {
		client := s.clients[sale.ClientID]
		prev := client
		client.Balance += sale.Total
		s.clients[client.ID] = client
		s.clientMovements[client.ID] = append(s.clientMovements[client.ID], domain.ClientMovement{
			ID:        xid.New("cmv"),
			ClientID:  client.ID,
			Kind:      domain.ClientMovementCharge,
			Amount:    sale.Total,
			Reference: sale.ID,
			Actor:     sale.Actor,
			CreatedAt: now,
		})
		s.appendAuditLocked(sale.Actor, "client.charge", "client", client.ID, snapshot(prev), snapshot(client), now)
	}

	s.sales[sale.ID] = sale
	s.appendAuditLocked(sale.Actor, "sale.create", "sale", sale.ID, "", snapshot(sale), now)

	created := cloneSale(sale)
	return &created, nil
}

func (s *Store) GetSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.sales[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySale := cloneSale(sale)
	return &copySale, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0)
	for _, sale := range s.sales {
		if filter.From != "" && sale.Date < filter.From {
			continue
		}
		if filter.To != "" && sale.Date > filter.To {
			continue
		}
		if filter.ClientID != "" && sale.ClientID != filter.ClientID {
			continue
		}
		if filter.Voided != nil && sale.Voided != *filter.Voided {
			continue
		}
		result = append(result, cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) VoidSale(_ context.Context, saleID string, reason string, actor string, at time.Time) (*domain.Reversal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.sales[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if sale.Voided {
		return nil, store.ErrAlreadyVoided
	}

	prevSale := cloneSale(sale)
	reversal := domain.Reversal{
		ID:        xid.New("rev"),
		SaleID:    sale.ID,
		Kind:      domain.ReversalKindVoid,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: at,
	}

	// Credit back only what has not already been returned.
	var returnedAmount float64
	for _, r := range s.reversals[sale.ID] {
		returnedAmount += r.Amount
	}
	reversal.Amount = round2(sale.Total - returnedAmount)

	for i, line := range sale.Lines {
		remaining := line.Quantity - line.ReturnedQty
		if remaining <= 0 {
			continue
		}
		credit := remaining
		if line.FractionID != "" {
			fraction := s.fractions[line.FractionID]
			credit = fraction.Quantity * remaining
		}
		product := s.products[line.ProductID]
		prev := product
		product.Stock += credit
		product.UpdatedAt = at
		s.products[product.ID] = product

		s.stockMovements = append(s.stockMovements, domain.StockMovement{
			ID:        xid.New("mov"),
			ProductID: product.ID,
			Quantity:  credit,
			Kind:      domain.MovementReturn,
			Reference: reversal.ID,
			Reason:    reason,
			Actor:     actor,
			CreatedAt: at,
		})
		s.appendAuditLocked(actor, "stock.return", "product", product.ID, snapshot(prev), snapshot(product), at)

		reversal.Lines = append(reversal.Lines, domain.ReversalLine{
			LineID:    line.ID,
			ProductID: line.ProductID,
			Quantity:  remaining,
			Amount:    round2(remaining * line.UnitPrice),
		})
		sale.Lines[i].ReturnedQty = line.Quantity
	}

	if sale.PaymentMethod == domain.PaymentAccount && sale.ClientID != "" && reversal.Amount > 0 {
		client := s.clients[sale.ClientID]
		prev := client
		client.Balance -= reversal.Amount
		s.clients[client.ID] = client
		s.clientMovements[client.ID] = append(s.clientMovements[client.ID], domain.ClientMovement{
			ID:        xid.New("cmv"),
			ClientID:  client.ID,
			Kind:      domain.ClientMovementRefund,
			Amount:    reversal.Amount,
			Reference: reversal.ID,
			Actor:     actor,
			CreatedAt: at,
		})
		s.appendAuditLocked(actor, "client.refund", "client", client.ID, snapshot(prev), snapshot(client), at)
	}

	sale.Voided = true
	sale.VoidReason = reason
	voidedAt := at
	sale.VoidedAt = &voidedAt
	s.sales[sale.ID] = sale
	s.reversals[sale.ID] = append(s.reversals[sale.ID], reversal)

	s.appendAuditLocked(actor, "sale.void", "sale", sale.ID, snapshot(prevSale), snapshot(sale), at)

	created := cloneReversal(reversal)
	return &created, nil
}

func (s *Store) ReturnSaleLines(_ context.Context, saleID string, selections []domain.ReturnSelection, reason string, actor string, at time.Time) (*domain.Reversal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.sales[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if sale.Voided {
		return nil, store.ErrInvalidReturnQuantity
	}
	if len(selections) == 0 {
		return nil, store.ErrInvalidInput
	}

	linesByID := make(map[string]int, len(sale.Lines))
	for i, line := range sale.Lines {
		linesByID[line.ID] = i
	}

	// Validate against the cumulative cap before any write. Quantities are
	// summed per line first so a request naming the same line twice cannot
	// slip past a per-selection check.
	requested := make(map[string]float64, len(selections))
	for _, sel := range selections {
		if _, ok := linesByID[sel.LineID]; !ok {
			return nil, store.ErrNotFound
		}
		if sel.Quantity <= 0 {
			return nil, store.ErrInvalidReturnQuantity
		}
		requested[sel.LineID] += sel.Quantity
	}
	for lineID, total := range requested {
		line := sale.Lines[linesByID[lineID]]
		if total > line.Quantity-line.ReturnedQty {
			return nil, store.ErrInvalidReturnQuantity
		}
	}

	prevSale := cloneSale(sale)
	reversal := domain.Reversal{
		ID:        xid.New("rev"),
		SaleID:    sale.ID,
		Kind:      domain.ReversalKindReturn,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: at,
	}

	var amount float64
	for _, sel := range selections {
		idx := linesByID[sel.LineID]
		line := sale.Lines[idx]

		credit := sel.Quantity
		if line.FractionID != "" {
			fraction := s.fractions[line.FractionID]
			credit = fraction.Quantity * sel.Quantity
		}
		product := s.products[line.ProductID]
		prev := product
		product.Stock += credit
		product.UpdatedAt = at
		s.products[product.ID] = product

		s.stockMovements = append(s.stockMovements, domain.StockMovement{
			ID:        xid.New("mov"),
			ProductID: product.ID,
			Quantity:  credit,
			Kind:      domain.MovementReturn,
			Reference: reversal.ID,
			Reason:    reason,
			Actor:     actor,
			CreatedAt: at,
		})
		s.appendAuditLocked(actor, "stock.return", "product", product.ID, snapshot(prev), snapshot(product), at)

		lineAmount := round2(sel.Quantity * line.UnitPrice)
		amount += lineAmount
		reversal.Lines = append(reversal.Lines, domain.ReversalLine{
			LineID:    line.ID,
			ProductID: line.ProductID,
			Quantity:  sel.Quantity,
			Amount:    lineAmount,
		})
		sale.Lines[idx].ReturnedQty += sel.Quantity
	}
	reversal.Amount = round2(amount)

	if sale.PaymentMethod == domain.PaymentAccount && sale.ClientID != "" {
		client := s.clients[sale.ClientID]
		prev := client
		client.Balance -= reversal.Amount
		s.clients[client.ID] = client
		s.clientMovements[client.ID] = append(s.clientMovements[client.ID], domain.ClientMovement{
			ID:        xid.New("cmv"),
			ClientID:  client.ID,
			Kind:      domain.ClientMovementRefund,
			Amount:    reversal.Amount,
			Reference: reversal.ID,
			Actor:     actor,
			CreatedAt: at,
		})
		s.appendAuditLocked(actor, "client.refund", "client", client.ID, snapshot(prev), snapshot(client), at)
	}

	s.sales[sale.ID] = sale
	s.reversals[sale.ID] = append(s.reversals[sale.ID], reversal)

	s.appendAuditLocked(actor, "sale.return", "sale", sale.ID, snapshot(prevSale), snapshot(sale), at)

	created := cloneReversal(reversal)
	return &created, nil
}

func (s *Store) ListReversalsBySale(_ context.Context, saleID string) ([]domain.Reversal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reversals := s.reversals[saleID]
	result := make([]domain.Reversal, 0, len(reversals))
	for _, r := range reversals {
		result = append(result, cloneReversal(r))
	}
	return result, nil
}

func (s *Store) OpenCashSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.Date == "" || session.OpeningAmount < 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.cashSessions[session.Date]; exists {
		return nil, store.ErrCashAlreadyOpen
	}

	if session.ID == "" {
		session.ID = xid.New("cash")
	}
	session.Status = domain.CashStatusOpen
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	s.cashSessions[session.Date] = session

	s.appendAuditLocked(session.OpenedBy, "cash.open", "cash_session", session.ID, "", snapshot(session), session.OpenedAt)
	created := session
	return &created, nil
}

func (s *Store) GetCashSessionByDate(_ context.Context, date string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.cashSessions[date]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySession := session
	return &copySession, nil
}

func (s *Store) CreateCashWithdrawal(_ context.Context, withdrawal domain.CashWithdrawal) (*domain.CashWithdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if withdrawal.Amount <= 0 {
		return nil, store.ErrInvalidInput
	}
	var session *domain.CashSession
	for date := range s.cashSessions {
		candidate := s.cashSessions[date]
		if candidate.ID == withdrawal.SessionID {
			session = &candidate
			break
		}
	}
	if session == nil {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.CashStatusOpen {
		return nil, store.ErrSessionNotOpen
	}

	if withdrawal.ID == "" {
		withdrawal.ID = xid.New("wdr")
	}
	if withdrawal.CreatedAt.IsZero() {
		withdrawal.CreatedAt = time.Now().UTC()
	}
	s.withdrawals[session.ID] = append(s.withdrawals[session.ID], withdrawal)

	s.appendAuditLocked(withdrawal.Actor, "cash.withdrawal", "cash_session", session.ID, "", snapshot(withdrawal), withdrawal.CreatedAt)
	created := withdrawal
	return &created, nil
}

func (s *Store) ListCashWithdrawals(_ context.Context, sessionID string) ([]domain.CashWithdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	withdrawals := s.withdrawals[sessionID]
	result := make([]domain.CashWithdrawal, len(withdrawals))
	copy(result, withdrawals)
	return result, nil
}

func (s *Store) CloseCashSession(_ context.Context, date string, closingAmount float64, expected float64, notes string, actor string, at time.Time) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.cashSessions[date]
	if !exists {
		return nil, store.ErrSessionNotOpen
	}
	if session.Status != domain.CashStatusOpen {
		return nil, store.ErrSessionNotOpen
	}
	if closingAmount < 0 {
		return nil, store.ErrInvalidInput
	}

	prev := session
	difference := round2(closingAmount - expected)
	session.Status = domain.CashStatusClosed
	session.ClosingAmount = &closingAmount
	session.Expected = &expected
	session.Difference = &difference
	session.ClosedBy = actor
	closedAt := at
	session.ClosedAt = &closedAt
	if notes != "" {
		session.Notes = strings.TrimSpace(session.Notes + "\n" + notes)
	}
	s.cashSessions[date] = session

	s.appendAuditLocked(actor, "cash.close", "cash_session", session.ID, snapshot(prev), snapshot(session), at)
	closed := session
	return &closed, nil
}

func (s *Store) CashTotalsForDate(_ context.Context, date string) (domain.CashTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totals domain.CashTotals
	for _, sale := range s.sales {
		if sale.Date != date || sale.Voided || sale.PaymentMethod != domain.PaymentCash {
			continue
		}
		net := sale.Total
		for _, r := range s.reversals[sale.ID] {
			net -= r.Amount
		}
		totals.CashSales += net
	}
	if session, exists := s.cashSessions[date]; exists {
		for _, w := range s.withdrawals[session.ID] {
			totals.Withdrawals += w.Amount
		}
	}
	for _, e := range s.expenses {
		if e.Date == date && e.PaymentMethod == domain.PaymentCash {
			totals.CashExpenses += e.Amount
		}
	}
	totals.CashSales = round2(totals.CashSales)
	totals.Withdrawals = round2(totals.Withdrawals)
	totals.CashExpenses = round2(totals.CashExpenses)
	return totals, nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expense.Amount <= 0 || expense.Date == "" {
		return nil, store.ErrInvalidInput
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	s.expenses = append(s.expenses, expense)

	s.appendAuditLocked(expense.Actor, "expense.create", "expense", expense.ID, "", snapshot(expense), expense.CreatedAt)
	created := expense
	return &created, nil
}

func (s *Store) ListExpenses(_ context.Context, from string, to string, limit int) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Expense, 0)
	for _, e := range s.expenses {
		if from != "" && e.Date < from {
			continue
		}
		if to != "" && e.Date > to {
			continue
		}
		result = append(result, e)
	}
	slices.SortFunc(result, func(a, b domain.Expense) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) AppendAudit(_ context.Context, record domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = xid.New("aud")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.auditRecords = append(s.auditRecords, record)
	return nil
}

func (s *Store) ListAuditRecords(_ context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditRecord, 0)
	for _, rec := range s.auditRecords {
		if filter.EntityType != "" && rec.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && rec.EntityID != filter.EntityID {
			continue
		}
		if filter.Actor != "" && rec.Actor != filter.Actor {
			continue
		}
		day := rec.CreatedAt.UTC().Format("2006-01-02")
		if filter.From != "" && day < filter.From {
			continue
		}
		if filter.To != "" && day > filter.To {
			continue
		}
		result = append(result, rec)
	}
	slices.SortFunc(result, func(a, b domain.AuditRecord) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) ApplyBulkPriceUpdate(_ context.Context, changes []domain.BulkPriceChange, fields []string, actor string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updateCost := slices.Contains(fields, domain.PriceFieldCost)
	updateWholesale := slices.Contains(fields, domain.PriceFieldWholesale)
	if !updateCost && !updateWholesale {
		return 0, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	updated := 0
	for _, change := range changes {
		product, exists := s.products[change.ProductID]
		if !exists {
			return 0, store.ErrNotFound
		}
		prev := product
		if updateCost {
			product.CostPrice = change.NewCostPrice
		}
		if updateWholesale {
			product.WholesalePrice = change.NewWholesalePrice
		}
		product.UpdatedAt = now
		s.products[product.ID] = product
		s.appendAuditLocked(actor, "product.bulk_price_update", "product", product.ID, snapshot(prev), snapshot(product), now)
		updated++
	}
	return updated, nil
}

func (s *Store) GetDailySummary(_ context.Context, date string) (domain.DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.DailySummary{Date: date}
	for _, sale := range s.sales {
		if sale.Date != date || sale.Voided {
			continue
		}
		summary.SalesCount++
		summary.Total += sale.Total
		if sale.PaymentMethod == domain.PaymentCash {
			summary.CashTotal += sale.Total
		}
		for _, line := range sale.Lines {
			remaining := line.Quantity - line.ReturnedQty
			summary.Profit += (line.UnitPrice - line.UnitCost) * remaining
		}
	}
	for _, e := range s.expenses {
		if e.Date == date {
			summary.Expenses += e.Amount
		}
	}
	summary.Total = round2(summary.Total)
	summary.CashTotal = round2(summary.CashTotal)
	summary.Profit = round2(summary.Profit)
	summary.Expenses = round2(summary.Expenses)
	return summary, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int { return cmpString(a.Username, b.Username) })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSale(sale domain.Sale) domain.Sale {
	copySale := sale
	copySale.Lines = make([]domain.SaleLine, len(sale.Lines))
	copy(copySale.Lines, sale.Lines)
	if sale.VoidedAt != nil {
		at := *sale.VoidedAt
		copySale.VoidedAt = &at
	}
	return copySale
}

func cloneReversal(reversal domain.Reversal) domain.Reversal {
	copyReversal := reversal
	copyReversal.Lines = make([]domain.ReversalLine, len(reversal.Lines))
	copy(copyReversal.Lines, reversal.Lines)
	return copyReversal
}

func distinctField(products map[string]domain.Product, field func(domain.Product) string) []string {
	seen := make(map[string]struct{})
	values := make([]string, 0)
	for _, p := range products {
		v := field(p)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	slices.Sort(values)
	return values
}

func round2(v float64) float64 {
	if v < 0 {
		return -round2(-v)
	}
	return float64(int64(v*100+0.5)) / 100
}

func cmpString(a, b string) int {
	return strings.Compare(a, b)
}
