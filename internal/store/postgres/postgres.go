package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"mayorista/backend/internal/domain"
	"mayorista/backend/internal/store"
	"mayorista/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, code, name, category, supplier, bulk_content, cost_price, wholesale_price, retail_margin_pct, stock, min_stock, active, created_at, updated_at`

func scanProduct(row interface{ Scan(dest ...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Category, &p.Supplier, &p.BulkContent, &p.CostPrice,
		&p.WholesalePrice, &p.RetailMarginPct, &p.Stock, &p.MinStock, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products ORDER BY category, name`
	if !includeInactive {
		query = `SELECT ` + productColumns + ` FROM products WHERE active = true ORDER BY category, name`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductByCode(ctx context.Context, code string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Code == "" || product.Name == "" || product.BulkContent <= 0 {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	product.Active = true
	product.CreatedAt = now
	product.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, code, name, category, supplier, bulk_content, cost_price, wholesale_price, retail_margin_pct, stock, min_stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
	`, product.ID, product.Code, product.Name, product.Category, product.Supplier, product.BulkContent,
		product.CostPrice, product.WholesalePrice, product.RetailMarginPct, product.Stock, product.MinStock,
		product.Active, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	if err := insertAudit(ctx, tx, "system", "product.create", "product", product.ID, "", toJSON(product), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product, actor string) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.BulkContent <= 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, product.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	product.Code = prev.Code
	product.Stock = prev.Stock
	product.CreatedAt = prev.CreatedAt
	product.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, supplier = $4, bulk_content = $5, cost_price = $6,
		    wholesale_price = $7, retail_margin_pct = $8, min_stock = $9, active = $10, updated_at = $11
		WHERE id = $1
	`, product.ID, product.Name, product.Category, product.Supplier, product.BulkContent, product.CostPrice,
		product.WholesalePrice, product.RetailMarginPct, product.MinStock, product.Active, now)
	if err != nil {
		return nil, err
	}

	if err := insertAudit(ctx, tx, actor, "product.update", "product", product.ID, toJSON(prev), toJSON(product), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	updated := product
	return &updated, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]string, error) {
	return s.listDistinct(ctx, `SELECT DISTINCT category FROM products WHERE category <> '' ORDER BY category`)
}

func (s *Store) ListSuppliers(ctx context.Context) ([]string, error) {
	return s.listDistinct(ctx, `SELECT DISTINCT supplier FROM products WHERE supplier <> '' ORDER BY supplier`)
}

func (s *Store) listDistinct(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func (s *Store) ListLowStockProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND stock <= min_stock
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) CreateFraction(ctx context.Context, fraction domain.Fraction) (*domain.Fraction, error) {
	if fraction.ProductID == "" || fraction.Quantity <= 0 {
		return nil, store.ErrInvalidInput
	}
	if fraction.ID == "" {
		fraction.ID = xid.New("frac")
	}
	fraction.Active = true

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, fraction.ProductID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fractions (id, product_id, name, quantity, fixed_price, active)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, fraction.ID, fraction.ProductID, fraction.Name, fraction.Quantity, fraction.FixedPrice, fraction.Active)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := insertAudit(ctx, tx, "system", "fraction.create", "fraction", fraction.ID, "", toJSON(fraction), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	created := fraction
	return &created, nil
}

func (s *Store) GetFractionByID(ctx context.Context, id string) (*domain.Fraction, error) {
	var f domain.Fraction
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, name, quantity, fixed_price, active FROM fractions WHERE id = $1
	`, id).Scan(&f.ID, &f.ProductID, &f.Name, &f.Quantity, &f.FixedPrice, &f.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

func (s *Store) ListFractionsByProduct(ctx context.Context, productID string) ([]domain.Fraction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, name, quantity, fixed_price, active
		FROM fractions
		WHERE product_id = $1 AND active = true
		ORDER BY quantity, id
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fractions := make([]domain.Fraction, 0)
	for rows.Next() {
		var f domain.Fraction
		if err := rows.Scan(&f.ID, &f.ProductID, &f.Name, &f.Quantity, &f.FixedPrice, &f.Active); err != nil {
			return nil, err
		}
		fractions = append(fractions, f)
	}
	return fractions, rows.Err()
}

func (s *Store) UpdateFraction(ctx context.Context, fraction domain.Fraction) (*domain.Fraction, error) {
	if fraction.ID == "" || fraction.Quantity <= 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev domain.Fraction
	err = tx.QueryRowContext(ctx, `
		SELECT id, product_id, name, quantity, fixed_price, active FROM fractions WHERE id = $1 FOR UPDATE
	`, fraction.ID).Scan(&prev.ID, &prev.ProductID, &prev.Name, &prev.Quantity, &prev.FixedPrice, &prev.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	fraction.ProductID = prev.ProductID
	_, err = tx.ExecContext(ctx, `
		UPDATE fractions SET name = $2, quantity = $3, fixed_price = $4, active = $5 WHERE id = $1
	`, fraction.ID, fraction.Name, fraction.Quantity, fraction.FixedPrice, fraction.Active)
	if err != nil {
		return nil, err
	}

	if err := insertAudit(ctx, tx, "system", "fraction.update", "fraction", fraction.ID, toJSON(prev), toJSON(fraction), time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	updated := fraction
	return &updated, nil
}

const clientColumns = `id, name, phone, discount_pct, balance, active, created_at`

func scanClient(row interface{ Scan(dest ...any) error }) (domain.Client, error) {
	var c domain.Client
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.DiscountPct, &c.Balance, &c.Active, &c.CreatedAt)
	if err != nil {
		return domain.Client{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *Store) CreateClient(ctx context.Context, client domain.Client) (*domain.Client, error) {
	if client.Name == "" || client.DiscountPct < 0 || client.DiscountPct > 100 {
		return nil, store.ErrInvalidInput
	}
	if client.ID == "" {
		client.ID = xid.New("cli")
	}
	now := time.Now().UTC()
	client.Active = true
	client.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO clients (id, name, phone, discount_pct, balance, active, created_at)
		VALUES ($1,$2,$3,$4,0,$5,$6)
	`, client.ID, client.Name, client.Phone, client.DiscountPct, client.Active, now)
	if err != nil {
		return nil, err
	}

	if err := insertAudit(ctx, tx, "system", "client.create", "client", client.ID, "", toJSON(client), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	created := client
	return &created, nil
}

func (s *Store) GetClientByID(ctx context.Context, id string) (*domain.Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListClients(ctx context.Context, includeInactive bool) ([]domain.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients ORDER BY name`
	if !includeInactive {
		query = `SELECT ` + clientColumns + ` FROM clients WHERE active = true ORDER BY name`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := make([]domain.Client, 0)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (s *Store) UpdateClient(ctx context.Context, client domain.Client) (*domain.Client, error) {
	if client.ID == "" || client.Name == "" || client.DiscountPct < 0 || client.DiscountPct > 100 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanClient(tx.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1 FOR UPDATE`, client.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	client.Balance = prev.Balance
	client.CreatedAt = prev.CreatedAt
	_, err = tx.ExecContext(ctx, `
		UPDATE clients SET name = $2, phone = $3, discount_pct = $4, active = $5 WHERE id = $1
	`, client.ID, client.Name, client.Phone, client.DiscountPct, client.Active)
	if err != nil {
		return nil, err
	}

	if err := insertAudit(ctx, tx, "system", "client.update", "client", client.ID, toJSON(prev), toJSON(client), time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	updated := client
	return &updated, nil
}

func (s *Store) ApplyClientPayment(ctx context.Context, movement domain.ClientMovement) (*domain.Client, error) {
	if movement.ClientID == "" || movement.Amount <= 0 {
		return nil, store.ErrInvalidInput
	}
	var delta float64
	switch movement.Kind {
	case domain.ClientMovementCharge:
		delta = movement.Amount
	case domain.ClientMovementPayment, domain.ClientMovementRefund:
		delta = -movement.Amount
	default:
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanClient(tx.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1 FOR UPDATE`, movement.ClientID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	updated := prev
	updated.Balance += delta

	_, err = tx.ExecContext(ctx, `UPDATE clients SET balance = balance + $2 WHERE id = $1`, movement.ClientID, delta)
	if err != nil {
		return nil, err
	}

	if movement.ID == "" {
		movement.ID = xid.New("cmv")
	}
	movement.CreatedAt = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO client_movements (id, client_id, kind, amount, reference, note, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, movement.ClientID, movement.Kind, movement.Amount, nullIfEmpty(movement.Reference), movement.Note, movement.Actor, now)
	if err != nil {
		return nil, err
	}

	if err := insertAudit(ctx, tx, movement.Actor, "client."+movement.Kind, "client", movement.ClientID, toJSON(prev), toJSON(updated), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	return &updated, nil
}

func (s *Store) ListClientMovements(ctx context.Context, clientID string, limit int) ([]domain.ClientMovement, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, kind, amount, COALESCE(reference, ''), note, actor, created_at
		FROM client_movements
		WHERE client_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.ClientMovement, 0, limit)
	for rows.Next() {
		var m domain.ClientMovement
		if err := rows.Scan(&m.ID, &m.ClientID, &m.Kind, &m.Amount, &m.Reference, &m.Note, &m.Actor, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) UpsertSpecialPrice(ctx context.Context, price domain.SpecialPrice) (*domain.SpecialPrice, error) {
	if price.ClientID == "" || price.ProductID == "" || price.Price < 0 {
		return nil, store.ErrInvalidInput
	}
	if price.ID == "" {
		price.ID = xid.New("sp")
	}
	now := time.Now().UTC()
	price.Active = true
	price.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// One active entry per (client, product): the partial unique index on
	// (client_id, product_id) WHERE active makes the upsert race-safe.
	res, err := tx.ExecContext(ctx, `
		UPDATE special_prices SET price = $3, created_at = $4
		WHERE client_id = $1 AND product_id = $2 AND active = true
	`, price.ClientID, price.ProductID, price.Price, now)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO special_prices (id, client_id, product_id, price, active, created_at)
			VALUES ($1,$2,$3,$4,true,$5)
		`, price.ID, price.ClientID, price.ProductID, price.Price, now)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, store.ErrConflict
			}
			return nil, err
		}
	}

	if err := insertAudit(ctx, tx, "system", "special_price.upsert", "special_price", price.ID, "", toJSON(price), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	created := price
	return &created, nil
}

func (s *Store) GetActiveSpecialPrice(ctx context.Context, clientID string, productID string) (*domain.SpecialPrice, error) {
	var sp domain.SpecialPrice
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, product_id, price, active, created_at
		FROM special_prices
		WHERE client_id = $1 AND product_id = $2 AND active = true
	`, clientID, productID).Scan(&sp.ID, &sp.ClientID, &sp.ProductID, &sp.Price, &sp.Active, &sp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sp, nil
}

func (s *Store) ListSpecialPricesByClient(ctx context.Context, clientID string) ([]domain.SpecialPrice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, product_id, price, active, created_at
		FROM special_prices
		WHERE client_id = $1 AND active = true
		ORDER BY product_id
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prices := make([]domain.SpecialPrice, 0)
	for rows.Next() {
		var sp domain.SpecialPrice
		if err := rows.Scan(&sp.ID, &sp.ClientID, &sp.ProductID, &sp.Price, &sp.Active, &sp.CreatedAt); err != nil {
			return nil, err
		}
		prices = append(prices, sp)
	}
	return prices, rows.Err()
}

func (s *Store) DeactivateSpecialPrice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE special_prices SET active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AdjustStock(ctx context.Context, req domain.StockAdjustRequest, actor string) (*domain.StockAdjustResponse, error) {
	if req.ProductID == "" || req.Quantity == 0 {
		return nil, store.ErrInvalidInput
	}
	if req.Kind != domain.MovementEntry && req.Kind != domain.MovementAdjustment {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, req.ProductID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	newStock := prev.Stock + req.Quantity
	if newStock < 0 && !req.Force {
		return nil, store.ErrInsufficientStock
	}

	now := time.Now().UTC()
	product := prev
	product.Stock = newStock
	product.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `UPDATE products SET stock = $2, updated_at = $3 WHERE id = $1`, product.ID, newStock, now)
	if err != nil {
		return nil, err
	}

	movement := domain.StockMovement{
		ID:        xid.New("mov"),
		ProductID: product.ID,
		Quantity:  req.Quantity,
		Kind:      req.Kind,
		Reason:    req.Reason,
		Actor:     actor,
		CreatedAt: now,
	}
	if err := insertMovement(ctx, tx, movement); err != nil {
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "stock."+req.Kind, "product", product.ID, toJSON(prev), toJSON(product), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	return &domain.StockAdjustResponse{
		Product:  product,
		Movement: movement,
		LowStock: newStock <= product.MinStock,
	}, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}

	query := `
		SELECT id, product_id, quantity, kind, COALESCE(reference, ''), reason, actor, created_at
		FROM stock_movements
		ORDER BY created_at DESC, id DESC
		LIMIT $1`
	args := []any{limit}
	if productID != "" {
		query = `
		SELECT id, product_id, quantity, kind, COALESCE(reference, ''), reason, actor, created_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
		args = []any{productID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Quantity, &m.Kind, &m.Reference, &m.Reason, &m.Actor, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) SumStockMovements(ctx context.Context, productID string) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM stock_movements WHERE product_id = $1
	`, productID).Scan(&sum)
	return sum, err
}

func (s *Store) SoldQuantitySince(ctx context.Context, since time.Time) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, COALESCE(SUM(-quantity), 0)
		FROM stock_movements
		WHERE kind = $1 AND created_at >= $2
		GROUP BY product_id
	`, domain.MovementSale, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sold := make(map[string]float64)
	for rows.Next() {
		var productID string
		var qty float64
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		sold[productID] = qty
	}
	return sold, rows.Err()
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 || sale.Date == "" || sale.Actor == "" {
		return nil, store.ErrInvalidInput
	}
	if sale.PaymentMethod == domain.PaymentAccount && sale.ClientID == "" {
		return nil, store.ErrInvalidInput
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	now := sale.CreatedAt

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var sessionStatus string
	err = tx.QueryRowContext(ctx, `SELECT status FROM cash_sessions WHERE date = $1`, sale.Date).Scan(&sessionStatus)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && sessionStatus != domain.CashStatusOpen) {
		return nil, store.ErrCashClosed
	}
	if err != nil {
		return nil, err
	}

	// Lock and debit every product; the per-product debit aggregates fraction
	// quantities into bulk units.
	type debitLine struct {
		idx   int
		debit float64
	}
	debits := make([]debitLine, 0, len(sale.Lines))
	perProduct := make(map[string]float64)
	for i := range sale.Lines {
		line := &sale.Lines[i]
		if line.Quantity <= 0 {
			return nil, store.ErrInvalidInput
		}
		debit := line.Quantity
		if line.FractionID != "" {
			var fractionProductID string
			var fractionQty float64
			err := tx.QueryRowContext(ctx, `SELECT product_id, quantity FROM fractions WHERE id = $1`, line.FractionID).
				Scan(&fractionProductID, &fractionQty)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && fractionProductID != line.ProductID) {
				return nil, store.ErrInvalidPriceInput
			}
			if err != nil {
				return nil, err
			}
			debit = fractionQty * line.Quantity
		}
		debits = append(debits, debitLine{idx: i, debit: debit})
		perProduct[line.ProductID] += debit
	}

	for productID, debit := range perProduct {
		prev, err := scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if !prev.Active {
			return nil, store.ErrInvalidPriceInput
		}
		if prev.Stock-debit < 0 {
			return nil, store.ErrInsufficientStock
		}

		updated := prev
		updated.Stock = prev.Stock - debit
		updated.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `UPDATE products SET stock = stock - $2, updated_at = $3 WHERE id = $1`, productID, debit, now)
		if err != nil {
			return nil, err
		}
		if err := insertAudit(ctx, tx, sale.Actor, "stock.sale", "product", productID, toJSON(prev), toJSON(updated), now); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, date, channel, payment_method, client_id, actor, total, voided, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,false,$8)
	`, sale.ID, sale.Date, sale.Channel, sale.PaymentMethod, nullIfEmpty(sale.ClientID), sale.Actor, sale.Total, now)
	if err != nil {
		return nil, err
	}

	for i := range sale.Lines {
		line := &sale.Lines[i]
		if line.ID == "" {
			line.ID = xid.New("line")
		}
		line.SaleID = sale.ID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, product_id, fraction_id, quantity, unit_price, unit_cost, returned_qty)
			VALUES ($1,$2,$3,$4,$5,$6,$7,0)
		`, line.ID, sale.ID, line.ProductID, nullIfEmpty(line.FractionID), line.Quantity, line.UnitPrice, line.UnitCost)
		if err != nil {
			return nil, err
		}
	}

	for _, d := range debits {
		line := sale.Lines[d.idx]
		if err := insertMovement(ctx, tx, domain.StockMovement{
			ID:        xid.New("mov"),
			ProductID: line.ProductID,
			Quantity:  -d.debit,
			Kind:      domain.MovementSale,
			Reference: sale.ID,
			Actor:     sale.Actor,
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
	}

	if sale.PaymentMethod == domain.PaymentAccount {
		if err := chargeClientTx(ctx, tx, sale.ClientID, sale.Total, sale.ID, sale.Actor, domain.ClientMovementCharge, now); err != nil {
			return nil, err
		}
	}

	if err := insertAudit(ctx, tx, sale.Actor, "sale.create", "sale", sale.ID, "", toJSON(sale), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	created := sale
	return &created, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := s.getSale(ctx, s.db.QueryRowContext, id)
	if err != nil {
		return nil, err
	}
	lines, err := s.listSaleLines(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	sale.Lines = lines[id]
	return sale, nil
}

type rowQuerier func(ctx context.Context, query string, args ...any) *sql.Row

func (s *Store) getSale(ctx context.Context, queryRow rowQuerier, id string) (*domain.Sale, error) {
	var sale domain.Sale
	err := queryRow(ctx, `
		SELECT id, date, channel, payment_method, COALESCE(client_id, ''), actor, total, voided, COALESCE(void_reason, ''), voided_at, created_at
		FROM sales WHERE id = $1
	`, id).Scan(&sale.ID, &sale.Date, &sale.Channel, &sale.PaymentMethod, &sale.ClientID, &sale.Actor,
		&sale.Total, &sale.Voided, &sale.VoidReason, &sale.VoidedAt, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) listSaleLines(ctx context.Context, saleIDs []string) (map[string][]domain.SaleLine, error) {
	result := make(map[string][]domain.SaleLine, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, COALESCE(fraction_id, ''), quantity, unit_price, unit_cost, returned_qty
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY id
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.FractionID, &line.Quantity, &line.UnitPrice, &line.UnitCost, &line.ReturnedQty); err != nil {
			return nil, err
		}
		result[line.SaleID] = append(result[line.SaleID], line)
	}
	return result, rows.Err()
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 4)
	add := func(cond string, val any) {
		args = append(args, val)
		conditions = append(conditions, strings.Replace(cond, "?", placeholder(len(args)), 1))
	}
	if filter.From != "" {
		add("date >= ?", filter.From)
	}
	if filter.To != "" {
		add("date <= ?", filter.To)
	}
	if filter.ClientID != "" {
		add("client_id = ?", filter.ClientID)
	}
	if filter.Voided != nil {
		add("voided = ?", *filter.Voided)
	}

	query := `
		SELECT id, date, channel, payment_method, COALESCE(client_id, ''), actor, total, voided, COALESCE(void_reason, ''), voided_at, created_at
		FROM sales`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	limit := filter.Limit
	if limit < 1 {
		limit = 200
	}
	args = append(args, limit)
	query += " LIMIT " + placeholder(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.Date, &sale.Channel, &sale.PaymentMethod, &sale.ClientID, &sale.Actor,
			&sale.Total, &sale.Voided, &sale.VoidReason, &sale.VoidedAt, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	linesBySale, err := s.listSaleLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Lines = linesBySale[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) VoidSale(ctx context.Context, saleID string, reason string, actor string, at time.Time) (*domain.Reversal, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, lines, err := lockSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.Voided {
		return nil, store.ErrAlreadyVoided
	}

	var returnedAmount float64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM reversals WHERE sale_id = $1`, saleID).Scan(&returnedAmount)
	if err != nil {
		return nil, err
	}

	reversal := domain.Reversal{
		ID:        xid.New("rev"),
		SaleID:    saleID,
		Kind:      domain.ReversalKindVoid,
		Amount:    round2(sale.Total - returnedAmount),
		Reason:    reason,
		Actor:     actor,
		CreatedAt: at,
	}

	for _, line := range lines {
		remaining := line.Quantity - line.ReturnedQty
		if remaining <= 0 {
			continue
		}
		credit, err := bulkCredit(ctx, tx, line, remaining)
		if err != nil {
			return nil, err
		}
		if err := creditProduct(ctx, tx, line.ProductID, credit, reversal.ID, reason, actor, at); err != nil {
			return nil, err
		}
		reversal.Lines = append(reversal.Lines, domain.ReversalLine{
			LineID:    line.ID,
			ProductID: line.ProductID,
			Quantity:  remaining,
			Amount:    round2(remaining * line.UnitPrice),
		})
		_, err = tx.ExecContext(ctx, `UPDATE sale_lines SET returned_qty = quantity WHERE id = $1`, line.ID)
		if err != nil {
			return nil, err
		}
	}

	if sale.PaymentMethod == domain.PaymentAccount && sale.ClientID != "" && reversal.Amount > 0 {
		if err := chargeClientTx(ctx, tx, sale.ClientID, reversal.Amount, reversal.ID, actor, domain.ClientMovementRefund, at); err != nil {
			return nil, err
		}
	}

	prevSale := *sale
	sale.Voided = true
	sale.VoidReason = reason
	voidedAt := at
	sale.VoidedAt = &voidedAt
	_, err = tx.ExecContext(ctx, `UPDATE sales SET voided = true, void_reason = $2, voided_at = $3 WHERE id = $1`, saleID, reason, at)
	if err != nil {
		return nil, err
	}

	if err := insertReversal(ctx, tx, reversal); err != nil {
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "sale.void", "sale", saleID, toJSON(prevSale), toJSON(*sale), at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	created := reversal
	return &created, nil
}

func (s *Store) ReturnSaleLines(ctx context.Context, saleID string, selections []domain.ReturnSelection, reason string, actor string, at time.Time) (*domain.Reversal, error) {
	if len(selections) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, lines, err := lockSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.Voided {
		return nil, store.ErrInvalidReturnQuantity
	}

	linesByID := make(map[string]domain.SaleLine, len(lines))
	for _, line := range lines {
		linesByID[line.ID] = line
	}
	// Sum requested quantities per line before checking the cumulative cap,
	// so duplicate line references in one request cannot over-credit.
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
		line := linesByID[lineID]
		if total > line.Quantity-line.ReturnedQty {
			return nil, store.ErrInvalidReturnQuantity
		}
	}

	prevSale := *sale
	reversal := domain.Reversal{
		ID:        xid.New("rev"),
		SaleID:    saleID,
		Kind:      domain.ReversalKindReturn,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: at,
	}

	var amount float64
	for _, sel := range selections {
		line := linesByID[sel.LineID]
		credit, err := bulkCredit(ctx, tx, line, sel.Quantity)
		if err != nil {
			return nil, err
		}
		if err := creditProduct(ctx, tx, line.ProductID, credit, reversal.ID, reason, actor, at); err != nil {
			return nil, err
		}

		lineAmount := round2(sel.Quantity * line.UnitPrice)
		amount += lineAmount
		reversal.Lines = append(reversal.Lines, domain.ReversalLine{
			LineID:    line.ID,
			ProductID: line.ProductID,
			Quantity:  sel.Quantity,
			Amount:    lineAmount,
		})

		_, err = tx.ExecContext(ctx, `UPDATE sale_lines SET returned_qty = returned_qty + $2 WHERE id = $1`, line.ID, sel.Quantity)
		if err != nil {
			return nil, err
		}
	}
	reversal.Amount = round2(amount)

	if sale.PaymentMethod == domain.PaymentAccount && sale.ClientID != "" {
		if err := chargeClientTx(ctx, tx, sale.ClientID, reversal.Amount, reversal.ID, actor, domain.ClientMovementRefund, at); err != nil {
			return nil, err
		}
	}

	if err := insertReversal(ctx, tx, reversal); err != nil {
		return nil, err
	}
	if err := insertAudit(ctx, tx, actor, "sale.return", "sale", saleID, toJSON(prevSale), toJSON(*sale), at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	created := reversal
	return &created, nil
}

func (s *Store) ListReversalsBySale(ctx context.Context, saleID string) ([]domain.Reversal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, kind, amount, reason, actor, created_at
		FROM reversals
		WHERE sale_id = $1
		ORDER BY created_at, id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reversals := make([]domain.Reversal, 0)
	ids := make([]string, 0)
	for rows.Next() {
		var r domain.Reversal
		if err := rows.Scan(&r.ID, &r.SaleID, &r.Kind, &r.Amount, &r.Reason, &r.Actor, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		reversals = append(reversals, r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return reversals, nil
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT reversal_id, line_id, product_id, quantity, amount
		FROM reversal_lines
		WHERE reversal_id = ANY($1)
		ORDER BY line_id
	`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	linesByReversal := make(map[string][]domain.ReversalLine)
	for lineRows.Next() {
		var reversalID string
		var line domain.ReversalLine
		if err := lineRows.Scan(&reversalID, &line.LineID, &line.ProductID, &line.Quantity, &line.Amount); err != nil {
			return nil, err
		}
		linesByReversal[reversalID] = append(linesByReversal[reversalID], line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}
	for i := range reversals {
		reversals[i].Lines = linesByReversal[reversals[i].ID]
	}
	return reversals, nil
}

func (s *Store) OpenCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.Date == "" || session.OpeningAmount < 0 {
		return nil, store.ErrInvalidInput
	}
	if session.ID == "" {
		session.ID = xid.New("cash")
	}
	session.Status = domain.CashStatusOpen
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_sessions (id, date, status, opening_amount, opened_by, notes, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, session.ID, session.Date, session.Status, session.OpeningAmount, session.OpenedBy, session.Notes, session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrCashAlreadyOpen
		}
		return nil, err
	}

	if err := insertAudit(ctx, tx, session.OpenedBy, "cash.open", "cash_session", session.ID, "", toJSON(session), session.OpenedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	created := session
	return &created, nil
}

func (s *Store) GetCashSessionByDate(ctx context.Context, date string) (*domain.CashSession, error) {
	var session domain.CashSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, date, status, opening_amount, closing_amount, expected, difference, opened_by, COALESCE(closed_by, ''), notes, opened_at, closed_at
		FROM cash_sessions WHERE date = $1
	`, date).Scan(&session.ID, &session.Date, &session.Status, &session.OpeningAmount, &session.ClosingAmount,
		&session.Expected, &session.Difference, &session.OpenedBy, &session.ClosedBy, &session.Notes,
		&session.OpenedAt, &session.ClosedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	return &session, nil
}

func (s *Store) CreateCashWithdrawal(ctx context.Context, withdrawal domain.CashWithdrawal) (*domain.CashWithdrawal, error) {
	if withdrawal.SessionID == "" || withdrawal.Amount <= 0 {
		return nil, store.ErrInvalidInput
	}
	if withdrawal.ID == "" {
		withdrawal.ID = xid.New("wdr")
	}
	if withdrawal.CreatedAt.IsZero() {
		withdrawal.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM cash_sessions WHERE id = $1 FOR UPDATE`, withdrawal.SessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.CashStatusOpen {
		return nil, store.ErrSessionNotOpen
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_withdrawals (id, session_id, amount, reason, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, withdrawal.ID, withdrawal.SessionID, withdrawal.Amount, withdrawal.Reason, withdrawal.Actor, withdrawal.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := insertAudit(ctx, tx, withdrawal.Actor, "cash.withdrawal", "cash_session", withdrawal.SessionID, "", toJSON(withdrawal), withdrawal.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	created := withdrawal
	return &created, nil
}

func (s *Store) ListCashWithdrawals(ctx context.Context, sessionID string) ([]domain.CashWithdrawal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, amount, reason, actor, created_at
		FROM cash_withdrawals
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	withdrawals := make([]domain.CashWithdrawal, 0)
	for rows.Next() {
		var w domain.CashWithdrawal
		if err := rows.Scan(&w.ID, &w.SessionID, &w.Amount, &w.Reason, &w.Actor, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.CreatedAt = w.CreatedAt.UTC()
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}

func (s *Store) CloseCashSession(ctx context.Context, date string, closingAmount float64, expected float64, notes string, actor string, at time.Time) (*domain.CashSession, error) {
	if closingAmount < 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var session domain.CashSession
	err = tx.QueryRowContext(ctx, `
		SELECT id, date, status, opening_amount, closing_amount, expected, difference, opened_by, COALESCE(closed_by, ''), notes, opened_at, closed_at
		FROM cash_sessions WHERE date = $1 FOR UPDATE
	`, date).Scan(&session.ID, &session.Date, &session.Status, &session.OpeningAmount, &session.ClosingAmount,
		&session.Expected, &session.Difference, &session.OpenedBy, &session.ClosedBy, &session.Notes,
		&session.OpenedAt, &session.ClosedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSessionNotOpen
		}
		return nil, err
	}
	if session.Status != domain.CashStatusOpen {
		return nil, store.ErrSessionNotOpen
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

	_, err = tx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET status = $2, closing_amount = $3, expected = $4, difference = $5, closed_by = $6, notes = $7, closed_at = $8
		WHERE date = $1
	`, date, session.Status, closingAmount, expected, difference, actor, session.Notes, at)
	if err != nil {
		return nil, err
	}

	if err := insertAudit(ctx, tx, actor, "cash.close", "cash_session", session.ID, toJSON(prev), toJSON(session), at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	closed := session
	return &closed, nil
}

func (s *Store) CashTotalsForDate(ctx context.Context, date string) (domain.CashTotals, error) {
	var totals domain.CashTotals

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(s.total - COALESCE(r.amount, 0)), 0)
		FROM sales s
		LEFT JOIN (
			SELECT sale_id, SUM(amount) AS amount FROM reversals GROUP BY sale_id
		) r ON r.sale_id = s.id
		WHERE s.date = $1 AND s.voided = false AND s.payment_method = $2
	`, date, domain.PaymentCash).Scan(&totals.CashSales)
	if err != nil {
		return domain.CashTotals{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(w.amount), 0)
		FROM cash_withdrawals w
		JOIN cash_sessions cs ON cs.id = w.session_id
		WHERE cs.date = $1
	`, date).Scan(&totals.Withdrawals)
	if err != nil {
		return domain.CashTotals{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM expenses WHERE date = $1 AND payment_method = $2
	`, date, domain.PaymentCash).Scan(&totals.CashExpenses)
	if err != nil {
		return domain.CashTotals{}, err
	}

	totals.CashSales = round2(totals.CashSales)
	totals.Withdrawals = round2(totals.Withdrawals)
	totals.CashExpenses = round2(totals.CashExpenses)
	return totals, nil
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if expense.Amount <= 0 || expense.Date == "" {
		return nil, store.ErrInvalidInput
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO expenses (id, date, amount, category, description, payment_method, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, expense.ID, expense.Date, expense.Amount, expense.Category, expense.Description, expense.PaymentMethod, expense.Actor, expense.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := insertAudit(ctx, tx, expense.Actor, "expense.create", "expense", expense.ID, "", toJSON(expense), expense.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, txErr(err)
	}

	created := expense
	return &created, nil
}

func (s *Store) ListExpenses(ctx context.Context, from string, to string, limit int) ([]domain.Expense, error) {
	if limit < 1 {
		limit = 200
	}
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if from != "" {
		args = append(args, from)
		conditions = append(conditions, "date >= "+placeholder(len(args)))
	}
	if to != "" {
		args = append(args, to)
		conditions = append(conditions, "date <= "+placeholder(len(args)))
	}

	query := `SELECT id, date, amount, category, description, payment_method, actor, created_at FROM expenses`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC, id DESC LIMIT " + placeholder(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, limit)
	for rows.Next() {
		var e domain.Expense
		if err := rows.Scan(&e.ID, &e.Date, &e.Amount, &e.Category, &e.Description, &e.PaymentMethod, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, record domain.AuditRecord) error {
	if record.ID == "" {
		record.ID = xid.New("aud")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, actor, action, entity_type, entity_id, before, after, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, record.ID, record.Actor, record.Action, record.EntityType, record.EntityID, record.Before, record.After, record.CreatedAt)
	return err
}

func (s *Store) ListAuditRecords(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if filter.From != "" {
		args = append(args, filter.From)
		conditions = append(conditions, "created_at::date >= "+placeholder(len(args))+"::date")
	}
	if filter.To != "" {
		args = append(args, filter.To)
		conditions = append(conditions, "created_at::date <= "+placeholder(len(args))+"::date")
	}
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		conditions = append(conditions, "entity_type = "+placeholder(len(args)))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		conditions = append(conditions, "entity_id = "+placeholder(len(args)))
	}
	if filter.Actor != "" {
		args = append(args, filter.Actor)
		conditions = append(conditions, "actor = "+placeholder(len(args)))
	}

	query := `SELECT id, actor, action, entity_type, entity_id, before, after, created_at FROM audit_records`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 200
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC, id DESC LIMIT " + placeholder(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.AuditRecord, 0, limit)
	for rows.Next() {
		var r domain.AuditRecord
		if err := rows.Scan(&r.ID, &r.Actor, &r.Action, &r.EntityType, &r.EntityID, &r.Before, &r.After, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) ApplyBulkPriceUpdate(ctx context.Context, changes []domain.BulkPriceChange, fields []string, actor string) (int, error) {
	updateCost := contains(fields, domain.PriceFieldCost)
	updateWholesale := contains(fields, domain.PriceFieldWholesale)
	if !updateCost && !updateWholesale {
		return 0, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	updated := 0
	for _, change := range changes {
		prev, err := scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, change.ProductID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, store.ErrNotFound
			}
			return 0, err
		}

		next := prev
		if updateCost {
			next.CostPrice = change.NewCostPrice
		}
		if updateWholesale {
			next.WholesalePrice = change.NewWholesalePrice
		}
		next.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			UPDATE products SET cost_price = $2, wholesale_price = $3, updated_at = $4 WHERE id = $1
		`, change.ProductID, next.CostPrice, next.WholesalePrice, now)
		if err != nil {
			return 0, err
		}
		if err := insertAudit(ctx, tx, actor, "product.bulk_price_update", "product", change.ProductID, toJSON(prev), toJSON(next), now); err != nil {
			return 0, err
		}
		updated++
	}

	if err := tx.Commit(); err != nil {
		return 0, txErr(err)
	}
	return updated, nil
}

func (s *Store) GetDailySummary(ctx context.Context, date string) (domain.DailySummary, error) {
	summary := domain.DailySummary{Date: date}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(total), 0),
		       COALESCE(SUM(total) FILTER (WHERE payment_method = $2), 0)
		FROM sales
		WHERE date = $1 AND voided = false
	`, date, domain.PaymentCash).Scan(&summary.SalesCount, &summary.Total, &summary.CashTotal)
	if err != nil {
		return domain.DailySummary{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM((l.unit_price - l.unit_cost) * (l.quantity - l.returned_qty)), 0)
		FROM sale_lines l
		JOIN sales s ON s.id = l.sale_id
		WHERE s.date = $1 AND s.voided = false
	`, date).Scan(&summary.Profit)
	if err != nil {
		return domain.DailySummary{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM expenses WHERE date = $1
	`, date).Scan(&summary.Expenses)
	if err != nil {
		return domain.DailySummary{}, err
	}

	summary.Total = round2(summary.Total)
	summary.CashTotal = round2(summary.CashTotal)
	summary.Profit = round2(summary.Profit)
	summary.Expenses = round2(summary.Expenses)
	return summary, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" {
		return store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at FROM users ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// lockSale loads a sale and its lines with the sale row locked for update.
func lockSale(ctx context.Context, tx *sql.Tx, saleID string) (*domain.Sale, []domain.SaleLine, error) {
	var sale domain.Sale
	err := tx.QueryRowContext(ctx, `
		SELECT id, date, channel, payment_method, COALESCE(client_id, ''), actor, total, voided, COALESCE(void_reason, ''), voided_at, created_at
		FROM sales WHERE id = $1 FOR UPDATE
	`, saleID).Scan(&sale.ID, &sale.Date, &sale.Channel, &sale.PaymentMethod, &sale.ClientID, &sale.Actor,
		&sale.Total, &sale.Voided, &sale.VoidReason, &sale.VoidedAt, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, sale_id, product_id, COALESCE(fraction_id, ''), quantity, unit_price, unit_cost, returned_qty
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id
		FOR UPDATE
	`, saleID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.FractionID, &line.Quantity, &line.UnitPrice, &line.UnitCost, &line.ReturnedQty); err != nil {
			return nil, nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	sale.Lines = lines
	return &sale, lines, nil
}

func bulkCredit(ctx context.Context, tx *sql.Tx, line domain.SaleLine, qty float64) (float64, error) {
	if line.FractionID == "" {
		return qty, nil
	}
	var fractionQty float64
	err := tx.QueryRowContext(ctx, `SELECT quantity FROM fractions WHERE id = $1`, line.FractionID).Scan(&fractionQty)
	if err != nil {
		return 0, err
	}
	return fractionQty * qty, nil
}

func creditProduct(ctx context.Context, tx *sql.Tx, productID string, credit float64, reference string, reason string, actor string, at time.Time) error {
	prev, err := scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	next := prev
	next.Stock = prev.Stock + credit
	next.UpdatedAt = at
	_, err = tx.ExecContext(ctx, `UPDATE products SET stock = stock + $2, updated_at = $3 WHERE id = $1`, productID, credit, at)
	if err != nil {
		return err
	}

	if err := insertMovement(ctx, tx, domain.StockMovement{
		ID:        xid.New("mov"),
		ProductID: productID,
		Quantity:  credit,
		Kind:      domain.MovementReturn,
		Reference: reference,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: at,
	}); err != nil {
		return err
	}
	return insertAudit(ctx, tx, actor, "stock.return", "product", productID, toJSON(prev), toJSON(next), at)
}

func chargeClientTx(ctx context.Context, tx *sql.Tx, clientID string, amount float64, reference string, actor string, kind string, at time.Time) error {
	prev, err := scanClient(tx.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1 FOR UPDATE`, clientID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	delta := amount
	if kind != domain.ClientMovementCharge {
		delta = -amount
	}
	next := prev
	next.Balance = prev.Balance + delta

	_, err = tx.ExecContext(ctx, `UPDATE clients SET balance = balance + $2 WHERE id = $1`, clientID, delta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO client_movements (id, client_id, kind, amount, reference, note, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,'',$6,$7)
	`, xid.New("cmv"), clientID, kind, amount, reference, actor, at)
	if err != nil {
		return err
	}
	return insertAudit(ctx, tx, actor, "client."+kind, "client", clientID, toJSON(prev), toJSON(next), at)
}

func insertMovement(ctx context.Context, tx *sql.Tx, movement domain.StockMovement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, quantity, kind, reference, reason, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, movement.ProductID, movement.Quantity, movement.Kind, nullIfEmpty(movement.Reference), movement.Reason, movement.Actor, movement.CreatedAt)
	return err
}

func insertReversal(ctx context.Context, tx *sql.Tx, reversal domain.Reversal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reversals (id, sale_id, kind, amount, reason, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, reversal.ID, reversal.SaleID, reversal.Kind, reversal.Amount, reversal.Reason, reversal.Actor, reversal.CreatedAt)
	if err != nil {
		return err
	}
	for _, line := range reversal.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reversal_lines (reversal_id, line_id, product_id, quantity, amount)
			VALUES ($1,$2,$3,$4,$5)
		`, reversal.ID, line.LineID, line.ProductID, line.Quantity, line.Amount)
		if err != nil {
			return err
		}
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, actor string, action string, entityType string, entityID string, before string, after string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_records (id, actor, action, entity_type, entity_id, before, after, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, xid.New("aud"), actor, action, entityType, entityID, before, after, at)
	return err
}

func toJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

// txErr maps a commit failure to the conflict sentinel when the database
// reports a serialization failure.
func txErr(err error) error {
	if isSerializationFailure(err) {
		return store.ErrConflict
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func round2(v float64) float64 {
	if v < 0 {
		return -round2(-v)
	}
	return float64(int64(v*100+0.5)) / 100
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
