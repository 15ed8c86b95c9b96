package campus

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/campusrpc/cacher"
	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/router"
)

const (
	productListKey   = "products"
	productKeyPrefix = "product:"
)

// ShopService sells products against campus card balances. Product reads
// go through the caches; every stock or price change invalidates them after
// its transaction commits.
type ShopService struct {
	store    *Store
	list     cacher.Cacher[[]Product]
	items    cacher.Cacher[Product]
	cacheTTL time.Duration
	logger   logger.Logger
}

// NewShopService creates the service.
//
// Parameters:
//   - store: The database
//   - list: Cache for the full product listing
//   - items: Cache for single products
//   - ttl: Lifetime of cached product data
//   - log: Logger for orders and cache failures
func NewShopService(store *Store, list cacher.Cacher[[]Product], items cacher.Cacher[Product], ttl time.Duration, log logger.Logger) *ShopService {
	return &ShopService{
		store:    store,
		list:     list,
		items:    items,
		cacheTTL: ttl,
		logger:   log.With(logger.Field{Key: "service", Value: "shop"}),
	}
}

// Products returns every product ordered by category and name.
func (s *ShopService) Products(ctx context.Context) ([]Product, error) {
	return s.list.GetOrLoad(ctx, productListKey, s.cacheTTL, func(ctx context.Context) ([]Product, error) {
		rows, err := s.store.DB().QueryContext(ctx,
			`SELECT product_id, name, category, price, stock FROM products ORDER BY category, name, product_id`)
		if err != nil {
			return nil, fmt.Errorf("failed to query products: %w", err)
		}
		defer rows.Close()

		out := []Product{}
		for rows.Next() {
			var p Product
			if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Stock); err != nil {
				return nil, fmt.Errorf("failed to scan product: %w", err)
			}
			out = append(out, p)
		}

		return out, rows.Err()
	})
}

// Product returns one product.
func (s *ShopService) Product(ctx context.Context, id string) (Product, error) {
	return s.items.GetOrLoad(ctx, productKeyPrefix+id, s.cacheTTL, func(ctx context.Context) (Product, error) {
		return loadProduct(ctx, s.store.DB(), id)
	})
}

// AddProduct stores a new product. An empty ID is generated.
func (s *ShopService) AddProduct(ctx context.Context, p Product) (Product, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Product{}, router.BadRequest("name is required")
	}
	if p.Price < 0 || p.Stock < 0 {
		return Product{}, router.BadRequest("price and stock must not be negative")
	}
	if p.ID == "" {
		p.ID = "P" + strings.ToUpper(uuid.NewString()[:8])
	}

	res, err := s.store.DB().ExecContext(ctx,
		`INSERT INTO products (product_id, name, category, price, stock, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (product_id) DO NOTHING`,
		p.ID, p.Name, p.Category, p.Price, p.Stock, time.Now().UnixMilli(),
	)
	if err != nil {
		return Product{}, fmt.Errorf("failed to insert product: %w", err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return Product{}, fmt.Errorf("failed to read affected rows: %w", err)
	} else if n == 0 {
		return Product{}, router.Fail("product %s already exists", p.ID)
	}

	s.invalidate(ctx, p.ID)
	s.logger.Info("product added", logger.Field{Key: "product", Value: p.ID})
	return p, nil
}

// Restock adds quantity units to a product.
func (s *ShopService) Restock(ctx context.Context, id string, quantity int64) (Product, error) {
	if quantity <= 0 {
		return Product{}, router.BadRequest("quantity must be positive")
	}

	var p Product
	err := s.store.InTx(ctx, func(tx *sql.Tx) error {
		err := ConditionalIncrement(ctx, tx,
			`UPDATE products SET stock = stock + $1 WHERE product_id = $2 AND stock <= $3 - $1`,
			quantity, id, int64(math.MaxInt64),
		)

		var loadErr error
		p, loadErr = loadProduct(ctx, tx, id)
		if loadErr != nil {
			return loadErr
		}
		if errors.Is(err, ErrConditionFailed) {
			return router.BadRequest("stock of %s out of range", id)
		}
		if err != nil {
			return fmt.Errorf("failed to restock: %w", err)
		}

		return nil
	})
	if err != nil {
		return Product{}, err
	}

	s.invalidate(ctx, id)
	return p, nil
}

// Purchase buys quantity units of one product with userID's card. The
// stock decrement, the balance decrement, the order and the ledger row
// commit together or not at all.
func (s *ShopService) Purchase(ctx context.Context, userID, productID string, quantity int64) (Order, error) {
	return s.Checkout(ctx, userID, []CartItem{{ProductID: productID, Quantity: quantity}})
}

// Checkout buys every cart line in one transaction. Lines naming the same
// product are merged. Every product's stock and the card balance are
// checked before anything is changed; the changes themselves are guarded
// decrements, so a concurrent buyer that got there first still fails the
// whole checkout instead of overselling.
//
// Returns:
//   - The placed order with the balance left on the card
//   - ERROR 库存不足 or 余额不足 when a resource is short, NOT_FOUND for an
//     unknown product, BAD_REQUEST for an empty cart or a bad quantity
func (s *ShopService) Checkout(ctx context.Context, userID string, cart []CartItem) (Order, error) {
	lines, err := mergeCart(cart)
	if err != nil {
		return Order{}, err
	}

	order := Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		Items:     make([]OrderItem, 0, len(lines)),
		CreatedAt: time.Now().UnixMilli(),
	}

	err = s.store.InTx(ctx, func(tx *sql.Tx) error {
		items, total, err := validateCart(ctx, tx, userID, lines)
		if err != nil {
			return err
		}
		order.Items, order.Total = items, total

		for _, item := range order.Items {
			err := ConditionalDecrement(ctx, tx,
				`UPDATE products SET stock = stock - $1 WHERE product_id = $2 AND stock >= $1`,
				item.Quantity, item.ProductID,
			)
			if errors.Is(err, ErrConditionFailed) {
				return router.FailWrap(err, MsgInsufficientStock)
			}
			if err != nil {
				return err
			}
		}

		card, err := debitCard(ctx, tx, userID, order.Total)
		if err != nil {
			return err
		}
		order.BalanceAfter = card.Balance

		if err := insertOrder(ctx, tx, order); err != nil {
			return err
		}

		return recordTransaction(ctx, tx, card.CardNum, TxPurchase, -order.Total, card.Balance, "order "+order.ID)
	})
	if err != nil {
		return Order{}, err
	}

	ids := make([]string, len(order.Items))
	for i, item := range order.Items {
		ids[i] = item.ProductID
	}
	s.invalidate(ctx, ids...)

	s.logger.Info("order placed",
		logger.Field{Key: "order", Value: order.ID},
		logger.Field{Key: "user", Value: userID},
		logger.Field{Key: "total", Value: order.Total},
	)
	return order, nil
}

// mergeCart sums quantities per product and sorts the lines by product id
// so concurrent checkouts touch rows in the same order.
func mergeCart(cart []CartItem) ([]CartItem, error) {
	if len(cart) == 0 {
		return nil, router.BadRequest("cart is empty")
	}

	merged := map[string]int64{}
	for _, item := range cart {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, router.BadRequest("productId is required")
		}
		if item.Quantity <= 0 {
			return nil, router.BadRequest("quantity of %s must be positive", id)
		}
		if item.Quantity > math.MaxInt64-merged[id] {
			return nil, router.BadRequest("quantity of %s out of range", id)
		}
		merged[id] += item.Quantity
	}

	lines := make([]CartItem, 0, len(merged))
	for id, qty := range merged {
		lines = append(lines, CartItem{ProductID: id, Quantity: qty})
	}
	slices.SortFunc(lines, func(a, b CartItem) int { return cmp.Compare(a.ProductID, b.ProductID) })

	return lines, nil
}

// validateCart checks every line and the buyer's card without changing
// anything and returns the priced order lines and their total.
func validateCart(ctx context.Context, tx *sql.Tx, userID string, lines []CartItem) ([]OrderItem, int64, error) {
	items := make([]OrderItem, 0, len(lines))
	var total int64

	for _, line := range lines {
		p, err := loadProduct(ctx, tx, line.ProductID)
		if err != nil {
			return nil, 0, err
		}

		if p.Stock < line.Quantity {
			return nil, 0, router.Fail(MsgInsufficientStock)
		}

		items = append(items, OrderItem{ProductID: p.ID, Name: p.Name, Quantity: line.Quantity, UnitPrice: p.Price})

		subtotal, ok := mulAmount(p.Price, line.Quantity)
		if ok {
			total, ok = addAmount(total, subtotal)
		}
		if !ok {
			return nil, 0, router.BadRequest("order total out of range")
		}
	}

	card, err := loadCard(ctx, tx, `SELECT card_num, user_id, balance, status FROM cards WHERE user_id = $1`, userID)
	if err != nil {
		return nil, 0, err
	}

	switch {
	case card.Status == CardLost:
		return nil, 0, router.Fail(MsgCardLost)
	case card.Balance < total:
		return nil, 0, router.Fail(MsgInsufficientBalance)
	}

	return items, total, nil
}

// mulAmount and addAmount work on non-negative cents and report false
// when the result does not fit in an int64.
func mulAmount(a, b int64) (int64, bool) {
	if a != 0 && b > math.MaxInt64/a {
		return 0, false
	}
	return a * b, true
}

func addAmount(a, b int64) (int64, bool) {
	if a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

func insertOrder(ctx context.Context, tx *sql.Tx, o Order) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (order_id, user_id, total, created_at) VALUES ($1, $2, $3, $4)`,
		o.ID, o.UserID, o.Total, o.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range o.Items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, product_id, quantity, unit_price) VALUES ($1, $2, $3, $4)`,
			o.ID, item.ProductID, item.Quantity, item.UnitPrice,
		); err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return nil
}

func loadProduct(ctx context.Context, q queryRower, id string) (Product, error) {
	var p Product
	err := q.QueryRowContext(ctx,
		`SELECT product_id, name, category, price, stock FROM products WHERE product_id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Stock)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, router.NotFound("product %s not found", id)
	}
	if err != nil {
		return Product{}, fmt.Errorf("failed to load product: %w", err)
	}

	return p, nil
}

// invalidate drops the listing and the given products from the caches. A
// failure only leaves stale data until the TTL expires, so it is logged.
func (s *ShopService) invalidate(ctx context.Context, productIDs ...string) {
	ctx = context.WithoutCancel(ctx)

	if err := s.list.Invalidate(ctx, productListKey); err != nil {
		s.logger.Warn("failed to invalidate product listing", logger.Err(err))
	}

	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = productKeyPrefix + id
	}

	if err := s.items.Invalidate(ctx, keys...); err != nil {
		s.logger.Warn("failed to invalidate products", logger.Err(err))
	}
}

// ClearCache drops every cached product.
func (s *ShopService) ClearCache(ctx context.Context) (int, error) {
	n, err := s.items.InvalidatePrefix(ctx, productKeyPrefix)
	if err != nil {
		return 0, err
	}

	return n, s.list.Clear(ctx)
}
