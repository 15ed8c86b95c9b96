package campus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/campusrpc/protocol"
)

func TestShop_Purchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "s1", 1000, RoleStudent)
	f.product(t, "P1", 150, 10)

	order, err := f.shop.Purchase(ctx, "s1", "P1", 2)
	require.NoError(t, err)

	assert.NotEmpty(t, order.ID)
	assert.Equal(t, int64(300), order.Total)
	assert.Equal(t, int64(700), order.BalanceAfter)
	assert.Equal(t, []OrderItem{{ProductID: "P1", Name: "item P1", Quantity: 2, UnitPrice: 150}}, order.Items)

	assert.Equal(t, int64(8), f.stock(t, "P1"))
	assert.Equal(t, int64(700), f.balance(t, "s1"))
	assert.Equal(t, 1, f.count(t, "orders"))
	assert.Equal(t, 1, f.count(t, "order_items"))
	assert.Equal(t, 2, f.count(t, "card_transactions"))
}

func TestShop_PurchaseFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "s1", 100, RoleStudent)
	f.product(t, "P1", 150, 1)
	f.product(t, "P2", 10, 1)

	_, err := f.shop.Purchase(ctx, "s1", "P1", 1)
	requireStatus(t, err, protocol.StatusError, MsgInsufficientBalance)

	_, err = f.shop.Purchase(ctx, "s1", "P2", 2)
	requireStatus(t, err, protocol.StatusError, MsgInsufficientStock)

	_, err = f.shop.Purchase(ctx, "s1", "nope", 1)
	requireStatus(t, err, protocol.StatusNotFound, "")

	_, err = f.shop.Purchase(ctx, "s1", "P2", 0)
	requireStatus(t, err, protocol.StatusBadRequest, "")

	assert.Equal(t, int64(1), f.stock(t, "P1"))
	assert.Equal(t, int64(1), f.stock(t, "P2"))
	assert.Equal(t, int64(100), f.balance(t, "s1"))
	assert.Zero(t, f.count(t, "orders"))
}

func TestShop_NoOversellUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P1", 10, 5)

	const buyers = 20
	for i := 0; i < buyers; i++ {
		f.user(t, fmt.Sprintf("s%d", i), 100, RoleStudent)
	}

	var mu sync.Mutex
	sold, short := 0, 0

	var g errgroup.Group
	for i := 0; i < buyers; i++ {
		i := i
		g.Go(func() error {
			_, err := f.shop.Purchase(context.Background(), fmt.Sprintf("s%d", i), "P1", 1)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sold++
			case isFailure(err, MsgInsufficientStock):
				short++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 5, sold)
	assert.Equal(t, buyers-5, short)
	assert.Zero(t, f.stock(t, "P1"))
	assert.Equal(t, 5, f.count(t, "orders"))
}

func TestShop_LastUnitGoesToExactlyOneBuyer(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P1", 10, 1)
	f.user(t, "a", 100, RoleStudent)
	f.user(t, "b", 100, RoleStudent)

	errs := make([]error, 2)
	var g errgroup.Group
	for i, buyer := range []string{"a", "b"} {
		i, buyer := i, buyer
		g.Go(func() error {
			_, errs[i] = f.shop.Purchase(context.Background(), buyer, "P1", 1)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			requireStatus(t, err, protocol.StatusError, MsgInsufficientStock)
		}
	}

	assert.Equal(t, 1, failed)
	assert.Zero(t, f.stock(t, "P1"))
	assert.Equal(t, int64(190), f.balance(t, "a")+f.balance(t, "b"))
}

func TestShop_CheckoutMergesLines(t *testing.T) {
	f := newFixture(t)
	f.user(t, "s1", 1000, RoleStudent)
	f.product(t, "P1", 100, 5)
	f.product(t, "P2", 50, 5)

	order, err := f.shop.Checkout(context.Background(), "s1", []CartItem{
		{ProductID: "P2", Quantity: 1},
		{ProductID: "P1", Quantity: 1},
		{ProductID: "P2", Quantity: 2},
	})
	require.NoError(t, err)

	require.Len(t, order.Items, 2)
	assert.Equal(t, "P1", order.Items[0].ProductID)
	assert.Equal(t, int64(1), order.Items[0].Quantity)
	assert.Equal(t, "P2", order.Items[1].ProductID)
	assert.Equal(t, int64(3), order.Items[1].Quantity)
	assert.Equal(t, int64(250), order.Total)

	assert.Equal(t, int64(4), f.stock(t, "P1"))
	assert.Equal(t, int64(2), f.stock(t, "P2"))
	assert.Equal(t, int64(750), f.balance(t, "s1"))
}

func TestShop_CheckoutIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "s1", 1000, RoleStudent)
	f.product(t, "P1", 100, 5)
	f.product(t, "P2", 50, 1)

	_, err := f.shop.Checkout(ctx, "s1", []CartItem{
		{ProductID: "P1", Quantity: 2},
		{ProductID: "P2", Quantity: 2},
	})
	requireStatus(t, err, protocol.StatusError, MsgInsufficientStock)

	assert.Equal(t, int64(5), f.stock(t, "P1"))
	assert.Equal(t, int64(1), f.stock(t, "P2"))
	assert.Equal(t, int64(1000), f.balance(t, "s1"))
	assert.Zero(t, f.count(t, "orders"))
}

func TestShop_InsufficientBalanceRollsBackStock(t *testing.T) {
	f := newFixture(t)
	f.user(t, "s1", 120, RoleStudent)
	f.product(t, "P1", 100, 5)
	f.product(t, "P2", 50, 5)

	_, err := f.shop.Checkout(context.Background(), "s1", []CartItem{
		{ProductID: "P1", Quantity: 1},
		{ProductID: "P2", Quantity: 1},
	})
	requireStatus(t, err, protocol.StatusError, MsgInsufficientBalance)

	assert.Equal(t, int64(5), f.stock(t, "P1"))
	assert.Equal(t, int64(5), f.stock(t, "P2"))
	assert.Equal(t, int64(120), f.balance(t, "s1"))
}

func TestShop_CheckoutRejectsBadCarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "s1", 100, RoleStudent)

	_, err := f.shop.Checkout(ctx, "s1", nil)
	requireStatus(t, err, protocol.StatusBadRequest, "cart is empty")

	_, err = f.shop.Checkout(ctx, "s1", []CartItem{{ProductID: "P1", Quantity: -1}})
	requireStatus(t, err, protocol.StatusBadRequest, "")

	_, err = f.shop.Checkout(ctx, "s1", []CartItem{{ProductID: " ", Quantity: 1}})
	requireStatus(t, err, protocol.StatusBadRequest, "")
}

func TestShop_CheckoutRejectsOverflowingCarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "s1", 100, RoleStudent)
	f.product(t, "P1", 2, 5)
	f.product(t, "P2", 1<<40, 1<<40)

	_, err := f.shop.Checkout(ctx, "s1", []CartItem{
		{ProductID: "P1", Quantity: 1 << 62},
		{ProductID: "P1", Quantity: 1 << 62},
	})
	requireStatus(t, err, protocol.StatusBadRequest, "quantity of P1 out of range")

	_, err = f.shop.Checkout(ctx, "s1", []CartItem{{ProductID: "P1", Quantity: math.MaxInt64}, {ProductID: "P1", Quantity: 1}})
	requireStatus(t, err, protocol.StatusBadRequest, "")

	_, err = f.shop.Purchase(ctx, "s1", "P2", 1<<40)
	requireStatus(t, err, protocol.StatusBadRequest, "order total out of range")

	_, err = f.shop.Checkout(ctx, "s1", []CartItem{{ProductID: "P1", Quantity: 1}, {ProductID: "P2", Quantity: 1 << 22}})
	requireStatus(t, err, protocol.StatusError, MsgInsufficientBalance)

	assert.Equal(t, int64(5), f.stock(t, "P1"))
	assert.Equal(t, int64(1<<40), f.stock(t, "P2"))
	assert.Equal(t, int64(100), f.balance(t, "s1"))
	assert.Zero(t, f.count(t, "orders"))
}

func TestShop_RestockOutOfRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "P1", 1, math.MaxInt64-10)

	_, err := f.shop.Restock(ctx, "P1", 11)
	requireStatus(t, err, protocol.StatusBadRequest, "stock of P1 out of range")
	assert.Equal(t, int64(math.MaxInt64-10), f.stock(t, "P1"))

	p, err := f.shop.Restock(ctx, "P1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), p.Stock)
}

func TestShop_LostCardCannotCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "s1", 500, RoleStudent)
	f.product(t, "P1", 100, 5)

	_, err := f.cards.ReportLoss(ctx, "s1")
	require.NoError(t, err)

	_, err = f.shop.Purchase(ctx, "s1", "P1", 1)
	requireStatus(t, err, protocol.StatusError, MsgCardLost)
	assert.Equal(t, int64(5), f.stock(t, "P1"))
}

func TestShop_CacheInvalidatedByMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "s1", 1000, RoleStudent)
	f.product(t, "P1", 100, 5)

	p, err := f.shop.Product(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.Stock)

	list, err := f.shop.Products(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = f.shop.Purchase(ctx, "s1", "P1", 2)
	require.NoError(t, err)

	p, err = f.shop.Product(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Stock)

	_, err = f.shop.Restock(ctx, "P1", 7)
	require.NoError(t, err)

	list, err = f.shop.Products(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), list[0].Stock)

	f.product(t, "P2", 1, 1)
	list, err = f.shop.Products(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestShop_AdminOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.shop.AddProduct(ctx, Product{Name: "pen", Price: 200, Stock: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	_, err = f.shop.AddProduct(ctx, Product{ID: p.ID, Name: "dup", Price: 1})
	requireStatus(t, err, protocol.StatusError, "")

	_, err = f.shop.AddProduct(ctx, Product{Name: " ", Price: 1})
	requireStatus(t, err, protocol.StatusBadRequest, "")

	_, err = f.shop.Restock(ctx, "missing", 1)
	requireStatus(t, err, protocol.StatusNotFound, "")

	_, err = f.shop.Restock(ctx, p.ID, 0)
	requireStatus(t, err, protocol.StatusBadRequest, "")

	_, err = f.shop.Product(ctx, "missing")
	requireStatus(t, err, protocol.StatusNotFound, "")

	_, _ = f.shop.Product(ctx, p.ID)
	_, _ = f.shop.Products(ctx)
	n, err := f.shop.ClearCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
