package campus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/protocol"
	"github.com/cyberinferno/campusrpc/rpcclient"
	"github.com/cyberinferno/campusrpc/rpcserver"
)

type campusEnv struct {
	f      *fixture
	server *rpcserver.Server
}

func startCampus(t *testing.T) *campusEnv {
	t.Helper()

	f := newFixture(t)
	r, err := NewRouter(Services{Auth: f.auth, Cards: f.cards, Shop: f.shop}, logger.NewNopLogger())
	require.NoError(t, err)

	cfg := rpcserver.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	s := rpcserver.New(cfg, r, logger.NewNopLogger())
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	return &campusEnv{f: f, server: s}
}

func (e *campusEnv) client(t *testing.T) *rpcclient.Client {
	t.Helper()

	c := rpcclient.New(rpcclient.DefaultConfig(e.server.Addr().String()), logger.NewNopLogger())
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	return c
}

func do(t *testing.T, c *rpcclient.Client, uri string, params map[string]string) *protocol.Response {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Do(ctx, uri, params)
	require.NoError(t, err)
	return resp
}

func login(t *testing.T, c *rpcclient.Client, userID string) {
	t.Helper()

	resp := do(t, c, "auth/login", map[string]string{"userId": userID, "password": "pw-" + userID})
	require.Equal(t, protocol.StatusSuccess, resp.Status, resp.Message)
}

func TestRoutes_TableMatchesPolicy(t *testing.T) {
	r, err := NewRouter(Services{}, logger.NewNopLogger())
	require.NoError(t, err)

	want := map[string]string{
		"system/ping":   "anonymous",
		"system/routes": "all",
		"auth/login":    "anonymous",
		"auth/logout":   "all",
		"auth/me":       "all",
		"user/create":   "admin",
		"card/student":  "student,faculty",
		"card/admin":    "admin",
		"shop/products": "all",
		"shop/purchase": "student,faculty",
		"shop/checkout": "student,faculty",
		"shop/admin":    "admin",
	}

	infos := r.Routes()
	require.Len(t, infos, len(want))
	for _, info := range infos {
		assert.Equal(t, want[info.URI], info.RequiredRole, info.URI)
	}
}

func TestRoutes_GetBalanceRequiresLogin(t *testing.T) {
	env := startCampus(t)
	env.f.user(t, "s1", 1200, RoleStudent)
	c := env.client(t)

	resp := do(t, c, "card/student", map[string]string{"action": "GET_BALANCE"})
	assert.Equal(t, protocol.StatusForbidden, resp.Status)

	login(t, c, "s1")
	require.NotNil(t, c.Session())
	assert.Equal(t, "s1", c.Session().UserID)

	resp = do(t, c, "card/student", map[string]string{"action": "get_balance"})
	require.Equal(t, protocol.StatusSuccess, resp.Status, resp.Message)

	var card Card
	require.NoError(t, resp.DecodeData(&card))
	assert.Equal(t, Card{CardNum: "Cs1", UserID: "s1", Balance: 1200, Status: CardNormal}, card)
}

func TestRoutes_RoleRules(t *testing.T) {
	env := startCampus(t)
	env.f.user(t, "t1", 500, RoleTeacher)
	env.f.user(t, "l1", 0, RoleLibraryAdmin)
	env.f.user(t, "root", 0, RoleAdmin)

	teacher := env.client(t)
	login(t, teacher, "t1")
	resp := do(t, teacher, "card/student", nil)
	assert.Equal(t, protocol.StatusSuccess, resp.Status, "teachers satisfy faculty")
	resp = do(t, teacher, "card/admin", map[string]string{"action": "RECHARGE", "cardNum": "Ct1", "amount": "1"})
	assert.Equal(t, protocol.StatusForbidden, resp.Status)

	librarian := env.client(t)
	login(t, librarian, "l1")
	resp = do(t, librarian, "card/student", nil)
	assert.Equal(t, protocol.StatusForbidden, resp.Status)
	resp = do(t, librarian, "shop/products", nil)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)

	admin := env.client(t)
	login(t, admin, "root")
	resp = do(t, admin, "card/admin", map[string]string{"action": "RECHARGE", "cardNum": "Ct1", "amount": "250"})
	require.Equal(t, protocol.StatusSuccess, resp.Status, resp.Message)
	assert.Equal(t, int64(750), env.f.balance(t, "t1"))
}

func TestRoutes_ShopFlow(t *testing.T) {
	env := startCampus(t)
	env.f.user(t, "root", 0, RoleAdmin)
	env.f.user(t, "s1", 1000, RoleStudent)

	admin := env.client(t)
	login(t, admin, "root")
	resp := do(t, admin, "shop/admin", map[string]string{
		"action": "ADD_PRODUCT", "productId": "P1", "name": "notebook", "category": "stationery", "price": "300", "stock": "2",
	})
	require.Equal(t, protocol.StatusSuccess, resp.Status, resp.Message)

	student := env.client(t)
	login(t, student, "s1")

	resp = do(t, student, "shop/products", map[string]string{"category": "STATIONERY"})
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	var products []Product
	require.NoError(t, resp.DecodeData(&products))
	require.Len(t, products, 1)
	assert.Equal(t, "notebook", products[0].Name)

	resp = do(t, student, "shop/checkout", map[string]string{"items": `[{"productId":"P1","quantity":2}]`})
	require.Equal(t, protocol.StatusSuccess, resp.Status, resp.Message)
	var order Order
	require.NoError(t, resp.DecodeData(&order))
	assert.Equal(t, int64(600), order.Total)
	assert.Equal(t, int64(400), order.BalanceAfter)

	resp = do(t, student, "shop/purchase", map[string]string{"productId": "P1"})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, MsgInsufficientStock, resp.Message)

	resp = do(t, student, "shop/checkout", map[string]string{"items": "not json"})
	assert.Equal(t, protocol.StatusBadRequest, resp.Status)

	resp = do(t, student, "shop/checkout", map[string]string{
		"items": `[{"productId":"P1","quantity":4611686018427387904},{"productId":"P1","quantity":4611686018427387904}]`,
	})
	assert.Equal(t, protocol.StatusBadRequest, resp.Status, "overflowing quantities are a client error")
}

func TestRoutes_BadParams(t *testing.T) {
	env := startCampus(t)
	env.f.user(t, "s1", 100, RoleStudent)
	c := env.client(t)
	login(t, c, "s1")

	resp := do(t, c, "card/student", map[string]string{"action": "FLY"})
	assert.Equal(t, protocol.StatusBadRequest, resp.Status)
	assert.Contains(t, resp.Message, "FLY")

	resp = do(t, c, "card/student", map[string]string{"action": "PAY", "amount": "12.5"})
	assert.Equal(t, protocol.StatusBadRequest, resp.Status)

	resp = do(t, c, "card/student", map[string]string{"action": "PAY"})
	assert.Equal(t, protocol.StatusBadRequest, resp.Status)

	resp = do(t, c, "card/student", map[string]string{"action": "PAY", "amount": "500"})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, MsgInsufficientBalance, resp.Message)
}

func TestRoutes_LogoutAndMe(t *testing.T) {
	env := startCampus(t)
	env.f.user(t, "s1", 0, RoleStudent)
	c := env.client(t)

	resp := do(t, c, "auth/login", map[string]string{"userId": "s1", "password": "bad"})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, MsgInvalidCredentials, resp.Message)

	login(t, c, "s1")
	resp = do(t, c, "auth/me", nil)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	var session protocol.Session
	require.NoError(t, resp.DecodeData(&session))
	assert.Equal(t, "s1", session.UserID)

	assert.Eventually(t, func() bool {
		online := env.server.OnlineUsers()
		return len(online) == 1 && online[0] == "s1"
	}, time.Second, 10*time.Millisecond)

	resp = do(t, c, "system/routes", nil)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	var routes []map[string]string
	require.NoError(t, resp.DecodeData(&routes))
	assert.Len(t, routes, 12)

	resp = do(t, c, "auth/logout", nil)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.False(t, c.Session().IsActive())

	resp = do(t, c, "auth/me", nil)
	assert.Equal(t, protocol.StatusForbidden, resp.Status)
	assert.Eventually(t, func() bool { return len(env.server.OnlineUsers()) == 0 }, time.Second, 10*time.Millisecond)
}
