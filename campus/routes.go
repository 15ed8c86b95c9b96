package campus

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/protocol"
	"github.com/cyberinferno/campusrpc/router"
)

// Services bundles the business services the routes call.
type Services struct {
	Auth  *AuthService
	Cards *CardService
	Shop  *ShopService
}

// routeEntry is the listing system/routes returns.
type routeEntry struct {
	URI         string `json:"uri"`
	Role        string `json:"role"`
	Description string `json:"description"`
}

// NewRouter builds the campus router with NewPolicy and every campus route.
func NewRouter(svc Services, log logger.Logger) (*router.Router, error) {
	var r *router.Router
	table := func() []router.RouteInfo { return r.Routes() }

	r, err := router.New(NewPolicy(), log, Routes(svc, table)...)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// Routes returns the campus route table. table lists the registered routes
// for system/routes.
func Routes(svc Services, table func() []router.RouteInfo) []router.Route {
	return []router.Route{
		{
			URI: "system/ping", Role: router.RoleAnonymous, Description: "liveness check",
			Handler: func(context.Context, *protocol.Request) (any, error) {
				return "pong", nil
			},
		},
		{
			URI: "system/routes", Role: router.RoleAll, Description: "list routes",
			Handler: func(context.Context, *protocol.Request) (any, error) {
				infos := table()
				out := make([]routeEntry, len(infos))
				for i, info := range infos {
					out[i] = routeEntry{URI: info.URI, Role: info.RequiredRole, Description: info.Description}
				}
				return out, nil
			},
		},
		{
			URI: "auth/login", Role: router.RoleAnonymous, Description: "log in; the response carries the session",
			Handler: func(ctx context.Context, req *protocol.Request) (any, error) {
				userID, err := requireParam(req, "userId")
				if err != nil {
					return nil, err
				}

				session, err := svc.Auth.Login(ctx, req.Session, userID, req.ParamOr("password", ""))
				if err != nil {
					return nil, err
				}

				user := User{UserID: session.UserID, Name: session.UserName, Roles: session.Roles}
				return protocol.SuccessMessage("login successful", user).WithSession(session), nil
			},
		},
		{
			URI: "auth/logout", Role: router.RoleAll, Description: "log out",
			Handler: func(_ context.Context, req *protocol.Request) (any, error) {
				return protocol.SuccessMessage("logged out", nil).WithSession(svc.Auth.Logout(req.Session)), nil
			},
		},
		{
			URI: "auth/me", Role: router.RoleAll, Description: "current session",
			Handler: func(_ context.Context, req *protocol.Request) (any, error) {
				return req.Session, nil
			},
		},
		{
			URI: "user/create", Role: RoleAdmin, Description: "create a user and open its card",
			Handler: func(ctx context.Context, req *protocol.Request) (any, error) {
				user, card, err := svc.Auth.CreateUser(ctx,
					req.ParamOr("userId", ""),
					req.ParamOr("userName", ""),
					req.ParamOr("password", ""),
					strings.Split(req.ParamOr("roles", RoleStudent), ","),
				)
				if err != nil {
					return nil, err
				}

				return map[string]any{"user": user, "card": card}, nil
			},
		},
		{
			URI: "card/student", Role: RoleStudent + "," + RoleFaculty, Description: "GET_BALANCE, PAY, TRANSACTIONS, REPORT_LOSS",
			Handler: func(ctx context.Context, req *protocol.Request) (any, error) {
				userID := req.Session.UserID

				switch action(req, "GET_BALANCE") {
				case "GET_BALANCE":
					return svc.Cards.Balance(ctx, userID)
				case "PAY":
					amount, err := int64Param(req, "amount")
					if err != nil {
						return nil, err
					}
					return svc.Cards.Pay(ctx, userID, amount, req.ParamOr("description", "payment"))
				case "TRANSACTIONS":
					limit, err := optionalInt64Param(req, "limit", 20)
					if err != nil {
						return nil, err
					}
					return svc.Cards.Transactions(ctx, userID, int(limit))
				case "REPORT_LOSS":
					return svc.Cards.ReportLoss(ctx, userID)
				default:
					return nil, unknownAction(req)
				}
			},
		},
		{
			URI: "card/admin", Role: RoleAdmin, Description: "RECHARGE, RESTORE",
			Handler: func(ctx context.Context, req *protocol.Request) (any, error) {
				cardNum, err := requireParam(req, "cardNum")
				if err != nil {
					return nil, err
				}

				switch action(req, "") {
				case "RECHARGE":
					amount, err := int64Param(req, "amount")
					if err != nil {
						return nil, err
					}
					return svc.Cards.Recharge(ctx, cardNum, amount)
				case "RESTORE":
					return svc.Cards.Restore(ctx, cardNum)
				default:
					return nil, unknownAction(req)
				}
			},
		},
		{
			URI: "shop/products", Role: router.RoleAll, Description: "LIST, GET",
			Handler: func(ctx context.Context, req *protocol.Request) (any, error) {
				switch action(req, "LIST") {
				case "LIST":
					products, err := svc.Shop.Products(ctx)
					if err != nil {
						return nil, err
					}
					return filterCategory(products, req.ParamOr("category", "")), nil
				case "GET":
					id, err := requireParam(req, "productId")
					if err != nil {
						return nil, err
					}
					return svc.Shop.Product(ctx, id)
				default:
					return nil, unknownAction(req)
				}
			},
		},
		{
			URI: "shop/purchase", Role: RoleStudent + "," + RoleFaculty, Description: "buy one product",
			Handler: func(ctx context.Context, req *protocol.Request) (any, error) {
				id, err := requireParam(req, "productId")
				if err != nil {
					return nil, err
				}

				qty, err := optionalInt64Param(req, "quantity", 1)
				if err != nil {
					return nil, err
				}

				return svc.Shop.Purchase(ctx, req.Session.UserID, id, qty)
			},
		},
		{
			URI: "shop/checkout", Role: RoleStudent + "," + RoleFaculty, Description: "buy a cart given as the items JSON param",
			Handler: func(ctx context.Context, req *protocol.Request) (any, error) {
				raw, err := requireParam(req, "items")
				if err != nil {
					return nil, err
				}

				var cart []CartItem
				if err := json.Unmarshal([]byte(raw), &cart); err != nil {
					return nil, router.BadRequest("items must be a JSON array of {productId, quantity}")
				}

				return svc.Shop.Checkout(ctx, req.Session.UserID, cart)
			},
		},
		{
			URI: "shop/admin", Role: RoleAdmin, Description: "ADD_PRODUCT, RESTOCK, CLEAR_CACHE",
			Handler: func(ctx context.Context, req *protocol.Request) (any, error) {
				switch action(req, "") {
				case "ADD_PRODUCT":
					price, err := int64Param(req, "price")
					if err != nil {
						return nil, err
					}
					stock, err := optionalInt64Param(req, "stock", 0)
					if err != nil {
						return nil, err
					}
					return svc.Shop.AddProduct(ctx, Product{
						ID:       req.ParamOr("productId", ""),
						Name:     req.ParamOr("name", ""),
						Category: req.ParamOr("category", ""),
						Price:    price,
						Stock:    stock,
					})
				case "RESTOCK":
					id, err := requireParam(req, "productId")
					if err != nil {
						return nil, err
					}
					qty, err := int64Param(req, "quantity")
					if err != nil {
						return nil, err
					}
					return svc.Shop.Restock(ctx, id, qty)
				case "CLEAR_CACHE":
					n, err := svc.Shop.ClearCache(ctx)
					if err != nil {
						return nil, err
					}
					return map[string]int{"cleared": n}, nil
				default:
					return nil, unknownAction(req)
				}
			},
		},
	}
}

// action returns the upper-cased action param, or def when it is absent.
func action(req *protocol.Request, def string) string {
	return strings.ToUpper(strings.TrimSpace(req.ParamOr("action", def)))
}

func unknownAction(req *protocol.Request) error {
	a := req.ParamOr("action", "")
	if a == "" {
		return router.BadRequest("action is required")
	}

	return router.BadRequest("unknown action %q", a)
}

func requireParam(req *protocol.Request, key string) (string, error) {
	v := strings.TrimSpace(req.ParamOr(key, ""))
	if v == "" {
		return "", router.BadRequest("%s is required", key)
	}

	return v, nil
}

// int64Param parses a required base-10 integer such as an amount in cents.
func int64Param(req *protocol.Request, key string) (int64, error) {
	v, err := requireParam(req, key)
	if err != nil {
		return 0, err
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, router.BadRequest("%s must be an integer", key)
	}

	return n, nil
}

func optionalInt64Param(req *protocol.Request, key string, def int64) (int64, error) {
	if strings.TrimSpace(req.ParamOr(key, "")) == "" {
		return def, nil
	}

	return int64Param(req, key)
}

func filterCategory(products []Product, category string) []Product {
	if category == "" {
		return products
	}

	out := []Product{}
	for _, p := range products {
		if strings.EqualFold(p.Category, category) {
			out = append(out, p)
		}
	}

	return out
}
