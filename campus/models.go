package campus

// Messages of the business failures clients match on.
const (
	MsgInsufficientStock   = "库存不足"
	MsgInsufficientBalance = "余额不足"
	MsgCardLost            = "card is reported lost"
	MsgInvalidCredentials  = "invalid user id or password"
)

// Card statuses.
const (
	CardNormal = "NORMAL"
	CardLost   = "LOST"
)

// Ledger entry kinds.
const (
	TxRecharge = "RECHARGE"
	TxPayment  = "PAYMENT"
	TxPurchase = "PURCHASE"
)

// User is an account without its password hash.
type User struct {
	UserID string   `json:"userId"`
	Name   string   `json:"userName"`
	Roles  []string `json:"roles"`
}

// Card is a campus card. Amounts are in cents.
type Card struct {
	CardNum string `json:"cardNum"`
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
	Status  string `json:"status"`
}

// Transaction is one card ledger row.
type Transaction struct {
	ID           string `json:"txId"`
	CardNum      string `json:"cardNum"`
	Kind         string `json:"kind"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balanceAfter"`
	Description  string `json:"description"`
	CreatedAt    int64  `json:"createdAt"`
}

// Product is a shop item. Price is in cents.
type Product struct {
	ID       string `json:"productId"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Price    int64  `json:"price"`
	Stock    int64  `json:"stock"`
}

// CartItem is one line of a checkout request.
type CartItem struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// OrderItem is one line of a placed order.
type OrderItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// Order is a completed purchase.
type Order struct {
	ID           string      `json:"orderId"`
	UserID       string      `json:"userId"`
	Items        []OrderItem `json:"items"`
	Total        int64       `json:"total"`
	BalanceAfter int64       `json:"balanceAfter"`
	CreatedAt    int64       `json:"createdAt"`
}
