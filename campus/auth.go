package campus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/protocol"
	"github.com/cyberinferno/campusrpc/router"
)

// AuthService manages accounts and turns credentials into sessions.
type AuthService struct {
	store  *Store
	logger logger.Logger
	cost   int
}

// NewAuthService creates the service. cost is the bcrypt cost; values
// outside bcrypt's range select bcrypt.DefaultCost.
func NewAuthService(store *Store, log logger.Logger, cost int) *AuthService {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	return &AuthService{store: store, logger: log.With(logger.Field{Key: "service", Value: "auth"}), cost: cost}
}

// Login checks the credentials and returns an active session derived from
// current, which keeps the connection's session id.
func (a *AuthService) Login(ctx context.Context, current *protocol.Session, userID, password string) (*protocol.Session, error) {
	var name, hash, roles string
	err := a.store.DB().QueryRowContext(ctx,
		`SELECT name, password_hash, roles FROM users WHERE user_id = $1`, userID,
	).Scan(&name, &hash, &roles)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, router.Fail(MsgInvalidCredentials)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		a.logger.Info("login rejected", logger.Field{Key: "user", Value: userID})
		return nil, router.Fail(MsgInvalidCredentials)
	}

	a.logger.Info("login", logger.Field{Key: "user", Value: userID})
	return current.Authenticated(userID, name, splitRoles(roles)), nil
}

// Logout returns the invalidated form of current.
func (a *AuthService) Logout(current *protocol.Session) *protocol.Session {
	if current.IsActive() {
		a.logger.Info("logout", logger.Field{Key: "user", Value: current.UserID})
	}

	return current.Invalidated()
}

// CreateUser stores a new account and opens its campus card with a zero
// balance, both in one transaction.
//
// Returns:
//   - The new user and card
//   - A business error when the user id is taken
func (a *AuthService) CreateUser(ctx context.Context, userID, name, password string, roles []string) (User, Card, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || password == "" {
		return User{}, Card{}, router.BadRequest("userId and password are required")
	}

	roles = normalizeRoles(roles)
	if len(roles) == 0 {
		return User{}, Card{}, router.BadRequest("at least one role is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return User{}, Card{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := User{UserID: userID, Name: name, Roles: roles}
	card := Card{CardNum: cardNumber(userID), UserID: userID, Status: CardNormal}
	now := time.Now().UnixMilli()

	err = a.store.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (user_id, name, password_hash, roles, created_at) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id) DO NOTHING`,
			userID, name, string(hash), strings.Join(roles, ","), now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}

		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		} else if n == 0 {
			return router.Fail("user %s already exists", userID)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cards (card_num, user_id, balance, status, created_at) VALUES ($1, $2, 0, $3, $4)`,
			card.CardNum, userID, CardNormal, now,
		); err != nil {
			return fmt.Errorf("failed to open card: %w", err)
		}

		return nil
	})
	if err != nil {
		return User{}, Card{}, err
	}

	a.logger.Info("user created", logger.Field{Key: "user", Value: userID}, logger.Field{Key: "roles", Value: roles})
	return user, card, nil
}

// EnsureUser creates the account unless it already exists. Used to
// bootstrap the first administrator.
func (a *AuthService) EnsureUser(ctx context.Context, userID, name, password string, roles []string) error {
	_, _, err := a.CreateUser(ctx, userID, name, password, roles)
	if e, ok := router.AsError(err); ok && e.Status == protocol.StatusError {
		return nil
	}

	return err
}

func cardNumber(userID string) string {
	return "C" + userID
}

func splitRoles(s string) []string {
	return normalizeRoles(strings.Split(s, ","))
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			out = append(out, r)
		}
	}

	return out
}
