package campus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/router"
)

// CardService operates campus cards. Balances only change through guarded
// SQL statements inside Store.InTx.
type CardService struct {
	store  *Store
	logger logger.Logger
}

// NewCardService creates the service.
func NewCardService(store *Store, log logger.Logger) *CardService {
	return &CardService{store: store, logger: log.With(logger.Field{Key: "service", Value: "card"})}
}

// Balance returns the card of userID.
func (s *CardService) Balance(ctx context.Context, userID string) (Card, error) {
	return loadCard(ctx, s.store.DB(), `SELECT card_num, user_id, balance, status FROM cards WHERE user_id = $1`, userID)
}

// Recharge adds amount cents to a card and records the ledger row.
func (s *CardService) Recharge(ctx context.Context, cardNum string, amount int64) (Card, error) {
	if amount <= 0 {
		return Card{}, router.BadRequest("amount must be positive")
	}

	var card Card
	err := s.store.InTx(ctx, func(tx *sql.Tx) error {
		err := ConditionalIncrement(ctx, tx,
			`UPDATE cards SET balance = balance + $1 WHERE card_num = $2 AND balance <= $3 - $1`,
			amount, cardNum, int64(math.MaxInt64),
		)
		if err != nil && !errors.Is(err, ErrConditionFailed) {
			return fmt.Errorf("failed to recharge: %w", err)
		}

		var loadErr error
		card, loadErr = loadCard(ctx, tx, `SELECT card_num, user_id, balance, status FROM cards WHERE card_num = $1`, cardNum)
		if loadErr != nil {
			return loadErr
		}
		if err != nil {
			return router.BadRequest("balance of %s out of range", cardNum)
		}

		return recordTransaction(ctx, tx, card.CardNum, TxRecharge, amount, card.Balance, "recharge")
	})
	if err != nil {
		return Card{}, err
	}

	s.logger.Info("card recharged", logger.Field{Key: "card", Value: cardNum}, logger.Field{Key: "amount", Value: amount})
	return card, nil
}

// Pay charges amount cents to the card of userID.
func (s *CardService) Pay(ctx context.Context, userID string, amount int64, description string) (Card, error) {
	if amount <= 0 {
		return Card{}, router.BadRequest("amount must be positive")
	}

	var card Card
	err := s.store.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		card, err = debitCard(ctx, tx, userID, amount)
		if err != nil {
			return err
		}

		return recordTransaction(ctx, tx, card.CardNum, TxPayment, -amount, card.Balance, description)
	})
	if err != nil {
		return Card{}, err
	}

	return card, nil
}

// Transactions returns the newest ledger rows of userID's card.
func (s *CardService) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := s.store.DB().QueryContext(ctx,
		`SELECT t.tx_id, t.card_num, t.kind, t.amount, t.balance_after, t.description, t.created_at
		 FROM card_transactions t JOIN cards c ON c.card_num = t.card_num
		 WHERE c.user_id = $1
		 ORDER BY t.created_at DESC, t.tx_id
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.CardNum, &t.Kind, &t.Amount, &t.BalanceAfter, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}

	return out, rows.Err()
}

// ReportLoss freezes the card of userID; payments are refused until Restore.
func (s *CardService) ReportLoss(ctx context.Context, userID string) (Card, error) {
	return s.setStatus(ctx, `UPDATE cards SET status = $1 WHERE user_id = $2`, CardLost, userID,
		`SELECT card_num, user_id, balance, status FROM cards WHERE user_id = $1`)
}

// Restore reactivates a card reported lost.
func (s *CardService) Restore(ctx context.Context, cardNum string) (Card, error) {
	return s.setStatus(ctx, `UPDATE cards SET status = $1 WHERE card_num = $2`, CardNormal, cardNum,
		`SELECT card_num, user_id, balance, status FROM cards WHERE card_num = $1`)
}

func (s *CardService) setStatus(ctx context.Context, update, status, key, query string) (Card, error) {
	var card Card
	err := s.store.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, update, status, key)
		if err != nil {
			return fmt.Errorf("failed to update card status: %w", err)
		}

		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		} else if n == 0 {
			return router.NotFound("card not found")
		}

		card, err = loadCard(ctx, tx, query, key)
		return err
	})
	if err != nil {
		return Card{}, err
	}

	s.logger.Info("card status changed", logger.Field{Key: "card", Value: card.CardNum}, logger.Field{Key: "status", Value: status})
	return card, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadCard(ctx context.Context, q queryRower, query string, key string) (Card, error) {
	var c Card
	err := q.QueryRowContext(ctx, query, key).Scan(&c.CardNum, &c.UserID, &c.Balance, &c.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Card{}, router.NotFound("card not found")
	}
	if err != nil {
		return Card{}, fmt.Errorf("failed to load card: %w", err)
	}

	return c, nil
}

// debitCard subtracts amount from userID's card with one guarded UPDATE and
// explains a failed guard: no card, a lost card or insufficient balance.
func debitCard(ctx context.Context, tx *sql.Tx, userID string, amount int64) (Card, error) {
	err := ConditionalDecrement(ctx, tx,
		`UPDATE cards SET balance = balance - $1 WHERE user_id = $2 AND status = $3 AND balance >= $1`,
		amount, userID, CardNormal,
	)

	card, loadErr := loadCard(ctx, tx, `SELECT card_num, user_id, balance, status FROM cards WHERE user_id = $1`, userID)
	if loadErr != nil {
		return Card{}, loadErr
	}

	switch {
	case errors.Is(err, ErrConditionFailed) && card.Status == CardLost:
		return Card{}, router.FailWrap(err, MsgCardLost)
	case errors.Is(err, ErrConditionFailed):
		return Card{}, router.FailWrap(err, MsgInsufficientBalance)
	case err != nil:
		return Card{}, err
	}

	return card, nil
}

func recordTransaction(ctx context.Context, tx *sql.Tx, cardNum, kind string, amount, balanceAfter int64, description string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO card_transactions (tx_id, card_num, kind, amount, balance_after, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), cardNum, kind, amount, balanceAfter, description, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	return nil
}
