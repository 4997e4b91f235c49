package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/socialens/socialens/internal/domain"
	"github.com/socialens/socialens/internal/repository"
)

const transactionInsert = `INSERT INTO transactions (id, team_id, user_id, amount, type, description, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Debit admits a billable action against the owning team's balance. The
// decrement is a single conditional UPDATE: it only applies when the balance
// covers the cost, which is what serialises concurrent admissions against
// the same team. The transaction append and the spender's monthly counter
// ride in the same database transaction, so either all three writes land or
// none do.
func (r *Repository) Debit(ctx context.Context, txn *domain.Transaction) error {
	if txn == nil || txn.Amount >= 0 {
		return repository.ErrInvalidArgument
	}
	cost := -txn.Amount

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ownerID, err := teamOwner(ctx, tx, txn.TeamID)
	if err != nil {
		return err
	}

	const debit = `UPDATE users SET token_balance = token_balance - $2
		WHERE id = $1 AND token_balance >= $2`
	tag, err := tx.Exec(ctx, debit, ownerID, cost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, transactionInsert, txn.ID, txn.TeamID, txn.UserID, txn.Amount, txn.Type, txn.Description, txn.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET tokens_used = tokens_used + $2 WHERE id = $1`, txn.UserID, cost); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Credit adjusts the owning team's balance by a signed amount and appends
// the transaction row. Negative corrections use the same conditional shape
// as Debit so the balance never crosses zero.
func (r *Repository) Credit(ctx context.Context, txn *domain.Transaction) error {
	if txn == nil || txn.Amount == 0 {
		return repository.ErrInvalidArgument
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ownerID, err := teamOwner(ctx, tx, txn.TeamID)
	if err != nil {
		return err
	}
	const credit = `UPDATE users SET token_balance = token_balance + $2
		WHERE id = $1 AND token_balance + $2 >= 0`
	tag, err := tx.Exec(ctx, credit, ownerID, txn.Amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrInsufficientFunds
	}
	if _, err := tx.Exec(ctx, transactionInsert, txn.ID, txn.TeamID, txn.UserID, txn.Amount, txn.Type, txn.Description, txn.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetBalance pins the owning team's balance to an absolute value and records
// the delta as a transaction. Used for plan grants and resets.
func (r *Repository) SetBalance(ctx context.Context, teamID, userID string, balance int64, txnType, description string) (*domain.Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ownerID, err := teamOwner(ctx, tx, teamID)
	if err != nil {
		return nil, err
	}

	var previous int64
	if err := tx.QueryRow(ctx, `SELECT token_balance FROM users WHERE id = $1 FOR UPDATE`, ownerID).Scan(&previous); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET token_balance = $2 WHERE id = $1`, ownerID, balance); err != nil {
		return nil, err
	}

	txn := newBalanceTransaction(teamID, userID, balance-previous, txnType, description)
	if _, err := tx.Exec(ctx, transactionInsert, txn.ID, txn.TeamID, txn.UserID, txn.Amount, txn.Type, txn.Description, txn.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return txn, nil
}

// ListTransactions returns a page of a team's ledger history, newest first.
func (r *Repository) ListTransactions(ctx context.Context, teamID string, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, team_id, user_id, amount, type, description, created_at
		FROM transactions WHERE team_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, teamID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.TeamID, &t.UserID, &t.Amount, &t.Type, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// ResetTransactions wipes a team's ledger history.
func (r *Repository) ResetTransactions(ctx context.Context, teamID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM transactions WHERE team_id = $1`, teamID)
	return err
}

func newBalanceTransaction(teamID, userID string, amount int64, txnType, description string) *domain.Transaction {
	return &domain.Transaction{
		ID:          uuid.NewString(),
		TeamID:      teamID,
		UserID:      userID,
		Amount:      amount,
		Type:        txnType,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
}

func teamOwner(ctx context.Context, tx pgx.Tx, teamID string) (string, error) {
	var ownerID string
	if err := tx.QueryRow(ctx, `SELECT owner_id FROM teams WHERE id = $1`, teamID).Scan(&ownerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return ownerID, nil
}
