package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Read-model mutators. Every function here is idempotent: replaying the
// same event is a no-op because writes are UPSERTs on natural keys and
// balance adjustments only run when their guarding leg insert landed.
// They take an Execer so the projector can run them inside the checkpoint
// transaction.

// Transaction leg sides. One on-chain transfer projects as two history
// rows, keyed (on_chain_tx_id, side).
const (
	LegSent     = "SENT"
	LegReceived = "RECEIVED"
)

// User profile statuses projected from wallet lifecycle events. The API
// tier reads this field but never writes it.
const (
	UserActive = "ACTIVE"
	UserFrozen = "FROZEN"
)

// ActivateUserProfile transitions an existing profile to ACTIVE and stamps
// its on-chain registration time. It reports whether a profile matched;
// the projector refuses to invent user rows from events because the
// required PII is never on-chain.
func ActivateUserProfile(ctx context.Context, x Execer, fabricUserID string, registeredAt time.Time) (bool, error) {
	res, err := x.ExecContext(ctx, `
		UPDATE user_profiles
		SET status = 'ACTIVE', onchain_registered_at = $2, updated_at = now()
		WHERE fabric_user_id = $1`,
		fabricUserID, registeredAt)
	if err != nil {
		return false, fmt.Errorf("failed to activate user profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertWallet creates or refreshes a wallet row keyed by wallet id.
func UpsertWallet(ctx context.Context, x Execer, walletID, ownerID, currency string, initialBalance float64) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO wallets (wallet_id, owner_id, currency, cached_balance, is_frozen, updated_at)
		VALUES ($1, $2, $3, $4, false, now())
		ON CONFLICT (wallet_id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
		    currency = EXCLUDED.currency,
		    updated_at = now()`,
		walletID, ownerID, currency, initialBalance)
	if err != nil {
		return fmt.Errorf("failed to upsert wallet: %w", err)
	}
	return nil
}

// TransactionLeg is one side of a projected transfer.
type TransactionLeg struct {
	OnChainTxID string
	Side        string
	WalletID    string
	PeerUserID  string
	Amount      float64
	Fee         float64
	Remark      string
	OccurredAt  time.Time
}

// InsertTransactionLeg records one side of a transfer. It reports whether
// the row was new; a replayed event finds the leg already present and the
// caller skips the balance adjustment that the leg guards.
func InsertTransactionLeg(ctx context.Context, x Execer, leg TransactionLeg) (bool, error) {
	res, err := x.ExecContext(ctx, `
		INSERT INTO wallet_transactions
			(on_chain_tx_id, side, wallet_id, peer_user_id, amount, fee, remark, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (on_chain_tx_id, side) DO NOTHING`,
		leg.OnChainTxID, leg.Side, leg.WalletID, leg.PeerUserID,
		leg.Amount, leg.Fee, leg.Remark, leg.OccurredAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction leg: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AdjustWalletBalance moves a wallet's cached balance by delta. Only call
// it after the guarding leg insert reported a new row.
func AdjustWalletBalance(ctx context.Context, x Execer, walletID string, delta float64) error {
	_, err := x.ExecContext(ctx, `
		UPDATE wallets
		SET cached_balance = cached_balance + $2, updated_at = now()
		WHERE wallet_id = $1`,
		walletID, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust wallet balance: %w", err)
	}
	return nil
}

// SetWalletFrozen flips the wallet freeze flag and mirrors it onto the
// owner's profile status.
func SetWalletFrozen(ctx context.Context, x Execer, walletID string, frozen bool) error {
	_, err := x.ExecContext(ctx, `
		UPDATE wallets
		SET is_frozen = $2, updated_at = now()
		WHERE wallet_id = $1`,
		walletID, frozen)
	if err != nil {
		return fmt.Errorf("failed to set wallet freeze flag: %w", err)
	}

	status := UserActive
	if frozen {
		status = UserFrozen
	}
	_, err = x.ExecContext(ctx, `
		UPDATE user_profiles
		SET status = $2, updated_at = now()
		WHERE fabric_user_id = (SELECT owner_id FROM wallets WHERE wallet_id = $1)`,
		walletID, status)
	if err != nil {
		return fmt.Errorf("failed to mirror freeze onto profile: %w", err)
	}
	return nil
}

// UpsertOrganization creates or refreshes an organization row.
func UpsertOrganization(ctx context.Context, x Execer, orgID, name, founderID string) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO organizations (org_id, name, founder_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (org_id) DO UPDATE
		SET name = EXCLUDED.name, updated_at = now()`,
		orgID, name, founderID)
	if err != nil {
		return fmt.Errorf("failed to upsert organization: %w", err)
	}
	return nil
}

// UpsertProposal creates or refreshes a governance proposal row.
func UpsertProposal(ctx context.Context, x Execer, proposalID, orgID, title string) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO proposals (proposal_id, org_id, title, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (proposal_id) DO UPDATE
		SET title = EXCLUDED.title, updated_at = now()`,
		proposalID, orgID, title)
	if err != nil {
		return fmt.Errorf("failed to upsert proposal: %w", err)
	}
	return nil
}

// InsertVote records a ballot keyed (proposal, voter) and reports whether
// it was new. The tally bump is guarded by that insert so a replayed
// VoteCast never double-counts.
func InsertVote(ctx context.Context, x Execer, proposalID, voterID, choice string) (bool, error) {
	res, err := x.ExecContext(ctx, `
		INSERT INTO proposal_votes (proposal_id, voter_id, choice)
		VALUES ($1, $2, $3)
		ON CONFLICT (proposal_id, voter_id) DO NOTHING`,
		proposalID, voterID, choice)
	if err != nil {
		return false, fmt.Errorf("failed to insert vote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// BumpVoteTally increments the cached tally counter for one choice.
func BumpVoteTally(ctx context.Context, x Execer, proposalID, choice string) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO proposal_tallies (proposal_id, choice, votes)
		VALUES ($1, $2, 1)
		ON CONFLICT (proposal_id, choice) DO UPDATE
		SET votes = proposal_tallies.votes + 1`,
		proposalID, choice)
	if err != nil {
		return fmt.Errorf("failed to bump vote tally: %w", err)
	}
	return nil
}

// UpsertLoan creates or refreshes a loan row; outstanding starts at the
// principal.
func UpsertLoan(ctx context.Context, x Execer, loanID, borrowerID string, principal float64) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO loans (loan_id, borrower_id, principal, outstanding, updated_at)
		VALUES ($1, $2, $3, $3, now())
		ON CONFLICT (loan_id) DO UPDATE
		SET borrower_id = EXCLUDED.borrower_id, updated_at = now()`,
		loanID, borrowerID, principal)
	if err != nil {
		return fmt.Errorf("failed to upsert loan: %w", err)
	}
	return nil
}

// ApplyLoanRepayment decrements a loan's outstanding amount, guarded by a
// repayment row keyed (loan, on-chain tx) so replays are no-ops.
func ApplyLoanRepayment(ctx context.Context, x Execer, loanID, onChainTxID string, amount float64) error {
	res, err := x.ExecContext(ctx, `
		INSERT INTO loan_repayments (loan_id, on_chain_tx_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (loan_id, on_chain_tx_id) DO NOTHING`,
		loanID, onChainTxID, amount)
	if err != nil {
		return fmt.Errorf("failed to insert loan repayment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	_, err = x.ExecContext(ctx, `
		UPDATE loans
		SET outstanding = GREATEST(outstanding - $2, 0), updated_at = now()
		WHERE loan_id = $1`,
		loanID, amount)
	if err != nil {
		return fmt.Errorf("failed to apply loan repayment: %w", err)
	}
	return nil
}

// UpsertTaxRecord creates or refreshes a tax collection row.
func UpsertTaxRecord(ctx context.Context, x Execer, taxID, payerID, period string, amount float64) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO tax_records (tax_id, payer_id, amount, period, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tax_id) DO UPDATE
		SET amount = EXCLUDED.amount, period = EXCLUDED.period, updated_at = now()`,
		taxID, payerID, amount, period)
	if err != nil {
		return fmt.Errorf("failed to upsert tax record: %w", err)
	}
	return nil
}

// AppendTransferApproval adds an approver to a multi-sig transfer's list,
// keyed by the on-chain tx id. Duplicate approvers are filtered by the
// array containment guard.
func AppendTransferApproval(ctx context.Context, x Execer, txID, approverID string, required int) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO multisig_transfers (tx_id, approvers, required_approvals, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tx_id) DO UPDATE
		SET approvers = multisig_transfers.approvers || EXCLUDED.approvers,
		    updated_at = now()
		WHERE NOT multisig_transfers.approvers @> EXCLUDED.approvers`,
		txID, pq.Array([]string{approverID}), required)
	if err != nil {
		return fmt.Errorf("failed to append transfer approval: %w", err)
	}
	return nil
}
