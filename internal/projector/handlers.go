package projector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coinpath/bridge/internal/schema"
	"github.com/coinpath/bridge/internal/store"
)

// EventMeta carries an event's ledger position into its handler.
type EventMeta struct {
	TxID        string
	BlockNumber uint64
	TxIndex     int
	EventIndex  int
	Timestamp   time.Time
}

// eventTime returns when the event happened on-chain. The payload's own
// timestamp wins so replays do not re-date history; the stream receipt
// time only stands in when the chaincode omitted the field.
func eventTime(meta EventMeta, env *schema.Envelope) time.Time {
	raw := env.String("timestamp")
	if raw == "" {
		return meta.Timestamp
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return meta.Timestamp
	}
	return ts.UTC()
}

// Handler applies one event's effects inside the checkpoint transaction.
// Handlers only touch the event payload and existing read-model rows;
// idempotency comes from natural-key UPSERTs and guarded balance updates.
type Handler func(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error

// Handlers is the dispatch table keyed by canonical event name.
type Handlers map[string]Handler

// NewCoinHandlers builds the read-model handler catalog for the coin
// protocol.
func NewCoinHandlers(log *slog.Logger) Handlers {
	return Handlers{
		schema.EventUserCreated:         handleUserCreated(log),
		schema.EventWalletCreated:       handleWalletCreated,
		schema.EventTransferCompleted:   handleTransferCompleted,
		schema.EventWalletFrozen:        handleWalletFreeze(true),
		schema.EventWalletUnfrozen:      handleWalletFreeze(false),
		schema.EventOrganizationCreated: handleOrganizationCreated,
		schema.EventProposalCreated:     handleProposalCreated,
		schema.EventVoteCast:            handleVoteCast,
		schema.EventLoanIssued:          handleLoanIssued,
		schema.EventLoanRepaid:          handleLoanRepaid,
		schema.EventTaxCollected:        handleTaxCollected,
		schema.EventTransferApproved:    handleTransferApproved,
	}
}

// handleUserCreated activates the profile that the API tier created during
// registration. A missing profile is skipped with a warning: required PII
// is never on-chain, so the projector refuses to invent user rows.
func handleUserCreated(log *slog.Logger) Handler {
	return func(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error {
		fabricUserID := env.String("fabricUserId")
		if fabricUserID == "" {
			return fmt.Errorf("UserCreated without fabricUserId")
		}

		found, err := store.ActivateUserProfile(ctx, x, fabricUserID, eventTime(meta, env))
		if err != nil {
			return err
		}
		if !found {
			log.Warn("UserCreated for unknown profile, skipping",
				"fabric_user_id", fabricUserID, "block", meta.BlockNumber)
		}
		return nil
	}
}

func handleWalletCreated(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error {
	walletID := env.String("walletId")
	if walletID == "" {
		return fmt.Errorf("WalletCreated without walletId")
	}
	return store.UpsertWallet(ctx, x, walletID, env.String("ownerId"), env.String("currency"), env.Number("initialBalance"))
}

// handleTransferCompleted projects one on-chain transfer as two history
// legs and two balance adjustments. Each adjustment only runs when its leg
// insert landed, so replaying the event is a no-op.
func handleTransferCompleted(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error {
	from := env.String("fromUserId")
	to := env.String("toUserId")
	fromWallet := env.String("fromWalletId")
	toWallet := env.String("toWalletId")
	if fromWallet == "" || toWallet == "" {
		return fmt.Errorf("TransferCompleted without wallet ids")
	}

	amount := env.Number("amount")
	fee := env.Number("fee")
	remark := env.String("remark")
	occurredAt := eventTime(meta, env)

	inserted, err := store.InsertTransactionLeg(ctx, x, store.TransactionLeg{
		OnChainTxID: meta.TxID,
		Side:        store.LegSent,
		WalletID:    fromWallet,
		PeerUserID:  to,
		Amount:      amount,
		Fee:         fee,
		Remark:      remark,
		OccurredAt:  occurredAt,
	})
	if err != nil {
		return err
	}
	if inserted {
		if err := store.AdjustWalletBalance(ctx, x, fromWallet, -(amount + fee)); err != nil {
			return err
		}
	}

	inserted, err = store.InsertTransactionLeg(ctx, x, store.TransactionLeg{
		OnChainTxID: meta.TxID,
		Side:        store.LegReceived,
		WalletID:    toWallet,
		PeerUserID:  from,
		Amount:      amount,
		Remark:      remark,
		OccurredAt:  occurredAt,
	})
	if err != nil {
		return err
	}
	if inserted {
		if err := store.AdjustWalletBalance(ctx, x, toWallet, amount); err != nil {
			return err
		}
	}
	return nil
}

func handleWalletFreeze(frozen bool) Handler {
	return func(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error {
		walletID := env.String("walletId")
		if walletID == "" {
			return fmt.Errorf("wallet freeze event without walletId")
		}
		return store.SetWalletFrozen(ctx, x, walletID, frozen)
	}
}

func handleOrganizationCreated(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error {
	orgID := env.String("orgId")
	if orgID == "" {
		return fmt.Errorf("OrganizationCreated without orgId")
	}
	return store.UpsertOrganization(ctx, x, orgID, env.String("name"), env.String("founderId"))
}

func handleProposalCreated(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error {
	proposalID := env.String("proposalId")
	if proposalID == "" {
		return fmt.Errorf("ProposalCreated without proposalId")
	}
	return store.UpsertProposal(ctx, x, proposalID, env.String("orgId"), env.String("title"))
}

// handleVoteCast records the ballot and bumps the tally only when the
// ballot row was new.
func handleVoteCast(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error {
	proposalID := env.String("proposalId")
	voterID := env.String("voterId")
	choice := env.String("choice")
	if proposalID == "" || voterID == "" {
		return fmt.Errorf("VoteCast without proposalId or voterId")
	}

	inserted, err := store.InsertVote(ctx, x, proposalID, voterID, choice)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	return store.BumpVoteTally(ctx, x, proposalID, choice)
}

func handleLoanIssued(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error {
	loanID := env.String("loanId")
	if loanID == "" {
		return fmt.Errorf("LoanIssued without loanId")
	}
	return store.UpsertLoan(ctx, x, loanID, env.String("borrowerId"), env.Number("principal"))
}

func handleLoanRepaid(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error {
	loanID := env.String("loanId")
	if loanID == "" {
		return fmt.Errorf("LoanRepaid without loanId")
	}
	return store.ApplyLoanRepayment(ctx, x, loanID, meta.TxID, env.Number("amount"))
}

func handleTaxCollected(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error {
	taxID := env.String("taxId")
	if taxID == "" {
		return fmt.Errorf("TaxCollected without taxId")
	}
	return store.UpsertTaxRecord(ctx, x, taxID, env.String("payerId"), env.String("period"), env.Number("amount"))
}

func handleTransferApproved(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error {
	txID := env.String("txId")
	approverID := env.String("approverId")
	if txID == "" || approverID == "" {
		return fmt.Errorf("TransferApproved without txId or approverId")
	}
	return store.AppendTransferApproval(ctx, x, txID, approverID, int(env.Number("required")))
}
