package schema

// Canonical chaincode event names emitted by the coin protocol.
const (
	EventUserCreated         = "UserCreated"
	EventWalletCreated       = "WalletCreated"
	EventTransferCompleted   = "TransferCompleted"
	EventWalletFrozen        = "WalletFrozen"
	EventWalletUnfrozen      = "WalletUnfrozen"
	EventOrganizationCreated = "OrganizationCreated"
	EventProposalCreated     = "ProposalCreated"
	EventVoteCast            = "VoteCast"
	EventLoanIssued          = "LoanIssued"
	EventLoanRepaid          = "LoanRepaid"
	EventTaxCollected        = "TaxCollected"
	EventTransferApproved    = "TransferApproved"

	// Legacy name still emitted by older chaincode deployments.
	EventInternalTransfer = "InternalTransferEvent"
)

// NewCoinRegistry builds the registry for the coin protocol's event catalog
// and seals it.
func NewCoinRegistry() (*Registry, error) {
	r := NewRegistry()

	descriptors := []Descriptor{
		{
			Name: EventUserCreated, Version: "1",
			Fields: []Field{
				{Name: "fabricUserId", Type: FieldString, Required: true},
				{Name: "timestamp", Type: FieldString},
			},
		},
		{
			Name: EventWalletCreated, Version: "1",
			Fields: []Field{
				{Name: "walletId", Type: FieldString, Required: true},
				{Name: "ownerId", Type: FieldString, Required: true},
				{Name: "currency", Type: FieldString},
				{Name: "initialBalance", Type: FieldNumber},
			},
		},
		{
			Name: EventTransferCompleted, Version: "1",
			Fields: []Field{
				{Name: "fromUserId", Type: FieldString, Required: true},
				{Name: "toUserId", Type: FieldString, Required: true},
				{Name: "fromWalletId", Type: FieldString, Required: true},
				{Name: "toWalletId", Type: FieldString, Required: true},
				{Name: "amount", Type: FieldNumber, Required: true},
				{Name: "fee", Type: FieldNumber},
				{Name: "remark", Type: FieldString},
				{Name: "timestamp", Type: FieldString},
			},
		},
		{
			Name: EventWalletFrozen, Version: "1",
			Fields: []Field{
				{Name: "walletId", Type: FieldString, Required: true},
				{Name: "ownerId", Type: FieldString},
				{Name: "reason", Type: FieldString},
			},
		},
		{
			Name: EventWalletUnfrozen, Version: "1",
			Fields: []Field{
				{Name: "walletId", Type: FieldString, Required: true},
				{Name: "ownerId", Type: FieldString},
			},
		},
		{
			Name: EventOrganizationCreated, Version: "1",
			Fields: []Field{
				{Name: "orgId", Type: FieldString, Required: true},
				{Name: "name", Type: FieldString, Required: true},
				{Name: "founderId", Type: FieldString},
			},
		},
		{
			Name: EventProposalCreated, Version: "1",
			Fields: []Field{
				{Name: "proposalId", Type: FieldString, Required: true},
				{Name: "orgId", Type: FieldString},
				{Name: "title", Type: FieldString, Required: true},
			},
		},
		{
			Name: EventVoteCast, Version: "1",
			Fields: []Field{
				{Name: "proposalId", Type: FieldString, Required: true},
				{Name: "voterId", Type: FieldString, Required: true},
				{Name: "choice", Type: FieldString, Required: true},
			},
		},
		{
			Name: EventLoanIssued, Version: "1",
			Fields: []Field{
				{Name: "loanId", Type: FieldString, Required: true},
				{Name: "borrowerId", Type: FieldString, Required: true},
				{Name: "principal", Type: FieldNumber, Required: true},
			},
		},
		{
			Name: EventLoanRepaid, Version: "1",
			Fields: []Field{
				{Name: "loanId", Type: FieldString, Required: true},
				{Name: "amount", Type: FieldNumber, Required: true},
			},
		},
		{
			Name: EventTaxCollected, Version: "1",
			Fields: []Field{
				{Name: "taxId", Type: FieldString, Required: true},
				{Name: "payerId", Type: FieldString, Required: true},
				{Name: "amount", Type: FieldNumber, Required: true},
				{Name: "period", Type: FieldString},
			},
		},
		{
			Name: EventTransferApproved, Version: "1",
			Fields: []Field{
				{Name: "txId", Type: FieldString, Required: true},
				{Name: "approverId", Type: FieldString, Required: true},
				{Name: "required", Type: FieldNumber},
			},
		},
	}

	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}

	if err := r.RegisterAlias(EventInternalTransfer, EventTransferCompleted); err != nil {
		return nil, err
	}

	r.Seal()
	return r, nil
}
