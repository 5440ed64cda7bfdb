// Package outbox drains outbox_commands into the ledger: a registry maps
// command types onto chaincode functions, and a worker pool claims, submits
// and records verdicts with at-least-once delivery.
package outbox

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Command types accepted from the API tier.
const (
	CmdRegisterUser       = "REGISTER_USER"
	CmdCreateWallet       = "CREATE_WALLET"
	CmdTransferTokens     = "TRANSFER_TOKENS"
	CmdFreezeWallet       = "FREEZE_WALLET"
	CmdUnfreezeWallet     = "UNFREEZE_WALLET"
	CmdCreateOrganization = "CREATE_ORGANIZATION"
	CmdCreateProposal     = "CREATE_PROPOSAL"
	CmdCastVote           = "CAST_VOTE"
	CmdIssueLoan          = "ISSUE_LOAN"
	CmdRepayLoan          = "REPAY_LOAN"
	CmdCollectTax         = "COLLECT_TAX"
)

// Binding ties a command type to its chaincode function. Encode validates
// the payload and produces the argument list; Aggregate names the FIFO
// ordering key the enqueue path must store on the row.
type Binding struct {
	Function  string
	Version   string
	Encode    func(payload json.RawMessage) ([]string, error)
	Aggregate func(payload json.RawMessage) (string, error)
}

// Registry is the versioned commandType → chaincode mapping. Populated at
// startup, read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Register adds a binding; a duplicate command type is a startup error.
func (r *Registry) Register(commandType string, b Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if commandType == "" || b.Function == "" || b.Encode == nil {
		return fmt.Errorf("binding for %q needs a function and encoder", commandType)
	}
	if _, exists := r.bindings[commandType]; exists {
		return fmt.Errorf("command type %q already bound", commandType)
	}
	if b.Version == "" {
		b.Version = "1"
	}
	r.bindings[commandType] = b
	return nil
}

// Lookup resolves a command type; unknown types are terminal failures for
// the submitter.
func (r *Registry) Lookup(commandType string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[commandType]
	return b, ok
}

// CommandTypes lists the registered types, sorted.
func (r *Registry) CommandTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.bindings))
	for t := range r.bindings {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// payloadField pulls one string attribute out of a JSON payload.
func payloadFields(payload json.RawMessage) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	return fields, nil
}

func requireString(fields map[string]interface{}, name string) (string, error) {
	v, ok := fields[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("payload field %q is required", name)
	}
	return v, nil
}

func optionalString(fields map[string]interface{}, name string) string {
	v, _ := fields[name].(string)
	return v
}

func requireNumber(fields map[string]interface{}, name string) (float64, error) {
	v, ok := fields[name].(float64)
	if !ok {
		return 0, fmt.Errorf("payload field %q must be a number", name)
	}
	return v, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// stringArgs builds an encoder that extracts required string fields in
// order.
func stringArgs(names ...string) func(json.RawMessage) ([]string, error) {
	return func(payload json.RawMessage) ([]string, error) {
		fields, err := payloadFields(payload)
		if err != nil {
			return nil, err
		}
		args := make([]string, 0, len(names))
		for _, n := range names {
			v, err := requireString(fields, n)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return args, nil
	}
}

// aggregateField builds an aggregate-key extractor for one payload field.
func aggregateField(name string) func(json.RawMessage) (string, error) {
	return func(payload json.RawMessage) (string, error) {
		fields, err := payloadFields(payload)
		if err != nil {
			return "", err
		}
		return requireString(fields, name)
	}
}

// NewCoinRegistry binds the coin protocol's command catalog to its
// chaincode functions.
func NewCoinRegistry() (*Registry, error) {
	r := NewRegistry()

	bindings := map[string]Binding{
		CmdRegisterUser: {
			Function:  "RegisterUser",
			Encode:    stringArgs("userId", "publicKey"),
			Aggregate: aggregateField("userId"),
		},
		CmdCreateWallet: {
			Function:  "CreateWallet",
			Encode:    stringArgs("userId", "currency"),
			Aggregate: aggregateField("userId"),
		},
		CmdTransferTokens: {
			Function: "TransferTokens",
			Encode: func(payload json.RawMessage) ([]string, error) {
				fields, err := payloadFields(payload)
				if err != nil {
					return nil, err
				}
				from, err := requireString(fields, "fromUserId")
				if err != nil {
					return nil, err
				}
				to, err := requireString(fields, "toUserId")
				if err != nil {
					return nil, err
				}
				amount, err := requireNumber(fields, "amount")
				if err != nil {
					return nil, err
				}
				if amount <= 0 {
					return nil, fmt.Errorf("payload field \"amount\" must be positive")
				}
				return []string{from, to, formatAmount(amount), optionalString(fields, "remark")}, nil
			},
			Aggregate: aggregateField("fromUserId"),
		},
		CmdFreezeWallet: {
			Function:  "FreezeWallet",
			Encode:    stringArgs("walletId", "reason"),
			Aggregate: aggregateField("walletId"),
		},
		CmdUnfreezeWallet: {
			Function:  "UnfreezeWallet",
			Encode:    stringArgs("walletId"),
			Aggregate: aggregateField("walletId"),
		},
		CmdCreateOrganization: {
			Function:  "CreateOrganization",
			Encode:    stringArgs("orgId", "name", "founderId"),
			Aggregate: aggregateField("orgId"),
		},
		CmdCreateProposal: {
			Function:  "CreateProposal",
			Encode:    stringArgs("proposalId", "orgId", "title"),
			Aggregate: aggregateField("proposalId"),
		},
		CmdCastVote: {
			Function:  "CastVote",
			Encode:    stringArgs("proposalId", "voterId", "choice"),
			Aggregate: aggregateField("proposalId"),
		},
		CmdIssueLoan: {
			Function: "IssueLoan",
			Encode: func(payload json.RawMessage) ([]string, error) {
				fields, err := payloadFields(payload)
				if err != nil {
					return nil, err
				}
				loanID, err := requireString(fields, "loanId")
				if err != nil {
					return nil, err
				}
				borrower, err := requireString(fields, "borrowerId")
				if err != nil {
					return nil, err
				}
				principal, err := requireNumber(fields, "principal")
				if err != nil {
					return nil, err
				}
				return []string{loanID, borrower, formatAmount(principal)}, nil
			},
			Aggregate: aggregateField("loanId"),
		},
		CmdRepayLoan: {
			Function: "RepayLoan",
			Encode: func(payload json.RawMessage) ([]string, error) {
				fields, err := payloadFields(payload)
				if err != nil {
					return nil, err
				}
				loanID, err := requireString(fields, "loanId")
				if err != nil {
					return nil, err
				}
				amount, err := requireNumber(fields, "amount")
				if err != nil {
					return nil, err
				}
				return []string{loanID, formatAmount(amount)}, nil
			},
			Aggregate: aggregateField("loanId"),
		},
		CmdCollectTax: {
			Function: "CollectTax",
			Encode: func(payload json.RawMessage) ([]string, error) {
				fields, err := payloadFields(payload)
				if err != nil {
					return nil, err
				}
				taxID, err := requireString(fields, "taxId")
				if err != nil {
					return nil, err
				}
				payer, err := requireString(fields, "payerId")
				if err != nil {
					return nil, err
				}
				amount, err := requireNumber(fields, "amount")
				if err != nil {
					return nil, err
				}
				return []string{taxID, payer, formatAmount(amount), optionalString(fields, "period")}, nil
			},
			Aggregate: aggregateField("payerId"),
		},
	}

	for t, b := range bindings {
		if err := r.Register(t, b); err != nil {
			return nil, err
		}
	}
	return r, nil
}
