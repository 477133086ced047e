package domain

import (
	"strings"

	"github.com/mr-tron/base58"
)

// Commitment is how final the ledger considers an observed transaction.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// TransferRequest is what the ledger client needs to build an unsigned transfer.
type TransferRequest struct {
	Payer          string
	Destination    string
	AmountLamports int64
	ReferenceKey   string
	SPLToken       *SPLToken
}

// LedgerTransfer is a positive balance movement observed in a transaction.
// Mint is empty for native transfers; Destination is the owning wallet.
type LedgerTransfer struct {
	Destination string `json:"destination"`
	Mint        string `json:"mint,omitempty"`
	Amount      int64  `json:"amount"`
}

// LedgerTransaction is the ledger's view of one signature.
type LedgerTransaction struct {
	Signature      string           `json:"signature"`
	Found          bool             `json:"found"`
	Commitment     Commitment       `json:"commitment,omitempty"`
	ExecutionError string           `json:"execution_error,omitempty"`
	AccountKeys    []string         `json:"account_keys,omitempty"`
	Memos          []string         `json:"memos,omitempty"`
	Transfers      []LedgerTransfer `json:"transfers,omitempty"`
}

// Confirmed reports whether the transaction reached at least confirmed commitment.
func (t *LedgerTransaction) Confirmed() bool {
	return t.Found && (t.Commitment == CommitmentConfirmed || t.Commitment == CommitmentFinalized)
}

// References reports whether the reference key rides on the transaction, either
// as an account key or as a whole whitespace-separated token of a memo.
func (t *LedgerTransaction) References(referenceKey string) bool {
	referenceKey = strings.TrimSpace(referenceKey)
	if referenceKey == "" {
		return false
	}
	for _, key := range t.AccountKeys {
		if key == referenceKey {
			return true
		}
	}
	for _, memo := range t.Memos {
		for _, token := range strings.Fields(memo) {
			if token == referenceKey {
				return true
			}
		}
	}
	return false
}

// TransferTo returns the summed transfer credited to destination in mint.
func (t *LedgerTransaction) TransferTo(destination, mint string) (LedgerTransfer, bool) {
	total := LedgerTransfer{Destination: destination, Mint: mint}
	found := false
	for _, transfer := range t.Transfers {
		if transfer.Destination == destination && transfer.Mint == mint {
			total.Amount += transfer.Amount
			found = true
		}
	}
	return total, found
}

// IsLedgerSignature reports whether sig is a base58 encoded 64-byte signature.
func IsLedgerSignature(sig string) bool {
	raw, err := base58.Decode(strings.TrimSpace(sig))
	return err == nil && len(raw) == 64
}
