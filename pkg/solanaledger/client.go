/**
 * @description
 * Solana implementation of the payment-service ledger collaborator. It builds
 * unsigned transfers that carry the payment's reference key and reads back what
 * the cluster knows about a submitted signature.
 *
 * @dependencies
 * - github.com/gagliardetto/solana-go: RPC client, transaction and program builders.
 * - github.com/gagliardetto/binary: Decoding SPL mint accounts.
 * - golang.org/x/time/rate: Client-side RPC throttle.
 *
 * @notes
 * - The reference key rides on the transfer instruction as a read-only account
 *   when it is a valid public key, and always in a memo instruction.
 * - Transactions are returned unsigned with empty signature slots; the payer's
 *   wallet signs and submits them.
 */

package solanaledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"

	"github.com/transfa/payment-service/internal/domain"
)

// MemoProgramID is the SPL memo program (v2).
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

var (
	ErrInvalidAddress          = errors.New("invalid ledger address")
	ErrUnsupportedTokenProgram = errors.New("mint is not owned by the SPL token program")
)

// RPC is the subset of the Solana JSON-RPC API the client uses. *rpc.Client
// satisfies it.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Client talks to one Solana RPC endpoint.
type Client struct {
	rpc     RPC
	limiter *rate.Limiter
}

// New creates a client for endpoint throttled to rps requests per second.
func New(endpoint string, rps float64, burst int) *Client {
	return NewWithRPC(rpc.New(endpoint), rps, burst)
}

// NewWithRPC wraps an existing RPC implementation.
func NewWithRPC(api RPC, rps float64, burst int) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Client{rpc: api, limiter: rate.NewLimiter(limit, burst)}
}

// BuildTransferTransaction returns the serialized, unsigned transfer for req.
func (c *Client) BuildTransferTransaction(ctx context.Context, req domain.TransferRequest) ([]byte, error) {
	payer, err := solana.PublicKeyFromBase58(strings.TrimSpace(req.Payer))
	if err != nil {
		return nil, fmt.Errorf("%w: payer: %v", ErrInvalidAddress, err)
	}
	destination, err := solana.PublicKeyFromBase58(strings.TrimSpace(req.Destination))
	if err != nil {
		return nil, fmt.Errorf("%w: destination: %v", ErrInvalidAddress, err)
	}
	if req.AmountLamports <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	var transfer solana.Instruction
	if req.SPLToken == nil {
		transfer, err = system.NewTransferInstructionBuilder().
			SetLamports(uint64(req.AmountLamports)).
			SetFundingAccount(payer).
			SetRecipientAccount(destination).
			ValidateAndBuild()
	} else {
		transfer, err = c.splTransfer(ctx, payer, destination, req)
	}
	if err != nil {
		return nil, fmt.Errorf("build transfer instruction: %w", err)
	}

	if domain.IsDerivedReferenceKey(req.ReferenceKey) {
		reference := solana.MustPublicKeyFromBase58(req.ReferenceKey)
		if transfer, err = withReadOnlyAccount(transfer, reference); err != nil {
			return nil, err
		}
	}
	memo := solana.NewInstruction(MemoProgramID, solana.AccountMetaSlice{}, []byte(req.ReferenceKey))

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	latest, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{transfer, memo},
		latest.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return nil, fmt.Errorf("assemble transaction: %w", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)

	return tx.MarshalBinary()
}

func (c *Client) splTransfer(ctx context.Context, payer, destination solana.PublicKey, req domain.TransferRequest) (solana.Instruction, error) {
	mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(req.SPLToken.Mint))
	if err != nil {
		return nil, fmt.Errorf("%w: mint: %v", ErrInvalidAddress, err)
	}

	decimals := req.SPLToken.Decimals
	if decimals == 0 {
		decimals, err = c.mintDecimals(ctx, mint)
		if err != nil {
			return nil, err
		}
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(payer, mint)
	if err != nil {
		return nil, fmt.Errorf("derive source token account: %w", err)
	}
	destinationATA, _, err := solana.FindAssociatedTokenAddress(destination, mint)
	if err != nil {
		return nil, fmt.Errorf("derive destination token account: %w", err)
	}

	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(uint64(req.AmountLamports)).
		SetDecimals(decimals).
		SetSourceAccount(sourceATA).
		SetMintAccount(mint).
		SetDestinationAccount(destinationATA).
		SetOwnerAccount(payer).
		ValidateAndBuild()
}

func (c *Client) mintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	account, err := c.rpc.GetAccountInfo(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("get mint account: %w", err)
	}
	if account == nil || account.Value == nil {
		return 0, fmt.Errorf("mint account %s not found", mint)
	}
	if account.Value.Owner != solana.TokenProgramID {
		return 0, ErrUnsupportedTokenProgram
	}

	var mintData token.Mint
	if err := bin.NewBinDecoder(account.Value.Data.GetBinary()).Decode(&mintData); err != nil {
		return 0, fmt.Errorf("decode mint account: %w", err)
	}
	return mintData.Decimals, nil
}

// withReadOnlyAccount appends a non-signing, read-only account to ix so the
// transaction can later be found by that key.
func withReadOnlyAccount(ix solana.Instruction, account solana.PublicKey) (solana.Instruction, error) {
	data, err := ix.Data()
	if err != nil {
		return nil, fmt.Errorf("encode instruction data: %w", err)
	}
	accounts := append(solana.AccountMetaSlice{}, ix.Accounts()...)
	accounts = append(accounts, solana.Meta(account))
	return solana.NewInstruction(ix.ProgramID(), accounts, data), nil
}

// QueryTransaction reports the cluster's view of signature. A signature the
// cluster has not seen yields Found=false and a nil error; errors are reserved
// for transport failures.
func (c *Client) QueryTransaction(ctx context.Context, signature string) (*domain.LedgerTransaction, error) {
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(signature))
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrInvalidAddress, err)
	}
	observation := &domain.LedgerTransaction{Signature: signature}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	statuses, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("get signature status: %w", err)
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return observation, nil
	}
	status := statuses.Value[0]

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	maxVersion := uint64(0)
	result, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && result == nil) {
		// Processed but not yet visible at confirmed commitment.
		return observation, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	return Observe(signature, commitmentOf(status.ConfirmationStatus), status.Err, result)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func commitmentOf(status rpc.ConfirmationStatusType) domain.Commitment {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return domain.CommitmentFinalized
	case rpc.ConfirmationStatusConfirmed:
		return domain.CommitmentConfirmed
	default:
		return domain.CommitmentProcessed
	}
}

// Observe converts a fetched transaction into a ledger observation: account
// keys, memos, and every positive native or SPL balance movement.
func Observe(signature string, commitment domain.Commitment, statusErr interface{}, result *rpc.GetTransactionResult) (*domain.LedgerTransaction, error) {
	observation := &domain.LedgerTransaction{
		Signature:  signature,
		Found:      true,
		Commitment: commitment,
	}
	if statusErr != nil {
		observation.ExecutionError = fmt.Sprint(statusErr)
	}
	if result == nil || result.Transaction == nil {
		return observation, nil
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	keys := append(solana.PublicKeySlice{}, tx.Message.AccountKeys...)
	meta := result.Meta
	if meta != nil {
		keys = append(keys, meta.LoadedAddresses.Writable...)
		keys = append(keys, meta.LoadedAddresses.ReadOnly...)
		if meta.Err != nil && observation.ExecutionError == "" {
			observation.ExecutionError = fmt.Sprint(meta.Err)
		}
	}
	for _, key := range keys {
		observation.AccountKeys = append(observation.AccountKeys, key.String())
	}

	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) < len(keys) && keys[ix.ProgramIDIndex].Equals(MemoProgramID) {
			observation.Memos = append(observation.Memos, string(ix.Data))
		}
	}
	if meta == nil {
		return observation, nil
	}
	observation.Memos = append(observation.Memos, memosFromLogs(meta.LogMessages)...)

	for i := 0; i < len(meta.PostBalances) && i < len(meta.PreBalances) && i < len(keys); i++ {
		if meta.PostBalances[i] > meta.PreBalances[i] {
			observation.Transfers = append(observation.Transfers, domain.LedgerTransfer{
				Destination: keys[i].String(),
				Amount:      int64(meta.PostBalances[i] - meta.PreBalances[i]),
			})
		}
	}
	observation.Transfers = append(observation.Transfers, tokenCredits(meta)...)
	return observation, nil
}

func tokenCredits(meta *rpc.TransactionMeta) []domain.LedgerTransfer {
	pre := make(map[uint16]int64, len(meta.PreTokenBalances))
	for _, balance := range meta.PreTokenBalances {
		pre[balance.AccountIndex] = tokenAmount(balance.UiTokenAmount)
	}

	var credits []domain.LedgerTransfer
	for _, balance := range meta.PostTokenBalances {
		if balance.Owner == nil {
			continue
		}
		delta := tokenAmount(balance.UiTokenAmount) - pre[balance.AccountIndex]
		if delta <= 0 {
			continue
		}
		credits = append(credits, domain.LedgerTransfer{
			Destination: balance.Owner.String(),
			Mint:        balance.Mint.String(),
			Amount:      delta,
		})
	}
	return credits
}

func tokenAmount(amount *rpc.UiTokenAmount) int64 {
	if amount == nil {
		return 0
	}
	value, err := strconv.ParseInt(amount.Amount, 10, 64)
	if err != nil {
		return 0
	}
	return value
}

// memosFromLogs extracts memo text from lines such as
// `Program log: Memo (len 7): "pay_123"`.
func memosFromLogs(logs []string) []string {
	var memos []string
	for _, line := range logs {
		idx := strings.Index(line, "Memo (len")
		if idx < 0 {
			continue
		}
		rest := line[idx:]
		start := strings.Index(rest, `: "`)
		if start < 0 {
			continue
		}
		content := strings.TrimSuffix(rest[start+3:], `"`)
		memos = append(memos, content)
	}
	return memos
}
