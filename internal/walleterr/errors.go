// Package walleterr defines the error taxonomy shared by every chain provider.
// Chain adapters translate native SDK and RPC errors into an *Error before
// they reach the orchestrator.
package walleterr

import (
	"errors"
	"fmt"
	"sort"
)

// Kind classifies a wallet failure.
type Kind string

const (
	MnemonicMissing          Kind = "MNEMONIC_MISSING"
	VaultUnavailable         Kind = "VAULT_UNAVAILABLE"
	AssetNotSupported        Kind = "ASSET_NOT_SUPPORTED"
	ProviderUnavailable      Kind = "PROVIDER_UNAVAILABLE"
	DestinationMissing       Kind = "DESTINATION_MISSING"
	AmountInvalid            Kind = "AMOUNT_INVALID"
	InvalidAddress           Kind = "INVALID_ADDRESS"
	NetworkUnavailable       Kind = "NETWORK_UNAVAILABLE"
	Timeout                  Kind = "TIMEOUT"
	RpcError                 Kind = "RPC_ERROR"
	SecureStorageUnavailable Kind = "SECURE_STORAGE_UNAVAILABLE"
	OperationFailed          Kind = "OPERATION_FAILED"
	UnsupportedFeature       Kind = "UNSUPPORTED_FEATURE"

	// Payment-request parsing.
	WrongNetwork Kind = "WRONG_NETWORK"
	WrongToken   Kind = "WRONG_TOKEN"
)

// Error is the structured wallet error.
type Error struct {
	Kind    Kind              // Machine-readable classification
	Message string            // Human-readable message
	Details map[string]string // Additional context (per-input failures, asset code, ...)
	Cause   error             // Underlying error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}

	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			msg = fmt.Sprintf("%s (%s: %s)", msg, k, e.Details[k])
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrMnemonicMissing          = &Error{Kind: MnemonicMissing, Message: "wallet mnemonic is missing"}
	ErrVaultUnavailable         = &Error{Kind: VaultUnavailable, Message: "wallet has not been set up"}
	ErrAssetNotSupported        = &Error{Kind: AssetNotSupported, Message: "asset is not supported"}
	ErrProviderUnavailable      = &Error{Kind: ProviderUnavailable, Message: "no provider for network"}
	ErrDestinationMissing       = &Error{Kind: DestinationMissing, Message: "destination address is required"}
	ErrAmountInvalid            = &Error{Kind: AmountInvalid, Message: "amount must be greater than zero"}
	ErrInvalidAddress           = &Error{Kind: InvalidAddress, Message: "invalid address"}
	ErrNetworkUnavailable       = &Error{Kind: NetworkUnavailable, Message: "network unavailable"}
	ErrTimeout                  = &Error{Kind: Timeout, Message: "request timed out"}
	ErrRPC                      = &Error{Kind: RpcError, Message: "rpc error"}
	ErrSecureStorageUnavailable = &Error{Kind: SecureStorageUnavailable, Message: "secure storage unavailable"}
	ErrOperationFailed          = &Error{Kind: OperationFailed, Message: "operation failed"}
	ErrUnsupportedFeature       = &Error{Kind: UnsupportedFeature, Message: "feature not supported"}
	ErrWrongNetwork             = &Error{Kind: WrongNetwork, Message: "payment request is for a different network"}
	ErrWrongToken               = &Error{Kind: WrongToken, Message: "payment request is for a different token"}
)

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetail returns a copy of e with an extra detail entry.
func (e *Error) WithDetail(key, value string) *Error {
	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Kind: e.Kind, Message: e.Message, Details: details, Cause: e.Cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// err carries no wallet classification.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
