package walleterr

import "errors"

// Catalog maps each kind to the message shown to users.
var catalog = map[Kind]string{
	MnemonicMissing:          "Your recovery phrase could not be found. Restore the wallet from backup.",
	VaultUnavailable:         "Set up or restore a wallet first.",
	AssetNotSupported:        "This asset is not supported.",
	ProviderUnavailable:      "This network is not available right now.",
	DestinationMissing:       "Enter a destination address.",
	AmountInvalid:            "Enter an amount greater than zero.",
	InvalidAddress:           "The destination address is not valid for this network.",
	NetworkUnavailable:       "The network could not be reached. Check your connection and try again.",
	Timeout:                  "The network took too long to respond. Try again.",
	SecureStorageUnavailable: "Secure storage is not available on this device.",
	OperationFailed:          "The operation failed.",
	UnsupportedFeature:       "This feature is not supported for this asset.",
	WrongNetwork:             "This payment request is for a different network.",
	WrongToken:               "This payment request is for a different token.",
}

const genericMessage = "The operation failed."

// UserMessage returns the user-facing message for err. Unclassified errors
// get the generic message. RpcError keeps the node's own text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var we *Error
	if !errors.As(err, &we) {
		return genericMessage
	}

	if we.Kind == RpcError {
		if we.Cause != nil {
			return we.Cause.Error()
		}
		if we.Message != "" {
			return we.Message
		}
	}

	if msg, ok := catalog[we.Kind]; ok {
		return msg
	}
	return genericMessage
}
