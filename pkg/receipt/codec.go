package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: the same receipt always
// yields the same bytes, which is what the hash depends on.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("receipt: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("receipt: CBOR decoder initialization failed: " + err.Error())
	}
}

// HashBody returns the canonical bytes the receipt hash is computed over.
func HashBody(r *Receipt) ([]byte, error) {
	return encMode.Marshal(r.body())
}

// ComputeHash recomputes the receipt hash from its visible fields.
func ComputeHash(r *Receipt) (string, error) {
	b, err := HashBody(r)
	if err != nil {
		return "", fmt.Errorf("receipt: encode body: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalCBOR encodes the full receipt, signature included.
func MarshalCBOR(r *Receipt) ([]byte, error) {
	return encMode.Marshal(r)
}

// UnmarshalCBOR decodes a receipt encoded by MarshalCBOR.
func UnmarshalCBOR(data []byte) (*Receipt, error) {
	var r Receipt
	if err := decMode.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("receipt: decode cbor: %w", err)
	}
	return &r, nil
}

// MarshalChainCBOR encodes a chain as a CBOR array of receipts.
func MarshalChainCBOR(chain []*Receipt) ([]byte, error) {
	return encMode.Marshal(chain)
}

// UnmarshalChainCBOR decodes a chain encoded by MarshalChainCBOR.
func UnmarshalChainCBOR(data []byte) ([]*Receipt, error) {
	var chain []*Receipt
	if err := decMode.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("receipt: decode chain: %w", err)
	}
	return chain, nil
}

// UnmarshalChainJSON decodes a JSON array of receipts.
func UnmarshalChainJSON(data []byte) ([]*Receipt, error) {
	var chain []*Receipt
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("receipt: decode chain json: %w", err)
	}
	return chain, nil
}
