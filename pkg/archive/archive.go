package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/zstd"

	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
)

const segmentContentType = "application/vnd.mukernel.chain+cbor+zstd"

// Encoder and decoder are safe for concurrent use and expensive to build.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		panic("archive: zstd decoder: " + err.Error())
	}
}

// Encode serialises chain as deterministic CBOR and compresses it.
func Encode(chain []*receipt.Receipt) ([]byte, error) {
	raw, err := receipt.MarshalChainCBOR(chain)
	if err != nil {
		return nil, fmt.Errorf("archive: encode chain: %w", err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode reverses Encode.
func Decode(segment []byte) ([]*receipt.Receipt, error) {
	raw, err := decoder.DecodeAll(segment, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: decompress: %w", err)
	}
	chain, err := receipt.UnmarshalChainCBOR(raw)
	if err != nil {
		return nil, fmt.Errorf("archive: decode chain: %w", err)
	}
	return chain, nil
}

// Archiver seals chains into a Store.
type Archiver struct {
	store  Store
	keys   receipt.KeyResolver
	logger *slog.Logger
}

// NewArchiver stores segments in store. When keys is non-nil every chain
// is validated before it is sealed and after it is opened.
func NewArchiver(store Store, keys receipt.KeyResolver) *Archiver {
	return &Archiver{store: store, keys: keys, logger: slog.Default().With("component", "archive")}
}

// WithLogger replaces the logger.
func (a *Archiver) WithLogger(l *slog.Logger) *Archiver {
	a.logger = l
	return a
}

// SealChain validates, encodes and stores chain and returns its digest.
func (a *Archiver) SealChain(ctx context.Context, chain []*receipt.Receipt) (string, error) {
	if len(chain) == 0 {
		return "", errors.New("archive: empty chain")
	}
	if a.keys != nil {
		if err := receipt.ValidateChain(chain, a.keys); err != nil {
			return "", fmt.Errorf("archive: refusing invalid chain: %w", err)
		}
	}
	seg, err := Encode(chain)
	if err != nil {
		return "", err
	}
	digest, err := a.store.Put(ctx, seg)
	if err != nil {
		return "", err
	}
	a.logger.DebugContext(ctx, "chain sealed",
		"session_id", chain[0].SessionID,
		"receipts", len(chain),
		"bytes", len(seg),
		"digest", digest,
	)
	return digest, nil
}

// Seal implements kernel.Archiver.
func (a *Archiver) Seal(ctx context.Context, sessionID string, chain []*receipt.Receipt) (string, error) {
	for i, r := range chain {
		if r.SessionID != sessionID {
			return "", fmt.Errorf("archive: receipt %d belongs to session %s, not %s", i, r.SessionID, sessionID)
		}
	}
	return a.SealChain(ctx, chain)
}

// OpenChain loads and decodes the segment at digest.
func (a *Archiver) OpenChain(ctx context.Context, digest string) ([]*receipt.Receipt, error) {
	seg, err := a.store.Get(ctx, digest)
	if err != nil {
		return nil, err
	}
	if got := Digest(seg); got != digest {
		return nil, fmt.Errorf("archive: segment %s has digest %s", digest, got)
	}
	chain, err := Decode(seg)
	if err != nil {
		return nil, err
	}
	if a.keys != nil {
		if err := receipt.ValidateChain(chain, a.keys); err != nil {
			return nil, fmt.Errorf("archive: sealed chain invalid: %w", err)
		}
	}
	return chain, nil
}
