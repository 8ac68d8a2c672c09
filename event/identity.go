package event

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// serializeXOnlyPubKey returns the 32-byte x-only public key encoding used
// by schnorr/nostr, derived from the library's compressed serialization.
func serializeXOnlyPubKey(pk *secp256k1.PublicKey) []byte {
	return pk.SerializeCompressed()[1:]
}

// Identity is a signing keypair. The relay holds one to sign the
// reference events it synthesizes.
type Identity struct {
	seckey *secp256k1.PrivateKey
	pubkey string
}

// NewIdentity parses a 32-byte hex secret key.
func NewIdentity(seckeyHex string) (*Identity, error) {
	raw, err := hex.DecodeString(seckeyHex)
	if err != nil {
		return nil, fmt.Errorf("identity seckey not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("identity seckey must be 32 bytes, got %d", len(raw))
	}

	sk := secp256k1.PrivKeyFromBytes(raw)
	return &Identity{
		seckey: sk,
		pubkey: hex.EncodeToString(serializeXOnlyPubKey(sk.PubKey())),
	}, nil
}

// GenerateIdentity creates a fresh random identity. Used when no
// server_identity_seckey is configured.
func GenerateIdentity() (*Identity, error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &Identity{
		seckey: sk,
		pubkey: hex.EncodeToString(serializeXOnlyPubKey(sk.PubKey())),
	}, nil
}

// PubKey returns the x-only public key, lowercase hex.
func (id *Identity) PubKey() string {
	return id.pubkey
}

// Sign fills in the event's pubkey, id, and signature. CreatedAt, Kind,
// Tags, and Content must already be set.
func (id *Identity) Sign(e *Event) error {
	e.PubKey = id.pubkey

	eid, err := ComputeID(e)
	if err != nil {
		return err
	}
	e.ID = eid

	idBytes, err := hex.DecodeString(eid)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	sig, err := schnorr.Sign(id.seckey, idBytes)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}
