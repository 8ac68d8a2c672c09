package event

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Validation errors. Their messages are the machine-readable prefixes
// carried on OK frames, so clients can match on them.
var (
	ErrInvalidFormat   = errors.New("invalid: malformed event")
	ErrInvalidID       = errors.New("invalid: id mismatch")
	ErrInvalidSig      = errors.New("invalid: signature verification failed")
	ErrUnsupportedKind = errors.New("unsupported: kind not accepted by this relay")
	ErrClockSkew       = errors.New("invalid: created_at too far in the future")
)

// Validator checks events against the relay's acceptance rules. It is
// pure: the same event and clock always produce the same verdict.
type Validator struct {
	// FutureSkew is how far into the future created_at may lie.
	// Arbitrarily old events are accepted.
	FutureSkew time.Duration
}

// NewValidator creates a validator with the given future clock-skew
// tolerance.
func NewValidator(futureSkew time.Duration) *Validator {
	return &Validator{FutureSkew: futureSkew}
}

// Validate checks structure, id, signature, kind, and clock skew, in that
// order, returning the first failure.
func (v *Validator) Validate(e *Event, now time.Time) error {
	if err := checkFormat(e); err != nil {
		return err
	}

	id, err := ComputeID(e)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidFormat, err)
	}
	if id != e.ID {
		return ErrInvalidID
	}

	if err := verifySignature(e); err != nil {
		return err
	}

	if !KindAllowed(e.Kind) {
		return fmt.Errorf("%w: %d", ErrUnsupportedKind, e.Kind)
	}

	if e.CreatedAt > now.Add(v.FutureSkew).Unix() {
		return ErrClockSkew
	}

	return nil
}

// checkFormat verifies required fields are present and well-formed hex of
// the right width.
func checkFormat(e *Event) error {
	if e == nil {
		return ErrInvalidFormat
	}
	if !isHex(e.ID, 64) {
		return fmt.Errorf("%w: id must be 64 hex characters", ErrInvalidFormat)
	}
	if !isHex(e.PubKey, 64) {
		return fmt.Errorf("%w: pubkey must be 64 hex characters", ErrInvalidFormat)
	}
	if !isHex(e.Sig, 128) {
		return fmt.Errorf("%w: sig must be 128 hex characters", ErrInvalidFormat)
	}
	if e.Kind < 0 {
		return fmt.Errorf("%w: negative kind", ErrInvalidFormat)
	}
	for _, tag := range e.Tags {
		if len(tag) == 0 {
			return fmt.Errorf("%w: empty tag", ErrInvalidFormat)
		}
	}
	return nil
}

// verifySignature checks the BIP-340 signature over the id under the
// x-only pubkey.
func verifySignature(e *Event) error {
	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey not hex", ErrInvalidFormat)
	}
	pubkey, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSig, err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: sig not hex", ErrInvalidFormat)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSig, err)
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("%w: id not hex", ErrInvalidFormat)
	}

	if !sig.Verify(idBytes, pubkey) {
		return ErrInvalidSig
	}
	return nil
}

func isHex(s string, width int) bool {
	if len(s) != width {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
