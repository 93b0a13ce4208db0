package slab

import "github.com/gagliardetto/solana-go"

// Header identifies the slab and its admin authority.
type Header struct {
	Magic   uint32
	Version uint16
	Admin   solana.PublicKey
	Nonce   uint64
}

// ParseHeader decodes the header and verifies magic and version.
func ParseHeader(buf []byte) (Header, error) {
	if err := requireLen(buf, HeaderOff+HeaderLen, "header"); err != nil {
		return Header{}, err
	}

	r := newFieldReader(buf)
	h := Header{
		Magic:   r.u32(HeaderMagicOff),
		Version: r.u16(HeaderVerOff),
		Admin:   r.pubkey(HeaderAdminOff),
		Nonce:   r.u64(HeaderNonceOff),
	}
	if r.err != nil {
		return Header{}, r.err
	}

	if h.Magic != Magic {
		return Header{}, decodeErr(InvalidMagic, "got 0x%08x, want 0x%08x", h.Magic, Magic)
	}
	if h.Version != Version {
		return Header{}, decodeErr(InvalidVersion, "got %d, want %d", h.Version, Version)
	}
	return h, nil
}

// ReadNonce returns the replay-protection nonce without validating the rest
// of the header.
func ReadNonce(buf []byte) (uint64, error) {
	if err := requireLen(buf, HeaderOff+HeaderLen, "header"); err != nil {
		return 0, err
	}
	r := newFieldReader(buf)
	nonce := r.u64(HeaderNonceOff)
	return nonce, r.err
}
