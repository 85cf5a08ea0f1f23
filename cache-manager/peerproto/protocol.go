// Package peerproto implements the binary peer wire protocol used between
// cache-manager nodes: magic || [sig_header] || opcode || record* || terminator.
// Grounded on spec.md §6 and the opcode/signature constants referenced in
// original_source/src/shardcache_client.c (SHC_HDR_GET, SHC_HDR_SET,
// SHC_HDR_SIGNATURE_SIP, SHC_HDR_CSIGNATURE_SIP, ...).
package peerproto

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/dchest/siphash"
)

// Magic is the single leading byte identifying the protocol version on the
// wire, sent before any optional signature header.
const Magic byte = 0x73 // 's'

// Opcode identifies the operation a record sequence represents.
type Opcode byte

const (
	OpGet Opcode = iota + 0x01
	OpSet
	OpAdd
	OpDel
	OpEvict
	OpTouch
	OpExists
	OpOffset
	OpStats
	OpCheck
	OpIndex
	OpMigrationBegin
	OpMigrationAbort
	OpResponseOK
	OpResponseError
	OpResponseNotFound
)

// Terminator closes a record sequence; Size == 0 on the wire.
const terminatorMarker = 0x00

// sigHeader flags, sent as the byte immediately after Magic when a signature
// is present. 0 means "no signature" and is omitted entirely (Magic is
// followed directly by the opcode). The flag values lie outside the opcode
// range, so a reader can tell a signature header from an opcode byte.
const (
	sigNone byte = 0x00
	sigSip  byte = 0xF0 // SIGNATURE_SIP: message digest appended after terminator
	csigSip byte = 0xF1 // CSIGNATURE_SIP: streaming variant, framed the same way as sigSip here
)

var (
	// ErrBadMagic is returned when the leading byte doesn't match Magic.
	ErrBadMagic = errors.New("peerproto: bad magic byte")
	// ErrSignatureMismatch is returned when a SipHash signature fails
	// verification.
	ErrSignatureMismatch = errors.New("peerproto: signature mismatch")
	// ErrRecordTooLarge guards against a corrupt or hostile length prefix.
	ErrRecordTooLarge = errors.New("peerproto: record exceeds maximum size")

	// MaxRecordSize bounds a single record's declared length, the same
	// sanity ceiling the original client applies before allocating a
	// receive buffer.
	MaxRecordSize = 64 << 20
)

// Signer computes and verifies the optional SipHash-2-4 message signature.
// A nil *Signer disables signing (sigNone is written/expected).
type Signer struct {
	k0, k1 uint64
}

// NewSigner builds a signer from a 16-byte secret, split into the two
// 64-bit SipHash keys.
func NewSigner(secret [16]byte) *Signer {
	return &Signer{
		k0: binary.LittleEndian.Uint64(secret[0:8]),
		k1: binary.LittleEndian.Uint64(secret[8:16]),
	}
}

func (s *Signer) sign(data []byte) uint64 {
	return siphash.Hash(s.k0, s.k1, data)
}

// Record is one length-prefixed chunk within a message. A zero-length record
// (Size == 0) with Data == nil marks the terminator when encoded standalone;
// callers normally use WriteMessage/ReadMessage which handle that for them.
type Record struct {
	Data []byte
}

// WriteMessage encodes opcode followed by records and a terminator, optionally
// wrapped in a signature header, and writes it to w.
func WriteMessage(w io.Writer, signer *Signer, sigMode SigMode, op Opcode, records []Record) error {
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(Magic); err != nil {
		return err
	}
	mode := byte(sigMode)
	if signer != nil && mode != sigNone {
		if err := bw.WriteByte(mode); err != nil {
			return err
		}
	}
	body := encodeBody(op, records)
	if signer != nil && mode != sigNone {
		// Both SIGNATURE_SIP (whole-message digest) and CSIGNATURE_SIP
		// (per-record digest) reduce, for our framing, to one tag over the
		// encoded body appended after the terminator.
		tag := signer.sign(body)
		var tagBuf [8]byte
		binary.BigEndian.PutUint64(tagBuf[:], tag)
		body = append(body, tagBuf[:]...)
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return bw.Flush()
}

func encodeBody(op Opcode, records []Record) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(op))
	for _, r := range records {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(r.Data)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, r.Data...)
	}
	var term [4]byte
	binary.BigEndian.PutUint32(term[:], terminatorMarker)
	buf = append(buf, term[:]...)
	return buf
}

// Message is a fully decoded wire message.
type Message struct {
	Op      Opcode
	Records []Record
}

// ReadMessage decodes one message from r, verifying the signature if signer
// is non-nil and the sender included one.
func ReadMessage(r io.Reader, signer *Signer) (*Message, error) {
	br := bufio.NewReader(r)
	magic, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}

	sigMode := sigNone
	peek, err := br.Peek(1)
	if err == nil && (peek[0] == sigSip || peek[0] == csigSip) {
		sigMode, _ = br.ReadByte()
	}

	opByte, err := br.ReadByte()
	if err != nil {
		return nil, err
	}

	var records []Record
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == terminatorMarker {
			break
		}
		if int(n) > MaxRecordSize {
			return nil, ErrRecordTooLarge
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, err
		}
		records = append(records, Record{Data: data})
	}

	if signer != nil && sigMode != sigNone {
		var tagBuf [8]byte
		if _, err := io.ReadFull(br, tagBuf[:]); err != nil {
			return nil, err
		}
		expected := encodeBody(Opcode(opByte), records)
		got := binary.BigEndian.Uint64(tagBuf[:])
		if signer.sign(expected) != got {
			return nil, ErrSignatureMismatch
		}
	}

	return &Message{Op: Opcode(opByte), Records: records}, nil
}

// SigMode exposes the sigSip/csigSip constants for callers building a
// WriteMessage call without reaching into package internals.
type SigMode byte

const (
	SigModeNone SigMode = SigMode(sigNone)
	SigModeSip  SigMode = SigMode(sigSip)
	SigModeCSip SigMode = SigMode(csigSip)
)
