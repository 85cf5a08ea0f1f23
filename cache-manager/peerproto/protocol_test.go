package peerproto

import (
	"bytes"
	"testing"
)

func TestWriteReadMessage_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	records := []Record{{Data: []byte("key1")}, {Data: []byte("value1")}}

	if err := WriteMessage(&buf, nil, SigModeNone, OpSet, records); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	msg, err := ReadMessage(&buf, nil)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Op != OpSet {
		t.Errorf("expected OpSet, got %v", msg.Op)
	}
	if len(msg.Records) != 2 || string(msg.Records[0].Data) != "key1" || string(msg.Records[1].Data) != "value1" {
		t.Errorf("unexpected records: %+v", msg.Records)
	}
}

func TestWriteReadMessage_BadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, byte(OpGet), 0, 0, 0, 0})
	_, err := ReadMessage(buf, nil)
	if err != ErrBadMagic {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}

func TestWriteReadMessage_SignedRoundTrip(t *testing.T) {
	var secret [16]byte
	for i := range secret {
		secret[i] = byte(i)
	}
	signer := NewSigner(secret)

	var buf bytes.Buffer
	if err := WriteMessage(&buf, signer, SigModeSip, OpGet, []Record{{Data: []byte("key1")}}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	msg, err := ReadMessage(&buf, signer)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Op != OpGet {
		t.Errorf("expected OpGet, got %v", msg.Op)
	}
}

func TestWriteReadMessage_SignatureMismatch(t *testing.T) {
	var secretA, secretB [16]byte
	secretB[0] = 1
	signerA := NewSigner(secretA)
	signerB := NewSigner(secretB)

	var buf bytes.Buffer
	if err := WriteMessage(&buf, signerA, SigModeSip, OpGet, []Record{{Data: []byte("key1")}}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	_, err := ReadMessage(&buf, signerB)
	if err != ErrSignatureMismatch {
		t.Errorf("expected ErrSignatureMismatch, got %v", err)
	}
}
