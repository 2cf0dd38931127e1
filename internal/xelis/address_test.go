package xelis

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

const testnetAddress = "xet:4cka26kpvq6nj93lguycywn8flccvrf537dzqa0x0jyhawddepfsqtka05w"

func TestParseAddress_KnownVector(t *testing.T) {
	id, err := ParseAddress(testnetAddress)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}

	want := "00ae2dd56ac1603539163f4709823a674ff1860d348f9a2075e67c897eb9adc85300"
	if got := hex.EncodeToString(id[:]); got != want {
		t.Errorf("identity = %s, want %s", got, want)
	}
}

func TestAddress_RoundTrip(t *testing.T) {
	payload := make([]byte, 33)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	for _, prefix := range []string{MainnetPrefix, TestnetPrefix} {
		encoded, err := FormatAddress(prefix, payload)
		if err != nil {
			t.Fatalf("FormatAddress: %v", err)
		}
		if !strings.HasPrefix(encoded, prefix+":") {
			t.Errorf("encoded address %q lacks the ':' separator", encoded)
		}

		gotPrefix, gotPayload, err := DecodeAddress(encoded)
		if err != nil {
			t.Fatalf("DecodeAddress(%q): %v", encoded, err)
		}
		if gotPrefix != prefix || !bytes.Equal(gotPayload, payload) {
			t.Errorf("round trip mismatch: %s %x", gotPrefix, gotPayload)
		}

		id, err := ParseAddress(encoded)
		if err != nil {
			t.Fatal(err)
		}
		if id[0] != 0 || !bytes.Equal(id[1:], payload) {
			t.Errorf("identity = %x", id)
		}
	}
}

func TestParseAddress_Errors(t *testing.T) {
	short, _ := FormatAddress(TestnetPrefix, []byte{1, 2, 3})
	other, _ := FormatAddress("abc", make([]byte, 33))

	// flip one data character so the checksum breaks
	corrupted := []byte(testnetAddress)
	if corrupted[10] == 'q' {
		corrupted[10] = 'p'
	} else {
		corrupted[10] = 'q'
	}

	tests := map[string]string{
		"no separator":   "xet4cka26kpvq6nj93lguycywn8flccvrf537dzqa0x0jyhawddepfsqtka05w",
		"empty data":     "xet:",
		"bad checksum":   string(corrupted),
		"bad character":  "xet:4cka26kpvq6nj93lguycywn8flccvrf537dzqa0x0jyhawddepfsqtka05b",
		"short payload":  short,
		"unknown prefix": other,
	}
	for name, addr := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseAddress(addr); err == nil {
				t.Errorf("ParseAddress(%q) expected error", addr)
			}
		})
	}
}

func TestFormatAddress_KnownVector(t *testing.T) {
	prefix, payload, err := DecodeAddress(testnetAddress)
	if err != nil {
		t.Fatal(err)
	}
	got, err := FormatAddress(prefix, payload)
	if err != nil {
		t.Fatalf("FormatAddress: %v", err)
	}
	if got != testnetAddress {
		t.Errorf("FormatAddress = %s, want %s", got, testnetAddress)
	}
}
