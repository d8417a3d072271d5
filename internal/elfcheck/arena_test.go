package elfcheck

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildMinimalELF assembles a tiny real ELF64 image: one PROGBITS section
// living at secAddr, with entry pointing at its first byte.
func buildMinimalELF(t *testing.T, entry, secAddr uint64, payload []byte) []byte {
	t.Helper()
	const ehdrSize, shdrSize = 64, 64
	shOff := uint64(ehdrSize)

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	hdr := struct {
		Type      uint16
		Machine   uint16
		Version   uint32
		Entry     uint64
		PhOff     uint64
		ShOff     uint64
		Flags     uint32
		EhSize    uint16
		PhEntSize uint16
		PhNum     uint16
		ShEntSize uint16
		ShNum     uint16
		ShStrNdx  uint16
	}{
		Type: 2, Machine: 0x3e, Version: 1,
		Entry: entry, ShOff: shOff,
		EhSize: ehdrSize, ShEntSize: shdrSize, ShNum: 1,
	}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatalf("encoding header: %v", err)
	}

	sh := struct {
		Name      uint32
		Type      uint32
		Flags     uint64
		Addr      uint64
		Offset    uint64
		Size      uint64
		Link      uint32
		Info      uint32
		AddrAlign uint64
		EntSize   uint64
	}{Type: 1, Addr: secAddr, Offset: shOff + shdrSize, Size: uint64(len(payload))}
	if err := binary.Write(&buf, binary.LittleEndian, sh); err != nil {
		t.Fatalf("encoding section header: %v", err)
	}
	buf.Write(payload)
	return buf.Bytes()
}

func TestLoadAndReadReturnsInstalledBytes(t *testing.T) {
	payload := []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0x5d, 0xc3}
	img := buildMinimalELF(t, 0x300000, 0x300000, payload)

	entry, code, err := LoadAndRead(img, len(payload))
	if err != nil {
		t.Fatalf("LoadAndRead: %v", err)
	}
	if entry != 0x300000 {
		t.Fatalf("entry = %#x; want 0x300000", entry)
	}
	if !bytes.Equal(code, payload) {
		t.Fatalf("code = %x; want %x", code, payload)
	}
}

func TestLoadAndReadRejectsBadMagic(t *testing.T) {
	if _, _, err := LoadAndRead([]byte("not an elf"), 16); err == nil {
		t.Fatal("LoadAndRead(garbage) = nil error; want one")
	}
}
