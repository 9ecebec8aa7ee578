package initrd

import "testing"

// buildHeader writes one 512-byte USTAR header block (with a correct
// checksum) followed by the padded content bytes.
func buildHeader(t *testing.T, name string, kind Kind, mode, uid, gid uint32, contents []byte, ustar bool, prefix string) []byte {
	t.Helper()
	block := make([]byte, blockSize)
	copy(block[0:100], name)
	putOctal(block[100:108], uint64(mode))
	putOctal(block[108:116], uint64(uid))
	putOctal(block[116:124], uint64(gid))
	putOctal(block[124:136], uint64(len(contents)))
	putOctal(block[136:148], 0)
	for i := 148; i < 156; i++ {
		block[i] = ' '
	}
	block[156] = byte(kind)
	if ustar {
		copy(block[257:263], "ustar ")
		copy(block[263:265], "00")
	}
	if prefix != "" {
		copy(block[345:500], prefix)
	}

	checksum := ustarChecksum(block)
	copy(block[148:154], octalString(checksum, 6))
	block[154] = 0
	block[155] = ' '

	out := append([]byte{}, block...)
	out = append(out, contents...)
	if rem := len(contents) % blockSize; rem != 0 {
		out = append(out, make([]byte, blockSize-rem)...)
	}
	return out
}

func putOctal(field []byte, v uint64) {
	s := []byte(octalString(v, len(field)-1))
	copy(field, s)
	field[len(field)-1] = 0
}

func octalString(v uint64, width int) string {
	digits := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		digits[i] = '0' + byte(v&7)
		v >>= 3
	}
	return string(digits)
}

func endOfArchive() []byte {
	return make([]byte, blockSize)
}

func TestParseSingleRegularFile(t *testing.T) {
	contents := []byte("hello, initrd")
	data := buildHeader(t, "hello.txt", KindRegular, 0o644, 0, 0, contents, true, "")
	data = append(data, endOfArchive()...)

	entries, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected parse error: %s", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Name != "hello.txt" {
		t.Fatalf("expected name %q, got %q", "hello.txt", e.Name)
	}
	if e.Mode != 0o644 {
		t.Fatalf("expected mode 0644, got %o", e.Mode)
	}
	if string(e.Contents) != string(contents) {
		t.Fatalf("expected contents %q, got %q", contents, e.Contents)
	}
	if e.Kind != KindRegular {
		t.Fatalf("expected KindRegular, got %c", e.Kind)
	}
}

func TestParseMultipleEntriesBackToBack(t *testing.T) {
	var data []byte
	data = append(data, buildHeader(t, "a.txt", KindRegular, 0o644, 1, 1, []byte("aaa"), true, "")...)
	data = append(data, buildHeader(t, "bin", KindDirectory, 0o755, 0, 0, nil, true, "")...)
	data = append(data, buildHeader(t, "b.txt", KindRegular, 0o600, 2, 2, make([]byte, blockSize+100), true, "")...) // content spans more than one block
	data = append(data, endOfArchive()...)

	entries, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected parse error: %s", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Name != "a.txt" || entries[1].Name != "bin" || entries[2].Name != "b.txt" {
		t.Fatalf("unexpected entry order: %+v", entries)
	}
	if entries[1].Kind != KindDirectory || entries[1].Size != 0 {
		t.Fatalf("expected an empty directory entry, got %+v", entries[1])
	}
}

func TestParsePrefixedName(t *testing.T) {
	data := buildHeader(t, "file.txt", KindRegular, 0o644, 0, 0, []byte("x"), true, "usr/local")
	data = append(data, endOfArchive()...)

	entries, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected parse error: %s", err)
	}
	if entries[0].Name != "usr/local/file.txt" {
		t.Fatalf("expected prefix+name to be joined, got %q", entries[0].Name)
	}
}

func TestParseRejectsBadChecksum(t *testing.T) {
	data := buildHeader(t, "corrupt.txt", KindRegular, 0o644, 0, 0, []byte("x"), true, "")
	data[5] ^= 0xFF // flip a byte covered by the checksum, after it was computed

	if _, err := Parse(data); err == nil {
		t.Fatal("expected a checksum mismatch error")
	}
}

func TestParseRejectsTruncatedContent(t *testing.T) {
	data := buildHeader(t, "truncated.txt", KindRegular, 0o644, 0, 0, []byte("0123456789"), true, "")
	data = data[:blockSize+4] // cut the content short of its declared size

	if _, err := Parse(data); err == nil {
		t.Fatal("expected a truncated-content error")
	}
}

func TestLookupFindsByName(t *testing.T) {
	data := buildHeader(t, "a.txt", KindRegular, 0o644, 0, 0, []byte("a"), true, "")
	data = append(data, buildHeader(t, "b.txt", KindRegular, 0o644, 0, 0, []byte("b"), true, "")...)
	data = append(data, endOfArchive()...)

	entries, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected parse error: %s", err)
	}

	e, ok := Lookup(entries, "b.txt")
	if !ok || string(e.Contents) != "b" {
		t.Fatalf("expected to find b.txt with contents %q, got %+v ok=%t", "b", e, ok)
	}

	if _, ok := Lookup(entries, "missing.txt"); ok {
		t.Fatal("expected Lookup to report false for a nonexistent name")
	}
}
