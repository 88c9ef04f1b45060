package repo

import "testing"

func checksumOf(t *testing.T, entries []AnnexedFile) string {
	t.Helper()
	d, err := zarrTreeChecksum(entries)
	if err != nil {
		t.Fatalf("zarrTreeChecksum: %v", err)
	}
	return d
}

func TestZarrTreeChecksumIsOrderIndependent(t *testing.T) {
	a := []AnnexedFile{
		{Path: "b.dat", Key: "MD5E-s4--bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"},
		{Path: "a.dat", Key: "MD5E-s4--aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}
	b := []AnnexedFile{
		{Path: "a.dat", Key: "MD5E-s4--aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		{Path: "b.dat", Key: "MD5E-s4--bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"},
	}
	if checksumOf(t, a) != checksumOf(t, b) {
		t.Error("checksum should not depend on input order")
	}
}

func TestZarrTreeChecksumChangesWithContent(t *testing.T) {
	a := []AnnexedFile{{Path: "a.dat", Key: "MD5E-s4--aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}}
	b := []AnnexedFile{{Path: "a.dat", Key: "MD5E-s4--bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}}
	if checksumOf(t, a) == checksumOf(t, b) {
		t.Error("checksum should change when a key changes")
	}
}

func TestZarrTreeChecksumEmpty(t *testing.T) {
	const wantEmpty = "88a9ed077871909ed114a6a21cc53828-0--0"
	if got := checksumOf(t, nil); got != wantEmpty {
		t.Errorf("empty tree checksum = %q, want %q", got, wantEmpty)
	}
	if checksumOf(t, nil) != checksumOf(t, []AnnexedFile{}) {
		t.Error("nil and empty slices should hash the same")
	}
}

// TestZarrTreeChecksumMatchesKnownFixture pins the digest of a single
// nested leaf against an independently hand-computed value (md5 of the
// canonical manifest JSON, not derived by calling zarrTreeChecksum back
// on itself), so a structural regression in the serialization would be
// caught even if it were internally self-consistent.
func TestZarrTreeChecksumMatchesKnownFixture(t *testing.T) {
	entries := []AnnexedFile{
		{Path: "0/0", Key: "MD5E-s4--aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}
	const want = "035389a71d2ff77aa2e0de47a1dd62d3-1--4"
	if got := checksumOf(t, entries); got != want {
		t.Errorf("zarrTreeChecksum = %q, want %q", got, want)
	}
}

func TestZarrTreeChecksumRejectsNonMD5EKeys(t *testing.T) {
	entries := []AnnexedFile{{Path: "a.dat", Key: "SHA256E-s4--aaaa"}}
	if _, err := zarrTreeChecksum(entries); err == nil {
		t.Error("expected an error for a non-MD5E key")
	}
}
