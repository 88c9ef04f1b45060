package annex

import "testing"

func TestAddURLRecordToResultSuccess(t *testing.T) {
	rec := addURLRecord{File: "blob.dat", Key: "MD5E-s4--aaaa", Success: true}
	res := addURLRecordToResult(rec)
	if res.Path != "blob.dat" || res.Key != "MD5E-s4--aaaa" || !res.Success || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAddURLRecordToResultFailure(t *testing.T) {
	rec := addURLRecord{File: "blob.dat", Success: false, ErrorMessage: "404 not found"}
	res := addURLRecordToResult(rec)
	if res.Success {
		t.Fatal("expected Success=false")
	}
	if res.Err == nil {
		t.Fatal("expected a non-nil Err describing the failure")
	}
}
