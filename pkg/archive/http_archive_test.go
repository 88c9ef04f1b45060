package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListDandisets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"identifier":"000001","embargo_status":"OPEN"}]}`))
	}))
	defer srv.Close()

	a := NewHTTPArchive(srv.URL)
	got, err := a.ListDandisets(context.Background())
	if err != nil {
		t.Fatalf("ListDandisets: %v", err)
	}
	if len(got) != 1 || got[0].ID != "000001" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestListAssetsPagePaginates(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "" {
			_, _ = w.Write([]byte(`{"next":"2","results":[{"asset_id":"a1","path":"file.txt","sha256":"abc","size":3}]}`))
		} else {
			_, _ = w.Write([]byte(`{"next":"","results":[{"asset_id":"a2","path":"file2.txt"}]}`))
		}
	}))
	defer srv.Close()

	a := NewHTTPArchive(srv.URL)
	page1, err := a.ListAssetsPage(context.Background(), "000001", "draft", "")
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if page1.NextCursor != "2" || len(page1.Assets) != 1 {
		t.Fatalf("unexpected page1: %+v", page1)
	}
	if page1.Assets[0].Blob == nil || page1.Assets[0].Blob.SHA256 != "abc" {
		t.Fatalf("expected blob asset with sha256, got %+v", page1.Assets[0])
	}

	page2, err := a.ListAssetsPage(context.Background(), "000001", "draft", page1.NextCursor)
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if page2.NextCursor != "" || len(page2.Assets) != 1 {
		t.Fatalf("unexpected page2: %+v", page2)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestZarrAssetDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"next":"","results":[{"asset_id":"z1","path":"z/sample.zarr","zarr":"zarr-id-1","zarr_checksum":"deadbeef"}]}`))
	}))
	defer srv.Close()

	a := NewHTTPArchive(srv.URL)
	page, err := a.ListAssetsPage(context.Background(), "000001", "draft", "")
	if err != nil {
		t.Fatalf("ListAssetsPage: %v", err)
	}
	if len(page.Assets) != 1 {
		t.Fatalf("expected one asset, got %d", len(page.Assets))
	}
	asset := page.Assets[0]
	if asset.Kind != "zarr" || asset.Zarr == nil || asset.Zarr.ZarrID != "zarr-id-1" {
		t.Fatalf("expected zarr asset, got %+v", asset)
	}
}

func TestGetNonRetryableClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewHTTPArchive(srv.URL)
	_, err := a.AssetMetadata(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
}
