package repohost

import (
	"context"
	"testing"
)

func TestNullRepoHostSetVisibilityNoError(t *testing.T) {
	var h RepoHost = NullRepoHost{}
	if err := h.SetVisibility(context.Background(), "dandizarrs", "000001", VisibilityPublic); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNullRepoHostRepoExistsTrue(t *testing.T) {
	var h RepoHost = NullRepoHost{}
	ok, err := h.RepoExists(context.Background(), "dandizarrs", "000001")
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected NullRepoHost.RepoExists to report true")
	}
}
