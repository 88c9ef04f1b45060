package syncerr

import (
	"errors"
	"testing"
)

func TestDownloadFailedErrorRetryableAsAdd(t *testing.T) {
	e := &DownloadFailedError{Path: "x.dat", ExitCode: 123, Err: errors.New("boom")}
	if !e.IsRetryableAsAdd() {
		t.Error("exit code 123 should be retryable as plain add")
	}

	e2 := &DownloadFailedError{Path: "x.dat", ExitCode: 1, Err: errors.New("boom")}
	if e2.IsRetryableAsAdd() {
		t.Error("exit code 1 should not be retryable as plain add")
	}
}

func TestAssertfPanicsOnFalse(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic")
		}
		if _, ok := r.(*AssertionError); !ok {
			t.Fatalf("expected *AssertionError, got %T", r)
		}
	}()
	Assertf(false, "asset %s out of order", "foo")
}

func TestAssertfNoPanicOnTrue(t *testing.T) {
	Assertf(true, "never seen")
}

func TestRecoverAssertionCapturesAssertionError(t *testing.T) {
	var err error
	func() {
		defer RecoverAssertion(&err)
		Assertf(false, "bad ordering")
	}()
	if err == nil {
		t.Fatal("expected err to be set")
	}
	var ae *AssertionError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AssertionError, got %T", err)
	}
}

func TestRecoverAssertionRepanicsOtherValues(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected repanic")
		}
	}()
	var err error
	func() {
		defer RecoverAssertion(&err)
		panic("not an assertion error")
	}()
}
