package engine

import (
	"errors"
	"testing"
)

func TestOwnerLocksSingleWriter(t *testing.T) {
	l := newOwnerLocks()
	release, ok := l.tryAcquire("own_a")
	if !ok {
		t.Fatal("first acquire must succeed")
	}
	if _, ok := l.tryAcquire("own_a"); ok {
		t.Fatal("second acquire for the same owner must fail")
	}
	other, ok := l.tryAcquire("own_b")
	if !ok {
		t.Fatal("a different owner must not be blocked")
	}
	other()
	release()
	release2, ok := l.tryAcquire("own_a")
	if !ok {
		t.Fatal("acquire after release must succeed")
	}
	release2()
}

func TestErrorTaxonomy(t *testing.T) {
	if !busyErr("own_a").Retryable() {
		t.Error("busy must be retryable")
	}
	for _, e := range []*Error{
		validationErr("x", "y", nil),
		notFoundErr("task", "tsk_1"),
		constraintErr("x", "y", nil),
		storeErr("op", nil),
	} {
		if e.Retryable() {
			t.Errorf("%s must not be retryable", e.Kind)
		}
	}
	if AsError(nil) != nil {
		t.Error("AsError(nil) must be nil")
	}
	wrapped := storeErr("op", errors.New("disk full"))
	if wrapped.Unwrap() == nil {
		t.Error("store errors must expose their cause")
	}
}
