package doozer

import (
	"testing"

	"golang.org/x/xerrors"
)

func TestRegisterAtExitRunsInOrder(t *testing.T) {
	var order []int
	RegisterAtExit(func() error {
		order = append(order, 1)
		return nil
	})
	RegisterAtExit(func() error {
		order = append(order, 2)
		return nil
	})

	if err := RunAtExit(); err != nil {
		t.Fatalf("RunAtExit() error = %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2]", order)
	}
}

func TestRegisterAtExitPanicsAfterRun(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("RegisterAtExit() did not panic after RunAtExit was called")
		}
	}()
	RegisterAtExit(func() error { return xerrors.New("too late") })
}
