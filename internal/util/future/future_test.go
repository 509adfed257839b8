package future

import (
	"errors"
	"testing"
	"time"
)

func TestAwait(t *testing.T) {
	f := New(func() (int, error) {
		time.Sleep(5 * time.Millisecond)
		return 42, nil
	})
	v, err := f.Await()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestFromValueAndFromError(t *testing.T) {
	v, err := FromValue("ok").Await()
	if err != nil || v != "ok" {
		t.Fatalf("got (%q, %v)", v, err)
	}

	wantErr := errors.New("boom")
	_, err = FromError[string](wantErr).Await()
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestAwaitTimeout(t *testing.T) {
	f := New(func() (int, error) {
		time.Sleep(50 * time.Millisecond)
		return 1, nil
	})
	if _, _, ok := f.AwaitTimeout(5 * time.Millisecond); ok {
		t.Fatal("expected timeout before completion")
	}
	if v, err, ok := f.AwaitTimeout(100 * time.Millisecond); !ok || err != nil || v != 1 {
		t.Fatalf("expected (1, nil, true), got (%d, %v, %v)", v, err, ok)
	}
}

func TestMapPropagatesValueAndError(t *testing.T) {
	doubled := Map(FromValue(21), func(v int) (int, error) { return v * 2, nil })
	v, err := doubled.Await()
	if err != nil || v != 42 {
		t.Fatalf("got (%d, %v)", v, err)
	}

	failed := Map(FromError[int](errors.New("source failed")), func(v int) (int, error) { return v, nil })
	if _, err := failed.Await(); err == nil {
		t.Fatal("expected the source error to propagate")
	}
}

func TestAllCollectsInOrder(t *testing.T) {
	futs := []*Future[int]{FromValue(1), FromValue(2), FromValue(3)}
	vals, err := All(futs...).Await()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, want := range []int{1, 2, 3} {
		if vals[i] != want {
			t.Fatalf("index %d: want %d, got %d", i, want, vals[i])
		}
	}
}

func TestAllStopsAtFirstError(t *testing.T) {
	wantErr := errors.New("second failed")
	futs := []*Future[int]{FromValue(1), FromError[int](wantErr)}
	if _, err := All(futs...).Await(); !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestFirstReturnsFastestCompletion(t *testing.T) {
	slow := New(func() (int, error) {
		time.Sleep(20 * time.Millisecond)
		return 100, nil
	})
	fast := FromValue(200)

	v, err := First(slow, fast).Await()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 200 {
		t.Fatalf("expected the already-completed future to win, got %d", v)
	}
}

func TestNewPendingResolvesExternally(t *testing.T) {
	f, resolve := NewPending[string]()

	select {
	case <-f.Done():
		t.Fatal("pending future should not be done yet")
	default:
	}

	go func() { resolve("arrived", nil) }()

	v, err := f.Await()
	if err != nil || v != "arrived" {
		t.Fatalf("got (%q, %v)", v, err)
	}
}

func TestNewPendingResolvesOnlyOnce(t *testing.T) {
	f, resolve := NewPending[int]()
	resolve(1, nil)
	resolve(2, errors.New("ignored"))

	v, err := f.Await()
	if err != nil || v != 1 {
		t.Fatalf("expected the first resolution to stick, got (%d, %v)", v, err)
	}
}
