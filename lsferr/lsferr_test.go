package lsferr

import (
	"testing"

	"github.com/pkg/errors"
)

func TestIsMatchesWrappedSentinel(t *testing.T) {
	err := errors.Wrap(NoEnt, "lookup: missing")
	if !Is(err, NoEnt) {
		t.Fatalf("Is(wrapped NoEnt, NoEnt) = false, want true")
	}
	if Is(err, Exist) {
		t.Fatalf("Is(wrapped NoEnt, Exist) = true, want false")
	}
}

func TestIsNestedWrap(t *testing.T) {
	err := errors.Wrap(errors.Wrap(NotEmpty, "rmdir"), "op failed")
	if !Is(err, NotEmpty) {
		t.Fatalf("Is did not see through a double wrap")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	plain := errors.New("boom")
	if KindOf(plain) != KindNone {
		t.Fatalf("KindOf(plain) = %v, want KindNone", KindOf(plain))
	}
	if Is(plain, IO) {
		t.Fatalf("Is(plain, IO) = true, want false")
	}
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindIO:       "i/o failure",
		KindNoSpace:  "out of space",
		KindExist:    "exists",
		KindNotDir:   "not a directory",
		KindInvalid:  "invalid argument",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("%v.String() = %q, want %q", k, got, want)
		}
	}
}

func TestNilErrorUnclassified(t *testing.T) {
	if KindOf(nil) != KindNone {
		t.Fatalf("KindOf(nil) should be KindNone")
	}
}
