package framer

import (
	"reflect"
	"testing"
)

func TestFeed_CompleteLines(t *testing.T) {
	var f LineFramer
	lines := f.Feed([]byte("one\ntwo\nthree\n"))
	want := []string{"one", "two", "three"}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("got %v, want %v", lines, want)
	}
}

func TestFeed_AdversarialSplits(t *testing.T) {
	var f LineFramer
	var got []string

	// Split mid-token and mid-newline across five arbitrary chunk boundaries.
	chunks := []string{"{\"resu", "lt\":\"pong\"}\r", "\n{\"prog", "ress\":3", "0}\n\n\n", "tail-no-newline"}
	for _, c := range chunks {
		got = append(got, f.Feed([]byte(c))...)
	}

	want := []string{`{"result":"pong"}`, `{"progress":30}`}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	line, ok := f.Close()
	if !ok || line != "tail-no-newline" {
		t.Errorf("Close() = %q, %v; want %q, true", line, ok, "tail-no-newline")
	}
}

func TestFeed_BlankLinesSuppressed(t *testing.T) {
	var f LineFramer
	got := f.Feed([]byte("a\n\n   \n\t\nb\n"))
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestClose_EmptyOrBlankBuffer(t *testing.T) {
	var f LineFramer
	if line, ok := f.Close(); ok {
		t.Errorf("Close() on empty buffer = %q, true; want false", line)
	}

	f.Feed([]byte("   \t  "))
	if line, ok := f.Close(); ok {
		t.Errorf("Close() on whitespace-only buffer = %q, true; want false", line)
	}
}

func TestFeed_RetainsPartialAcrossCalls(t *testing.T) {
	var f LineFramer
	if got := f.Feed([]byte("partial-no-newline-yet")); got != nil {
		t.Fatalf("expected no complete lines yet, got %v", got)
	}
	got := f.Feed([]byte(" now-complete\n"))
	want := []string{"partial-no-newline-yet now-complete"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
