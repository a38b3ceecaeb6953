package gpio

import (
	"errors"
	"testing"
)

func TestFakeReaderRead(t *testing.T) {
	f := NewFakeReader(false, true, false)

	want := []bool{false, true, false}
	for i, w := range want {
		got, err := f.Read()
		if err != nil {
			t.Fatalf("sample %d: unexpected error: %v", i, err)
		}
		if got != w {
			t.Errorf("sample %d: got %v, want %v", i, got, w)
		}
	}
}

func TestFakeReaderRepeatsLastSample(t *testing.T) {
	f := NewFakeReader(false, true)

	for i := 0; i < 5; i++ {
		_, _ = f.Read()
	}
	got, err := f.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("exhausted reader: got false, want last sample true")
	}
}

func TestFakeReaderError(t *testing.T) {
	f := NewFakeReader(true)
	f.ReadError = errors.New("hardware failure")

	if _, err := f.Read(); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestFakeReaderNoSamples(t *testing.T) {
	f := NewFakeReader()

	if _, err := f.Read(); err == nil {
		t.Error("expected error for empty samples")
	}
}

func TestFakeReaderCloseAndReset(t *testing.T) {
	f := NewFakeReader(true, false)
	_, _ = f.Read()

	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("expected Closed = true")
	}

	f.Reset()
	if f.Closed {
		t.Error("expected Closed = false after Reset")
	}
	got, _ := f.Read()
	if !got {
		t.Error("after Reset: got false, want first sample true")
	}
}

func TestFakeReaderImplementsReader(t *testing.T) {
	var _ Reader = NewFakeReader()
}
