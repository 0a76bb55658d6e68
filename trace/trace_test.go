package trace

import (
	"bytes"
	"testing"
)

func TestReserveAdvancesWritePointer(t *testing.T) {
	buf, err := NewBuffer(TotalBytes + 1<<20)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	r1 := buf.Reserve(RecordBytes * 3)
	if len(r1) != RecordBytes*3 {
		t.Fatalf("got len %d", len(r1))
	}
	r2 := buf.Reserve(RecordBytes)
	if len(buf.Written()) != RecordBytes*4 {
		t.Fatalf("got written len %d want %d", len(buf.Written()), RecordBytes*4)
	}
	_ = r2
}

func TestNewBufferRejectsInsufficientMemory(t *testing.T) {
	if _, err := NewBuffer(1024); err == nil {
		t.Fatalf("expected insufficient-memory error")
	}
}

func TestAppendEventEncoding(t *testing.T) {
	rec := AppendEvent(HeaderGunEvent, 0x30201)
	want := []byte{HeaderGunEvent, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x03, 0x02, 0x01}
	if !bytes.Equal(rec, want) {
		t.Fatalf("got %v want %v", rec, want)
	}
}

func TestRunSummaryRoundTrip(t *testing.T) {
	s := RunSummary{
		SampleCount:     10240,
		InterruptCount:  320,
		LostPacketTotal: 0,
		Rollovers:       2,
		GunDetected:     true,
		ReactionLogged:  true,
	}
	b, err := EncodeSummary(s)
	if err != nil {
		t.Fatalf("EncodeSummary: %v", err)
	}
	got, err := DecodeSummary(b)
	if err != nil {
		t.Fatalf("DecodeSummary: %v", err)
	}
	if got != s {
		t.Fatalf("got %+v want %+v", got, s)
	}
}
