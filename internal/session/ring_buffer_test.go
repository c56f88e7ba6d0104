package session

import (
	"fmt"
	"testing"
	"time"

	"csv-inspector/internal/interp"
)

func makeRecord(id int) Record {
	return Record{
		SessionID: "test",
		Seq:       id,
		Type:      RecordEvent,
		Event:     interp.OutLine{Text: fmt.Sprintf("line-%d", id)},
		Timestamp: time.Now().UTC(),
	}
}

func lineOf(r Record) string {
	if out, ok := r.Event.(interp.OutLine); ok {
		return out.Text
	}
	return ""
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer(10)
	if rb.Len() != 0 {
		t.Errorf("expected length 0, got %d", rb.Len())
	}
	if records := rb.Since(0); len(records) != 0 {
		t.Errorf("expected no records since 0, got %d", len(records))
	}
}

func TestRingBuffer_ReadAllEmpty(t *testing.T) {
	rb := NewRingBuffer(10)
	records := rb.ReadAll()
	if len(records) != 0 {
		t.Errorf("expected empty buffer, got %d records", len(records))
	}
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		rb.Write(makeRecord(i))
	}

	records := rb.ReadAll()
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}

	for i, r := range records {
		expected := fmt.Sprintf("line-%d", i)
		if lineOf(r) != expected {
			t.Errorf("record %d: expected %s, got %s", i, expected, lineOf(r))
		}
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 8; i++ {
		rb.Write(makeRecord(i))
	}

	records := rb.ReadAll()
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}

	if rb.Len() != 5 {
		t.Errorf("expected length 5, got %d", rb.Len())
	}

	// Should have records 3,4,5,6,7 (oldest dropped).
	for i, r := range records {
		expected := fmt.Sprintf("line-%d", i+3)
		if lineOf(r) != expected {
			t.Errorf("record %d: expected %s, got %s", i, expected, lineOf(r))
		}
	}
}

func TestRingBuffer_ZeroCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	rb.Write(makeRecord(1))
	rb.Write(makeRecord(2))
	records := rb.ReadAll()
	if len(records) != 1 || lineOf(records[0]) != "line-2" {
		t.Errorf("expected only the newest record, got %v", records)
	}
}

func TestRingBuffer_Since(t *testing.T) {
	rb := NewRingBuffer(4)
	for i := 1; i <= 6; i++ {
		rb.Write(makeRecord(i))
	}

	tests := []struct {
		after int
		want  []int
	}{
		{0, []int{3, 4, 5, 6}},
		{4, []int{5, 6}},
		{6, nil},
	}
	for _, tt := range tests {
		records := rb.Since(tt.after)
		if len(records) != len(tt.want) {
			t.Errorf("Since(%d): expected %d records, got %d", tt.after, len(tt.want), len(records))
			continue
		}
		for i, r := range records {
			if r.Seq != tt.want[i] {
				t.Errorf("Since(%d)[%d]: expected seq %d, got %d", tt.after, i, tt.want[i], r.Seq)
			}
		}
	}
}
