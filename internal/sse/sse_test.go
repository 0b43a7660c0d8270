package sse

import (
	"bufio"
	"io"
	"strings"
	"testing"
)

func TestReader_BasicEvents(t *testing.T) {
	input := "data: {\"a\":1}\n\ndata: {\"a\":2}\n\n"
	r := NewReader(strings.NewReader(input))

	ev, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Data != `{"a":1}` {
		t.Fatalf("data = %q", ev.Data)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Data != `{"a":2}` {
		t.Fatalf("data = %q", ev.Data)
	}

	_, err = r.Next()
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReader_SkipsCommentsAndDone(t *testing.T) {
	input := ": keep-alive\ndata: {\"a\":1}\n\ndata: [DONE]\n\n"
	r := NewReader(strings.NewReader(input))

	ev, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Data != `{"a":1}` {
		t.Fatalf("data = %q", ev.Data)
	}

	_, err = r.Next()
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF after [DONE]", err)
	}
	if !r.Done() {
		t.Fatal("Done() should be true after [DONE]")
	}
}

func TestReader_MultiLineData(t *testing.T) {
	input := "data: line1\ndata: line2\n\n"
	r := NewReader(strings.NewReader(input))
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Data != "line1\nline2" {
		t.Fatalf("data = %q", ev.Data)
	}
}

func TestReader_EventName(t *testing.T) {
	input := "event: message_start\ndata: {}\n\n"
	r := NewReader(strings.NewReader(input))
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Name != "message_start" {
		t.Fatalf("name = %q", ev.Name)
	}
}

func TestWriter_WriteEventAndDone(t *testing.T) {
	var buf strings.Builder
	bw := bufio.NewWriter(&buf)
	w := NewWriter(bw)

	if err := w.WriteEvent("response.created", `{"id":"1"}`); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.WriteDone(); err != nil {
		t.Fatalf("write done: %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "event: response.created\n") {
		t.Fatalf("missing event line: %q", got)
	}
	if !strings.Contains(got, `data: {"id":"1"}`) {
		t.Fatalf("missing data line: %q", got)
	}
	if !strings.HasSuffix(got, "data: [DONE]\n\n") {
		t.Fatalf("missing trailing [DONE]: %q", got)
	}
}

func TestToolCallSlots_AppendAccumulates(t *testing.T) {
	slots := NewToolCallSlots()
	slots.Append(0, "call_1", "get_weather", `{"loc`)
	slots.Append(0, "", "", `ation":"NYC"}`)

	s := slots.Slot(0)
	if s == nil {
		t.Fatal("slot 0 missing")
	}
	if s.ID != "call_1" || s.Name != "get_weather" {
		t.Fatalf("slot = %+v", s)
	}
	if s.ArgumentsBuf.String() != `{"location":"NYC"}` {
		t.Fatalf("args = %q", s.ArgumentsBuf.String())
	}
}

func TestToolCallSlots_DropsOutOfRangeIndex(t *testing.T) {
	slots := NewToolCallSlots()
	slots.Append(MaxToolCallSlots, "x", "y", "z")
	if slots.Slot(MaxToolCallSlots) != nil {
		t.Fatal("out-of-range index should not create a slot")
	}
}

func TestToolCallSlots_IndicesSorted(t *testing.T) {
	slots := NewToolCallSlots()
	slots.Append(2, "", "", "")
	slots.Append(0, "", "", "")
	slots.Append(1, "", "", "")

	indices := slots.Indices()
	if len(indices) != 3 || indices[0] != 0 || indices[1] != 1 || indices[2] != 2 {
		t.Fatalf("indices = %v, want [0 1 2]", indices)
	}
}

func TestToolCallSlots_OverflowMarksSlot(t *testing.T) {
	slots := NewToolCallSlots()
	big := strings.Repeat("x", MaxPartialJSONBytes+1)
	slots.Append(0, "call_1", "f", big)
	s := slots.Slot(0)
	if s == nil || !s.Overflowed {
		t.Fatal("expected overflow to be flagged")
	}
}
