package protocol

import "testing"

func TestParseEventTimescaleUpdate(t *testing.T) {
	payload := []byte(`{"m":"timescale_update","p":["cs1","sds1",{"s1":{"i":100,"o":1,"h":2,"l":0.5,"c":1.5,"v":10}}]}`)
	evt, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Tag != EventTimescaleUpdate {
		t.Fatalf("unexpected tag: %s", evt.Tag)
	}
	if evt.TimescaleUpdate == nil || len(evt.TimescaleUpdate.Bars) != 1 {
		t.Fatalf("expected one bar, got %+v", evt.TimescaleUpdate)
	}
	if evt.TimescaleUpdate.Bars[0].Close == nil || *evt.TimescaleUpdate.Bars[0].Close != 1.5 {
		t.Fatalf("unexpected bar: %+v", evt.TimescaleUpdate.Bars[0])
	}
	if !evt.TimescaleUpdate.Bars[0].Valid() {
		t.Fatal("expected fully-populated bar to be valid")
	}
}

func TestRawBarRejectsNullField(t *testing.T) {
	payload := []byte(`{"m":"timescale_update","p":["cs1","sds1",{"s1":{"i":100,"o":1,"h":2,"l":0.5,"c":null,"v":10}}]}`)
	evt, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.TimescaleUpdate.Bars[0].Valid() {
		t.Fatal("expected bar with null close to be invalid")
	}
}

func TestParseEventUnknownMethodIsDroppedNotErrored(t *testing.T) {
	payload := []byte(`{"m":"some_future_method","p":[1,2,3]}`)
	evt, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("unknown methods must not error: %v", err)
	}
	if !evt.Unknown {
		t.Fatal("expected Unknown=true for unrecognized method")
	}
}

func TestParseEventMalformedJSONErrors(t *testing.T) {
	_, err := ParseEvent([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestParseEventCriticalError(t *testing.T) {
	payload := []byte(`{"m":"critical_error","p":["cs1","boom"]}`)
	evt, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.ErrorMessage != "boom" {
		t.Fatalf("expected error message 'boom', got %q", evt.ErrorMessage)
	}
}

func TestParseEventStudyCompleted(t *testing.T) {
	payload := []byte(`{"m":"study_completed","p":["cs1","st1",{"p1":{"i":100,"v":[1,2,3,4]}}]}`)
	evt, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.StudyUpdate == nil || len(evt.StudyUpdate.Points) != 1 {
		t.Fatalf("expected one study point, got %+v", evt.StudyUpdate)
	}
	if evt.StudyUpdate.Points[0].Values[3] != 4 {
		t.Fatalf("unexpected point: %+v", evt.StudyUpdate.Points[0])
	}
}
