package notify

import (
	"bufio"
	"bytes"
	"testing"

	"logview/internal/codec"
	"logview/internal/domain"
)

func TestMessageFrameRoundTrip(t *testing.T) {
	in := &UpdateNotificationMessage{
		GrainType: "journal", GrainId: "g1",
		Origin: "east", Version: 2,
		Updates: [][]byte{[]byte(`"e1"`), []byte(`"e2"`)},
		Etag:    "9",
	}
	var b bytes.Buffer
	if err := WriteMessageFrame(&b, in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadMessageFrame(bufio.NewReader(&b))
	if err != nil {
		t.Fatal(err)
	}
	if out.Origin != "east" || out.Version != 2 || len(out.Updates) != 2 || out.Etag != "9" {
		t.Fatalf("got %+v", out)
	}

	// Two frames on one stream stay delimited.
	if err := WriteMessageFrame(&b, in); err != nil {
		t.Fatal(err)
	}
	if err := WriteMessageFrame(&b, in); err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(&b)
	for i := 0; i < 2; i++ {
		if _, err := ReadMessageFrame(r); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
}

func TestMessageFrameRejectsOversized(t *testing.T) {
	in := &UpdateNotificationMessage{
		GrainType: "journal", GrainId: "g1",
		Origin: "east", Version: 1,
		Updates: [][]byte{make([]byte, maxFrameSize+1)},
	}
	var b bytes.Buffer
	if err := WriteMessageFrame(&b, in); err == nil {
		t.Fatal("expected error")
	}
}

func TestMessageFrameRejectsForeignHeader(t *testing.T) {
	// Wrong magic.
	r := bufio.NewReader(bytes.NewReader([]byte{0x00, 0x00, wireVersion, 0, 0, 0, 1, 0x2a}))
	if _, err := ReadMessageFrame(r); err == nil {
		t.Fatal("expected magic rejection")
	}
	// Unknown wire version.
	r = bufio.NewReader(bytes.NewReader([]byte{0x4c, 0x56, 99, 0, 0, 0, 1, 0x2a}))
	if _, err := ReadMessageFrame(r); err == nil {
		t.Fatal("expected version rejection")
	}
	// Empty payload.
	r = bufio.NewReader(bytes.NewReader([]byte{0x4c, 0x56, wireVersion, 0, 0, 0, 0}))
	if _, err := ReadMessageFrame(r); err == nil {
		t.Fatal("expected empty-frame rejection")
	}
}

func TestNotificationWireRoundTrip(t *testing.T) {
	grain := domain.GrainRef{GrainType: "journal", GrainID: "g1"}
	n := domain.UpdateNotification[string]{
		Origin:  "east",
		Version: 4,
		Updates: []string{"e3", "e4"},
		Etag:    "17",
	}
	c := codec.JSON[string]{}

	m, err := EncodeNotification(grain, n, c)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := MarshalMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalMessage(payload)
	if err != nil {
		t.Fatal(err)
	}
	gotGrain, got, err := DecodeNotification(decoded, c)
	if err != nil {
		t.Fatal(err)
	}
	if gotGrain != grain {
		t.Fatalf("grain = %v", gotGrain)
	}
	if got.Origin != "east" || got.Version != 4 || got.Etag != "17" {
		t.Fatalf("notification = %+v", got)
	}
	if len(got.Updates) != 2 || got.Updates[0] != "e3" || got.Updates[1] != "e4" {
		t.Fatalf("updates = %v", got.Updates)
	}
	if got.FirstPosition() != 2 {
		t.Fatalf("first position = %d", got.FirstPosition())
	}
}

func TestValidateMessage(t *testing.T) {
	cases := []struct {
		name string
		m    *UpdateNotificationMessage
		ok   bool
	}{
		{"nil", nil, false},
		{"no grain", &UpdateNotificationMessage{Origin: "east", Version: 1}, false},
		{"no origin", &UpdateNotificationMessage{GrainType: "t", GrainId: "g", Version: 1}, false},
		{"version below updates", &UpdateNotificationMessage{GrainType: "t", GrainId: "g", Origin: "east", Version: 1, Updates: [][]byte{{1}, {2}}}, false},
		{"valid", &UpdateNotificationMessage{GrainType: "t", GrainId: "g", Origin: "east", Version: 2, Updates: [][]byte{{1}, {2}}}, true},
	}
	for _, c := range cases {
		err := ValidateMessage(c.m)
		if (err == nil) != c.ok {
			t.Fatalf("%s: err = %v", c.name, err)
		}
	}
}

func TestDispatcherRoutesByGrain(t *testing.T) {
	d := NewDispatcher()
	a := domain.GrainRef{GrainType: "journal", GrainID: "a"}
	b := domain.GrainRef{GrainType: "journal", GrainID: "b"}

	var gotA, gotB int
	d.Subscribe(a, func(*UpdateNotificationMessage) { gotA++ })
	d.Subscribe(b, func(*UpdateNotificationMessage) { gotB++ })

	d.Dispatch(&UpdateNotificationMessage{GrainType: "journal", GrainId: "a", Origin: "east", Version: 1})
	d.Dispatch(&UpdateNotificationMessage{GrainType: "journal", GrainId: "c", Origin: "east", Version: 1})
	if gotA != 1 || gotB != 0 {
		t.Fatalf("a=%d b=%d", gotA, gotB)
	}
}

func TestSinkDropsUndecodableUpdates(t *testing.T) {
	var delivered int
	sink := Sink(codec.JSON[int]{}, func(domain.UpdateNotification[int]) { delivered++ })
	sink(&UpdateNotificationMessage{GrainType: "t", GrainId: "g", Origin: "east", Version: 1, Updates: [][]byte{[]byte("not json")}})
	if delivered != 0 {
		t.Fatal("undecodable notification must be dropped, not delivered")
	}
	sink(&UpdateNotificationMessage{GrainType: "t", GrainId: "g", Origin: "east", Version: 1, Updates: [][]byte{[]byte("42")}})
	if delivered != 1 {
		t.Fatal("valid notification must be delivered")
	}
}

func TestQueueForGrainIsDeterministic(t *testing.T) {
	grain := domain.GrainRef{GrainType: "journal", GrainID: "g1"}
	q1 := QueueForGrain(grain, 8)
	q2 := QueueForGrain(grain, 8)
	if q1 != q2 {
		t.Fatalf("queue assignment not deterministic: %d vs %d", q1, q2)
	}
	if q1 < 0 || q1 >= 8 {
		t.Fatalf("queue out of range: %d", q1)
	}
	if QueueForGrain(grain, 1) != 0 {
		t.Fatal("single queue must always be 0")
	}
}

func TestCheckpointStreamName(t *testing.T) {
	id := CheckpointIDForGrain(domain.GrainRef{GrainType: "journal", GrainID: "g1"})
	name := CheckpointStreamName("svc1", "logview", 3, id)
	prefix := "svc1/checkpoints/logview/3/"
	if len(name) != len(prefix)+32 {
		t.Fatalf("name = %q", name)
	}
	if name[:len(prefix)] != prefix {
		t.Fatalf("name = %q", name)
	}
}
