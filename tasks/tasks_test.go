package tasks

import (
	"testing"
	"time"

	"github.com/vinayprograms/taskkit/errors"
)

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		if got, err := ParseStatus(string(s)); err != nil || got != s {
			t.Errorf("ParseStatus(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseStatus("blocked"); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestPatch_IsEmpty(t *testing.T) {
	if !(Patch{}).IsEmpty() {
		t.Error("zero patch should be empty")
	}
	if (Patch{Priority: Ptr[int64](0)}).IsEmpty() {
		t.Error("explicit zero priority is a field")
	}
	if (Patch{Description: Ptr("")}).IsEmpty() {
		t.Error("explicit empty description is a field")
	}
}

func TestClock_StrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := &clock{now: func() time.Time { return fixed }, resolution: time.Nanosecond}

	a, b, d := c.Now(), c.Now(), c.Now()
	if !b.After(a) || !d.After(b) {
		t.Errorf("clock not strictly increasing: %v %v %v", a, b, d)
	}

	us := &clock{now: func() time.Time { return fixed.Add(500) }, resolution: time.Microsecond}
	x, y := us.Now(), us.Now()
	if y.Sub(x) != time.Microsecond || x.Nanosecond()%1000 != 0 {
		t.Errorf("microsecond clock = %v, %v", x, y)
	}
}

func TestTimestampFormat(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 8, time.FixedZone("x", 3600))
	s := FormatTimestamp(ts)
	if s != "2026-03-04T04:06:07.000000008Z" {
		t.Errorf("FormatTimestamp = %q", s)
	}
	back, err := ParseTimestamp(s)
	if err != nil || !back.Equal(ts) {
		t.Errorf("ParseTimestamp = %v, %v", back, err)
	}
	if _, err := ParseTimestamp("2026-03-04T04:06:07Z"); err != nil {
		t.Errorf("RFC 3339 fallback failed: %v", err)
	}
}

func TestMetadataCodec(t *testing.T) {
	data, err := encodeMetadata(nil)
	if err != nil || data != nil {
		t.Errorf("nil metadata should encode to nil, got %q %v", data, err)
	}
	if _, err := encodeMetadata(Metadata{"ch": make(chan int)}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("unserializable metadata error = %v", err)
	}
	m, err := decodeMetadata([]byte(`{"n": 12345678901234567890}`))
	if err != nil {
		t.Fatalf("decodeMetadata failed: %v", err)
	}
	if m["n"].(interface{ String() string }).String() != "12345678901234567890" {
		t.Errorf("large integer lost precision: %v", m["n"])
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	orig := &Task{ID: 1, Metadata: Metadata{"k": "v"}}
	c := orig.Clone()
	c.Metadata["k"] = "changed"
	if orig.Metadata["k"] != "v" {
		t.Error("Clone should not alias metadata")
	}
}
