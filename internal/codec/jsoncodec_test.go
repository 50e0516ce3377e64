package codec

import (
	"bytes"
	"io"
	"testing"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := NewJSONCodec()
	svc := int32(2)
	msgs := []*Msg{
		{Class: ClassLogin, StreamID: 1, Payload: []byte(`{"Name":"user1"}`)},
		{Class: ClassItem, StreamID: 5, ServiceID: &svc, ServiceName: "ELEKTRON_DD", Payload: []byte(`{"Fields":{}}`)},
	}

	encoded, err := c.EncodeIterator(msgs)
	if err != nil {
		t.Fatalf("EncodeIterator: %v", err)
	}

	next := c.DecodeIterator(bytes.NewReader(encoded))
	var got []*Msg
	for {
		m, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("DecodeIterator: %v", err)
		}
		got = append(got, m)
	}

	if len(got) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(got), len(msgs))
	}
	if got[0].StreamID != 1 || got[0].Class != ClassLogin {
		t.Errorf("msg0 = %+v", got[0])
	}
	if got[1].StreamID != 5 || got[1].ServiceName != "ELEKTRON_DD" {
		t.Errorf("msg1 = %+v", got[1])
	}
	if got[1].ServiceID == nil || *got[1].ServiceID != 2 {
		t.Errorf("msg1 ServiceID = %v, want 2", got[1].ServiceID)
	}
}

func TestChannelInfoDefaults(t *testing.T) {
	c := NewJSONCodec()
	info, err := c.ChannelInfo(nil)
	if err != nil {
		t.Fatalf("ChannelInfo: %v", err)
	}
	if info.PingIntervalSec != 30 {
		t.Errorf("PingIntervalSec = %d, want 30", info.PingIntervalSec)
	}
}

func TestBufferPoolReuse(t *testing.T) {
	c := NewJSONCodec()
	buf := c.AcquireBuffer(128)
	buf = append(buf, "hello"...)
	c.ReleaseBuffer(buf)

	buf2 := c.AcquireBuffer(64)
	if len(buf2) != 0 {
		t.Errorf("AcquireBuffer should return a zero-length slice, got len %d", len(buf2))
	}
}
