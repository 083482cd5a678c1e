package wire

import (
	"bytes"
	"testing"
)

func FuzzDecode(f *testing.F) {
	var buf bytes.Buffer
	_ = Encode(&buf, Frame{Type: MsgHello, Payload: []byte(`{"ok":true}`)})
	f.Add(buf.Bytes())
	f.Add([]byte("not a frame"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Decode(bytes.NewReader(data))
	})
}

func FuzzFrameRoundTrip(f *testing.F) {
	f.Add(uint8(MsgTextMessage), []byte("hello"))
	f.Add(uint8(MsgFileData), []byte{})

	f.Fuzz(func(t *testing.T, mt uint8, payload []byte) {
		if len(payload) > 4096 {
			payload = payload[:4096]
		}
		frame := Frame{Type: MessageType(mt), Payload: payload}
		var buf bytes.Buffer
		if err := Encode(&buf, frame); err != nil {
			return
		}
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("decode after successful encode: %v", err)
		}
		if got.Type != frame.Type || !bytes.Equal(got.Payload, frame.Payload) {
			t.Fatalf("round trip mismatch")
		}
	})
}
