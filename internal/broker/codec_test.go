package broker

import "testing"

func TestGetCodec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "", want: CodecNameJSON},
		{raw: "JSON", want: CodecNameJSON},
		{raw: " msgpack ", want: CodecNameMsgpack},
	}
	for _, tt := range tests {
		c, err := GetCodec(tt.raw)
		if err != nil {
			t.Fatalf("GetCodec(%q): %v", tt.raw, err)
		}
		if c.Name() != tt.want {
			t.Fatalf("GetCodec(%q) = %s, want %s", tt.raw, c.Name(), tt.want)
		}
	}
	if _, err := GetCodec("protobuf"); err == nil {
		t.Fatal("expected error for unsupported codec")
	}
}

func TestMsgpackKeepsPayloadBytes(t *testing.T) {
	t.Parallel()
	in := Message{Run: "r1", Seq: 19, Payload: "This is text message 19"}
	b, err := MsgpackCodec{}.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := MsgpackCodec{}.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
}

func TestJSONDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := (JSONCodec{}).Decode([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}
