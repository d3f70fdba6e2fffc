package usb

import "testing"

func TestDeviceRequest_MarshalTo(t *testing.T) {
	tests := []struct {
		name string
		req  DeviceRequest
		want [8]byte
	}{
		{
			name: "get max lun",
			req: DeviceRequest{
				RequestType: RequestDirectionIn | RequestTypeClass | RequestRecipientInterface,
				Request:     0xFE,
				Value:       0,
				Index:       0,
				Length:      1,
			},
			want: [8]byte{0xA1, 0xFE, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00},
		},
		{
			name: "bulk only reset",
			req: DeviceRequest{
				RequestType: RequestDirectionOut | RequestTypeClass | RequestRecipientInterface,
				Request:     0xFF,
				Value:       0,
				Index:       2,
				Length:      0,
			},
			want: [8]byte{0x21, 0xFF, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00},
		},
		{
			name: "get endpoint status",
			req: DeviceRequest{
				RequestType: RequestDirectionIn | RequestTypeStandard | RequestRecipientEndpoint,
				Request:     RequestGetStatus,
				Value:       0,
				Index:       0x81,
				Length:      2,
			},
			want: [8]byte{0x82, 0x00, 0x00, 0x00, 0x81, 0x00, 0x02, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf [8]byte
			if n := tt.req.MarshalTo(buf[:]); n != DeviceRequestSize {
				t.Fatalf("MarshalTo() = %d, want %d", n, DeviceRequestSize)
			}
			if buf != tt.want {
				t.Errorf("MarshalTo() = % x, want % x", buf, tt.want)
			}
		})
	}
}

func TestDeviceRequest_MarshalTo_ShortBuffer(t *testing.T) {
	req := DeviceRequest{Request: RequestGetStatus}
	if n := req.MarshalTo(make([]byte, 7)); n != 0 {
		t.Errorf("MarshalTo(short) = %d, want 0", n)
	}
}

func TestParseDeviceRequest(t *testing.T) {
	raw := []byte{0xA1, 0xFE, 0x00, 0x00, 0x03, 0x00, 0x01, 0x00}
	var req DeviceRequest
	if !ParseDeviceRequest(raw, &req) {
		t.Fatal("ParseDeviceRequest failed")
	}
	if !req.IsIn() {
		t.Error("IsIn() = false, want true")
	}
	if !req.IsClass() {
		t.Error("IsClass() = false, want true")
	}
	if req.Request != 0xFE || req.Index != 3 || req.Length != 1 {
		t.Errorf("parsed fields = %+v", req)
	}

	if ParseDeviceRequest(raw[:7], &req) {
		t.Error("ParseDeviceRequest accepted short buffer")
	}
}

func TestDeviceRequest_RoundTrip(t *testing.T) {
	in := DeviceRequest{
		RequestType: RequestDirectionOut | RequestTypeClass | RequestRecipientInterface,
		Request:     0x00,
		Value:       0,
		Index:       1,
		Length:      12,
	}
	var buf [8]byte
	in.MarshalTo(buf[:])
	var out DeviceRequest
	if !ParseDeviceRequest(buf[:], &out) {
		t.Fatal("ParseDeviceRequest failed")
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}
