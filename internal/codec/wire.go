package codec

import "github.com/golang/protobuf/proto"

// locationUpdateWire is the protobuf body of an encoded update. Fields are
// pointers so a decoder can tell an absent field from a zero value.
type locationUpdateWire struct {
	DriverId        *string  `protobuf:"bytes,1,opt,name=driver_id,json=driverId"`
	Latitude        *float64 `protobuf:"fixed64,2,opt,name=latitude"`
	Longitude       *float64 `protobuf:"fixed64,3,opt,name=longitude"`
	TimestampUnixNs *int64   `protobuf:"varint,4,opt,name=timestamp_unix_ns,json=timestampUnixNs"`
	Sequence        *uint64  `protobuf:"varint,5,opt,name=sequence"`
}

func (*locationUpdateWire) Reset()         {}
func (*locationUpdateWire) String() string { return "LocationUpdate" }
func (*locationUpdateWire) ProtoMessage()  {}

func marshalWire(w *locationUpdateWire) ([]byte, error) { return proto.Marshal(w) }

func unmarshalWire(payload []byte) (*locationUpdateWire, error) {
	var w locationUpdateWire
	if err := proto.Unmarshal(payload, &w); err != nil {
		return nil, err
	}
	return &w, nil
}
