package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown Operation = 0
	OperationPublish Operation = 1
	OperationPing    Operation = 2
	OperationHealth  Operation = 3
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeOK:
		return "ok"
	case ErrorCodeBadRequest:
		return "bad_request"
	case ErrorCodeUnauthenticated:
		return "unauthenticated"
	case ErrorCodeOverloaded:
		return "overloaded"
	case ErrorCodeInternal:
		return "internal"
	default:
		return fmt.Sprintf("code_%d", int32(c))
	}
}

type SocketRequest struct {
	RequestId string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string          `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32           `protobuf:"varint,3,opt,name=operation,proto3"`
	Publish   *PublishRequest `protobuf:"bytes,4,opt,name=publish,proto3"`
	Ping      *PingRequest    `protobuf:"bytes,5,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32           `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string          `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Ack          *AckResponse    `protobuf:"bytes,4,opt,name=ack,proto3"`
	Pong         *PongResponse   `protobuf:"bytes,5,opt,name=pong,proto3"`
	Health       *HealthResponse `protobuf:"bytes,6,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

// PublishRequest carries one location report. A zero TimestampUtcMs means
// the server clock.
type PublishRequest struct {
	DriverId       string  `protobuf:"bytes,1,opt,name=driver_id,json=driverId,proto3"`
	Latitude       float64 `protobuf:"fixed64,2,opt,name=latitude,proto3"`
	Longitude      float64 `protobuf:"fixed64,3,opt,name=longitude,proto3"`
	TimestampUtcMs int64   `protobuf:"varint,4,opt,name=timestamp_utc_ms,json=timestampUtcMs,proto3"`
}

func (*PublishRequest) Reset()         {}
func (*PublishRequest) String() string { return "PublishRequest" }
func (*PublishRequest) ProtoMessage()  {}

type AckResponse struct {
	Accepted  bool   `protobuf:"varint,1,opt,name=accepted,proto3"`
	DriverId  string `protobuf:"bytes,2,opt,name=driver_id,json=driverId,proto3"`
	Sequence  uint64 `protobuf:"varint,3,opt,name=sequence,proto3"`
	Partition uint32 `protobuf:"varint,4,opt,name=partition,proto3"`
	Offset    int64  `protobuf:"varint,5,opt,name=offset,proto3"`
}

func (*AckResponse) Reset()         {}
func (*AckResponse) String() string { return "AckResponse" }
func (*AckResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok       bool  `protobuf:"varint,1,opt,name=ok,proto3"`
	InFlight int64 `protobuf:"varint,2,opt,name=in_flight,json=inFlight,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	switch Operation(req.Operation) {
	case OperationUnknown:
		return fmt.Errorf("operation is required")
	case OperationPublish:
		if req.Publish == nil {
			return fmt.Errorf("publish payload is required")
		}
	}
	return nil
}
