// Package v1 holds the ModelService wire messages and gRPC bindings.
//
// The messages follow model.proto and are encoded in the protobuf binary
// format with protowire, so they interoperate with peers that use generated
// protobuf code.
package v1

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var errTruncated = errors.New("truncated message")

// ModelRequest is one slice of a cross-party message.
type ModelRequest struct {
	Sender   string
	Receiver string
	TaskId   string
	Key      string
	Seq      uint32
	SliceNum uint32
	Data     []byte
	Round    uint32
}

// BaseResponse carries the result code of a call. Zero means success.
type BaseResponse struct {
	ErrorCode int32
	Message   string
}

// ModelResponse is the reply to MessageInteraction.
type ModelResponse struct {
	BaseResponse *BaseResponse
	Data         []byte
}

// GetErrorCode returns the error code, treating a missing base response as success.
func (r *ModelResponse) GetErrorCode() int32 {
	if r == nil || r.BaseResponse == nil {
		return 0
	}
	return r.BaseResponse.ErrorCode
}

// GetMessage returns the response message.
func (r *ModelResponse) GetMessage() string {
	if r == nil || r.BaseResponse == nil {
		return ""
	}
	return r.BaseResponse.Message
}

// Marshal encodes the request.
func (m *ModelRequest) Marshal() ([]byte, error) {
	b := make([]byte, 0, len(m.Data)+64)
	b = appendString(b, 1, m.Sender)
	b = appendString(b, 2, m.Receiver)
	b = appendString(b, 3, m.TaskId)
	b = appendString(b, 4, m.Key)
	b = appendVarint(b, 5, uint64(m.Seq))
	b = appendVarint(b, 6, uint64(m.SliceNum))
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	b = appendVarint(b, 8, uint64(m.Round))
	return b, nil
}

// Unmarshal decodes the request. Unknown fields are skipped.
func (m *ModelRequest) Unmarshal(b []byte) error {
	*m = ModelRequest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("model request: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return errTruncated
			}
			m.Sender, b = v, b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return errTruncated
			}
			m.Receiver, b = v, b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return errTruncated
			}
			m.TaskId, b = v, b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return errTruncated
			}
			m.Key, b = v, b[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errTruncated
			}
			m.Seq, b = uint32(v), b[n:]
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errTruncated
			}
			m.SliceNum, b = uint32(v), b[n:]
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errTruncated
			}
			m.Data, b = append([]byte(nil), v...), b[n:]
		case num == 8 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errTruncated
			}
			m.Round, b = uint32(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("model request field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// Marshal encodes the response.
func (r *ModelResponse) Marshal() ([]byte, error) {
	var b []byte
	if r.BaseResponse != nil {
		var inner []byte
		if r.BaseResponse.ErrorCode != 0 {
			inner = protowire.AppendTag(inner, 1, protowire.VarintType)
			// int32 is sign-extended to 64 bits on the wire.
			inner = protowire.AppendVarint(inner, uint64(int64(r.BaseResponse.ErrorCode)))
		}
		inner = appendString(inner, 2, r.BaseResponse.Message)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	return b, nil
}

// Unmarshal decodes the response.
func (r *ModelResponse) Unmarshal(b []byte) error {
	*r = ModelResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("model response: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errTruncated
			}
			base, err := unmarshalBase(v)
			if err != nil {
				return err
			}
			r.BaseResponse, b = base, b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errTruncated
			}
			r.Data, b = append([]byte(nil), v...), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("model response field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func unmarshalBase(b []byte) (*BaseResponse, error) {
	base := &BaseResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("base response: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errTruncated
			}
			base.ErrorCode, b = int32(v), b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errTruncated
			}
			base.Message, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errTruncated
			}
			b = b[n:]
		}
	}
	return base, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Success builds a zero-code response.
func Success(data []byte) *ModelResponse {
	return &ModelResponse{BaseResponse: &BaseResponse{ErrorCode: 0, Message: "success"}, Data: data}
}

// Failure builds an error response.
func Failure(code int32, msg string) *ModelResponse {
	return &ModelResponse{BaseResponse: &BaseResponse{ErrorCode: code, Message: msg}}
}
