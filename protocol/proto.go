package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from Bazel's worker_protocol.proto.
const (
	reqArguments  protowire.Number = 1
	reqInputs     protowire.Number = 2
	reqRequestID  protowire.Number = 3
	reqCancel     protowire.Number = 4
	reqVerbosity  protowire.Number = 5
	reqSandboxDir protowire.Number = 6

	inputPath   protowire.Number = 1
	inputDigest protowire.Number = 2

	respExitCode     protowire.Number = 1
	respOutput       protowire.Number = 2
	respRequestID    protowire.Number = 3
	respWasCancelled protowire.Number = 4
)

type protoCodec struct{}

// Proto is the length-delimited protobuf encoding of the worker protocol.
var Proto Codec = protoCodec{}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) WriteRequest(w io.Writer, id int, body []byte) error {
	// the last occurrence of a scalar field wins, so appending the id is enough to stamp it
	msg := make([]byte, 0, len(body)+6)
	msg = append(msg, body...)
	msg = protowire.AppendTag(msg, reqRequestID, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(int64(int32(id))))
	return writeDelimited(w, msg)
}

func (protoCodec) NewResponseReader(r io.Reader) ResponseReader {
	return &protoResponseReader{r: bufio.NewReaderSize(r, 64*1024)}
}

type protoResponseReader struct {
	r *bufio.Reader
}

func (r *protoResponseReader) ReadResponse() (int, []byte, error) {
	msg, err := readDelimited(r.r)
	if err != nil {
		return 0, nil, err
	}
	var resp WorkResponse
	hasID, err := unmarshalResponse(msg, &resp)
	// 0 is never a multiplexed request
	hasID = hasID && resp.RequestID != 0
	if err != nil {
		return 0, nil, &FrameError{ID: resp.RequestID, HasID: hasID, Err: err}
	}
	if !hasID {
		return 0, nil, &FrameError{Err: errors.New("missing request_id")}
	}
	return resp.RequestID, msg, nil
}

func (protoCodec) NewRequestReader(r io.Reader) RequestReader {
	return &protoRequestReader{r: bufio.NewReader(r)}
}

type protoRequestReader struct {
	r *bufio.Reader
}

func (r *protoRequestReader) ReadRequest() (*WorkRequest, error) {
	msg, err := readDelimited(r.r)
	if err != nil {
		return nil, err
	}
	var req WorkRequest
	if err := unmarshalRequest(msg, &req); err != nil {
		return nil, fmt.Errorf("decoding work request: %w", err)
	}
	return &req, nil
}

func (protoCodec) WriteResponse(w io.Writer, resp *WorkResponse) error {
	return writeDelimited(w, marshalResponse(nil, resp))
}

func (protoCodec) MarshalRequest(req *WorkRequest) ([]byte, error) {
	return marshalRequest(nil, req), nil
}

func (protoCodec) UnmarshalResponse(b []byte, resp *WorkResponse) error {
	_, err := unmarshalResponse(b, resp)
	return err
}

func writeDelimited(w io.Writer, msg []byte) error {
	b := make([]byte, 0, len(msg)+binary.MaxVarintLen64)
	b = protowire.AppendVarint(b, uint64(len(msg)))
	b = append(b, msg...)
	_, err := w.Write(b)
	return err
}

func readDelimited(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > maxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit of %d", size, maxMessageSize)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading message body: %w", err)
	}
	return msg, nil
}

func marshalRequest(b []byte, req *WorkRequest) []byte {
	for _, arg := range req.Arguments {
		b = protowire.AppendTag(b, reqArguments, protowire.BytesType)
		b = protowire.AppendString(b, arg)
	}
	for _, in := range req.Inputs {
		var m []byte
		if in.Path != "" {
			m = protowire.AppendTag(m, inputPath, protowire.BytesType)
			m = protowire.AppendString(m, in.Path)
		}
		if in.Digest != "" {
			m = protowire.AppendTag(m, inputDigest, protowire.BytesType)
			m = protowire.AppendString(m, in.Digest)
		}
		b = protowire.AppendTag(b, reqInputs, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	if req.RequestID != 0 {
		b = protowire.AppendTag(b, reqRequestID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(int32(req.RequestID))))
	}
	if req.Cancel {
		b = protowire.AppendTag(b, reqCancel, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if req.Verbosity != 0 {
		b = protowire.AppendTag(b, reqVerbosity, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(int32(req.Verbosity))))
	}
	if req.SandboxDir != "" {
		b = protowire.AppendTag(b, reqSandboxDir, protowire.BytesType)
		b = protowire.AppendString(b, req.SandboxDir)
	}
	return b
}

func marshalResponse(b []byte, resp *WorkResponse) []byte {
	if resp.ExitCode != 0 {
		b = protowire.AppendTag(b, respExitCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(int32(resp.ExitCode))))
	}
	if resp.Output != "" {
		b = protowire.AppendTag(b, respOutput, protowire.BytesType)
		b = protowire.AppendString(b, resp.Output)
	}
	if resp.RequestID != 0 {
		b = protowire.AppendTag(b, respRequestID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(int32(resp.RequestID))))
	}
	if resp.WasCancelled {
		b = protowire.AppendTag(b, respWasCancelled, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// skipField is returned by a walkFields callback for fields it does not decode.
// It is outside the range of protowire's negative error codes.
const skipField = -1 << 20

// walkFields calls fn for every field of msg. fn consumes the field value and returns the number of bytes it used,
// a negative protowire error code, or skipField.
func walkFields(msg []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]
		n = fn(num, typ, msg)
		if n == skipField {
			n = protowire.ConsumeFieldValue(num, typ, msg)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		msg = msg[n:]
	}
	return nil
}

func consumeInt(b []byte, dst *int) int {
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = int(int32(v))
	}
	return n
}

func consumeBool(b []byte, dst *bool) int {
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = protowire.DecodeBool(v)
	}
	return n
}

func consumeString(b []byte, dst *string) int {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

// unmarshalResponse decodes msg into resp and reports whether a request_id was seen,
// which makes a decoding error attributable.
func unmarshalResponse(msg []byte, resp *WorkResponse) (bool, error) {
	hasID := false
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == respExitCode && typ == protowire.VarintType:
			return consumeInt(b, &resp.ExitCode)
		case num == respOutput && typ == protowire.BytesType:
			return consumeString(b, &resp.Output)
		case num == respRequestID && typ == protowire.VarintType:
			n := consumeInt(b, &resp.RequestID)
			hasID = hasID || n >= 0
			return n
		case num == respWasCancelled && typ == protowire.VarintType:
			return consumeBool(b, &resp.WasCancelled)
		}
		return skipField
	})
	return hasID, err
}

func unmarshalRequest(msg []byte, req *WorkRequest) error {
	var inputErr error
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == reqArguments && typ == protowire.BytesType:
			var arg string
			n := consumeString(b, &arg)
			if n >= 0 {
				req.Arguments = append(req.Arguments, arg)
			}
			return n
		case num == reqInputs && typ == protowire.BytesType:
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			var in Input
			err := walkFields(m, func(num protowire.Number, typ protowire.Type, b []byte) int {
				switch {
				case num == inputPath && typ == protowire.BytesType:
					return consumeString(b, &in.Path)
				case num == inputDigest && typ == protowire.BytesType:
					return consumeString(b, &in.Digest)
				}
				return skipField
			})
			if err != nil && inputErr == nil {
				inputErr = fmt.Errorf("input %d: %w", len(req.Inputs), err)
			}
			req.Inputs = append(req.Inputs, in)
			return n
		case num == reqRequestID && typ == protowire.VarintType:
			return consumeInt(b, &req.RequestID)
		case num == reqCancel && typ == protowire.VarintType:
			return consumeBool(b, &req.Cancel)
		case num == reqVerbosity && typ == protowire.VarintType:
			return consumeInt(b, &req.Verbosity)
		case num == reqSandboxDir && typ == protowire.BytesType:
			return consumeString(b, &req.SandboxDir)
		}
		return skipField
	})
	if err != nil {
		return err
	}
	return inputErr
}
