package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

type jsonCodec struct{}

// JSON is the newline-delimited JSON encoding of the worker protocol.
var JSON Codec = jsonCodec{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) WriteRequest(w io.Writer, id int, body []byte) error {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return fmt.Errorf("decoding request body: %w", err)
		}
	}
	fields["requestId"] = json.RawMessage(strconv.Itoa(id))
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

func (jsonCodec) NewResponseReader(r io.Reader) ResponseReader {
	return &jsonResponseReader{dec: json.NewDecoder(bufio.NewReaderSize(r, 64*1024))}
}

type jsonResponseReader struct {
	dec *json.Decoder
}

func (r *jsonResponseReader) ReadResponse() (int, []byte, error) {
	var raw json.RawMessage
	if err := r.dec.Decode(&raw); err != nil {
		return 0, nil, err
	}
	var head struct {
		RequestID *int `json:"requestId"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0, nil, &FrameError{Err: err}
	}
	if head.RequestID == nil || *head.RequestID == 0 {
		// proto3 JSON omits zero values, so a missing id means 0, which is never a multiplexed request
		return 0, nil, &FrameError{Err: errors.New("missing requestId")}
	}
	return *head.RequestID, []byte(raw), nil
}

func (jsonCodec) NewRequestReader(r io.Reader) RequestReader {
	return &jsonRequestReader{dec: json.NewDecoder(bufio.NewReader(r))}
}

type jsonRequestReader struct {
	dec *json.Decoder
}

func (r *jsonRequestReader) ReadRequest() (*WorkRequest, error) {
	var req WorkRequest
	if err := r.dec.Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (jsonCodec) WriteResponse(w io.Writer, resp *WorkResponse) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

func (jsonCodec) MarshalRequest(req *WorkRequest) ([]byte, error) {
	return json.Marshal(req)
}

func (jsonCodec) UnmarshalResponse(b []byte, resp *WorkResponse) error {
	return json.Unmarshal(b, resp)
}
