package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Frame is the base64 text carried by one characteristic write or notification.
type Frame string

// Bytes returns the raw bytes the frame stands for on the air.
func (f Frame) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(string(f))
}

// FrameOf wraps raw characteristic bytes as a Frame.
func FrameOf(raw []byte) Frame {
	return Frame(base64.StdEncoding.EncodeToString(raw))
}

// Command is the JSON object written to the reader.
type Command struct {
	Name  CommandName `json:"command"`
	Value any         `json:"value,omitempty"`
}

// Encode builds {"command":name,"value":value} as compact JSON and base64-frames it.
// A nil value is omitted from the object.
func Encode(name CommandName, value any) (Frame, error) {
	if !name.Valid() {
		return "", &EncodingError{Command: name, Err: ErrUnknownCommand}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Command{Name: name, Value: value}); err != nil {
		return "", &EncodingError{Command: name, Err: err}
	}

	return FrameOf(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// MustEncode is Encode for commands known to be valid at compile time.
func MustEncode(name CommandName, value any) Frame {
	f, err := Encode(name, value)
	if err != nil {
		panic(err)
	}
	return f
}

// DecodePayload base64-decodes a frame and checks that the result is UTF-8 text.
func DecodePayload(f Frame) ([]byte, error) {
	raw, err := f.Bytes()
	if err != nil {
		return nil, &MalformedFrameError{Reason: "base64", Err: err}
	}
	if !utf8.Valid(raw) {
		return nil, &MalformedFrameError{Reason: "utf8", Err: ErrInvalidUTF8}
	}
	return raw, nil
}

// ParseResponse parses one complete JSON response.
func ParseResponse(payload []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, &PartialJSONError{Payload: string(payload), Err: err}
	}
	return resp, nil
}

// Decode turns a frame into a Response. It fails with *MalformedFrameError when the
// frame is not base64 UTF-8 text and with *PartialJSONError when the text is not a
// complete JSON response.
func Decode(f Frame) (Response, error) {
	payload, err := DecodePayload(f)
	if err != nil {
		return Response{}, err
	}
	return ParseResponse(payload)
}

// SplitResponses parses as many consecutive complete responses as data holds.
// Trailing bytes of an unfinished response are returned as rest so the caller can
// prepend them to the next payload. A syntax error returns the responses parsed so
// far and a *PartialJSONError; the offending bytes are not returned.
func SplitResponses(data []byte) (resps []Response, rest []byte, err error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var consumed int64

	for {
		var resp Response
		derr := dec.Decode(&resp)
		switch {
		case derr == nil:
			resps = append(resps, resp)
			consumed = dec.InputOffset()
		case errors.Is(derr, io.EOF):
			return resps, nil, nil
		case errors.Is(derr, io.ErrUnexpectedEOF):
			return resps, bytes.Clone(data[consumed:]), nil
		default:
			return resps, nil, &PartialJSONError{
				Payload: string(data[consumed:]),
				Err:     fmt.Errorf("at offset %d: %w", consumed, derr),
			}
		}
	}
}
