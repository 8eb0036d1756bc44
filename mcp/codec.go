package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
)

// DefaultMaxFrameSize bounds a single decoded frame.
const DefaultMaxFrameSize = 16 << 20

// Encoder writes newline-delimited JSON frames. It is safe for concurrent use;
// each frame is issued as exactly one Write.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes message as one frame.
func (e *Encoder) Encode(message Message) error {
	if message.JSONRPC == "" {
		message.JSONRPC = jsonRPCVersion
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode message: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("mcp: write message: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited JSON frames.
type Decoder struct {
	r      *bufio.Reader
	max    int
	offset int64
	done   bool
}

// NewDecoder returns a decoder reading from r. A maxFrame of zero or less
// selects DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10), max: maxFrame}
}

// Decode returns the next message. It returns io.EOF when the stream ends on
// a frame boundary and a *FramingError when it ends mid-frame or a frame is
// not a JSON-RPC message. Once Decode returned an error the decoder is spent.
func (d *Decoder) Decode() (Message, error) {
	if d.done {
		return Message{}, io.EOF
	}
	for {
		line, err := d.readLine()
		if err != nil {
			d.done = true
			return Message{}, err
		}
		start := d.offset
		d.offset += int64(len(line)) + 1

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var message Message
		if err := json.Unmarshal(line, &message); err != nil {
			d.done = true
			return Message{}, &FramingError{Offset: start, Reason: "invalid json", Err: err}
		}
		if message.JSONRPC != jsonRPCVersion {
			d.done = true
			return Message{}, &FramingError{Offset: start, Reason: fmt.Sprintf("unsupported jsonrpc version %q", message.JSONRPC)}
		}
		return message, nil
	}
}

// Messages yields decoded messages until the stream ends. A clean EOF ends
// the sequence without an error; any other failure is yielded once as the
// final element.
func (d *Decoder) Messages() iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			message, err := d.Decode()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Message{}, err)
				return
			}
			if !yield(message, nil) {
				return
			}
		}
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(line)+len(chunk) > d.max+1 {
			return nil, &FramingError{Offset: d.offset, Reason: fmt.Sprintf("frame exceeds %d bytes", d.max)}
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			return nil, &FramingError{Offset: d.offset, Reason: "stream closed mid-frame", Err: io.ErrUnexpectedEOF}
		default:
			return nil, err
		}
	}
}
