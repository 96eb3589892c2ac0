// Package capture records serial traffic as an asciinema v2 cast so a
// bench session can be replayed with standard tooling.
//
// Cast event data is text. Byte sequences that are not valid UTF-8 are
// recorded as U+FFFD, one replacement per invalid run, so captures of
// binary traffic are lossy.
package capture

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// EventInput marks bytes written to the serial device.
	EventInput = "i"
	// EventOutput marks bytes read from the serial device.
	EventOutput = "o"
)

// Header is the first line of an asciinema v2 recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one recorded chunk: [time_offset, event_type, data].
type Event struct {
	TimeOffset float64
	EventType  string
	Data       string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.EventType, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	var ok bool
	if e.TimeOffset, ok = arr[0].(float64); !ok {
		return fmt.Errorf("invalid time offset type")
	}
	if e.EventType, ok = arr[1].(string); !ok {
		return fmt.Errorf("invalid event type")
	}
	if e.Data, ok = arr[2].(string); !ok {
		return fmt.Errorf("invalid event data type")
	}
	return nil
}

// Recorder appends serial traffic to a cast. It is safe for concurrent use;
// the write path and the poll loop share one recorder.
type Recorder struct {
	mu        sync.Mutex
	writer    io.Writer
	file      *os.File // set only when the recorder owns the file
	startTime time.Time
}

// Create opens path and writes the header for device.
func Create(path, device string, baud int) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}

	r := &Recorder{writer: file, file: file, startTime: time.Now()}
	if err := r.writeHeader(device, baud); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// NewWithWriter records to w.
func NewWithWriter(w io.Writer, device string, baud int) (*Recorder, error) {
	r := &Recorder{writer: w, startTime: time.Now()}
	if err := r.writeHeader(device, baud); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeHeader(device string, baud int) error {
	header := Header{
		Version:   2,
		Width:     80,
		Height:    24,
		Timestamp: r.startTime.Unix(),
		Title:     device,
		Env:       map[string]string{"BAUD": fmt.Sprint(baud)},
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// RecordInput records bytes sent to the device.
func (r *Recorder) RecordInput(p []byte) error {
	return r.writeEvent(EventInput, p)
}

// RecordOutput records bytes received from the device.
func (r *Recorder) RecordOutput(p []byte) error {
	return r.writeEvent(EventOutput, p)
}

func (r *Recorder) writeEvent(eventType string, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(Event{
		TimeOffset: time.Since(r.startTime).Seconds(),
		EventType:  eventType,
		Data:       strings.ToValidUTF8(string(p), "\uFFFD"),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the file if the recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
