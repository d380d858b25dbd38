// Package wirelog journals wire traffic: every frame received from a
// tracker and every ACK or command sent back, plus connection lifecycle
// events. The journal is a JSON-lines file so operators can replay a
// device's session when a tracker misbehaves.
package wirelog

import (
	"fmt"
	"time"
)

// Direction says which way the bytes went.
type Direction string

const (
	DirIn  Direction = "rx"
	DirOut Direction = "tx"
)

// Kind categorizes journal entries.
type Kind string

const (
	KindFrame      Kind = "frame"      // inbound report frame
	KindAck        Kind = "ack"        // outbound acknowledgment
	KindCommand    Kind = "command"    // outbound AT command
	KindConnect    Kind = "connect"    // TCP session opened
	KindDisconnect Kind = "disconnect" // TCP session closed
	KindReject     Kind = "reject"     // inbound bytes dropped
)

// Entry is one journaled wire event.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Direction  Direction `json:"direction"`
	Kind       Kind      `json:"kind"`
	ClientIP   string    `json:"client_ip,omitempty"`
	IMEI       string    `json:"imei,omitempty"`
	ReportType string    `json:"report_type,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Filter defines criteria for querying journal entries.
type Filter struct {
	IMEI       string
	ClientIP   string
	Kind       Kind
	Direction  Direction
	ReportType string
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
	Offset     int
}

// NewEntry creates a journal entry stamped with the current time.
func NewEntry(dir Direction, kind Kind, payload string) *Entry {
	return &Entry{
		ID:        generateID(),
		Timestamp: time.Now(),
		Direction: dir,
		Kind:      kind,
		Payload:   payload,
	}
}

// WithClient sets the remote address the bytes came from or went to.
func (e *Entry) WithClient(ip string) *Entry {
	e.ClientIP = ip
	return e
}

// WithIMEI tags the entry with the device identity.
func (e *Entry) WithIMEI(imei string) *Entry {
	e.IMEI = imei
	return e
}

// WithReportType tags the entry with the report type of the frame.
func (e *Entry) WithReportType(rt string) *Entry {
	e.ReportType = rt
	return e
}

// WithDetail attaches free-form context, typically a reject reason.
func (e *Entry) WithDetail(detail string) *Entry {
	e.Detail = detail
	return e
}

// WithError attaches an error as the entry detail.
func (e *Entry) WithError(err error) *Entry {
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
