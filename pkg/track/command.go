package track

import (
	"fmt"
	"time"
)

// ackTimeLayout is the wire timestamp format, UTC.
const ackTimeLayout = "20060102150405"

// AckChecksum is a fixed placeholder. Device firmware in this family never
// verifies the ACK checksum; the value is reproduced bit-exact from the
// deployed servers so mixed fleets behave identically.
const AckChecksum = "11F0"

// Ack synthesises the server acknowledgement for this report. Protocol
// version and count are echoed from the inbound frame.
func (r *Report) Ack(now time.Time) string {
	return fmt.Sprintf("+ACK:%s,%s,%s,,%s,%s,%s$",
		r.Type, r.Protocol, r.IMEI, r.Count,
		now.UTC().Format(ackTimeLayout), AckChecksum)
}

// CommandKind identifies an outbound command intent. The names double as
// the in-flight marker labels.
type CommandKind int

const (
	KindNone CommandKind = iota
	KindBlock
	KindUnblock
	KindMigrate
)

func (k CommandKind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindUnblock:
		return "unblock"
	case KindMigrate:
		return "ipchange"
	}
	return "none"
}

// Command pairs an outbound AT frame with the intent it serves.
type Command struct {
	Kind  CommandKind
	Frame string
}

// BlockCommand builds the GTOUT immobiliser frame. engage=true energises the
// output relay (vehicle blocked), false releases it.
func BlockCommand(password string, engage bool) Command {
	bit := "0"
	kind := KindUnblock
	if engage {
		bit = "1"
		kind = KindBlock
	}
	return Command{
		Kind:  kind,
		Frame: fmt.Sprintf("AT+GTOUT=%s,%s,,,,,,0,,,,,,,000%s$", password, bit, bit),
	}
}

// MigrateCommand builds the GTSRI frame that points the device at a new
// ingestion server pair.
func MigrateCommand(password, primaryIP string, primaryPort int, backupIP string, backupPort int) Command {
	return Command{
		Kind: KindMigrate,
		Frame: fmt.Sprintf("AT+GTSRI=%s,3,,1,%s,%d,%s,%d,,60,0,0,0,,0,FFFF$",
			password, primaryIP, primaryPort, backupIP, backupPort),
	}
}
