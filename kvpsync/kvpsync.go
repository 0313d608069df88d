// Package kvpsync implements the replication protocol: a UDP handshake
// between the DNS server (receiver) and one or more authoritative
// producer peers, feeding an immutable zone snapshot that dnsserver
// queries against.
//
// The wire codec follows the same encoding/binary, network-byte-order
// discipline the rest of this module uses for fixed binary formats;
// there is no off-the-shelf library for this bespoke framed UDP
// protocol, so it is hand-rolled rather than reaching for a generic RPC
// framework.
package kvpsync

import (
	"encoding/binary"

	"github.com/Splintermail/splintermail-client-sub000/errkind"
	"github.com/Splintermail/splintermail-client-sub000/errs"
)

// MsgType is the 1-byte message type discriminator.
type MsgType byte

const (
	MsgAck MsgType = 1
	MsgUpdateStart MsgType = 2
	MsgUpdateInsert MsgType = 3
	MsgUpdateFlush MsgType = 4
)

// Message is the parsed form of one kvpsync UDP datagram.
type Message struct {
	Type MsgType
	SyncID uint64
	UpdateID uint64

	// UPDATE_START
	ResyncID uint64
	// UPDATE_INSERT
	Key, Val []byte
	// UPDATE_FLUSH
	OkExpiry uint64 // monotonic nanoseconds, receiver-local clock
}

const headerLen = 1 + 8 + 8 // type + sync_id + update_id

// Encode serializes a Message to wire bytes, network byte order
// throughout.
func Encode(m *Message) []byte {
	buf := make([]byte, headerLen)
	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint64(buf[1:9], m.SyncID)
	binary.BigEndian.PutUint64(buf[9:17], m.UpdateID)

	switch m.Type {
	case MsgUpdateStart:
		tail := make([]byte, 8)
		binary.BigEndian.PutUint64(tail, m.ResyncID)
		buf = append(buf, tail...)
	case MsgUpdateInsert:
		tail := make([]byte, 4+len(m.Key)+len(m.Val))
		binary.BigEndian.PutUint16(tail[0:2], uint16(len(m.Key)))
		binary.BigEndian.PutUint16(tail[2:4], uint16(len(m.Val)))
		copy(tail[4:], m.Key)
		copy(tail[4+len(m.Key):], m.Val)
		buf = append(buf, tail...)
	case MsgUpdateFlush:
		tail := make([]byte, 8)
		binary.BigEndian.PutUint64(tail, m.OkExpiry)
		buf = append(buf, tail...)
	case MsgAck:
		// header only
	}
	return buf
}

// Decode parses a wire datagram. A malformed datagram is always dropped
// silently by the caller; Decode just reports the error so the caller can
// do that.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < headerLen {
		return nil, errs.New(errkind.Value, "kvpsync datagram shorter than header")
	}
	m := &Message{
		Type: MsgType(buf[0]),
		SyncID: binary.BigEndian.Uint64(buf[1:9]),
		UpdateID: binary.BigEndian.Uint64(buf[9:17]),
	}
	tail := buf[headerLen:]
	switch m.Type {
	case MsgAck:
		return m, nil
	case MsgUpdateStart:
		if len(tail) < 8 {
			return nil, errs.New(errkind.Value, "UPDATE_START truncated")
		}
		m.ResyncID = binary.BigEndian.Uint64(tail[:8])
		return m, nil
	case MsgUpdateInsert:
		if len(tail) < 4 {
			return nil, errs.New(errkind.Value, "UPDATE_INSERT truncated")
		}
		klen := binary.BigEndian.Uint16(tail[0:2])
		vlen := binary.BigEndian.Uint16(tail[2:4])
		rest := tail[4:]
		if len(rest) < int(klen)+int(vlen) {
			return nil, errs.New(errkind.Value, "UPDATE_INSERT key/val truncated")
		}
		m.Key = append([]byte(nil), rest[:klen]...)
		m.Val = append([]byte(nil), rest[klen:klen+vlen]...)
		return m, nil
	case MsgUpdateFlush:
		if len(tail) < 8 {
			return nil, errs.New(errkind.Value, "UPDATE_FLUSH truncated")
		}
		m.OkExpiry = binary.BigEndian.Uint64(tail[:8])
		return m, nil
	default:
		return nil, errs.New(errkind.Value, "unknown kvpsync message type %d", m.Type)
	}
}
