package kvpsync

import (
	"net"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Splintermail/splintermail-client-sub000/errkind"
	"github.com/Splintermail/splintermail-client-sub000/errs"
)

// Producer is the authoritative-peer half of kvpsync: it lets an
// account/alias CLI surface push INSERT/FLUSH batches to a receiver. It
// shares this package because the wire format is common, but cmd/dnsd
// never imports it — only Receiver runs there.
type Producer struct {
	conn net.Conn
	syncID uint64
}

// DialProducer opens a UDP "connection" (no handshake, UDP is
// connectionless) to a receiver address.
func DialProducer(receiverAddr string) (*Producer, error) {
	conn, err := net.Dial("udp", receiverAddr)
	if err != nil {
		return nil, errs.Wrap(errkind.Conn, err, "kvpsync producer dial failed")
	}
	return &Producer{conn: conn}, nil
}

// Start announces a new replication era with a fresh resync_id, per
// UPDATE_START semantics.
func (p *Producer) Start(resyncID uint64) error {
	p.syncID = resyncID
	return p.send(&Message{Type: MsgUpdateStart, SyncID: p.syncID, ResyncID: resyncID})
}

// Insert stages one key into the pending snapshot.
func (p *Producer) Insert(updateID uint64, key, val []byte) error {
	return p.send(&Message{Type: MsgUpdateInsert, SyncID: p.syncID, UpdateID: updateID, Key: key, Val: val})
}

// Flush commits the pending snapshot with the given trust deadline
// (monotonic nanoseconds, receiver-local clock).
func (p *Producer) Flush(updateID uint64, okExpiry uint64) error {
	return p.send(&Message{Type: MsgUpdateFlush, SyncID: p.syncID, UpdateID: updateID, OkExpiry: okExpiry})
}

func (p *Producer) send(m *Message) error {
	if _, err := p.conn.Write(Encode(m)); err != nil {
		return errs.Wrap(errkind.Sock, err, "kvpsync producer send failed")
	}
	return nil
}

// awaitAck blocks for the receiver's ack of the datagram just sent for
// (syncID, updateID), per HandleDatagram's one-ack-per-message discipline.
func (p *Producer) awaitAck(syncID, updateID uint64, timeout time.Duration) error {
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1500)
	n, err := p.conn.Read(buf)
	if err != nil {
		return errs.Wrap(errkind.Conn, err, "kvpsync producer did not receive ack")
	}
	msg, err := Decode(buf[:n])
	if err != nil {
		return errs.Wrap(errkind.Value, err, "kvpsync producer received malformed ack")
	}
	if msg.Type != MsgAck || msg.SyncID != syncID || msg.UpdateID != updateID {
		return errs.New(errkind.Value, "kvpsync producer received unexpected ack for sync=%d update=%d", msg.SyncID, msg.UpdateID)
	}
	return nil
}

// InsertBatch pushes a burst of key/val inserts under consecutive
// update_ids and waits for each one's ack, aggregating every failure
// instead of aborting on the first one — a dropped ack on one key
// shouldn't stop the rest of the batch from landing on the receiver.
func (p *Producer) InsertBatch(firstUpdateID uint64, kvs map[string][]byte, ackTimeout time.Duration) error {
	var result *multierror.Error
	id := firstUpdateID
	for key, val := range kvs {
		if err := p.Insert(id, []byte(key), val); err != nil {
			result = multierror.Append(result, err)
			id++
			continue
		}
		if err := p.awaitAck(p.syncID, id, ackTimeout); err != nil {
			result = multierror.Append(result, err)
		}
		id++
	}
	return result.ErrorOrNil()
}

// Close releases the underlying socket.
func (p *Producer) Close() error { return p.conn.Close() }
