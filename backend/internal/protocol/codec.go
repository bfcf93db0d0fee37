package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/awareness"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/crdt"
)

var (
	// ErrUnknownType marks a tag this peer does not speak. Callers log and
	// drop the frame, they never close the connection over it.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrTruncated marks a frame that ended mid-field.
	ErrTruncated = errors.New("protocol: truncated message")
	// ErrTrailing marks extra bytes after a complete payload.
	ErrTrailing = errors.New("protocol: trailing bytes")
)

const (
	flagDeleted   = 1 << 0
	flagHasOrigin = 1 << 1
)

// Encode renders m as a self-describing binary frame: one tag byte followed
// by a varint-packed payload. Encoding is deterministic (state vectors are
// written in ascending site order).
func Encode(m Message) []byte {
	buf := []byte{byte(m.Type)}
	switch m.Type {
	case MsgSyncStep1:
		buf = appendStateVector(buf, m.Vector)
	case MsgSyncStep2, MsgUpdate:
		buf = appendDiff(buf, m.Diff)
	case MsgAwareness:
		buf = binary.AppendUvarint(buf, uint64(len(m.Awareness)))
		for _, u := range m.Awareness {
			buf = appendString(buf, u.ClientID)
			buf = binary.AppendUvarint(buf, u.Clock)
			buf = appendBlob(buf, u.State)
		}
	}
	return buf
}

// Decode parses a frame produced by Encode. Decode(Encode(m)) == m for
// every variant, including empty vectors and zero-length diffs.
func Decode(buf []byte) (Message, error) {
	if len(buf) == 0 {
		return Message{}, ErrTruncated
	}
	m := Message{Type: MessageType(buf[0])}
	r := &reader{buf: buf[1:]}
	switch m.Type {
	case MsgSyncStep1:
		m.Vector = r.stateVector()
	case MsgSyncStep2, MsgUpdate:
		m.Diff = r.diff()
	case MsgAwareness:
		n := r.uvarint()
		for i := uint64(0); i < n && r.err == nil; i++ {
			u := awareness.Update{
				ClientID: r.str(),
				Clock:    r.uvarint(),
				State:    r.blob(),
			}
			m.Awareness = append(m.Awareness, u)
		}
	default:
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrUnknownType, buf[0])
	}
	if r.err != nil {
		return Message{}, r.err
	}
	if r.off != len(r.buf) {
		return Message{}, ErrTrailing
	}
	return m, nil
}

func appendStateVector(buf []byte, sv crdt.StateVector) []byte {
	sites := make([]uint64, 0, len(sv))
	for s := range sv {
		sites = append(sites, s)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	buf = binary.AppendUvarint(buf, uint64(len(sites)))
	for _, s := range sites {
		buf = binary.AppendUvarint(buf, s)
		buf = binary.AppendUvarint(buf, sv[s])
	}
	return buf
}

func appendDiff(buf []byte, d crdt.Diff) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(d.Items)))
	for _, it := range d.Items {
		buf = binary.AppendUvarint(buf, it.ID.Site)
		buf = binary.AppendUvarint(buf, it.ID.Clock)
		var flags byte
		if it.Deleted {
			flags |= flagDeleted
		}
		if !it.Origin.IsZero() {
			flags |= flagHasOrigin
		}
		buf = append(buf, flags)
		if !it.Origin.IsZero() {
			buf = binary.AppendUvarint(buf, it.Origin.Site)
			buf = binary.AppendUvarint(buf, it.Origin.Clock)
		}
		buf = binary.AppendUvarint(buf, uint64(it.Value))
	}
	buf = binary.AppendUvarint(buf, uint64(len(d.Deletes)))
	for _, id := range d.Deletes {
		buf = binary.AppendUvarint(buf, id.Site)
		buf = binary.AppendUvarint(buf, id.Clock)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendBlob(buf []byte, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// reader cursors over a payload, latching the first error so callers can
// chain reads and check once.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.err = ErrTruncated
		return 0
	}
	r.off += n
	return v
}

func (r *reader) take(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)-r.off) {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}

func (r *reader) str() string {
	return string(r.take(r.uvarint()))
}

func (r *reader) blob() []byte {
	b := r.take(r.uvarint())
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) stateVector() crdt.StateVector {
	n := r.uvarint()
	if r.err != nil || n == 0 {
		return nil
	}
	// the claimed count is untrusted; each entry takes at least two bytes on
	// the wire, so never size the map beyond what the buffer could hold
	hint := n
	if max := uint64(len(r.buf)-r.off) / 2; hint > max {
		hint = max
	}
	sv := make(crdt.StateVector, hint)
	for i := uint64(0); i < n && r.err == nil; i++ {
		site := r.uvarint()
		sv[site] = r.uvarint()
	}
	if r.err != nil {
		return nil
	}
	return sv
}

func (r *reader) diff() crdt.Diff {
	var d crdt.Diff
	n := r.uvarint()
	for i := uint64(0); i < n && r.err == nil; i++ {
		var it crdt.Item
		it.ID.Site = r.uvarint()
		it.ID.Clock = r.uvarint()
		flags := r.take(1)
		if r.err != nil {
			break
		}
		it.Deleted = flags[0]&flagDeleted != 0
		if flags[0]&flagHasOrigin != 0 {
			it.Origin.Site = r.uvarint()
			it.Origin.Clock = r.uvarint()
		}
		it.Value = rune(r.uvarint())
		d.Items = append(d.Items, it)
	}
	n = r.uvarint()
	for i := uint64(0); i < n && r.err == nil; i++ {
		var id crdt.ID
		id.Site = r.uvarint()
		id.Clock = r.uvarint()
		d.Deletes = append(d.Deletes, id)
	}
	return d
}
