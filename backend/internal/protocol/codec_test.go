package protocol

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/awareness"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/crdt"
)

func TestCodec_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{
			name: "sync step1 empty vector",
			msg:  Message{Type: MsgSyncStep1},
		},
		{
			name: "sync step1",
			msg: Message{
				Type:   MsgSyncStep1,
				Vector: crdt.StateVector{1: 42, 7: 3, 1 << 40: 9},
			},
		},
		{
			name: "sync step2 empty diff",
			msg:  Message{Type: MsgSyncStep2},
		},
		{
			name: "sync step2",
			msg: Message{
				Type: MsgSyncStep2,
				Diff: crdt.Diff{
					Items: []crdt.Item{
						{ID: crdt.ID{Site: 1, Clock: 1}, Value: '界'},
						{ID: crdt.ID{Site: 1, Clock: 2}, Origin: crdt.ID{Site: 1, Clock: 1}, Value: 'x', Deleted: true},
					},
					Deletes: []crdt.ID{{Site: 1, Clock: 2}},
				},
			},
		},
		{
			name: "update",
			msg: Message{
				Type: MsgUpdate,
				Diff: crdt.Diff{
					Items: []crdt.Item{
						{ID: crdt.ID{Site: 9, Clock: 300}, Origin: crdt.ID{Site: 2, Clock: 7}, Value: 'a'},
					},
				},
			},
		},
		{
			name: "awareness",
			msg: Message{
				Type: MsgAwareness,
				Awareness: []awareness.Update{
					{ClientID: "c1", Clock: 5, State: []byte(`{"name":"ann"}`)},
					{ClientID: "c2", Clock: 2}, // removal
				},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(Encode(tc.msg))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if diff := cmp.Diff(tc.msg, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCodec_UnknownTag(t *testing.T) {
	_, err := Decode([]byte{0x7f, 0x01, 0x02})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Decode() error = %v, want ErrUnknownType", err)
	}
}

func TestCodec_Truncated(t *testing.T) {
	full := Encode(Message{
		Type: MsgUpdate,
		Diff: crdt.Diff{Items: []crdt.Item{
			{ID: crdt.ID{Site: 3, Clock: 1}, Value: 'q'},
		}},
	})
	for n := 0; n < len(full); n++ {
		if _, err := Decode(full[:n]); err == nil {
			t.Fatalf("Decode() accepted a frame cut at %d/%d bytes", n, len(full))
		}
	}
}

func TestCodec_HugeClaimedVectorCount(t *testing.T) {
	// a tiny frame claiming billions of entries must fail cheaply, not
	// allocate a map sized from the hostile count
	frame := binary.AppendUvarint([]byte{byte(MsgSyncStep1)}, 1<<40)
	allocs := testing.AllocsPerRun(10, func() {
		if _, err := Decode(frame); !errors.Is(err, ErrTruncated) {
			t.Fatalf("Decode() error = %v, want ErrTruncated", err)
		}
	})
	if allocs > 10 {
		t.Fatalf("Decode of hostile count made %.0f allocations", allocs)
	}
}

func TestCodec_TrailingBytes(t *testing.T) {
	frame := append(Encode(Message{Type: MsgSyncStep1}), 0xde, 0xad)
	if _, err := Decode(frame); !errors.Is(err, ErrTrailing) {
		t.Fatalf("Decode() error = %v, want ErrTrailing", err)
	}
}

func TestCodec_EmptyFrame(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrTruncated) {
		t.Fatalf("Decode(nil) error = %v, want ErrTruncated", err)
	}
}
