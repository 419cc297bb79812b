package ring

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-pvkernel/internal/mm"
)

const testSlot = 112

func newPair(t *testing.T) (*Front, *Back) {
	t.Helper()
	page := mm.AlignedSlice(4096, 4096)
	s, err := Init(page, testSlot)
	require.NoError(t, err)
	peer, err := Attach(page, testSlot)
	require.NoError(t, err)
	return NewFront(s), NewBack(peer)
}

func TestSizeFor(t *testing.T) {
	assert.Equal(t, uint32(32), SizeFor(4096, 112))
	assert.Equal(t, uint32(32), SizeFor(4096, 64), "63 slots round down")
	assert.Equal(t, uint32(0), SizeFor(64, 112))
}

func TestAttachValidation(t *testing.T) {
	_, err := Attach(make([]byte, 100), testSlot)
	assert.Error(t, err)
	_, err = Attach(make([]byte, 4096), 0)
	assert.Error(t, err)
	page := mm.AlignedSlice(4097, 8)
	_, err = Attach(page[1:], testSlot)
	assert.Error(t, err)
}

func TestInitialEventIndices(t *testing.T) {
	f, _ := newPair(t)
	s := f.Shared()
	assert.Equal(t, uint32(1), s.ReqEvent())
	assert.Equal(t, uint32(1), s.RspEvent())
	assert.Equal(t, uint32(32), f.Free())
}

func TestRequestResponseRoundTrip(t *testing.T) {
	f, b := newPair(t)

	for i := uint32(0); i < 3; i++ {
		slot := f.NextRequest()
		require.NotNil(t, slot)
		binary.LittleEndian.PutUint32(slot, 100+i)
	}
	assert.True(t, f.PushRequests(), "first push crosses req_event")
	assert.Equal(t, uint32(29), f.Free())

	var got []uint32
	n := b.ConsumeRequests(func(slot []byte) {
		got = append(got, binary.LittleEndian.Uint32(slot))
	})
	assert.Equal(t, 3, n)
	assert.Equal(t, []uint32{100, 101, 102}, got)
	assert.Equal(t, uint32(4), f.Shared().ReqEvent())

	for _, v := range got {
		binary.LittleEndian.PutUint32(b.NextResponse(), v+1000)
	}
	assert.True(t, b.PushResponses())

	got = got[:0]
	n = f.ConsumeResponses(func(slot []byte) {
		got = append(got, binary.LittleEndian.Uint32(slot))
	})
	assert.Equal(t, 3, n)
	assert.Equal(t, []uint32{1100, 1101, 1102}, got)
	assert.Equal(t, uint32(3), f.RspCons())
	assert.Equal(t, uint32(4), f.Shared().RspEvent())
	assert.Equal(t, uint32(32), f.Free())
}

func TestPushNotifiesOnlyWhenAsked(t *testing.T) {
	f, b := newPair(t)

	f.NextRequest()
	require.True(t, f.PushRequests())
	// The backend has not consumed yet, so req_event is still 1.
	f.NextRequest()
	assert.False(t, f.PushRequests(), "backend already has an event pending")

	b.ConsumeRequests(func([]byte) {})
	f.NextRequest()
	assert.True(t, f.PushRequests(), "backend re-armed req_event")
}

func TestFrontFull(t *testing.T) {
	f, b := newPair(t)
	size := f.Shared().Size()
	for i := uint32(0); i < size; i++ {
		require.NotNil(t, f.NextRequest())
	}
	assert.True(t, f.Full())
	assert.Nil(t, f.NextRequest())
	f.PushRequests()

	assert.Equal(t, size, b.Unconsumed())
	b.ConsumeRequests(func([]byte) {})
	assert.Zero(t, b.Unconsumed())
	b.NextResponse()
	b.PushResponses()

	assert.Equal(t, uint32(1), f.Unconsumed())
	f.ConsumeResponses(func([]byte) {})
	assert.Equal(t, uint32(1), f.Free())
}

func TestIndicesWrap(t *testing.T) {
	f, b := newPair(t)
	for round := 0; round < 100; round++ {
		for i := 0; i < 5; i++ {
			binary.LittleEndian.PutUint32(f.NextRequest(), uint32(round*5+i))
		}
		f.PushRequests()
		b.ConsumeRequests(func(slot []byte) {
			v := binary.LittleEndian.Uint32(slot)
			binary.LittleEndian.PutUint32(b.NextResponse(), v)
		})
		b.PushResponses()
		want := uint32(round * 5)
		f.ConsumeResponses(func(slot []byte) {
			require.Equal(t, want, binary.LittleEndian.Uint32(slot))
			want++
		})
	}
	assert.Equal(t, uint32(500), f.RspCons())
	assert.Equal(t, uint32(500), b.ReqCons())
}

func TestNeedNotify(t *testing.T) {
	assert.True(t, needNotify(1, 0, 1))
	assert.True(t, needNotify(3, 2, 5))
	assert.False(t, needNotify(6, 2, 5))
	// Across wraparound of the 32-bit index.
	assert.True(t, needNotify(0, 0xFFFFFFFF, 1))
}
