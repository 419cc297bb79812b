package xenstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
)

func TestMemStoreReadWrite(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Write("/local/domain/1/device/vbd/768/ring-ref", "9"))

	v, err := s.Read("local/domain/1/device/vbd/768/ring-ref/")
	require.NoError(t, err)
	assert.Equal(t, "9", v)

	_, err = s.Read("/nope")
	assert.ErrorIs(t, err, kerr.ErrDeviceNotFound)
	assert.Error(t, s.Write("/", "x"))
}

func TestMemStoreRemoveSubtree(t *testing.T) {
	s := NewMemStore()
	dir := FrontendPath(1, "vbd", 768)
	require.NoError(t, s.Write(dir+"/state", "1"))
	require.NoError(t, s.Write(dir+"/backend-id", "0"))
	require.NoError(t, s.Write(FrontendPath(1, "vbd", 7680)+"/state", "1"))

	assert.Equal(t, []string{"768", "7680"}, s.List("/local/domain/1/device/vbd"))
	require.NoError(t, s.Remove(dir))
	assert.Equal(t, []string{"7680"}, s.List("/local/domain/1/device/vbd"))
}

func TestStateHelpers(t *testing.T) {
	s := NewMemStore()
	path := BackendPath(0, 1, "vbd", 768) + "/state"
	assert.Equal(t, "/local/domain/0/backend/vbd/1/768/state", path)
	assert.Equal(t, StateUnknown, ReadState(s, path))

	require.NoError(t, WriteState(s, path, StateConnected))
	assert.Equal(t, StateConnected, ReadState(s, path))
	assert.Equal(t, "connected", StateConnected.String())

	require.NoError(t, s.Write(path, "junk"))
	_, err := ReadInt(s, path)
	assert.ErrorIs(t, err, kerr.ErrInvalidParameters)
}

func TestLinkAndReadBackend(t *testing.T) {
	s := NewMemStore()
	front := FrontendPath(3, "vbd", 0)
	back := BackendPath(0, 3, "vbd", 0)
	require.NoError(t, Link(s, front, 3, back, 0))

	path, id, err := ReadBackend(s, front)
	require.NoError(t, err)
	assert.Equal(t, back, path)
	assert.Zero(t, id)
	assert.Equal(t, StateInitialising, ReadState(s, front+"/state"))

	fid, err := ReadInt(s, back+"/frontend-id")
	require.NoError(t, err)
	assert.Equal(t, int64(3), fid)

	_, _, err = ReadBackend(s, FrontendPath(3, "vbd", 1))
	assert.True(t, kerr.IsCode(err, kerr.CodeDeviceNotFound))
}
