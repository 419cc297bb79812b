package arch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRQSaveRestore(t *testing.T) {
	c := NewCPU(0)
	require.True(t, c.IRQEnabled())

	outer := c.DisableIRQ()
	assert.False(t, c.IRQEnabled())

	inner := c.DisableIRQ()
	c.RestoreIRQ(inner)
	assert.False(t, c.IRQEnabled(), "nested restore must keep events masked")

	c.RestoreIRQ(outer)
	assert.True(t, c.IRQEnabled())
}

func TestContextDepth(t *testing.T) {
	c := NewCPU(3)
	assert.Equal(t, 3, c.ID())

	c.EnterUpcall()
	c.EnterUpcall()
	c.ExitUpcall()
	assert.True(t, c.InUpcall())
	c.ExitUpcall()
	assert.False(t, c.InUpcall())

	c.EnterIRQ()
	assert.True(t, c.InIRQ())
	c.ExitIRQ()
	assert.False(t, c.InIRQ())
}

func TestLockAccounting(t *testing.T) {
	c := NewCPU(0)
	c.LockAcquired()
	assert.Equal(t, 1, c.LocksHeld())
	c.LockReleased()
	assert.Equal(t, 0, c.LocksHeld())

	fe := Catch(c.LockReleased)
	require.NotNil(t, fe)
	assert.Contains(t, fe.Reason, "without matching acquire")
}

func TestKickCoalesces(t *testing.T) {
	c := NewCPU(0)
	c.Kick()
	c.Kick()

	select {
	case <-c.Kicked():
	default:
		t.Fatal("expected a pending kick")
	}
	select {
	case <-c.Kicked():
		t.Fatal("kicks should coalesce")
	default:
	}
}

func TestCatch(t *testing.T) {
	assert.Nil(t, Catch(func() {}))

	fe := Catch(func() { Crash("bad state", "id", 4) })
	require.NotNil(t, fe)
	assert.Equal(t, "bad state", fe.Reason)
	assert.Equal(t, []any{"id", 4}, fe.Fields)
	assert.NotEmpty(t, fe.Stack)
	assert.Contains(t, fe.Error(), "bad state")

	fe = Catch(func() { panic(errors.New("boom")) })
	require.NotNil(t, fe)
	assert.Equal(t, "panic: boom", fe.Reason)

	fe = Catch(func() { panic(42) })
	require.NotNil(t, fe)
	assert.Equal(t, "panic: 42", fe.Reason)
}
