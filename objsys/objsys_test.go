package objsys_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"compmon/objsys"
)

const (
	SLOT  = 1 << 20
	FIRST = 4
)

func TestMapLea(t *testing.T) {
	sp := objsys.NewSpace(SLOT, FIRST)
	id, err := sp.CreateObject(objsys.BACKING_NORMAL, objsys.LIFETIME_VOLATILE, objsys.NOOBJ)
	assert.Nil(t, err)
	h, err := sp.MapObject(id, objsys.MAP_READ|objsys.MAP_WRITE)
	assert.Nil(t, err)
	assert.Equal(t, uint64(FIRST*SLOT), h.Base())
	assert.Equal(t, "rw-", h.Flags().String())

	a, ok := h.Lea(0x100, 8)
	assert.True(t, ok)
	assert.Equal(t, h.Base()+0x100, a)
	_, ok = h.Lea(SLOT-4, 8)
	assert.False(t, ok)

	b, ok := h.Bytes(0x100, 8)
	assert.True(t, ok)
	b[0] = 0xaa
	b2, _ := h.Bytes(0x100, 1)
	assert.Equal(t, byte(0xaa), b2[0])

	h1, ok := sp.Lookup(a)
	assert.True(t, ok)
	assert.Equal(t, h, h1)
}

func TestTiesAndSlotReuse(t *testing.T) {
	sp := objsys.NewSpace(SLOT, FIRST)
	owner, err := sp.CreateObject(objsys.BACKING_NORMAL, objsys.LIFETIME_VOLATILE, objsys.NOOBJ)
	assert.Nil(t, err)
	tied, err := sp.CreateObject(objsys.BACKING_NORMAL, objsys.LIFETIME_VOLATILE, owner)
	assert.Nil(t, err)
	h, err := sp.MapObject(tied, objsys.MAP_READ)
	assert.Nil(t, err)
	assert.Equal(t, 2, sp.Nobjs())

	_, err = sp.CreateObject(objsys.BACKING_NORMAL, objsys.LIFETIME_VOLATILE, objsys.Tobjid(99))
	assert.NotNil(t, err)

	assert.Nil(t, sp.DeleteObject(owner))
	assert.Equal(t, 0, sp.Nobjs())
	_, ok := sp.Lookup(h.Base())
	assert.False(t, ok)
	assert.NotNil(t, sp.Unmap(h))

	id, _ := sp.CreateObject(objsys.BACKING_NORMAL, objsys.LIFETIME_VOLATILE, objsys.NOOBJ)
	h2, err := sp.MapObject(id, objsys.MAP_READ)
	assert.Nil(t, err)
	assert.Equal(t, h.Base(), h2.Base())
}
