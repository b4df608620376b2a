package event

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nmxmxh/goalloc/tsd"
)

func TestNoteAllocFiresAtThreshold(t *testing.T) {
	e := New()
	e.SetInterval(100, 100)

	var firedKind Kind
	fires := 0
	e.Register(func(h *tsd.TSD, kind Kind) {
		fires++
		firedKind = kind
	})

	h := tsd.New(0, 0)
	e.NoteAlloc(h, 50)
	assert.Equal(t, 0, fires)
	e.NoteAlloc(h, 60)
	assert.Equal(t, 1, fires)
	assert.Equal(t, KindAlloc, firedKind)
}

func TestNoteDeallocIndependentFromAlloc(t *testing.T) {
	e := New()
	e.SetInterval(100, 100)

	allocFires, deallocFires := 0, 0
	e.Register(func(h *tsd.TSD, kind Kind) {
		if kind == KindAlloc {
			allocFires++
		} else {
			deallocFires++
		}
	})

	h := tsd.New(0, 0)
	e.NoteAlloc(h, 150)
	e.NoteDealloc(h, 50)
	assert.Equal(t, 1, allocFires)
	assert.Equal(t, 0, deallocFires)
	e.NoteDealloc(h, 60)
	assert.Equal(t, 1, deallocFires)
}

func TestMultipleHandlersRunInOrder(t *testing.T) {
	e := New()
	e.SetInterval(10, 10)

	var order []int
	e.Register(func(h *tsd.TSD, kind Kind) { order = append(order, 1) })
	e.Register(func(h *tsd.TSD, kind Kind) { order = append(order, 2) })

	h := tsd.New(0, 0)
	e.NoteAlloc(h, 10)
	assert.Equal(t, []int{1, 2}, order)
}

func TestSeparateThreadsTrackIndependently(t *testing.T) {
	e := New()
	e.SetInterval(100, 100)

	fires := 0
	e.Register(func(h *tsd.TSD, kind Kind) { fires++ })

	h1 := tsd.New(0, 0)
	h2 := tsd.New(1, 0)
	e.NoteAlloc(h1, 90)
	e.NoteAlloc(h2, 90)
	assert.Equal(t, 0, fires)
	e.NoteAlloc(h1, 20)
	assert.Equal(t, 1, fires)
}

func TestForgetDropsState(t *testing.T) {
	e := New()
	h := tsd.New(0, 0)
	e.NoteAlloc(h, 1)
	e.Forget(h)
	assert.NotPanics(t, func() { e.NoteAlloc(h, 1) })
}

func TestFiresCounterAccumulates(t *testing.T) {
	e := New()
	e.SetInterval(10, 10)
	e.Register(func(h *tsd.TSD, kind Kind) {})

	h := tsd.New(0, 0)
	e.NoteAlloc(h, 10)
	e.NoteAlloc(h, 10)
	assert.Equal(t, uint64(2), e.Fires())
}
