package debug_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	db "compmon/debug"
)

func TestSetDebug(t *testing.T) {
	defer db.SetDebug("")

	db.SetDebug("LOADER;REAPER")
	assert.True(t, db.WillBePrinted(db.LOADER))
	assert.True(t, db.WillBePrinted(db.REAPER))
	assert.False(t, db.WillBePrinted(db.RELOC))
	assert.True(t, db.WillBePrinted(db.ALWAYS))
	assert.True(t, db.WillBePrinted(db.ERROR))

	db.SetDebug("")
	assert.False(t, db.WillBePrinted(db.LOADER))
	assert.True(t, db.WillBePrinted(db.ALWAYS))
}

func TestSetDebugConcurrent(t *testing.T) {
	defer db.SetDebug("")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				db.WillBePrinted(db.TEST)
			}
		}()
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				db.SetDebug("TEST")
			} else {
				db.SetDebug("TEST1")
			}
		}(i)
	}
	wg.Wait()
	db.SetDebug("TEST")
	assert.True(t, db.WillBePrinted(db.TEST))
	assert.False(t, db.WillBePrinted(db.TEST1))
}
