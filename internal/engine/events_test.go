package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmitterDropsAfterBoundedWait(t *testing.T) {
	e := NewEmitter(1, 5*time.Millisecond)

	e.emit(RiskAlert{Seq: 1})
	// Queue full, nobody consuming: the second emit must give up after the
	// bounded wait instead of blocking the executor.
	start := time.Now()
	e.emit(RiskAlert{Seq: 2})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, uint64(1), e.Dropped())

	// The first event is still delivered.
	ev := <-e.Events()
	seq, _ := ev.Ordering()
	assert.Equal(t, uint64(1), seq)
}

func TestEmitterDeliversInOrder(t *testing.T) {
	e := NewEmitter(8, 0)
	for i := 1; i <= 3; i++ {
		e.emit(TradeEvent{Seq: 7, Intra: i})
	}
	e.Close()

	var intras []int
	for ev := range e.Events() {
		_, intra := ev.Ordering()
		intras = append(intras, intra)
	}
	assert.Equal(t, []int{1, 2, 3}, intras)
}
