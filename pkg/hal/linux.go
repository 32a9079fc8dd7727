//go:build linux

package hal

import (
	"fmt"
	"sync"
	"sync/atomic"

	gpio "github.com/aamcrae/gpio"
)

// sysfsLine drives one GPIO line through Linux's sysfs GPIO interface.
type sysfsLine struct {
	pin *gpio.Gpio
}

// NewOutputLine exports gpioNumber as an output and returns a GPIOLine
// backed by it. invert flips the driven level so callers can express
// "active low" pins without special-casing them at every call site.
func NewOutputLine(gpioNumber int, invert bool) (GPIOLine, error) {
	pin, err := gpio.OutputPin(gpioNumber)
	if err != nil {
		return nil, fmt.Errorf("hal: export gpio%d as output: %w", gpioNumber, err)
	}
	if invert {
		return &invertedLine{sysfsLine{pin: pin}}, nil
	}
	return &sysfsLine{pin: pin}, nil
}

func (l *sysfsLine) Set(v int) error {
	if v != 0 {
		return l.pin.Set(1)
	}
	return l.pin.Set(0)
}

func (l *sysfsLine) Close() error {
	l.pin.Close()
	return nil
}

// invertedLine wraps a sysfsLine and flips every Set call.
type invertedLine struct {
	sysfsLine
}

func (l *invertedLine) Set(v int) error {
	if v != 0 {
		return l.sysfsLine.Set(0)
	}
	return l.sysfsLine.Set(1)
}

// quadCounter decodes an A/B quadrature pair in software, since a hosted
// Linux binary has no PCNT-style hardware quadrature peripheral: a
// background goroutine per input line waits
// for edges and runs the standard 4x quadrature state table instead.
type quadCounter struct {
	aPin, bPin *gpio.Gpio

	count int64 // atomic; net signed pulses since the last clear
	limit int64 // matches SpindleEncoder's PCNT_LIM saturation threshold

	mu    sync.Mutex // guards state against the two reader goroutines
	state int        // current 2-bit AB level, bit1=A bit0=B

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// quadTable maps (previous 2-bit AB state, current 2-bit AB state) to a
// step of -1, 0 or +1. Index as table[prev<<2|cur].
var quadTable = [16]int{
	0, -1, 1, 0,
	1, 0, 0, -1,
	-1, 0, 0, 1,
	0, 1, -1, 0,
}

// NewQuadratureCounter opens the A and B input lines and starts decoding.
// Once |count| reaches limit the counter is cleared, exactly as
// ReadAndMaybeClear documents.
func NewQuadratureCounter(aGpio, bGpio int, limit int64) (QuadratureCounter, error) {
	a, err := gpio.Pin(aGpio)
	if err != nil {
		return nil, fmt.Errorf("hal: open quadrature A pin gpio%d: %w", aGpio, err)
	}
	if err := a.Edge(gpio.BOTH); err != nil {
		a.Close()
		return nil, fmt.Errorf("hal: set edge on quadrature A pin: %w", err)
	}
	b, err := gpio.Pin(bGpio)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("hal: open quadrature B pin gpio%d: %w", bGpio, err)
	}
	if err := b.Edge(gpio.BOTH); err != nil {
		a.Close()
		b.Close()
		return nil, fmt.Errorf("hal: set edge on quadrature B pin: %w", err)
	}

	av, _ := a.Get()
	bv, _ := b.Get()

	qc := &quadCounter{aPin: a, bPin: b, limit: limit, state: av<<1 | bv}
	qc.wg.Add(2)
	go qc.watch(a, 1) // bit 1 = A
	go qc.watch(b, 0) // bit 0 = B
	return qc, nil
}

// watch blocks on Get, which itself blocks on poll(2) until the next edge
// (gpio.Gpio.Get's behavior once Edge(BOTH) is set), and applies the
// resulting AB transition to the shared quadrature state on each wake.
func (q *quadCounter) watch(pin *gpio.Gpio, bit uint) {
	defer q.wg.Done()
	for {
		v, err := pin.Get()
		if q.stopped.Load() {
			return
		}
		if err != nil {
			continue
		}

		q.mu.Lock()
		prev := q.state
		if v != 0 {
			q.state |= 1 << bit
		} else {
			q.state &^= 1 << bit
		}
		cur := q.state
		q.mu.Unlock()

		if cur != prev {
			step := quadTable[prev<<2|cur]
			atomic.AddInt64(&q.count, int64(step))
		}
	}
}

func (q *quadCounter) ReadAndMaybeClear() (int32, error) {
	v := atomic.LoadInt64(&q.count)
	if v >= q.limit || v <= -q.limit {
		// Clear-then-resync: a pulse landing in this window is lost, per
		// the documented ReadAndMaybeClear contract.
		atomic.StoreInt64(&q.count, 0)
	}
	return int32(v), nil
}

func (q *quadCounter) Close() error {
	// Closing the underlying fds breaks the watch goroutines out of their
	// blocking poll(2) call with an error; stopped tells them not to loop
	// again once that happens.
	q.stopped.Store(true)
	q.aPin.Close()
	q.bPin.Close()
	q.wg.Wait()
	return nil
}
