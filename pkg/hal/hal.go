// Package hal defines the hardware abstraction the motion core drives:
// step/dir/enable output lines and a quadrature pulse counter. Production
// code talks to real Linux GPIO (linux.go); tests drive the same
// interfaces with synthetic implementations (fake.go), per the design
// requirement that the coordinator, axis engines and encoder tracker never
// import a hardware package directly.
package hal

// GPIOLine is a single digital output line: a stepper's step, dir or
// enable pin. Set is called from the motion tick and must not block for
// more than a few microseconds.
type GPIOLine interface {
	// Set drives the line high (v != 0) or low (v == 0).
	Set(v int) error

	// Close releases any OS resources (sysfs export) held by the line.
	Close() error
}

// QuadratureCounter reads the spindle encoder's hardware pulse counter.
//
// ReadAndMaybeClear returns the signed pulse delta accumulated since the
// previous call. When the underlying counter nears its saturation limit it
// is cleared and restarted from zero; a pulse that arrives in the instant
// between the read and the clear is dropped. This read-then-maybe-clear
// behavior is documented here rather than "fixed" because no counter in
// the available
// hardware stack offers an atomic read-and-clear: the contract is at most
// one pulse of drift per clear, never a systematic bias.
type QuadratureCounter interface {
	ReadAndMaybeClear() (delta int32, err error)

	// Close releases any OS resources held by the counter's input lines.
	Close() error
}
