package binding

// DefaultMaxRefDepth is the number of reference-resolution levels applied
// when a binding does not override it.
const DefaultMaxRefDepth = 2

// Options controls reference resolution for one binding. The zero value is
// not meaningful; use defaultOptions / Opt values instead.
type Options struct {
	// MaxRefDepth is the non-negative number of nested reference levels
	// to resolve. 0 disables reference resolution entirely. It is shared
	// between one-time and live modes.
	MaxRefDepth int
}

// Opt mutates Options. Later Opts override earlier ones key by key, so
// applying a partial set of Opts over existing Options behaves as a shallow
// merge.
type Opt func(*Options)

// MaxRefDepth overrides the reference-resolution depth budget.
func MaxRefDepth(n int) Opt {
	return func(o *Options) {
		if n < 0 {
			n = 0
		}
		o.MaxRefDepth = n
	}
}

func defaultOptions() Options {
	return Options{MaxRefDepth: DefaultMaxRefDepth}
}

func (o Options) apply(opts []Opt) Options {
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
