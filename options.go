package virtblk

type opts struct {
	maxRequest   int
	segmentSlots int
	memBase      GuestAddress
}

type Option func(o *opts)

// WithMaxRequestSize bounds the data moved by a single request. Larger
// transfers are split. It is rounded down to whole sectors.
func WithMaxRequestSize(n int) Option {
	return func(o *opts) {
		o.maxRequest = n
	}
}

// WithSegmentSlots sets how many discard/write zeroes segments are sent in
// one request.
func WithSegmentSlots(n int) Option {
	return func(o *opts) {
		o.segmentSlots = n
	}
}

// WithMemoryBase sets the guest address the scratch memory is mapped at.
func WithMemoryBase(addr GuestAddress) Option {
	return func(o *opts) {
		o.memBase = addr
	}
}
