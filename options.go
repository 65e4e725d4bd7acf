package car

// DefaultMaxAllowedHeaderSize is the default maximum size, in bytes, of a
// CARv1 header frame body that ReadFromChecked and ReadFromUnchecked will
// decode before giving up with ErrHeaderTooLarge.
const DefaultMaxAllowedHeaderSize = 32 << 20

// DefaultMaxAllowedSectionSize is the default maximum size, in bytes, of a
// single block section (CID + payload) that ReadSection will decode before
// giving up with ErrSectionTooLarge.
const DefaultMaxAllowedSectionSize = 8 << 20

// Options holds the configured options after applying a number of Option
// funcs. It governs the behaviour of the frame codec and block iteration; it
// has no opinion on indexing or blockstore policy, which live closer to
// their respective components.
type Options struct {
	// TrustedCAR indicates whether blocks read via BlockReader.Next should be
	// re-hashed and compared against their CID. Archives produced by this
	// engine's own writers are trusted; archives from unknown producers
	// should leave this false so callers re-verify.
	TrustedCAR bool

	// ZeroLengthSectionAsEOF treats a zero-length section as the end of the
	// data payload, rather than as InvalidData. Useful for CARs that have
	// been null-padded.
	ZeroLengthSectionAsEOF bool

	// MaxAllowedHeaderSize bounds how large a CARv1 header frame may be
	// before decoding gives up. Zero selects DefaultMaxAllowedHeaderSize.
	MaxAllowedHeaderSize uint64

	// MaxAllowedSectionSize bounds how large a single block section may be
	// before decoding gives up. Zero selects DefaultMaxAllowedSectionSize.
	MaxAllowedSectionSize uint64
}

// Option mutates an Options value; see ApplyOptions.
type Option func(*Options)

// TrustedCAR marks subsequently read CARs as trusted, skipping the
// hash-verification step in BlockReader.Next.
func TrustedCAR(trusted bool) Option {
	return func(o *Options) { o.TrustedCAR = trusted }
}

// ZeroLengthSectionAsEOF sets whether to allow the CARv1 decoder to treat a
// zero-length section as the end of the input CAR file.
func ZeroLengthSectionAsEOF(enable bool) Option {
	return func(o *Options) { o.ZeroLengthSectionAsEOF = enable }
}

// MaxAllowedHeaderSize changes the maximum allowed size of a CARv1 header.
func MaxAllowedHeaderSize(size uint64) Option {
	return func(o *Options) { o.MaxAllowedHeaderSize = size }
}

// MaxAllowedSectionSize changes the maximum allowed size of a block section.
func MaxAllowedSectionSize(size uint64) Option {
	return func(o *Options) { o.MaxAllowedSectionSize = size }
}

// ApplyOptions applies each given Option over a set of defaults and returns
// the resulting Options.
func ApplyOptions(opt ...Option) Options {
	opts := Options{
		MaxAllowedHeaderSize:  DefaultMaxAllowedHeaderSize,
		MaxAllowedSectionSize: DefaultMaxAllowedSectionSize,
	}
	for _, o := range opt {
		o(&opts)
	}
	if opts.MaxAllowedHeaderSize == 0 {
		opts.MaxAllowedHeaderSize = DefaultMaxAllowedHeaderSize
	}
	if opts.MaxAllowedSectionSize == 0 {
		opts.MaxAllowedSectionSize = DefaultMaxAllowedSectionSize
	}
	return opts
}
