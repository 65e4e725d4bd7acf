package forest

// DefaultTargetFrameSize is the default amount of uncompressed bytes a
// Writer accumulates before closing a zstd frame and starting the next
// one. Smaller frames give better random-access granularity (less to
// decompress per Get); larger frames compress better.
const DefaultTargetFrameSize = 4 << 20

// DefaultLRUSize is the default number of decompressed zstd frames an
// Archive keeps cached across Get calls.
const DefaultLRUSize = 32

// Options configures a Writer or a Reader/Archive.
type Options struct {
	TargetFrameSize int
	LRUSize         int
}

// Option mutates an Options value; see ApplyOptions.
type Option func(*Options)

// WithTargetFrameSize overrides DefaultTargetFrameSize.
func WithTargetFrameSize(n int) Option {
	return func(o *Options) { o.TargetFrameSize = n }
}

// WithLRUSize overrides DefaultLRUSize.
func WithLRUSize(n int) Option {
	return func(o *Options) { o.LRUSize = n }
}

// ApplyOptions applies each given Option over a set of defaults.
func ApplyOptions(opt ...Option) Options {
	opts := Options{
		TargetFrameSize: DefaultTargetFrameSize,
		LRUSize:         DefaultLRUSize,
	}
	for _, o := range opt {
		o(&opts)
	}
	return opts
}
