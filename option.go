package peerlink

import (
	"time"

	"github.com/pkg/errors"
)

// Default configuration values.
const (
	// DefaultVersion is the protocol version announced during the handshake.
	DefaultVersion = "1.0.0"
	// DefaultSeparator terminates every frame on the wire.
	DefaultSeparator = "\n"

	// defaultBufferSize is the number of bytes requested per read.
	defaultBufferSize = 4096
	// defaultMaxFrameLength bounds an unterminated frame (8MB of frame text).
	defaultMaxFrameLength = 8 * 1024 * 1024
	// defaultHandshakeTimeout bounds both handshake roles.
	defaultHandshakeTimeout = 30 * time.Second
	// defaultReplyWindow is how long a sent Reply or Error awaits follow-ups.
	defaultReplyWindow = 30 * time.Second
)

// options holds the resolved configuration of a connection or server.
type options struct {
	logger Logger

	version        string
	bufferSize     int    // bytes per read
	separator      string // frame terminator
	maxFrameLength int    // limit on buffered partial frame text
	registry       Registry

	algorithm        Algorithm
	keyFormat        KeyFormat
	handshakeTimeout time.Duration // <= 0 disables the bound
	replyWindow      time.Duration // < 0 leaves Reply and Error unregistered
}

// Option is a function that configures connection and server options.
type Option func(*options)

// VersionOption sets the protocol version compared during the handshake.
func VersionOption(version string) Option {
	return func(o *options) {
		o.version = version
	}
}

// BufferSizeOption sets how many bytes a connection reads per call.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// SeparatorOption sets the frame terminator. It must not contain digits or commas.
func SeparatorOption(sep string) Option {
	return func(o *options) {
		o.separator = sep
	}
}

// MessageMaxSize returns an Option that sets the maximum length of frame text
// buffered while waiting for a separator.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxFrameLength = size
	}
}

// RegistryOption sets the message constructors used to decode frames.
func RegistryOption(reg Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// AlgorithmOption sets the scheme for the home key pair.
func AlgorithmOption(alg Algorithm) Option {
	return func(o *options) {
		o.algorithm = alg
	}
}

// KeyFormatOption sets how the home public key is exported to the peer.
func KeyFormatOption(format KeyFormat) Option {
	return func(o *options) {
		o.keyFormat = format
	}
}

// HandshakeTimeoutOption bounds the handshake. A negative value disables the bound.
func HandshakeTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = timeout
	}
}

// ReplyWindowOption sets how long a sent Reply or Error stays registered for
// correlated follow-ups. A negative value does not register them at all.
func ReplyWindowOption(window time.Duration) Option {
	return func(o *options) {
		o.replyWindow = window
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opt ...Option) (options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	return opts, checkOptions(&opts)
}

// checkOptions validates and sets default values for options.
func checkOptions(opts *options) error {
	if opts.version == "" {
		opts.version = DefaultVersion
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.separator == "" {
		opts.separator = DefaultSeparator
	}
	if !validSeparator(opts.separator) {
		return errors.Wrapf(ErrInvalidSeparator, "%q", opts.separator)
	}

	if opts.maxFrameLength <= 0 {
		opts.maxFrameLength = defaultMaxFrameLength
	}

	if opts.registry == nil {
		opts.registry = DefaultRegistry()
	} else {
		opts.registry = opts.registry.clone()
	}

	if opts.algorithm == (Algorithm{}) {
		opts.algorithm = DefaultAlgorithm()
	}
	if opts.algorithm.PublicExponent == 0 {
		opts.algorithm.PublicExponent = defaultPublicExponent
	}
	if err := opts.algorithm.validate(); err != nil {
		return err
	}

	if opts.keyFormat == "" {
		opts.keyFormat = KeyFormatJWK
	}
	if err := opts.keyFormat.validate(); err != nil {
		return err
	}

	if opts.handshakeTimeout == 0 {
		opts.handshakeTimeout = defaultHandshakeTimeout
	}

	if opts.replyWindow == 0 {
		opts.replyWindow = defaultReplyWindow
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}
