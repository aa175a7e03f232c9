package agentpipe

import (
	"log/slog"
	"time"
)

const (
	// DefaultRequestTimeout bounds outgoing control requests that do
	// not specify their own timeout.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultInitializeTimeout bounds the initialize handshake.
	DefaultInitializeTimeout = 60 * time.Second
)

// Options configures a connection. Use the With* functional options;
// the zero value is usable for tests with an injected transport.
type Options struct {
	// Logger receives debug and operational logging. Nil means silent.
	Logger *slog.Logger

	// Command, Args, Env, and Dir describe the subprocess to spawn
	// when no Transport is injected.
	Command string
	Args    []string
	Env     []string
	Dir     string

	// Transport overrides subprocess spawning entirely.
	Transport Transport

	// Stderr receives each diagnostic line from the subprocess.
	Stderr func(line string)

	// MaxBufferSize caps the framer's unterminated-line buffer.
	// Zero means the framer default (1MB).
	MaxBufferSize int

	// StrictDecode turns silently-dropped partial lines into decode
	// failures. The lenient default tolerates transport glitches but
	// can mask protocol corruption.
	StrictDecode bool

	// RequestTimeout bounds outgoing control requests.
	RequestTimeout time.Duration

	// InitializeTimeout bounds the initialize handshake.
	InitializeTimeout time.Duration

	// PermissionFunc gates tool use. Nil means unconditional allow.
	PermissionFunc PermissionFunc

	// PermissionTimeout bounds each permission decision. Zero means
	// the gate default (60s).
	PermissionTimeout time.Duration

	// Hooks are the lifecycle hook registrations, immutable after
	// Connect.
	Hooks []HookRegistration

	// ToolServers maps server names to embedded tool servers reachable
	// via mcp_message control requests.
	ToolServers map[string]*ToolServer

	// SessionID tags outgoing user messages. Empty means a fresh
	// random id per connection.
	SessionID string
}

// Option mutates Options during Connect.
type Option func(*Options)

func applyOptions(opts []Option) *Options {
	options := &Options{
		RequestTimeout:    DefaultRequestTimeout,
		InitializeTimeout: DefaultInitializeTimeout,
	}

	for _, opt := range opts {
		opt(options)
	}

	return options
}

// WithLogger enables logging through the given slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// WithCommand sets the subprocess to spawn and its arguments.
func WithCommand(path string, args ...string) Option {
	return func(o *Options) {
		o.Command = path
		o.Args = args
	}
}

// WithEnv sets the subprocess environment.
func WithEnv(env []string) Option {
	return func(o *Options) { o.Env = env }
}

// WithDir sets the subprocess working directory.
func WithDir(dir string) Option {
	return func(o *Options) { o.Dir = dir }
}

// WithTransport injects a custom transport instead of spawning a
// subprocess. Useful for tests and alternative byte pipes.
func WithTransport(t Transport) Option {
	return func(o *Options) { o.Transport = t }
}

// WithStderr streams subprocess diagnostic lines to the callback.
func WithStderr(fn func(line string)) Option {
	return func(o *Options) { o.Stderr = fn }
}

// WithMaxBufferSize caps the framer's in-flight line buffer.
func WithMaxBufferSize(n int) Option {
	return func(o *Options) { o.MaxBufferSize = n }
}

// WithStrictDecode makes any unparseable line a fatal decode failure,
// including partial-looking ones the lenient default would drop.
func WithStrictDecode(strict bool) Option {
	return func(o *Options) { o.StrictDecode = strict }
}

// WithRequestTimeout bounds outgoing control requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) { o.RequestTimeout = d }
}

// WithInitializeTimeout bounds the initialize handshake.
func WithInitializeTimeout(d time.Duration) Option {
	return func(o *Options) { o.InitializeTimeout = d }
}

// WithPermissionFunc installs the tool-permission decision function.
func WithPermissionFunc(fn PermissionFunc) Option {
	return func(o *Options) { o.PermissionFunc = fn }
}

// WithPermissionTimeout bounds each permission decision.
func WithPermissionTimeout(d time.Duration) Option {
	return func(o *Options) { o.PermissionTimeout = d }
}

// WithHooks registers lifecycle hook registrations.
func WithHooks(regs ...HookRegistration) Option {
	return func(o *Options) { o.Hooks = append(o.Hooks, regs...) }
}

// WithToolServer registers an embedded tool server under a name.
func WithToolServer(name string, server *ToolServer) Option {
	return func(o *Options) {
		if o.ToolServers == nil {
			o.ToolServers = make(map[string]*ToolServer, 4)
		}

		o.ToolServers[name] = server
	}
}

// WithSessionID pins the session id used on outgoing user messages.
func WithSessionID(id string) Option {
	return func(o *Options) { o.SessionID = id }
}
