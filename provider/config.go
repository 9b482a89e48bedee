package provider

import (
	"errors"
	"flag"
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/go-kit/log"

	"github.com/joshuapare/folio/internal/rawmem"
)

// Provider kinds accepted by Config.
const (
	KindStd   = "std"
	KindDebug = "debug"
)

var (
	// ErrUnknownKind indicates a Config.Kind other than KindStd or KindDebug.
	ErrUnknownKind = errors.New("provider: unknown kind")

	// ErrUnknownSource indicates a Config.Source other than heap or mmap.
	ErrUnknownSource = errors.New("provider: unknown raw memory source")
)

// Config selects and sizes a provider.
type Config struct {
	// Kind is KindStd or KindDebug.
	Kind string `yaml:"kind"`
	// Budget limits the user bytes live at once. Zero means unbounded; a
	// zero budget is set with SetAvailableMemory(0) after New.
	Budget datasize.ByteSize `yaml:"budget"`
	// Source is the raw memory source, heap or mmap.
	Source string `yaml:"source"`
	// BacktraceDepth is the number of frames a debug provider records per
	// allocation. Zero disables capture.
	BacktraceDepth int `yaml:"backtrace_depth"`
	// StateLength is extra provider state in bytes.
	StateLength int `yaml:"state_length"`
}

// RegisterFlags registers flags under the "provider." prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("provider.", f)
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Kind, prefix+"kind", KindStd, "Provider kind: std or debug.")
	f.TextVar(&cfg.Budget, prefix+"budget", datasize.ByteSize(0), "Memory budget for live allocations, e.g. 64MB. 0 means unbounded.")
	f.StringVar(&cfg.Source, prefix+"source", "heap", "Raw memory source: heap or mmap.")
	f.IntVar(&cfg.BacktraceDepth, prefix+"backtrace-depth", DefaultBacktraceDepth, "Frames recorded per allocation by the debug provider. 0 disables capture.")
	f.IntVar(&cfg.StateLength, prefix+"state-length", 0, "Extra provider state in bytes.")
}

// Validate checks the config for invalid values.
func (cfg *Config) Validate() error {
	switch cfg.Kind {
	case KindStd, KindDebug:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	switch cfg.Source {
	case "", "heap", "mmap":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSource, cfg.Source)
	}
	if cfg.BacktraceDepth < 0 {
		return fmt.Errorf("backtrace_depth must not be negative, got %d", cfg.BacktraceDepth)
	}
	if cfg.StateLength < 0 {
		return fmt.Errorf("state_length must not be negative, got %d", cfg.StateLength)
	}
	return nil
}

// New builds the provider cfg describes.
func New(cfg Config, logger log.Logger) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	src, err := rawmem.Named(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSource, err)
	}

	switch cfg.Kind {
	case KindDebug:
		depth := cfg.BacktraceDepth
		if depth == 0 {
			depth = -1
		}
		d, err := NewDebug(DebugOptions{
			Limit:          cfg.Budget.Bytes(),
			StateLength:    cfg.StateLength,
			BacktraceDepth: depth,
			Source:         src,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		s, err := NewStd(StdOptions{
			Limit:       cfg.Budget.Bytes(),
			StateLength: cfg.StateLength,
			Source:      src,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
