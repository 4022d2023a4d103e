// Package expconfig loads the experiment configuration file shared by the
// drivers, the config watcher, and the database logger.
//
// The file is JSON or YAML with four sections:
//
//	lockin_config_info    label -> lock-in lead
//	kh_config_info        Krohn-Hite channel table
//	wirebonding_info      free form, carried verbatim
//	experiment_note_info  free form, carried verbatim
//
// A file holding only a label -> lead mapping is accepted as the lock-in
// section by itself.
package expconfig

import (
	"context"
	"encoding/json"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knadh/koanf"
	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/levylab/golevylab/krohnhite"
	"github.com/levylab/golevylab/lockin"
)

// section keys
const (
	LockinKey      = "lockin_config_info"
	KrohnHiteKey   = "kh_config_info"
	WirebondingKey = "wirebonding_info"
	NoteKey        = "experiment_note_info"
)

// ErrFormat is generated for files that are neither JSON nor YAML
var ErrFormat = errors.New("expconfig: unsupported file format")

// Config is one experiment configuration
type Config struct {
	Lockin      map[string]int            `json:"lockin_config_info,omitempty" yaml:"lockin_config_info,omitempty"`
	KrohnHite   []krohnhite.ChannelConfig `json:"kh_config_info,omitempty" yaml:"kh_config_info,omitempty"`
	Wirebonding interface{}               `json:"wirebonding_info,omitempty" yaml:"wirebonding_info,omitempty"`
	Note        interface{}               `json:"experiment_note_info,omitempty" yaml:"experiment_note_info,omitempty"`
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return kjson.Parser(), nil
	case ".yml", ".yaml":
		return kyaml.Parser(), nil
	}
	return nil, errors.Wrapf(ErrFormat, "%q", path)
}

// Load reads a configuration file, choosing the parser by extension
func Load(path string) (Config, error) {
	p, err := parserFor(path)
	if err != nil {
		return Config{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), p); err != nil {
		return Config{}, errors.Wrapf(err, "loading %s", path)
	}
	return fromKoanf(k)
}

// Parse decodes configuration bytes; ext is ".json", ".yml" or ".yaml"
func Parse(b []byte, ext string) (Config, error) {
	p, err := parserFor("config" + ext)
	if err != nil {
		return Config{}, err
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(b), p); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (Config, error) {
	var c Config
	if !k.Exists(LockinKey) && !k.Exists(KrohnHiteKey) && bareMapping(k) {
		if err := k.UnmarshalWithConf("", &c.Lockin, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			return c, errors.Wrap(err, "decoding channel mapping")
		}
		return c, nil
	}
	if err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return c, errors.Wrap(err, "decoding config")
	}
	return c, nil
}

// bareMapping is true when every top level value is a number
func bareMapping(k *koanf.Koanf) bool {
	raw := k.Raw()
	if len(raw) == 0 {
		return false
	}
	for _, v := range raw {
		switch v.(type) {
		case float64, int, int64:
		default:
			return false
		}
	}
	return true
}

// JSON renders a section the way the database logger stores it.
// Absent sections render as {}.
func (c Config) JSON(section string) (string, error) {
	var v interface{}
	switch section {
	case LockinKey:
		if c.Lockin != nil {
			v = c.Lockin
		}
	case KrohnHiteKey:
		if c.KrohnHite != nil {
			v = c.KrohnHite
		}
	case WirebondingKey:
		v = c.Wirebonding
	case NoteKey:
		v = c.Note
	default:
		return "", errors.Errorf("expconfig: unknown section %q", section)
	}
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

// Apply pushes a configuration into the drivers using their replace
// transactions.  Nil drivers and empty sections are skipped.  Failures are
// collected so one bad section does not stop the other.
func Apply(c Config, li *lockin.Lockin, amp *krohnhite.Amplifier) error {
	var err error
	if li != nil && len(c.Lockin) > 0 {
		if _, e := li.SetChannels(c.Lockin); e != nil {
			err = multierr.Append(err, errors.Wrap(e, LockinKey))
		}
	}
	if amp != nil && len(c.KrohnHite) > 0 {
		if _, e := amp.Reload(c.KrohnHite); e != nil {
			err = multierr.Append(err, errors.Wrap(e, KrohnHiteKey))
		}
	}
	return err
}

// Watch calls fn with the freshly parsed configuration every time path
// changes on disk, until ctx is done.  Parse errors are logged and the
// previous configuration stays in effect.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	if _, err := parserFor(path); err != nil {
		return err
	}
	var mu sync.Mutex
	return file.Provider(path).Watch(func(event interface{}, err error) {
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("expconfig: watching %s: %v", path, err)
			return
		}
		c, err := Load(path)
		if err != nil {
			log.Printf("expconfig: reloading %s: %v", path, err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fn(c)
	})
}
