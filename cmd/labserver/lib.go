package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/levylab/golevylab/comm"
	"github.com/levylab/golevylab/configdb"
	"github.com/levylab/golevylab/expconfig"
	"github.com/levylab/golevylab/generichttp"
	"github.com/levylab/golevylab/krohnhite"
	"github.com/levylab/golevylab/lockin"
	"github.com/levylab/golevylab/observability"
	"github.com/levylab/golevylab/server/middleware/locker"
	"github.com/levylab/golevylab/util"
)

// ObjSetup describes one instrument node
type ObjSetup struct {
	// Addr is the ZMQ endpoint of the instrument, e.g. tcp://192.168.1.20:29170
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Endpoint is the path the routes from this node are served under
	// ex. Endpoint="/fridge/lockin" will produce /fridge/lockin/sweep, etc.
	Endpoint string `koanf:"Endpoint" yaml:"Endpoint"`

	// Type is the kind of instrument, "lockin" or "krohnhite"
	Type string `koanf:"Type" yaml:"Type"`

	// Args holds optional constructor arguments:
	//	Outputs           number of simulated outputs (mock lock-in)
	//	Channels          number of simulated channels (mock amplifier)
	//	ReferenceChannel  reference used for scalar reads (lock-in)
	Args map[string]interface{} `koanf:"Args" yaml:"Args"`
}

// DBSetup configures the experiment config history
type DBSetup struct {
	// DSN is a lib/pq connection string; empty disables the database
	DSN string `koanf:"DSN" yaml:"DSN"`

	// Table defaults to flexconfig
	Table string `koanf:"Table" yaml:"Table"`
}

// Config is a struct that holds the initialization parameters for the server
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Mock replaces every instrument with an in-process simulation
	Mock bool `koanf:"Mock" yaml:"Mock"`

	// Timeout is the per-request transport timeout, in seconds
	Timeout float64 `koanf:"Timeout" yaml:"Timeout"`

	// ExperimentConfig is the path to the experiment configuration file
	ExperimentConfig string `koanf:"ExperimentConfig" yaml:"ExperimentConfig"`

	// WatchConfig reapplies ExperimentConfig whenever it changes
	WatchConfig bool `koanf:"WatchConfig" yaml:"WatchConfig"`

	Database DBSetup `koanf:"Database" yaml:"Database"`

	// Nodes is the list of nodes to set up
	Nodes []ObjSetup `koanf:"Nodes" yaml:"Nodes"`
}

// Lab holds the drivers built from a Config
type Lab struct {
	Lockins    []*lockin.Lockin
	Amplifiers []*krohnhite.Amplifier

	devices []*comm.ZMQDevice
}

// Apply pushes an experiment configuration to every driver
func (l *Lab) Apply(c expconfig.Config) error {
	var err error
	for _, li := range l.Lockins {
		err = multierr.Append(err, expconfig.Apply(c, li, nil))
	}
	for _, amp := range l.Amplifiers {
		err = multierr.Append(err, expconfig.Apply(c, nil, amp))
	}
	return err
}

// Close releases every transport
func (l *Lab) Close() error {
	var err error
	for _, d := range l.devices {
		err = multierr.Append(err, d.Close())
	}
	return err
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (l *Lab) caller(c Config, node ObjSetup, mock comm.Handler) comm.Caller {
	if c.Mock {
		return &comm.Loopback{Handler: mock}
	}
	d := comm.NewZMQDevice(node.Addr, util.SecsToDuration(c.Timeout))
	l.devices = append(l.devices, d)
	return d
}

// ConfigStore holds the history of experiment configurations
type ConfigStore interface {
	Latest(ctx context.Context) (configdb.Row, error)
}

// experimentConfig reads the experiment configuration from the file named in
// c, or failing that the newest row of store.  found is false when neither
// has one.
func experimentConfig(ctx context.Context, c Config, store ConfigStore) (ec expconfig.Config, found bool, err error) {
	if c.ExperimentConfig != "" {
		ec, err = expconfig.Load(c.ExperimentConfig)
		return ec, err == nil, err
	}
	if store == nil {
		return ec, false, nil
	}
	row, err := store.Latest(ctx)
	if errors.Is(err, configdb.ErrNoConfig) {
		log.Println("no experiment config stored yet, channels stay empty")
		return ec, false, nil
	}
	if err != nil {
		return ec, false, err
	}
	log.Printf("using experiment config stored at %s", row.Time.Format(time.RFC3339))
	return row.Config, true, nil
}

// BuildMux constructs the drivers named in c and a chi router serving them.
// The experiment configuration comes from c.ExperimentConfig, or from store
// when no file is named; store may be nil.
// The router serves two special routes: /endpoints, which returns every
// node's routes as JSON, and /metrics.
func BuildMux(ctx context.Context, c Config, reg *prometheus.Registry, store ConfigStore) (chi.Router, *Lab, error) {
	prom, err := observability.NewPromObserver(reg)
	if err != nil {
		return nil, nil, err
	}
	lab := &Lab{}
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	for _, node := range c.Nodes {
		var httper generichttp.HTTPer
		typ := strings.ToLower(node.Type)
		switch typ {
		case "lockin", "lock-in", "lia":
			mock := lockin.NewMock(intArg(node.Args, "Outputs", 3))
			li, err := lockin.New(lab.caller(c, node, mock), nil,
				lockin.WithObserver(lockin.Observers{prom.Lockin(), lockin.LogObserver(log.Default())}),
				lockin.WithReferenceChannel(intArg(node.Args, "ReferenceChannel", 1)))
			if err != nil {
				return nil, nil, multierr.Append(err, lab.Close())
			}
			lab.Lockins = append(lab.Lockins, li)
			httper = lockin.NewHTTPWrapper(li)

		case "krohnhite", "kh", "krohn-hite":
			mock := krohnhite.NewMock(intArg(node.Args, "Channels", 4))
			amp, err := krohnhite.New(lab.caller(c, node, mock), nil, prom.Amplifier())
			if err != nil {
				return nil, nil, multierr.Append(err, lab.Close())
			}
			lab.Amplifiers = append(lab.Amplifiers, amp)
			httper = krohnhite.NewHTTPWrapper(amp)

		default:
			return nil, nil, multierr.Append(fmt.Errorf("type %q not understood", typ), lab.Close())
		}

		// prepare the URL, "fridge/lockin" => "/fridge/lockin"
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)
		if _, dup := supergraph[hndlS]; dup {
			return nil, nil, multierr.Append(fmt.Errorf("endpoint %s used twice", hndlS), lab.Close())
		}

		// add a lock interface for this node
		lock := locker.New()
		locker.Inject(httper, lock)

		// add the endpoints to the graph
		supergraph[hndlS] = httper.RT().Endpoints()

		// bind to the mux
		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}

	ec, found, err := experimentConfig(ctx, c, store)
	if err != nil {
		return nil, nil, multierr.Append(errors.Wrap(err, "experiment config"), lab.Close())
	}
	if found {
		if err := lab.Apply(ec); err != nil {
			return nil, nil, multierr.Append(errors.Wrap(err, "experiment config"), lab.Close())
		}
	}

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return root, lab, nil
}
