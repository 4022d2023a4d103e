package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/levylab/golevylab/comm"
	"github.com/levylab/golevylab/configdb"
	"github.com/levylab/golevylab/expconfig"
	"github.com/levylab/golevylab/krohnhite"
	"github.com/levylab/golevylab/lockin"
	"github.com/levylab/golevylab/util"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "labserver.yml"
	k              = koanf.New(".")
)

func defaults() Config {
	return Config{
		Addr:    ":8000",
		Timeout: 5,
		Database: DBSetup{
			Table: configdb.DefaultTable,
		},
		Nodes: []ObjSetup{}}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadConfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `labserver drives lock-in amplifiers and Krohn-Hite programmable amplifiers
over ZMQ and exposes an HTTP interface to them.

Usage:
	labserver <command>

Commands:
	run
	simulate
	sweep
	push-config
	pull-config
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `labserver is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

Without nodes, the server only serves /endpoints and /metrics.

No two nodes can have the same Endpoint.

Endpoints may look like any variation between "fridge/lockin" or "/fridge/lockin/",
the leading slash is added and the trailing slash removed by the server.

Node "Type" fields, case insensitive:
- lock-in amplifier "lockin", "lock-in", "lia"
- Krohn-Hite programmable amplifier "krohnhite", "kh", "krohn-hite"

ExperimentConfig names a .json or .yml file holding lockin_config_info,
kh_config_info, wirebonding_info, and experiment_note_info.  It is applied at
startup, and again on every change when WatchConfig is true.

Other commands:
	simulate [-outputs n] [-type lockin|krohnhite] <addr>
		serve a simulated instrument on a ZMQ REP socket, e.g. tcp://*:29170
	sweep [-addr a] [-lead n] [-start v] [-end v] [-pattern p] [-wait s] [-time s]
		run one ramp on one lead and print AO,AI as CSV to stdout
	push-config [path]
		upload the experiment config to the database named in Database.DSN
	pull-config
		print the newest experiment config stored in the database as YAML

When ExperimentConfig is empty and Database.DSN is set, run configures the
instruments from the newest experiment config stored in the database.`
	fmt.Println(str)
}

func mkconf() {
	c := loadConfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadConfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("labserver version %v\n", Version)
}

func run() {
	c := loadConfig()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var store ConfigStore
	if c.ExperimentConfig == "" && c.Database.DSN != "" {
		db, err := configdb.Open(c.Database.DSN, c.Database.Table)
		if err != nil {
			log.Fatal(err)
		}
		defer db.Close()
		store = db
	}

	mux, lab, err := BuildMux(ctx, c, prometheus.NewRegistry(), store)
	if err != nil {
		log.Fatal(err)
	}
	defer lab.Close()

	if c.WatchConfig && c.ExperimentConfig != "" {
		err = expconfig.Watch(ctx, c.ExperimentConfig, func(ec expconfig.Config) {
			if err := lab.Apply(ec); err != nil {
				log.Printf("reapplying %s: %v", c.ExperimentConfig, err)
				return
			}
			for _, amp := range lab.Amplifiers {
				log.Printf("reapplied %s, amplifier channels %s", c.ExperimentConfig, util.IntSliceToCSV(amp.Channels()))
			}
			for _, li := range lab.Lockins {
				log.Printf("reapplied %s, lock-in labels %s", c.ExperimentConfig, strings.Join(li.Labels(), ","))
			}
		})
		if err != nil {
			log.Fatal(err)
		}
	}

	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdown)
	}()
	log.Println("now listening for requests at ", c.Addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func simulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	outputs := fs.Int("outputs", 3, "number of simulated outputs or channels")
	typ := fs.String("type", "lockin", "instrument to simulate, lockin or krohnhite")
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatal("usage: labserver simulate [-outputs n] [-type t] <addr>")
	}
	var h comm.Handler
	switch strings.ToLower(*typ) {
	case "lockin", "lock-in", "lia":
		h = lockin.NewMock(*outputs)
	case "krohnhite", "kh", "krohn-hite":
		h = krohnhite.NewMock(*outputs)
	default:
		log.Fatalf("type %q not understood", *typ)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	sock := zmq4.NewRep(ctx)
	defer sock.Close()
	if err := sock.Listen(fs.Arg(0)); err != nil {
		log.Fatal(err)
	}
	log.Printf("simulated %s listening at %s", *typ, fs.Arg(0))
	if err := comm.Serve(ctx, sock, h); err != nil {
		log.Fatal(err)
	}
}

func sweep(args []string) error {
	c := loadConfig()
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	addr := fs.String("addr", "", "lock-in ZMQ endpoint; defaults to the first lockin node")
	lead := fs.Int("lead", 1, "output lead to sweep")
	start := fs.Float64("start", 0, "ramp start")
	end := fs.Float64("end", 1, "ramp end")
	pattern := fs.String("pattern", string(lockin.RampUp), "ramp pattern")
	wait := fs.Float64("wait", 1, "initial wait, seconds")
	secs := fs.Float64("time", 10, "sweep time, seconds")
	fs.Parse(args)

	pat, err := lockin.ParsePattern(*pattern)
	if err != nil {
		return err
	}
	if *addr == "" {
		for _, n := range c.Nodes {
			if t := strings.ToLower(n.Type); t == "lockin" || t == "lock-in" || t == "lia" {
				*addr = n.Addr
				break
			}
		}
	}
	var caller comm.Caller
	if c.Mock {
		caller = &comm.Loopback{Handler: lockin.NewMock(*lead)}
	} else {
		if *addr == "" {
			return errors.New("no lock-in address given or configured")
		}
		d := comm.NewZMQDevice(*addr, util.SecsToDuration(c.Timeout))
		defer d.Close()
		caller = d
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " sweeping",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
		Writer:            os.Stderr,
	})
	if err != nil {
		return err
	}
	li, err := lockin.New(caller, map[string]int{"sweep": *lead},
		lockin.WithObserver(lockin.ObserverFunc(func(e lockin.Event) {
			if e.Kind == lockin.StatePolled {
				spinner.Message(string(e.State))
			}
		})))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	spinner.Start()
	ao, ai, err := li.Sweep1D(ctx, *lead, *start, *end, pat,
		util.SecsToDuration(*wait), util.SecsToDuration(*secs))
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return err
	}
	spinner.StopMessage(fmt.Sprintf("%d samples", len(ai)))
	spinner.Stop()
	return writeSweepCSV(os.Stdout, ao, ai)
}

// writeSweepCSV writes one AO,AI row per sample; a short AI column leaves blanks
func writeSweepCSV(out io.Writer, ao, ai []float64) error {
	w := csv.NewWriter(out)
	w.Write([]string{"AO", "AI"})
	for i := range ao {
		row := []string{strconv.FormatFloat(ao[i], 'g', -1, 64), ""}
		if i < len(ai) {
			row[1] = strconv.FormatFloat(ai[i], 'g', -1, 64)
		}
		w.Write(row)
	}
	w.Flush()
	return w.Error()
}

func pushConfig(args []string) {
	c := loadConfig()
	path := c.ExperimentConfig
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		log.Fatal("no experiment config given or configured")
	}
	if c.Database.DSN == "" {
		log.Fatal("Database.DSN is not configured")
	}
	ec, err := expconfig.Load(path)
	if err != nil {
		log.Fatal(err)
	}
	store, err := configdb.Open(c.Database.DSN, c.Database.Table)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ts, err := store.Upload(ctx, ec)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("uploaded %s to %s at %s", path, store.Table(), ts.Format(time.RFC3339))
}

func pullConfig() error {
	c := loadConfig()
	if c.Database.DSN == "" {
		return errors.New("Database.DSN is not configured")
	}
	store, err := configdb.Open(c.Database.DSN, c.Database.Table)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	row, err := store.Latest(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("# stored %s\n", row.Time.Format(time.RFC3339))
	return yml.NewEncoder(os.Stdout).Encode(row.Config)
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "simulate":
		simulate(args[2:])
		return
	case "sweep":
		if err := sweep(args[2:]); err != nil {
			log.Fatal(err)
		}
		return
	case "pull-config":
		if err := pullConfig(); err != nil {
			log.Fatal(err)
		}
		return
	case "push-config":
		pushConfig(args[2:])
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
