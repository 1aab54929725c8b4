package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/oklog/ulid/v2"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"github.com/aonescu/gardensync/internal/auth"
	"github.com/aonescu/gardensync/internal/autoflush"
	"github.com/aonescu/gardensync/internal/config"
	"github.com/aonescu/gardensync/internal/eventlog"
	"github.com/aonescu/gardensync/internal/formatting"
	"github.com/aonescu/gardensync/internal/garden"
	"github.com/aonescu/gardensync/internal/gardenstore"
	"github.com/aonescu/gardensync/internal/session"
	"github.com/aonescu/gardensync/internal/status"
)

const GardenCtlVersion = "0.1.0"

const usage = `Garden sync control.

Edits are kept in a local session until they are flushed to the server.
The config file defaults to ~/.gardenctl/config.yaml.

Usage:
    gardenctl load [options]
    gardenctl upsert [options] [--id=<object_id>] [--name=<name>] [--kind=<kind>]
        [--x=<x>] [--y=<y>] [--width=<width>] [--height=<height>]
        [--rotation=<degrees>] [--plantable]
    gardenctl delete [options] <object_id>
    gardenctl flush [options]
    gardenctl resync [options]
    gardenctl status [options]
    gardenctl watch [options] [--timeout=<duration>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<path>            Config file.
    --garden=<garden_id>       Garden to work on, overrides the config.
    --server=<url>             Event log server, overrides the config.
    -v --verbose               Log sync activity.
    --id=<object_id>           Object id. A new id is generated if omitted.
    --timeout=<duration>       Give up waiting after this long [default: 5m].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], GardenCtlVersion)
	if err != nil {
		panic(err)
	}

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	if verbose, _ := opts.Bool("--verbose"); verbose {
		if err := setVerbosity(klogFlags, "2"); err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
	}
	defer klog.Flush()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cli, err := open(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	if load_, _ := opts.Bool("load"); load_ {
		err = cli.load(ctx)
	} else if upsert_, _ := opts.Bool("upsert"); upsert_ {
		err = cli.upsert(ctx, opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		err = cli.delete(ctx, opts)
	} else if flush_, _ := opts.Bool("flush"); flush_ {
		err = cli.flush(ctx)
	} else if resync_, _ := opts.Bool("resync"); resync_ {
		err = cli.resync(ctx)
	} else if status_, _ := opts.Bool("status"); status_ {
		err = cli.status(ctx)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = cli.watch(ctx, opts)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		klog.Flush()
		os.Exit(1)
	}
}

func setVerbosity(klogFlags *flag.FlagSet, level string) error {
	if err := klogFlags.Set("v", level); err != nil {
		return fmt.Errorf("failed to set log verbosity %q: %w", level, err)
	}
	return nil
}

type gardenCtl struct {
	cfg         config.Client
	store       *gardenstore.Store
	sessionPath string
}

func open(ctx context.Context, opts docopt.Opts) (*gardenCtl, error) {
	configPath := config.DefaultPath()
	if path, err := opts.String("--config"); err == nil && path != "" {
		configPath = path
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if server, err := opts.String("--server"); err == nil && server != "" {
		cfg.Server = server
	}

	gardenID := cfg.GardenID
	if id, err := opts.String("--garden"); err == nil && id != "" {
		gardenID = id
	}
	if gardenID == "" {
		return nil, errors.New("no garden selected, pass --garden or set gardenId in the config")
	}

	httpClient := eventlog.DefaultHTTPClient()
	if cfg.Token != "" {
		httpClient = auth.NewClient(ctx, cfg.Token, reloadToken(configPath, cfg.Token), httpClient)
	}
	client := eventlog.NewCachingClient(eventlog.NewHTTPClient(cfg.Server, httpClient), cfg.SnapshotTTL.Duration)

	return &gardenCtl{
		cfg:         cfg,
		store:       gardenstore.New(gardenID, client),
		sessionPath: cfg.SessionPath(gardenID),
	}, nil
}

// reloadToken picks up a token another process wrote to the config file.
func reloadToken(configPath, current string) auth.Refresher {
	return func(ctx context.Context) (string, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", err
		}
		if cfg.Token == "" || cfg.Token == current {
			return "", auth.ErrSessionExpired
		}
		current = cfg.Token
		return cfg.Token, nil
	}
}

// restore loads the saved session, or the server snapshot when there is
// none.
func (c *gardenCtl) restore(ctx context.Context) error {
	saved, err := session.Load(c.sessionPath)
	if errors.Is(err, session.ErrNoSession) {
		c.store.LoadGarden(ctx)
		return c.check()
	}
	if err != nil {
		return err
	}
	return c.store.Restore(saved)
}

func (c *gardenCtl) save() error {
	if c.store.State().Garden == nil {
		return nil
	}
	return session.Save(c.sessionPath, c.store.Export())
}

// finish saves the session and reports err along with any save failure.
func (c *gardenCtl) finish(err error) error {
	return errors.Join(err, c.save())
}

func (c *gardenCtl) check() error {
	st := c.store.State()
	switch st.Status {
	case status.Error:
		return fmt.Errorf("garden %s: %s", st.GardenID, st.ErrorMessage)
	case status.FlushableError:
		return fmt.Errorf("garden %s has conflicting edits, run resync then flush: %s", st.GardenID, st.ErrorMessage)
	}
	return nil
}

func (c *gardenCtl) printState() {
	fmt.Print(formatting.FormatState(c.store.State(), autoflush.Deadlines{}, time.Now()))
}

func (c *gardenCtl) load(ctx context.Context) error {
	c.store.LoadGarden(ctx)
	if err := c.check(); err != nil {
		return err
	}
	if err := c.save(); err != nil {
		return err
	}
	c.printState()
	return nil
}

func (c *gardenCtl) upsert(ctx context.Context, opts docopt.Opts) error {
	if err := c.restore(ctx); err != nil {
		return err
	}

	patch, err := patchFromOpts(opts)
	if err != nil {
		return err
	}
	c.store.UpsertObject(patch)
	if _, ok := c.store.State().PendingEvents[patch.ID]; !ok {
		return fmt.Errorf("upsert of %s was not accepted in status %s", patch.ID, c.store.Status())
	}

	fmt.Println(patch.ID)
	return c.save()
}

func patchFromOpts(opts docopt.Opts) (garden.Patch, error) {
	patch := garden.Patch{ID: ulid.Make().String()}
	if id, err := opts.String("--id"); err == nil && id != "" {
		patch.ID = id
	}
	if name, err := opts.String("--name"); err == nil {
		patch.Name = ptr.To(name)
	}
	if kind, err := opts.String("--kind"); err == nil {
		patch.Kind = ptr.To(kind)
	}
	if plantable, _ := opts.Bool("--plantable"); plantable {
		patch.Plantable = ptr.To(true)
	}

	floats := map[string]**float64{
		"--x":        &patch.X,
		"--y":        &patch.Y,
		"--width":    &patch.Width,
		"--height":   &patch.Height,
		"--rotation": &patch.Rotation,
	}
	for key, field := range floats {
		if opts[key] == nil {
			continue
		}
		v, err := opts.Float64(key)
		if err != nil {
			return patch, fmt.Errorf("invalid %s: %w", key, err)
		}
		*field = ptr.To(v)
	}
	return patch, nil
}

func (c *gardenCtl) delete(ctx context.Context, opts docopt.Opts) error {
	if err := c.restore(ctx); err != nil {
		return err
	}
	objectID, _ := opts.String("<object_id>")
	if _, ok := garden.Find(c.store.State().OptimisticObjects, objectID); !ok {
		return fmt.Errorf("no object %s in garden %s", objectID, c.store.GardenID())
	}
	c.store.DeleteObject(objectID)
	return c.save()
}

func (c *gardenCtl) flush(ctx context.Context) error {
	if err := c.restore(ctx); err != nil {
		return err
	}
	c.store.FlushEvents(ctx)
	if err := c.save(); err != nil {
		return err
	}
	c.printState()
	return c.check()
}

func (c *gardenCtl) resync(ctx context.Context) error {
	if err := c.restore(ctx); err != nil {
		return err
	}
	c.store.Resync(ctx)
	if err := c.save(); err != nil {
		return err
	}
	c.printState()
	return nil
}

func (c *gardenCtl) status(ctx context.Context) error {
	if err := c.restore(ctx); err != nil {
		return err
	}
	c.printState()
	return nil
}

// watch runs the auto-flush scheduler until every pending event is
// committed or recovery gives up.
func (c *gardenCtl) watch(ctx context.Context, opts docopt.Opts) error {
	if err := c.restore(ctx); err != nil {
		return err
	}

	timeout := 5 * time.Minute
	if raw, err := opts.String("--timeout"); err == nil && raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid --timeout: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	changed := make(chan struct{}, 1)
	unsubscribe := c.store.Subscribe(func(gardenstore.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	scheduler := autoflush.New(c.store, autoflush.WithConfig(c.cfg.SchedulerConfig()))
	scheduler.Start(ctx)
	defer scheduler.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		st := c.store.State()
		switch {
		case st.Status == status.Idle && len(st.PendingEvents) == 0:
			c.printState()
			return c.save()
		case st.Status == status.Error:
			return c.finish(c.check())
		case st.Status == status.FlushableError && scheduler.Exhausted():
			return c.finish(c.check())
		}

		select {
		case <-ctx.Done():
			return c.finish(fmt.Errorf("gave up waiting for garden %s: %w", st.GardenID, ctx.Err()))
		case <-changed:
		case now := <-ticker.C:
			d := scheduler.Deadlines()
			fmt.Printf("%s  flush in %s, forced in %s\n", st, formatting.Countdown(d.AutoFlushAt, now), formatting.Countdown(d.ForceFlushAt, now))
		}
	}
}
