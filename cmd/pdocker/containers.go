package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/onkernel/pdocker/lib/containers"
	"github.com/onkernel/pdocker/lib/store"
	"github.com/onkernel/pdocker/lib/supervisor"
	"github.com/samber/lo"
)

// containerFlags are shared by create and run.
type containerFlags struct {
	Name        string   `help:"Assign a name to the container."`
	Env         []string `short:"e" help:"Set environment variables (KEY=VALUE, or KEY to pass through)."`
	Volume      []string `short:"v" help:"Bind mount a host path (host:guest[:ro])."`
	Workdir     string   `short:"w" help:"Working directory inside the container."`
	Entrypoint  string   `help:"Override the image entrypoint."`
	Label       []string `short:"l" help:"Set metadata (KEY=VALUE)."`
	Interactive bool     `short:"i" help:"Keep stdin attached."`
	TTY         bool     `short:"t" help:"Allocate a pseudo-terminal."`
	Pull        bool     `help:"Re-resolve the image even when cached."`

	Image   string   `arg:"" help:"Image reference."`
	Command []string `arg:"" optional:"" passthrough:"" help:"Command and arguments."`
}

func (f *containerFlags) request() (containers.CreateRequest, error) {
	env, err := containers.ParseEnv(f.Env)
	if err != nil {
		return containers.CreateRequest{}, err
	}
	labels, err := containers.ParseEnv(f.Label)
	if err != nil {
		return containers.CreateRequest{}, err
	}
	mounts := make([]store.Mount, 0, len(f.Volume))
	for _, v := range f.Volume {
		m, err := containers.ParseMount(v)
		if err != nil {
			return containers.CreateRequest{}, err
		}
		mounts = append(mounts, m)
	}

	req := containers.CreateRequest{
		Name:        f.Name,
		Image:       f.Image,
		Command:     f.Command,
		Env:         env,
		Mounts:      mounts,
		WorkingDir:  f.Workdir,
		Labels:      labels,
		Interactive: f.Interactive,
		TTY:         f.TTY,
		ForcePull:   f.Pull,
	}
	if f.Entrypoint != "" {
		req.Entrypoint = []string{f.Entrypoint}
	}
	return req, nil
}

type createCmd struct {
	containerFlags `embed:""`
}

func (c *createCmd) Run(app *application) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	stop := showProgress(app.Ctx, app.ImageManager)
	ctr, err := app.ContainerManager.Create(app.Ctx, req)
	stop()
	if err != nil {
		return err
	}
	fmt.Println(ctr.ID)
	return nil
}

type runCmd struct {
	Detach bool `short:"d" help:"Run in the background and print the container ID."`
	Rm     bool `help:"Remove the container when it exits (the default for foreground runs)."`
	Keep   bool `help:"Keep a foreground container after it exits."`

	containerFlags `embed:""`
}

func (c *runCmd) Run(app *application) error {
	if c.Detach && (c.Rm || c.Keep) {
		return fmt.Errorf("%w: --rm and --keep only apply to foreground runs", containers.ErrInvalidRequest)
	}
	if c.Rm && c.Keep {
		return fmt.Errorf("%w: --rm cannot be combined with --keep", containers.ErrInvalidRequest)
	}
	req, err := c.request()
	if err != nil {
		return err
	}
	req.Detached = c.Detach
	req.Keep = c.Keep

	stdio := supervisor.IO{Stdout: os.Stdout, Stderr: os.Stderr}
	if c.Interactive || c.TTY {
		stdio.Stdin = os.Stdin
	}

	stop := showProgress(app.Ctx, app.ImageManager)
	res, err := app.ContainerManager.Run(app.Ctx, req, stdio)
	stop()
	if err != nil {
		return err
	}
	if c.Detach {
		fmt.Println(res.Container.ID)
		return nil
	}
	if res.ExitCode != 0 {
		return &exitCodeError{code: res.ExitCode}
	}
	return nil
}

type startCmd struct {
	Containers []string `arg:"" help:"Container names or IDs."`
}

func (c *startCmd) Run(app *application) error {
	return forEach(c.Containers, func(id string) error {
		ctr, err := app.ContainerManager.Start(app.Ctx, id)
		if err != nil {
			return err
		}
		fmt.Println(ctr.Name)
		return nil
	})
}

type stopCmd struct {
	Time       int      `short:"t" help:"Seconds to wait before killing." default:"-1"`
	Containers []string `arg:"" help:"Container names or IDs."`
}

func (c *stopCmd) Run(app *application) error {
	return forEach(c.Containers, func(id string) error {
		ctr, err := app.ContainerManager.Stop(app.Ctx, id, timeout(c.Time))
		if err != nil {
			return err
		}
		fmt.Println(ctr.Name)
		return nil
	})
}

type restartCmd struct {
	Time       int      `short:"t" help:"Seconds to wait before killing." default:"-1"`
	Containers []string `arg:"" help:"Container names or IDs."`
}

func (c *restartCmd) Run(app *application) error {
	return forEach(c.Containers, func(id string) error {
		ctr, err := app.ContainerManager.Restart(app.Ctx, id, timeout(c.Time))
		if err != nil {
			return err
		}
		fmt.Println(ctr.Name)
		return nil
	})
}

// timeout maps the -t flag to a grace period; negative means the default.
func timeout(secs int) time.Duration {
	if secs < 0 {
		return 0
	}
	if secs == 0 {
		// Zero grace still leaves SIGTERM a moment before SIGKILL
		return time.Millisecond
	}
	return time.Duration(secs) * time.Second
}

type rmCmd struct {
	Force      bool     `short:"f" help:"Kill and remove running containers."`
	Containers []string `arg:"" help:"Container names or IDs."`
}

func (c *rmCmd) Run(app *application) error {
	return forEach(c.Containers, func(id string) error {
		ctr, err := app.ContainerManager.Remove(app.Ctx, id, c.Force)
		if err != nil {
			return err
		}
		fmt.Println(ctr.Name)
		return nil
	})
}

// forEach applies fn to every id and reports all failures.
func forEach(ids []string, fn func(id string) error) error {
	var errs []error
	for _, id := range ids {
		if err := fn(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

type psCmd struct {
	All   bool `short:"a" help:"Show all containers, not just running ones."`
	Quiet bool `short:"q" help:"Only show container IDs."`
}

func (c *psCmd) Run(app *application) error {
	list, err := app.ContainerManager.List(app.Ctx, c.All)
	if err != nil {
		return err
	}
	if c.Quiet {
		for _, ctr := range list {
			fmt.Println(ctr.ShortID())
		}
		return nil
	}

	w := newTable(os.Stdout, "CONTAINER ID", "IMAGE", "COMMAND", "CREATED", "STATUS", "NAMES")
	for _, ctr := range list {
		w.row(
			ctr.ShortID(),
			familiar(ctr.Image),
			fmt.Sprintf("%q", truncate(containers.CommandLine(ctr), 20)),
			ago(ctr.CreatedAt),
			statusLine(ctr),
			ctr.Name,
		)
	}
	return w.flush()
}

func familiar(ref string) string {
	// Strip the default registry prefix the way docker shows names
	ref = strings.TrimPrefix(ref, "docker.io/")
	return strings.TrimPrefix(ref, "library/")
}

func statusLine(c *store.Container) string {
	switch c.State {
	case store.StateRunning:
		if c.StartedAt != nil {
			return "Up " + units.HumanDuration(time.Since(*c.StartedAt))
		}
		return "Up"
	case store.StateExited, store.StateStopped:
		code := "?"
		if c.ExitCode != nil {
			code = fmt.Sprint(*c.ExitCode)
		}
		s := fmt.Sprintf("Exited (%s)", code)
		if c.State == store.StateStopped {
			s = fmt.Sprintf("Stopped (%s)", code)
		}
		if c.FinishedAt != nil {
			s += " " + ago(*c.FinishedAt)
		}
		return s
	default:
		return "Created"
	}
}

type logsCmd struct {
	Follow    bool   `short:"f" help:"Follow log output."`
	Tail      int    `short:"n" help:"Number of lines to show from the end (0 for all)." default:"0"`
	Container string `arg:"" help:"Container name or ID."`
}

func (c *logsCmd) Run(app *application) error {
	lines, err := app.ContainerManager.Logs(app.Ctx, c.Container, c.Follow, c.Tail)
	if err != nil {
		return err
	}
	for line := range lines {
		fmt.Println(line)
	}
	return nil
}

type execCmd struct {
	Interactive bool     `short:"i" help:"Keep stdin attached."`
	TTY         bool     `short:"t" help:"Allocate a pseudo-terminal."`
	Env         []string `short:"e" help:"Set environment variables."`
	Workdir     string   `short:"w" help:"Working directory inside the container."`
	Container   string   `arg:"" help:"Container name or ID."`
	Command     []string `arg:"" optional:"" passthrough:"" help:"Command and arguments (defaults to a shell)."`
}

func (c *execCmd) Run(app *application) error {
	env, err := containers.ParseEnv(c.Env)
	if err != nil {
		return err
	}
	stdio := supervisor.IO{Stdout: os.Stdout, Stderr: os.Stderr}
	if c.Interactive || c.TTY || len(c.Command) == 0 {
		stdio.Stdin = os.Stdin
	}
	code, err := app.ContainerManager.Exec(app.Ctx, c.Container, supervisor.ExecOptions{
		IO:         stdio,
		Command:    c.Command,
		Env:        env,
		WorkingDir: c.Workdir,
		TTY:        c.TTY || len(c.Command) == 0,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

type attachCmd struct {
	Container string `arg:"" help:"Container name or ID."`
}

func (c *attachCmd) Run(app *application) error {
	code, err := app.ContainerManager.Attach(app.Ctx, c.Container, supervisor.IO{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

type inspectCmd struct {
	Containers []string `arg:"" help:"Container names or IDs."`
}

func (c *inspectCmd) Run(app *application) error {
	var found []*store.Container
	err := forEach(c.Containers, func(id string) error {
		ctr, err := app.ContainerManager.Inspect(app.Ctx, id)
		if err != nil {
			return err
		}
		found = append(found, ctr)
		return nil
	})
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "    ")
	if encErr := enc.Encode(lo.Ternary(found == nil, []*store.Container{}, found)); encErr != nil {
		return encErr
	}
	return err
}
