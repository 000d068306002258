package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/onkernel/pdocker/cmd/pdocker/config"
	"github.com/onkernel/pdocker/lib/logger"
	"github.com/onkernel/pdocker/lib/providers"
)

// cli is the root command.
type cli struct {
	DataDir  string `name:"data-dir" help:"Override the data directory." placeholder:"PATH"`
	Debug    bool   `help:"Enable debug logging."`
	LogQuiet bool   `name:"log-quiet" help:"Only log errors."`

	Login   loginCmd   `cmd:"" help:"Log in to a registry."`
	Logout  logoutCmd  `cmd:"" help:"Forget stored registry credentials."`
	Pull    pullCmd    `cmd:"" help:"Pull an image."`
	Images  imagesCmd  `cmd:"" help:"List cached images."`
	Import  importCmd  `cmd:"" help:"Import a root filesystem tarball as an image."`
	Rmi     rmiCmd     `cmd:"" help:"Remove cached images."`
	Prune   pruneCmd   `cmd:"" help:"Remove unreferenced blobs and orphaned container directories."`
	Create  createCmd  `cmd:"" help:"Create a container."`
	Run     runCmd     `cmd:"" help:"Create and start a container."`
	Start   startCmd   `cmd:"" help:"Start stopped containers."`
	Stop    stopCmd    `cmd:"" help:"Stop running containers."`
	Restart restartCmd `cmd:"" help:"Restart containers."`
	Rm      rmCmd      `cmd:"" help:"Remove containers."`
	Ps      psCmd      `cmd:"" help:"List containers."`
	Logs    logsCmd    `cmd:"" help:"Show the output of a detached container."`
	Exec    execCmd    `cmd:"" help:"Run a command in a running container."`
	Attach  attachCmd  `cmd:"" help:"Open an interactive shell in a running container."`
	Inspect inspectCmd `cmd:"" help:"Show a container record as JSON."`
	Compose composeCmd `cmd:"" help:"Manage multi-container projects."`
	Build   buildCmd   `cmd:"" help:"Build an image (unsupported)."`
	History historyCmd `cmd:"" help:"Show image history (unsupported)."`
	Network networkCmd `cmd:"" help:"Manage networks (unsupported)."`
	Volume  volumeCmd  `cmd:"" help:"Manage volumes (unsupported)."`
	Version versionCmd `cmd:"" help:"Show version information."`
}

// exitCodeError makes the CLI exit with a container's exit code.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var root cli
	kctx := kong.Parse(&root,
		kong.Name("pdocker"),
		kong.Description("Run OCI images in a proot sandbox without a container runtime."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	app, cleanup, err := initializeApp(ctx, config.Overrides{
		DataDir: root.DataDir,
		Debug:   root.Debug,
		Quiet:   root.LogQuiet,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pdocker: %v\n", err)
		return 1
	}
	defer cleanup()
	app.Ctx = logger.AddToContext(ctx, app.Logger)

	err = kctx.Run(app)
	var exit *exitCodeError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		return exit.code
	default:
		app.Logger.Debug("command failed", "command", kctx.Command(), "error", err)
		fmt.Fprintf(os.Stderr, "pdocker: %v\n", err)
		return 1
	}
}

type versionCmd struct{}

func (c *versionCmd) Run(app *application) error {
	fmt.Printf("pdocker %s\n", providers.Version)
	return nil
}
