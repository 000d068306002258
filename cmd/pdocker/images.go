package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/docker/go-units"
	"github.com/onkernel/pdocker/lib/images"
	"golang.org/x/term"
)

type loginCmd struct {
	Server        string `arg:"" optional:"" help:"Registry host (defaults to Docker Hub)."`
	Username      string `short:"u" help:"Username."`
	Password      string `short:"p" help:"Password or token."`
	PasswordStdin bool   `name:"password-stdin" help:"Read the password from stdin."`
}

func (c *loginCmd) Run(app *application) error {
	server := c.Server
	if server == "" {
		server = "docker.io"
	}

	username := c.Username
	if username == "" {
		v, err := prompt("Username: ", false)
		if err != nil {
			return err
		}
		username = v
	}

	password := c.Password
	switch {
	case c.PasswordStdin:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(string(data), "\r\n")
	case password == "":
		v, err := prompt("Password: ", true)
		if err != nil {
			return err
		}
		password = v
	}
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}

	if err := app.ContainerManager.Login(app.Ctx, server, username, password); err != nil {
		return err
	}
	fmt.Println("Login Succeeded")
	return nil
}

// prompt reads one line from the terminal, without echo when secret.
func prompt(label string, secret bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for %s: stdin is not a terminal", strings.TrimSuffix(strings.ToLower(label), ": "))
	}
	fmt.Fprint(os.Stderr, label)
	if secret {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimSpace(line), err
}

type logoutCmd struct {
	Server string `arg:"" optional:"" help:"Registry host (defaults to Docker Hub)."`
}

func (c *logoutCmd) Run(app *application) error {
	server := c.Server
	if server == "" {
		server = "docker.io"
	}
	if err := app.ContainerManager.Logout(app.Ctx, server); err != nil {
		return err
	}
	fmt.Printf("Removing login credentials for %s\n", server)
	return nil
}

type pullCmd struct {
	Image string `arg:"" help:"Image reference."`
	Force bool   `help:"Re-resolve the reference even when cached."`
}

func (c *pullCmd) Run(app *application) error {
	stop := showProgress(app.Ctx, app.ImageManager)
	img, err := app.ContainerManager.Pull(app.Ctx, c.Image, c.Force)
	stop()
	if err != nil {
		return err
	}
	fmt.Printf("Digest: %s\n", img.Digest)
	fmt.Printf("Status: image is up to date for %s\n", img.Name)
	return nil
}

type importCmd struct {
	Archive   string `arg:"" type:"existingfile" help:"Root filesystem tarball (.tar, .tar.gz)."`
	Reference string `arg:"" optional:"" help:"Name for the image (defaults to localhost/<archive name>:latest)."`
}

func (c *importCmd) Run(app *application) error {
	img, err := app.ContainerManager.Import(app.Ctx, c.Archive, c.Reference)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %s\n", img.Name)
	fmt.Println(img.Digest)
	return nil
}

// showProgress prints pull progress to stderr until the returned func is
// called.
func showProgress(ctx context.Context, mgr images.Manager) func() {
	ctx, cancel := context.WithCancel(ctx)
	updates, err := mgr.Subscribe(ctx)
	if err != nil {
		cancel()
		return func() {}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		done := map[string]bool{}
		for u := range updates {
			switch {
			case u.Layer != "" && u.Total > 0 && u.Complete == u.Total && !done[u.Layer]:
				done[u.Layer] = true
				fmt.Fprintf(os.Stderr, "%s: downloaded %s\n", u.Layer, datasize.ByteSize(u.Total).HumanReadable())
			case u.Layer == "" && u.Status == images.StatusFailed && u.Error != nil:
				fmt.Fprintf(os.Stderr, "%s: failed: %s\n", u.Ref, *u.Error)
			case u.Layer == "":
				fmt.Fprintf(os.Stderr, "%s: %s\n", u.Ref, u.Status)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

type imagesCmd struct {
	Quiet bool `short:"q" help:"Only show image IDs."`
}

func (c *imagesCmd) Run(app *application) error {
	imgs, err := app.ContainerManager.Images(app.Ctx)
	if err != nil {
		return err
	}
	if c.Quiet {
		for _, img := range imgs {
			fmt.Println(img.ShortID())
		}
		return nil
	}

	w := newTable(os.Stdout, "REPOSITORY", "TAG", "IMAGE ID", "CREATED", "SIZE")
	for _, img := range imgs {
		repo, tag := img.Name, "<none>"
		if ref, err := images.ParseNormalizedRef(img.Name); err == nil {
			repo = ref.FamiliarName()
			if t := ref.Tag(); t != "" {
				tag = t
			}
		}
		w.row(repo, tag, img.ShortID(), ago(img.CreatedAt), datasize.ByteSize(img.SizeBytes).HumanReadable())
	}
	return w.flush()
}

type rmiCmd struct {
	Images []string `arg:"" help:"Image references or IDs."`
}

func (c *rmiCmd) Run(app *application) error {
	var errs []error
	for _, ref := range c.Images {
		if err := app.ContainerManager.RemoveImage(app.Ctx, ref); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ref, err))
			continue
		}
		fmt.Printf("Untagged: %s\n", ref)
	}
	return errors.Join(errs...)
}

type pruneCmd struct{}

func (c *pruneCmd) Run(app *application) error {
	report, err := app.ContainerManager.Prune(app.Ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted blobs: %d\n", report.BlobsRemoved)
	fmt.Printf("Deleted orphaned container directories: %d\n", report.OrphanDirsRemoved)
	fmt.Printf("Total reclaimed space: %s\n", datasize.ByteSize(report.BytesReclaimed).HumanReadable())
	return nil
}

// ago renders t the way docker listings do.
func ago(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return units.HumanDuration(time.Since(t)) + " ago"
}
