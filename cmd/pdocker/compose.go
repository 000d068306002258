package main

import (
	"fmt"
	"os"

	"github.com/onkernel/pdocker/lib/compose"
	"github.com/onkernel/pdocker/lib/supervisor"
)

type composeCmd struct {
	File        string `short:"f" help:"Compose file." default:"docker-compose.yml"`
	ProjectName string `short:"p" name:"project-name" help:"Project name (defaults to the file's directory)."`

	Up   composeUpCmd   `cmd:"" help:"Create and start the project's services."`
	Down composeDownCmd `cmd:"" help:"Stop and remove the project's services."`
}

type composeUpCmd struct {
	Detach bool `short:"d" help:"Run services in the background."`
}

func (c *composeUpCmd) Run(app *application, parent *composeCmd) error {
	p, err := compose.Load(parent.File, parent.ProjectName)
	if err != nil {
		return err
	}
	results := compose.Up(app.Ctx, app.ContainerManager, p, compose.UpOptions{
		Detach: c.Detach,
		IO:     supervisor.IO{Stdout: os.Stdout, Stderr: os.Stderr},
	})
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(os.Stderr, "Service %s: %v\n", r.Service, r.Err)
		case c.Detach:
			fmt.Printf("Container %s  Started\n", r.Container)
		default:
			fmt.Printf("Container %s  Exited (%d)\n", r.Container, r.ExitCode)
		}
	}
	return compose.Err(results)
}

type composeDownCmd struct {
	Time int `short:"t" help:"Seconds to wait before killing." default:"-1"`
}

func (c *composeDownCmd) Run(app *application, parent *composeCmd) error {
	p, err := compose.Load(parent.File, parent.ProjectName)
	if err != nil {
		return err
	}
	results := compose.Down(app.Ctx, app.ContainerManager, p, timeout(c.Time))
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(os.Stderr, "Service %s: %v\n", r.Service, r.Err)
		case r.Skipped:
			fmt.Printf("Container %s  Not found\n", r.Container)
		default:
			fmt.Printf("Container %s  Removed\n", r.Container)
		}
	}
	return compose.Err(results)
}
