package compose

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/pdocker/lib/containers"
	"github.com/onkernel/pdocker/lib/logger"
	"github.com/onkernel/pdocker/lib/store"
	"github.com/onkernel/pdocker/lib/supervisor"
)

// Lifecycle is the part of containers.Manager compose drives.
type Lifecycle interface {
	Run(ctx context.Context, req containers.CreateRequest, stdio supervisor.IO) (*containers.RunResult, error)
	Stop(ctx context.Context, idOrName string, timeout time.Duration) (*store.Container, error)
	Remove(ctx context.Context, idOrName string, force bool) (*store.Container, error)
}

// ServiceResult reports what happened to one service.
type ServiceResult struct {
	Service   string
	Container string
	ID        string
	// ExitCode is set for services run in the foreground.
	ExitCode int
	Skipped  bool
	Err      error
}

// UpOptions configures Up.
type UpOptions struct {
	Detach bool
	// IO receives the output of foreground services.
	IO supervisor.IO
}

// Up creates and starts every service in name order. A failing service
// does not stop the rest.
func Up(ctx context.Context, lc Lifecycle, p *Project, opts UpOptions) []ServiceResult {
	log := logger.FromContext(ctx)

	results := make([]ServiceResult, 0, len(p.Services))
	for _, svc := range p.Services {
		res := ServiceResult{Service: svc.Name, Container: p.ContainerName(svc)}
		if err := ctx.Err(); err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}

		req, err := p.CreateRequest(svc)
		if err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		req.Detached = opts.Detach

		log.InfoContext(ctx, "starting service", "project", p.Name, "service", svc.Name, "container", req.Name)
		run, err := lc.Run(ctx, req, opts.IO)
		if err != nil {
			res.Err = fmt.Errorf("service %s: %w", svc.Name, err)
			log.ErrorContext(ctx, "service failed to start", "service", svc.Name, "error", err)
		} else {
			res.ID = run.Container.ID
			res.ExitCode = run.ExitCode
		}
		results = append(results, res)
	}
	return results
}

// Down stops and removes every service's container. Services that were
// never created are reported as skipped.
func Down(ctx context.Context, lc Lifecycle, p *Project, timeout time.Duration) []ServiceResult {
	log := logger.FromContext(ctx)

	results := make([]ServiceResult, 0, len(p.Services))
	for _, svc := range p.Services {
		name := p.ContainerName(svc)
		res := ServiceResult{Service: svc.Name, Container: name}

		log.InfoContext(ctx, "stopping service", "project", p.Name, "service", svc.Name, "container", name)
		c, err := lc.Stop(ctx, name, timeout)
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.Skipped = true
			results = append(results, res)
			continue
		case err != nil:
			res.Err = fmt.Errorf("stop %s: %w", name, err)
			results = append(results, res)
			continue
		}
		res.ID = c.ID

		if _, err := lc.Remove(ctx, c.ID, false); err != nil {
			res.Err = fmt.Errorf("remove %s: %w", name, err)
		}
		results = append(results, res)
	}
	return results
}

// Err joins the errors of failed services.
func Err(results []ServiceResult) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}
