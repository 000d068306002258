// Package compose brings up and tears down the services of a
// docker-compose.yml file through the container lifecycle manager.
package compose

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/mattn/go-shellwords"
	"github.com/onkernel/pdocker/lib/containers"
	"github.com/onkernel/pdocker/lib/store"
)

// DefaultFile is the compose file looked up when none is given.
const DefaultFile = "docker-compose.yml"

// Labels recorded on every container a project creates.
const (
	LabelProject = "com.docker.compose.project"
	LabelService = "com.docker.compose.service"
)

var (
	ErrNoServices = errors.New("no services defined")
	ErrInvalid    = errors.New("invalid compose file")
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Command is a compose command or entrypoint: either a string split with
// shell quoting rules or a list used as is.
type Command []string

func (c *Command) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*c = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("command must be a string or a list of strings")
	}
	words, err := shellwords.Parse(s)
	if err != nil {
		return fmt.Errorf("parse command %q: %w", s, err)
	}
	*c = words
	return nil
}

// Environment accepts both the mapping and the KEY=VALUE list forms.
type Environment map[string]string

func (e *Environment) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		env, err := containers.ParseEnv(list)
		if err != nil {
			return err
		}
		*e = env
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("environment must be a mapping or a list")
	}
	env := make(Environment, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
			if val, ok := os.LookupEnv(k); ok {
				env[k] = val
			}
		case string:
			env[k] = v
		default:
			// Numbers and booleans keep their YAML spelling
			env[k] = fmt.Sprint(v)
		}
	}
	*e = env
	return nil
}

// Service is one entry under services:.
type Service struct {
	Name          string            `json:"-"`
	Image         string            `json:"image"`
	ContainerName string            `json:"container_name,omitempty"`
	Command       Command           `json:"command,omitempty"`
	Entrypoint    Command           `json:"entrypoint,omitempty"`
	Environment   Environment       `json:"environment,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	WorkingDir    string            `json:"working_dir,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

type file struct {
	Services map[string]*Service `json:"services"`
}

// Project is a parsed compose file.
type Project struct {
	Name string
	// Dir is the directory relative volume sources resolve against.
	Dir      string
	Services []*Service
}

// Load parses the compose file at path. projectName defaults to the name of
// the directory holding the file.
func Load(path, projectName string) (*Project, error) {
	if path == "" {
		path = DefaultFile
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	if len(f.Services) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoServices)
	}

	dir := filepath.Dir(abs)
	if projectName == "" {
		projectName = filepath.Base(dir)
	}
	p := &Project{
		Name: strings.ToLower(unsafeNameChars.ReplaceAllString(projectName, "")),
		Dir:  dir,
	}
	for name, svc := range f.Services {
		if svc == nil {
			svc = &Service{}
		}
		svc.Name = name
		p.Services = append(p.Services, svc)
	}
	sort.Slice(p.Services, func(i, j int) bool {
		return p.Services[i].Name < p.Services[j].Name
	})
	return p, nil
}

// ContainerName is the explicit container_name or "<project>-<service>".
func (p *Project) ContainerName(svc *Service) string {
	if svc.ContainerName != "" {
		return svc.ContainerName
	}
	return p.Name + "-" + svc.Name
}

// CreateRequest translates svc into a container request.
func (p *Project) CreateRequest(svc *Service) (containers.CreateRequest, error) {
	if svc.Image == "" {
		return containers.CreateRequest{}, fmt.Errorf("%w: service %s has no image", ErrInvalid, svc.Name)
	}

	mounts := make([]store.Mount, 0, len(svc.Volumes))
	for _, v := range svc.Volumes {
		if !strings.HasPrefix(v, "/") && strings.Contains(v, ":") {
			v = filepath.Join(p.Dir, v)
		}
		m, err := containers.ParseMount(v)
		if err != nil {
			return containers.CreateRequest{}, fmt.Errorf("service %s: %w", svc.Name, err)
		}
		mounts = append(mounts, m)
	}

	labels := map[string]string{LabelProject: p.Name, LabelService: svc.Name}
	for k, v := range svc.Labels {
		labels[k] = v
	}

	return containers.CreateRequest{
		Name:       p.ContainerName(svc),
		Image:      svc.Image,
		Command:    svc.Command,
		Entrypoint: svc.Entrypoint,
		Env:        svc.Environment,
		Mounts:     mounts,
		WorkingDir: svc.WorkingDir,
		Labels:     labels,
	}, nil
}
