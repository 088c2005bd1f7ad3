// Package registry holds the static catalog of supervised services.
//
// A registry is immutable after construction. Entries come from the inline
// services section of the config, or from a YAML or TOML catalog file:
//
//	services:
//	  - id: dev_A
//	    path: /opt/boardfleet/boardhost
//	    url: http://127.0.0.1:9001
//	    args: ["http://127.0.0.1:9001", "192.168.10.21"]
package registry

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/boardfleet/internal/infrastructure/config"
)

var (
	// ErrNotFound is returned for an unknown service id.
	ErrNotFound = errors.New("registry: service not found")

	// ErrInvalid is returned when a descriptor or catalog fails validation.
	ErrInvalid = errors.New("registry: invalid descriptor")
)

// Descriptor is the launch identity of one supervised service.
type Descriptor struct {
	ID               string            `json:"id" yaml:"id" toml:"id"`
	ExecutablePath   string            `json:"path" yaml:"path" toml:"path"`
	BaseURL          string            `json:"url" yaml:"url" toml:"url"`
	StartupArguments []string          `json:"startupArguments" yaml:"args" toml:"args"`
	Env              map[string]string `json:"env,omitempty" yaml:"env" toml:"env"`
}

// Validate checks a single descriptor.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if strings.ContainsAny(d.ID, "/#+ ") {
		return fmt.Errorf("%w: id %q must not contain '/', '#', '+' or spaces", ErrInvalid, d.ID)
	}
	if d.ExecutablePath == "" {
		return fmt.Errorf("%w: %s: path is required", ErrInvalid, d.ID)
	}
	if d.BaseURL != "" {
		u, err := url.Parse(d.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %s: url %q must be an absolute http(s) URL", ErrInvalid, d.ID, d.BaseURL)
		}
	}
	return nil
}

// clone returns a deep copy so callers can't mutate registry state.
func (d Descriptor) clone() Descriptor {
	d.StartupArguments = slices.Clone(d.StartupArguments)
	d.Env = maps.Clone(d.Env)
	return d
}

// Registry is an ordered, immutable set of descriptors.
type Registry struct {
	order []string
	byID  map[string]Descriptor
}

// New builds a registry, rejecting invalid or duplicate descriptors.
func New(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]Descriptor, len(descriptors))}

	var errs []error
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.byID[d.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate id %q", ErrInvalid, d.ID))
			continue
		}
		r.order = append(r.order, d.ID)
		r.byID[d.ID] = d.clone()
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// FromConfig converts inline service entries.
func FromConfig(services []config.ServiceConfig) (*Registry, error) {
	descriptors := make([]Descriptor, 0, len(services))
	for _, s := range services {
		descriptors = append(descriptors, Descriptor{
			ID:               s.ID,
			ExecutablePath:   s.Path,
			BaseURL:          s.URL,
			StartupArguments: s.Args,
			Env:              s.Env,
		})
	}
	return New(descriptors...)
}

// catalog is the on-disk layout of a registry file.
type catalog struct {
	Services []Descriptor `yaml:"services" toml:"services"`
}

// Load reads a catalog file; the extension selects YAML or TOML.
func Load(path string) (*Registry, error) {
	var cat catalog

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading registry file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cat); err != nil {
			return nil, fmt.Errorf("parsing registry file: %w", err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, &cat)
		if err != nil {
			return nil, fmt.Errorf("parsing registry file: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalid, path, undecoded)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported registry format %q", ErrInvalid, ext)
	}

	return New(cat.Services...)
}

// List returns the descriptors in declaration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].clone())
	}
	return out
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.clone(), nil
}

// Len returns the number of descriptors.
func (r *Registry) Len() int {
	return len(r.order)
}
