// Package config resolves the nested service configuration document into the
// two mappings the rest of the library is driven by: service name to endpoint
// path, and service name to the initial set of tracked function identifiers.
//
// Both mappings are derived from the same traversal of the same document, so
// their key sets are identical by construction. Every other package treats
// that property as an invariant.
package config

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config.yaml
var defaultDocument []byte

// DefaultServerURL is the collection server telemetry is posted to unless
// overridden via Handler.Configure or the environment.
const DefaultServerURL = "https://tracking-services-d6c2fd311c12.herokuapp.com"

// EnvServerURL overrides the default collection server URL when set.
const EnvServerURL = "ACCESS_TELEMETRY_SERVER_URL"

// pathSeparator joins document keys into endpoint paths; service names use
// serviceSeparator instead so they remain usable as flat identifiers.
const (
	pathSeparator    = "/"
	serviceSeparator = "_"
)

// Resolved holds the two key-aligned mappings produced from one document.
type Resolved struct {
	// Endpoints maps service name to the endpoint path telemetry for that
	// service is posted to, e.g. "intake_catalog" -> "intake/catalog".
	Endpoints map[string]string

	// RegistrySeed maps service name to the initial set of tracked
	// function identifiers for that service.
	RegistrySeed map[string]map[string]struct{}
}

// Services returns the sorted service names known to this document.
func (r *Resolved) Services() []string {
	services := make([]string, 0, len(r.Endpoints))
	for name := range r.Endpoints {
		services = append(services, name)
	}
	sort.Strings(services)
	return services
}

// Resolve flattens a nested configuration document. Each list-valued leaf
// becomes one service: its path joined with "/" is the endpoint, the same
// path with "/" replaced by "_" is the service name, and the list items seed
// the service's register.
//
// A leaf that is neither a nested mapping nor a sequence of strings fails
// with a ConfigurationError, as do two paths collapsing to the same service
// name. Traversal is deterministic (sorted keys), although the result is
// keyed so order cannot affect it.
func Resolve(document map[string]any) (*Resolved, error) {
	resolved := &Resolved{
		Endpoints:    make(map[string]string),
		RegistrySeed: make(map[string]map[string]struct{}),
	}
	if err := resolveNode(document, nil, resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

func resolveNode(node map[string]any, path []string, resolved *Resolved) error {
	keys := make([]string, 0, len(node))
	for key := range node {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		childPath := append(path, key)
		switch value := node[key].(type) {
		case map[string]any:
			if err := resolveNode(value, childPath, resolved); err != nil {
				return err
			}
		case []any:
			items, err := stringItems(value, childPath)
			if err != nil {
				return err
			}
			if err := addLeaf(childPath, items, resolved); err != nil {
				return err
			}
		case []string:
			if err := addLeaf(childPath, value, resolved); err != nil {
				return err
			}
		default:
			return &ConfigurationError{
				Path:   strings.Join(childPath, pathSeparator),
				Reason: fmt.Sprintf("expected a nested mapping or a sequence of strings, got %T", node[key]),
				Err:    ErrMalformedDocument,
			}
		}
	}
	return nil
}

func stringItems(seq []any, path []string) ([]string, error) {
	items := make([]string, 0, len(seq))
	for _, item := range seq {
		s, ok := item.(string)
		if !ok {
			return nil, &ConfigurationError{
				Path:   strings.Join(path, pathSeparator),
				Reason: fmt.Sprintf("sequence item %v is %T, not a string", item, item),
				Err:    ErrMalformedDocument,
			}
		}
		items = append(items, s)
	}
	return items, nil
}

func addLeaf(path, items []string, resolved *Resolved) error {
	endpoint := strings.Join(path, pathSeparator)
	service := strings.ReplaceAll(endpoint, pathSeparator, serviceSeparator)

	if existing, dup := resolved.Endpoints[service]; dup {
		return &ConfigurationError{
			Path:   endpoint,
			Reason: fmt.Sprintf("service name %q already produced by %q", service, existing),
			Err:    ErrDuplicateService,
		}
	}

	seed := make(map[string]struct{}, len(items))
	for _, item := range items {
		seed[item] = struct{}{}
	}
	resolved.Endpoints[service] = endpoint
	resolved.RegistrySeed[service] = seed
	return nil
}

// Load parses a YAML configuration document and resolves it.
func Load(r io.Reader) (*Resolved, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var document map[string]any
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, &ConfigurationError{
			Reason: err.Error(),
			Err:    ErrMalformedDocument,
		}
	}
	return Resolve(document)
}

// LoadFile reads and resolves the YAML document at path.
func LoadFile(path string) (*Resolved, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening configuration: %w", err)
	}
	defer f.Close()
	return Load(f)
}

var (
	defaultOnce     sync.Once
	defaultResolved *Resolved
)

// Default returns the resolved view of the embedded configuration document.
// The embedded document is a build asset, so failing to resolve it is a
// programming error and panics rather than returning a half-configured
// library.
func Default() *Resolved {
	defaultOnce.Do(func() {
		resolved, err := Load(strings.NewReader(string(defaultDocument)))
		if err != nil {
			panic(fmt.Sprintf("embedded config.yaml is invalid: %v", err))
		}
		defaultResolved = resolved
	})
	return defaultResolved
}

// ServerURL returns the collection server base URL, honoring the
// ACCESS_TELEMETRY_SERVER_URL environment override.
func ServerURL() string {
	if url := os.Getenv(EnvServerURL); url != "" {
		return url
	}
	return DefaultServerURL
}
