package contract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/mukernel/pkg/timing"
)

// Catalog is the on-disk form of a contract set.
//
//	timing_classes:
//	  fast: 5ms
//	contracts:
//	  - operation_id: echo
//	    version: 1.0.0
//	    required_authority: authenticated
//	    timing_class: fast
//	    reserve: {cpu_cycles: 1000, memory_bytes: 65536}
//	wasm_modules:
//	  echo: modules/echo.wasm
//
// WASMModules maps operation ids to WebAssembly modules implementing them.
// Relative paths are resolved against the catalog file's directory.
type Catalog struct {
	TimingClasses map[timing.Class]time.Duration `yaml:"timing_classes"`
	Contracts     []Contract                     `yaml:"contracts"`
	WASMModules   map[string]string              `yaml:"wasm_modules"`

	dir string
}

// Module is a WebAssembly implementation named by a catalog.
type Module struct {
	OperationID string
	Path        string
}

// Modules lists the catalog's WebAssembly modules sorted by operation id,
// with resolved paths.
func (c *Catalog) Modules() []Module {
	out := make([]Module, 0, len(c.WASMModules))
	for op, path := range c.WASMModules {
		if !filepath.IsAbs(path) && c.dir != "" {
			path = filepath.Join(c.dir, path)
		}
		out = append(out, Module{OperationID: op, Path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return out
}

// DecodeCatalog parses a YAML catalog. Unknown fields are rejected.
func DecodeCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return &c, nil
		}
		return nil, fmt.Errorf("contract: parse catalog: %w", err)
	}
	return &c, nil
}

// LoadCatalogFile reads a catalog from path.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("contract: read catalog %s: %w", path, err)
	}
	c, err := DecodeCatalog(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	c.dir = filepath.Dir(path)
	return c, nil
}

// Build compiles every contract into a new registry. All errors are
// reported, not just the first.
func (c *Catalog) Build() (*Registry, error) {
	reg := NewRegistry()
	var errs []error
	for _, k := range c.Contracts {
		compiled, err := Compile(k, c.TimingClasses)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := reg.Add(compiled); err != nil {
			errs = append(errs, err)
		}
	}
	for _, m := range c.Modules() {
		if _, err := reg.Lookup(m.OperationID); err != nil {
			errs = append(errs, fmt.Errorf("contract: wasm module %s: %w", m.Path, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reg, nil
}
