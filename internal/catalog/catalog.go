package catalog

import (
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

// Image describes one entry in the enumerated image catalog.
type Image struct {
	Name        string             `yaml:"name" json:"name"`
	Description string             `yaml:"description,omitempty" json:"description,omitempty"`
	HourlyRate  float64            `yaml:"hourly_rate" json:"hourly_rate"`
	GPUEligible bool               `yaml:"gpu_eligible" json:"gpu_eligible"`
	Resources   types.ResourceSpec `yaml:"resources" json:"resources"`
}

// Catalog is the fixed set of spawnable images. Membership is decided
// at load time; lookups after that are read-only.
type Catalog struct {
	mu     sync.RWMutex
	images map[string]Image
	order  []string
}

// New creates a catalog from explicit entries.
func New(images ...Image) (*Catalog, error) {
	c := &Catalog{images: make(map[string]Image, len(images))}
	for _, img := range images {
		if err := c.add(img); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Default returns the built-in catalog used when no catalog file is
// configured.
func Default() *Catalog {
	c, _ := New(
		Image{
			Name:        "general-purpose",
			Description: "Base toolchain for untrusted command execution",
			HourlyRate:  0.08,
			Resources:   types.ResourceSpec{VCPU: 2, MemoryMB: 2048, DiskMB: 4096},
		},
		Image{
			Name:        "browser-enabled",
			Description: "Headless browser plus base toolchain",
			HourlyRate:  0.15,
			Resources:   types.ResourceSpec{VCPU: 2, MemoryMB: 4096, DiskMB: 8192},
		},
		Image{
			Name:        "gpu-ml",
			Description: "CUDA runtime and ML frameworks",
			HourlyRate:  1.20,
			GPUEligible: true,
			Resources:   types.ResourceSpec{VCPU: 8, MemoryMB: 16384, DiskMB: 32768, GPU: true},
		},
	)
	return c
}

// catalogFile is the on-disk YAML shape.
type catalogFile struct {
	Images []Image `yaml:"images"`
}

// Load parses a YAML catalog document.
func Load(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(f.Images) == 0 {
		return nil, fmt.Errorf("catalog has no images")
	}
	return New(f.Images...)
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	c, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("catalog file %s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) add(img Image) error {
	if img.Name == "" {
		return fmt.Errorf("catalog image with empty name")
	}
	if img.HourlyRate < 0 {
		return fmt.Errorf("catalog image %s: negative hourly rate", img.Name)
	}
	if _, exists := c.images[img.Name]; exists {
		return fmt.Errorf("catalog image %s: duplicate entry", img.Name)
	}
	c.images[img.Name] = img
	c.order = append(c.order, img.Name)
	return nil
}

// Lookup resolves an image by name. Unknown names are an InvalidImage
// error and never reach a backend.
func (c *Catalog) Lookup(name string) (Image, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	img, ok := c.images[name]
	if !ok {
		return Image{}, errs.New(errs.KindInvalidImage, "image %q is not in the catalog", name)
	}
	return img, nil
}

// Contains reports catalog membership.
func (c *Catalog) Contains(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.images[name]
	return ok
}

// Rate returns the per-image hourly rate, or an error for unknown images.
func (c *Catalog) Rate(name string) (float64, error) {
	img, err := c.Lookup(name)
	if err != nil {
		return 0, err
	}
	return img.HourlyRate, nil
}

// List returns all images in load order.
func (c *Catalog) List() []Image {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Image, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.images[name])
	}
	return out
}

// Names returns the image names in load order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}
