// Package category defines the closed set of model categories that are
// synchronized, each carrying its remote layout and local naming rules.
package category

import (
	"fmt"
	"path"
	"strings"
)

// Category is one kind of model artifact.
type Category int

const (
	Checkpoint Category = iota
	ControlNet
	Lora
	VAE
)

// All lists every category in startup order.
var All = []Category{Checkpoint, ControlNet, Lora, VAE}

type layout struct {
	slug       string
	module     string
	extensions []string
}

var layouts = [...]layout{
	Checkpoint: {slug: "sd", module: "Stable-diffusion", extensions: []string{".ckpt", ".safetensors"}},
	ControlNet: {slug: "cn", module: "ControlNet", extensions: []string{".pt", ".pth", ".ckpt", ".safetensors"}},
	Lora:       {slug: "lora", module: "Lora", extensions: []string{".pt", ".ckpt", ".safetensors"}},
	VAE:        {slug: "vae", module: "VAE", extensions: []string{".pt", ".ckpt", ".safetensors"}},
}

func (c Category) layout() layout {
	if c < 0 || int(c) >= len(layouts) {
		panic(fmt.Sprintf("category: unknown category %d", int(c)))
	}
	return layouts[c]
}

// Slug is the short name used in manifest file names, metrics and the API.
func (c Category) Slug() string { return c.layout().slug }

// Module is the directory name under models/ and the module name reported
// to the management API.
func (c Category) Module() string { return c.layout().module }

// String implements fmt.Stringer.
func (c Category) String() string { return c.Slug() }

// Extensions returns the recognized file extensions, lower case with dot.
func (c Category) Extensions() []string {
	return append([]string(nil), c.layout().extensions...)
}

// DefaultPrefix is the remote prefix used when none is configured.
func (c Category) DefaultPrefix() string {
	return "stable-diffusion-webui/models/" + c.Module()
}

// Matches reports whether key has one of the category's extensions.
func (c Category) Matches(key string) bool {
	ext := strings.ToLower(path.Ext(key))
	for _, e := range c.layout().extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// DisplayName is the name a model is listed under. Checkpoints keep their
// extension; every other category drops it.
func (c Category) DisplayName(key string) string {
	if c == Checkpoint {
		return key
	}
	return strings.TrimSuffix(key, path.Ext(key))
}

// Identifier builds the display identifier "<name> [<hash>]" used for
// reference counting.
func (c Category) Identifier(key, hash string) string {
	return fmt.Sprintf("%s [%s]", c.DisplayName(key), hash)
}

// Parse resolves a slug (or module name, case-insensitively) to a category.
func Parse(s string) (Category, error) {
	for _, c := range All {
		if s == c.Slug() || strings.EqualFold(s, c.Module()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", s)
}
