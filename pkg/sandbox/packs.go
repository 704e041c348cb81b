package sandbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sshh12/prompt-stack/pkg/domain"
)

// DefaultPackID is used for projects whose pack is unknown.
const DefaultPackID = "vanilla-react"

const vanillaReactStack = `You are building a vanilla React app.

The user chose a vanilla app so avoid adding any additional dependencies unless they are explicitly asked for.

Included:
- react-router-dom (use for all routing needs, note this is v6.xx)
- The react app is already created in /app/frontend (do not run ` + "`create-react-app`" + `)

Tips:
- Use react-leaflet for maps
- Use https://random.imagecdn.app/<width>/<height> for random images`

var builtinPacks = []domain.StackPack{
	{
		ID:               "vanilla-react",
		Title:            "Vanilla React",
		Description:      "A simple JS React App. Best for starting from scratch with minimal dependencies.",
		Image:            "ghcr.io/sshh12/prompt-stack-pack-vanilla-react:latest",
		StartCommand:     "cd /app && if [ ! -d 'frontend' ]; then cp -r /frontend .; fi && cd frontend && npm start",
		StackDescription: vanillaReactStack,
	},
}

// Packs is the set of stack packs a project can boot into.
type Packs struct {
	packs       []domain.StackPack
	defaultPack string
}

type packsFile struct {
	Default string             `yaml:"default"`
	Packs   []domain.StackPack `yaml:"packs"`
}

// DefaultPacks returns the built-in packs.
func DefaultPacks() *Packs {
	return &Packs{
		packs:       append([]domain.StackPack(nil), builtinPacks...),
		defaultPack: DefaultPackID,
	}
}

// LoadPacks reads packs from a YAML file on top of the built-in ones. A pack
// with the id of a built-in replaces it.
func LoadPacks(path string) (*Packs, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stack packs: %w", err)
	}
	var f packsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing stack packs %s: %w", path, err)
	}

	p := DefaultPacks()
	for _, pack := range f.Packs {
		if pack.ID == "" {
			return nil, fmt.Errorf("stack pack %q has no id", pack.Title)
		}
		if pack.Image == "" || pack.StartCommand == "" {
			return nil, fmt.Errorf("stack pack %s needs an image and start_command", pack.ID)
		}
		p.put(pack)
	}
	if f.Default != "" {
		if _, ok := p.lookup(f.Default); !ok {
			return nil, fmt.Errorf("default stack pack %s is not defined", f.Default)
		}
		p.defaultPack = f.Default
	}
	return p, nil
}

func (p *Packs) put(pack domain.StackPack) {
	for i := range p.packs {
		if p.packs[i].ID == pack.ID {
			p.packs[i] = pack
			return
		}
	}
	p.packs = append(p.packs, pack)
}

func (p *Packs) lookup(id string) (domain.StackPack, bool) {
	for _, pack := range p.packs {
		if pack.ID == id {
			return pack, true
		}
	}
	return domain.StackPack{}, false
}

// Get returns the pack with id, or the default pack.
func (p *Packs) Get(id string) domain.StackPack {
	if pack, ok := p.lookup(id); ok {
		return pack
	}
	pack, _ := p.lookup(p.defaultPack)
	return pack
}

// List returns every pack in definition order.
func (p *Packs) List() []domain.StackPack {
	return append([]domain.StackPack(nil), p.packs...)
}
