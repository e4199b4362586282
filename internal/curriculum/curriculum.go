// Package curriculum holds the immutable catalog of practice scenarios.
//
// The built-in catalog is embedded from catalog.yaml; deployments may replace
// it with their own file via [Load]. A [Catalog] is read-only after
// construction and safe for concurrent use. Every accessor returns copies.
package curriculum

import (
	_ "embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtin []byte

// Topic is a single roleplay scenario with its drill vocabulary.
type Topic struct {
	ID          string   `yaml:"id"          json:"id"`
	Name        string   `yaml:"name"        json:"name"`
	Description string   `yaml:"description" json:"description"`
	Scenario    string   `yaml:"scenario"    json:"scenario"`
	Role        string   `yaml:"role"        json:"role"`
	RoleName    string   `yaml:"role_name"   json:"role_name"`
	Vocabulary  []string `yaml:"vocabulary"  json:"vocabulary"`
	Phrases     []string `yaml:"phrases"     json:"phrases"`

	// Category is the display name of the owning category and CategoryKey its
	// key. Both are filled in from the enclosing category at load time.
	Category    string `yaml:"-" json:"category"`
	CategoryKey string `yaml:"-" json:"category_key"`
}

// Clone returns a deep copy of t.
func (t Topic) Clone() Topic {
	t.Vocabulary = append([]string(nil), t.Vocabulary...)
	t.Phrases = append([]string(nil), t.Phrases...)
	return t
}

// Category groups related topics.
type Category struct {
	Key         string  `yaml:"key"         json:"key"`
	Name        string  `yaml:"name"        json:"name"`
	Description string  `yaml:"description" json:"description"`
	Topics      []Topic `yaml:"topics"      json:"topics"`
}

type document struct {
	Categories []Category `yaml:"categories"`
}

// Catalog is the loaded, validated curriculum.
type Catalog struct {
	categories []Category
	topics     []Topic
	byID       map[string]int
}

// Default returns the built-in catalog. It panics if the embedded document is
// invalid, which is a build defect rather than a runtime condition.
func Default() *Catalog {
	c, err := Parse(builtin)
	if err != nil {
		panic(fmt.Sprintf("curriculum: embedded catalog: %v", err))
	}
	return c
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("curriculum: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("curriculum: decode: %w", err)
	}

	c := &Catalog{byID: make(map[string]int)}
	var errs []error
	for ci, cat := range doc.Categories {
		if cat.Key == "" {
			errs = append(errs, fmt.Errorf("categories[%d]: key is required", ci))
		}
		for ti := range cat.Topics {
			t := &cat.Topics[ti]
			t.Category = cat.Name
			t.CategoryKey = cat.Key
			if err := validateTopic(*t); err != nil {
				errs = append(errs, fmt.Errorf("categories[%d].topics[%d]: %w", ci, ti, err))
				continue
			}
			if _, dup := c.byID[t.ID]; dup {
				errs = append(errs, fmt.Errorf("categories[%d].topics[%d]: duplicate id %q", ci, ti, t.ID))
				continue
			}
			c.byID[t.ID] = len(c.topics)
			c.topics = append(c.topics, *t)
		}
		c.categories = append(c.categories, cat)
	}
	if len(c.topics) == 0 {
		errs = append(errs, errors.New("catalog has no topics"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("curriculum: %w", err)
	}
	return c, nil
}

func validateTopic(t Topic) error {
	var errs []error
	if t.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if len(t.Vocabulary) == 0 {
		errs = append(errs, fmt.Errorf("topic %q: vocabulary must not be empty", t.ID))
	}
	for i, w := range t.Vocabulary {
		if w == "" {
			errs = append(errs, fmt.Errorf("topic %q: vocabulary[%d] is empty", t.ID, i))
		}
	}
	if t.Role == "" || t.RoleName == "" {
		errs = append(errs, fmt.Errorf("topic %q: role and role_name are required", t.ID))
	}
	if t.Scenario == "" {
		errs = append(errs, fmt.Errorf("topic %q: scenario is required", t.ID))
	}
	return errors.Join(errs...)
}

// Lookup returns the topic with the given id. A missing id is reported through
// ok=false and is not an error.
func (c *Catalog) Lookup(id string) (Topic, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Topic{}, false
	}
	return c.topics[i].Clone(), true
}

// Topics returns every topic in catalog order.
func (c *Catalog) Topics() []Topic {
	out := make([]Topic, len(c.topics))
	for i, t := range c.topics {
		out[i] = t.Clone()
	}
	return out
}

// Categories returns every category with its topics, in catalog order.
func (c *Catalog) Categories() []Category {
	out := make([]Category, len(c.categories))
	for i, cat := range c.categories {
		cat.Topics = make([]Topic, 0, len(c.categories[i].Topics))
		for _, t := range c.categories[i].Topics {
			if _, ok := c.byID[t.ID]; ok {
				cat.Topics = append(cat.Topics, t.Clone())
			}
		}
		out[i] = cat
	}
	return out
}

// Random picks a topic uniformly across the whole catalog. A nil rng uses the
// global source.
func (c *Catalog) Random(rng *rand.Rand) Topic {
	var i int
	if rng != nil {
		i = rng.IntN(len(c.topics))
	} else {
		i = rand.IntN(len(c.topics))
	}
	return c.topics[i].Clone()
}

// Len returns the number of topics.
func (c *Catalog) Len() int { return len(c.topics) }
