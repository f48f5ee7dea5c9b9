package serialization

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/zeusync/remoteserver/internal/core/errs"
)

type entry struct {
	class  *Class
	goType reflect.Type
}

// Catalog maps wire type tags to Go types. Decode consults the gate before
// the payload is unmarshalled, so a rejected type is never materialized.
type Catalog struct {
	gate Gate

	mu      sync.RWMutex
	entries map[string]entry
}

func NewCatalog(gate Gate) *Catalog {
	if gate == nil {
		gate = AllowAll{}
	}
	return &Catalog{
		gate:    gate,
		entries: make(map[string]entry),
	}
}

// Register binds class to the Go type of prototype. A class registered twice
// is a configuration error.
func (c *Catalog) Register(class *Class, prototype any) error {
	if class == nil || class.Name == "" || prototype == nil {
		return errs.InvalidArgument("catalog registration requires a named class and a prototype")
	}
	if class.IsArray() {
		return errs.InvalidArgument("register the component type of array %q instead", class.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[class.Name]; exists {
		return errs.Configuration("type already registered: "+class.Name, nil)
	}
	c.entries[class.Name] = entry{class: class, goType: reflect.TypeOf(prototype)}
	return nil
}

// Resolve turns a type tag such as "Double[]" into its descriptor and Go type.
func (c *Catalog) Resolve(tag string) (*Class, reflect.Type, error) {
	base, dims := splitArray(tag)

	c.mu.RLock()
	e, ok := c.entries[base]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, errs.Rejected(tag)
	}

	class, goType := e.class, e.goType
	for range dims {
		class = ArrayOf(class)
		goType = reflect.SliceOf(goType)
	}
	return class, goType, nil
}

// Decode admits the tagged type through the gate and only then unmarshals
// payload into a new value of the registered Go type.
func (c *Catalog) Decode(tag string, payload json.RawMessage) (any, error) {
	class, goType, err := c.Resolve(tag)
	if err != nil {
		return nil, err
	}
	if err = Admit(c.gate, class); err != nil {
		return nil, err
	}
	if class.IsArray() {
		inner := class.Innermost()
		if err = Admit(c.gate, inner); err != nil {
			return nil, err
		}
	}

	ptr := reflect.New(goType)
	if len(payload) > 0 {
		if err = json.Unmarshal(payload, ptr.Interface()); err != nil {
			return nil, errs.InvalidArgument("payload of type %s: %v", tag, err)
		}
	}
	return ptr.Elem().Interface(), nil
}

// Tags lists the registered base type names.
func (c *Catalog) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tags := make([]string, 0, len(c.entries))
	for tag := range c.entries {
		tags = append(tags, tag)
	}
	return tags
}
