// Package routes holds the host's catalogue of actions and pages: a mutable
// tree keyed by slug, flattened into the shape INITIALIZE_HOST announces.
package routes

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/dashlink/dashlink/pkg/io"
	"github.com/dashlink/dashlink/pkg/page"
	"github.com/dashlink/dashlink/pkg/wire"
)

// ActionHandler runs one transaction. The returned value is serialized into
// the transaction result; the error marks the transaction failed.
type ActionHandler func(ctx context.Context, actx *io.ActionContext) (any, error)

// Route is either an *Action or a *Page.
type Route interface {
	isRoute()
}

// Action is a runnable route.
type Action struct {
	Name           string
	Description    string
	Backgroundable bool
	Unlisted       bool
	Access         *wire.AccessControl
	Handler        ActionHandler
}

func (*Action) isRoute() {}

// Page is a navigable route. Handler (optional) renders its layout; Routes
// nests further actions and pages under this page's slug.
type Page struct {
	Name        string
	Description string
	Unlisted    bool
	Access      *wire.AccessControl
	Handler     page.Handler
	Routes      map[string]Route
}

func (*Page) isRoute() {}

// Slugs are path segments; slashes come from nesting, never from a segment.
var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Catalogue is one flattened view of the tree: the defs INITIALIZE_HOST
// carries plus full-slug lookup tables for dispatch.
type Catalogue struct {
	Actions []wire.ActionDef
	Groups  []wire.GroupDef

	ActionBySlug map[string]*Action
	PageBySlug   map[string]*Page
}

// Registry is the mutable route tree. Every mutation after the host connects
// triggers the change callback so the catalogue can be re-announced.
type Registry struct {
	mu       sync.RWMutex
	routes   map[string]Route
	onChange func()
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]Route)}
}

// OnChange installs the callback fired after each successful mutation.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Add registers a route under a top-level slug segment.
func (r *Registry) Add(slug string, route Route) error {
	if route == nil {
		return fmt.Errorf("routes: nil route for slug %q", slug)
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("routes: invalid slug %q", slug)
	}
	r.mu.Lock()
	if _, exists := r.routes[slug]; exists {
		r.mu.Unlock()
		return fmt.Errorf("routes: slug %q already registered", slug)
	}
	r.routes[slug] = route
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		onChange()
	}
	return nil
}

// Remove drops a top-level route. Removing an unknown slug is a no-op.
func (r *Registry) Remove(slug string) {
	r.mu.Lock()
	_, existed := r.routes[slug]
	delete(r.routes, slug)
	onChange := r.onChange
	r.mu.Unlock()

	if existed && onChange != nil {
		onChange()
	}
}

// Flatten walks the tree into a catalogue. Nested slugs join with "/"; an
// action directly under a page carries that page's slug as its group.
func (r *Registry) Flatten() (*Catalogue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cat := &Catalogue{
		ActionBySlug: make(map[string]*Action),
		PageBySlug:   make(map[string]*Page),
	}
	if err := flattenInto(cat, "", r.routes); err != nil {
		return nil, err
	}
	sort.Slice(cat.Actions, func(i, j int) bool { return cat.Actions[i].Slug < cat.Actions[j].Slug })
	sort.Slice(cat.Groups, func(i, j int) bool { return cat.Groups[i].Slug < cat.Groups[j].Slug })
	return cat, nil
}

func flattenInto(cat *Catalogue, prefix string, tree map[string]Route) error {
	for segment, route := range tree {
		if !slugPattern.MatchString(segment) {
			return fmt.Errorf("routes: invalid slug segment %q under %q", segment, prefix)
		}
		full := segment
		if prefix != "" {
			full = prefix + "/" + segment
		}
		switch rt := route.(type) {
		case *Action:
			cat.Actions = append(cat.Actions, wire.ActionDef{
				GroupSlug:      prefix,
				Slug:           full,
				Name:           rt.Name,
				Description:    rt.Description,
				Backgroundable: rt.Backgroundable,
				Unlisted:       rt.Unlisted,
				Access:         rt.Access,
			})
			cat.ActionBySlug[full] = rt
		case *Page:
			cat.Groups = append(cat.Groups, wire.GroupDef{
				Slug:        full,
				Name:        rt.Name,
				Description: rt.Description,
				Unlisted:    rt.Unlisted,
				HasHandler:  rt.Handler != nil,
				Access:      rt.Access,
			})
			cat.PageBySlug[full] = rt
			if err := flattenInto(cat, full, rt.Routes); err != nil {
				return err
			}
		default:
			return fmt.Errorf("routes: unsupported route type %T at %q", route, full)
		}
	}
	return nil
}
