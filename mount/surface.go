// Package mount is an in-memory rendering surface. It stands in for a host
// page: containers are registered by identifier and the renderer records
// what is mounted in each.
package mount

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"idvsdk/client"
	"idvsdk/options"
)

var (
	ErrForeignContainer = errors.New("container does not belong to this surface")
	// ErrContainerOccupied is returned when a fresh mount targets a container
	// that already holds another element.
	ErrContainerOccupied = errors.New("container already holds an element")
)

// Container is a mount target.
type Container struct {
	id string

	mu   sync.Mutex
	root *Element
}

func (c *Container) ID() string { return c.id }

// Element is a mounted flow.
type Element struct {
	id          string
	containerID string

	mu      sync.Mutex
	view    client.View
	renders int
}

func (e *Element) ID() string          { return e.id }
func (e *Element) ContainerID() string { return e.containerID }

// Renders counts how many times the element was drawn.
func (e *Element) Renders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.renders
}

// Surface holds containers by identifier.
type Surface struct {
	mu         sync.RWMutex
	containers map[string]*Container
}

// NewSurface returns a surface with the given containers registered.
func NewSurface(ids ...string) *Surface {
	s := &Surface{containers: make(map[string]*Container)}
	for _, id := range ids {
		s.AddContainer(id)
	}
	return s
}

// AddContainer registers id, returning the existing container if present.
func (s *Surface) AddContainer(id string) *Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.containers[id]; ok {
		return c
	}
	c := &Container{id: id}
	s.containers[id] = c
	return c
}

// RemoveContainer drops id from the surface.
func (s *Surface) RemoveContainer(id string) {
	s.mu.Lock()
	delete(s.containers, id)
	s.mu.Unlock()
}

func (s *Surface) Container(id string) (client.Container, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, false
	}
	return c, true
}

// Snapshot describes what a container shows.
type Snapshot struct {
	ContainerID string         `json:"containerId"`
	Mounted     bool           `json:"mounted"`
	ElementID   string         `json:"elementId,omitempty"`
	Renders     int            `json:"renders,omitempty"`
	Language    string         `json:"language,omitempty"`
	Steps       []options.Step `json:"steps,omitempty"`
	CountryCode string         `json:"smsNumberCountryCode,omitempty"`
	Modal       bool           `json:"modal,omitempty"`
}

// Snapshot reports the contents of container id.
func (s *Surface) Snapshot(id string) (Snapshot, bool) {
	s.mu.RLock()
	c, ok := s.containers[id]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	c.mu.Lock()
	el := c.root
	c.mu.Unlock()
	snap := Snapshot{ContainerID: id}
	if el == nil {
		return snap, true
	}

	el.mu.Lock()
	defer el.mu.Unlock()
	snap.Mounted = true
	snap.ElementID = el.id
	snap.Renders = el.renders
	snap.Language = el.view.Options.Language
	snap.Steps = el.view.Options.Steps
	snap.CountryCode = el.view.Options.SMSNumberCountryCode
	snap.Modal = el.view.Options.UseModal
	return snap, true
}

// Renderer draws views into Surface containers.
type Renderer struct{}

func NewRenderer() *Renderer { return &Renderer{} }

// Render implements client.Renderer. prev is updated in place and returned.
// Without prev the container must be empty.
func (r *Renderer) Render(view *client.View, target client.Container, prev client.Element) (client.Element, error) {
	c, ok := target.(*Container)
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: %T", ErrForeignContainer, target)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if view == nil {
		c.root = nil
		return nil, nil
	}

	var el *Element
	if p, ok := prev.(*Element); ok && p != nil && p.containerID == c.id {
		el = p
	}
	if el == nil {
		if c.root != nil {
			return nil, fmt.Errorf("%w: %s", ErrContainerOccupied, c.id)
		}
		el = &Element{id: uuid.NewString(), containerID: c.id}
	}

	el.mu.Lock()
	el.view = *view
	el.renders++
	el.mu.Unlock()
	c.root = el
	return el, nil
}
