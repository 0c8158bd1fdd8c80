// Package diagram gates access to stored BPMN diagrams by the signed-in
// user's capabilities. Diagram content is opaque here.
package diagram

import (
	"context"
	"errors"

	"modeler/cmd/identity"
)

var (
	// ErrNoAccess is returned by Open when the user may not view diagrams.
	ErrNoAccess = errors.New("diagram: no access")

	// ErrReadOnly is returned by mutating calls on a Viewer, and by Delete on
	// an Editor whose user lacks the delete capability.
	ErrReadOnly = errors.New("diagram: read only")

	// ErrNotFound is returned when the backend has no such diagram.
	ErrNotFound = errors.New("diagram: not found")
)

// Mode names the Surface variant.
type Mode string

const (
	ModeEdit Mode = "edit"
	ModeView Mode = "view"
)

// Surface is the diagram workspace for one session. Both variants implement
// every method; a Viewer refuses mutations with ErrReadOnly.
type Surface interface {
	Mode() Mode
	List(ctx context.Context) ([]FileInfo, error)
	Load(ctx context.Context, id int64) (Document, error)
	Save(ctx context.Context, name string, data []byte) (FileInfo, error)
	Delete(ctx context.Context, id int64) error
}

// Open picks the Surface variant for caps. It is decided once; callers never
// inspect the variant to decide what to call.
func Open(caps identity.Capabilities, store Store) (Surface, error) {
	if store == nil {
		return nil, errors.New("diagram: nil store")
	}
	switch {
	case caps.CanEdit:
		return &Editor{store: store, canDelete: caps.CanDelete}, nil
	case caps.CanView:
		return &Viewer{store: store}, nil
	default:
		return nil, ErrNoAccess
	}
}

// Editor is the read-write variant.
type Editor struct {
	store     Store
	canDelete bool
}

func (e *Editor) Mode() Mode { return ModeEdit }

func (e *Editor) List(ctx context.Context) ([]FileInfo, error) { return e.store.List(ctx) }

func (e *Editor) Load(ctx context.Context, id int64) (Document, error) { return e.store.Get(ctx, id) }

func (e *Editor) Save(ctx context.Context, name string, data []byte) (FileInfo, error) {
	if name == "" || len(data) == 0 {
		return FileInfo{}, errors.New("diagram: name and content are required")
	}
	return e.store.Upload(ctx, name, data)
}

func (e *Editor) Delete(ctx context.Context, id int64) error {
	if !e.canDelete {
		return ErrReadOnly
	}
	return e.store.Delete(ctx, id)
}

// Viewer is the read-only variant.
type Viewer struct {
	store Store
}

func (v *Viewer) Mode() Mode { return ModeView }

func (v *Viewer) List(ctx context.Context) ([]FileInfo, error) { return v.store.List(ctx) }

func (v *Viewer) Load(ctx context.Context, id int64) (Document, error) { return v.store.Get(ctx, id) }

func (v *Viewer) Save(context.Context, string, []byte) (FileInfo, error) { return FileInfo{}, ErrReadOnly }

func (v *Viewer) Delete(context.Context, int64) error { return ErrReadOnly }
