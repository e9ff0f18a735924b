package memrepo

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/repository"
)

// Doc is an in-memory document. Property paths separate complex property
// fields and list indexes with "/", as in "files/0/file".
type Doc struct {
	id       string
	repo     string
	typ      string
	props    map[string]any
	facets   map[string]struct{}
	retained []string
	held     map[string]bool
	record   bool
}

var _ repository.Document = (*Doc)(nil)

// NewDoc returns an empty document.
func NewDoc(id, typ string) *Doc {
	return &Doc{
		id:     id,
		typ:    typ,
		props:  make(map[string]any),
		facets: make(map[string]struct{}),
		held:   make(map[string]bool),
	}
}

// Set sets a property and returns d. It panics on invalid paths.
func (d *Doc) Set(xpath string, v any) *Doc {
	if err := d.SetValue(xpath, v); err != nil {
		panic(err)
	}
	return d
}

// WithRetainedProperties declares the retainable property paths.
func (d *Doc) WithRetainedProperties(paths ...string) *Doc {
	d.retained = append([]string(nil), paths...)
	return d
}

// Hold puts the property under retention.
func (d *Doc) Hold(xpath string, held bool) *Doc {
	if held {
		d.held[xpath] = true
	} else {
		delete(d.held, xpath)
	}
	return d
}

// MakeRecord flags d as a record.
func (d *Doc) MakeRecord() *Doc {
	d.record = true
	return d
}

func (d *Doc) ID() string                     { return d.id }
func (d *Doc) RepositoryName() string         { return d.repo }
func (d *Doc) Type() string                   { return d.typ }
func (d *Doc) RetainedProperties() []string   { return d.retained }
func (d *Doc) IsRetained(xpath string) bool   { return d.held[xpath] }
func (d *Doc) IsRecord() bool                 { return d.record }
func (d *Doc) String() string                 { return fmt.Sprintf("Doc(%s/%s)", d.repo, d.id) }
func (d *Doc) setRepository(name string) *Doc { d.repo = name; return d }

// HasFacet implements repository.Document.
func (d *Doc) HasFacet(facet string) bool {
	_, ok := d.facets[facet]
	return ok
}

// AddFacet implements repository.Document.
func (d *Doc) AddFacet(facet string) bool {
	if d.HasFacet(facet) {
		return false
	}
	d.facets[facet] = struct{}{}
	return true
}

// RemoveFacet implements repository.Document.
func (d *Doc) RemoveFacet(facet string) bool {
	if !d.HasFacet(facet) {
		return false
	}
	delete(d.facets, facet)
	return true
}

// Value implements repository.Document. Unset top-level properties are nil.
func (d *Doc) Value(xpath string) (any, error) {
	segs := strings.Split(xpath, "/")
	var cur any = d.props
	for _, seg := range segs {
		switch v := cur.(type) {
		case map[string]any:
			cur = v[seg]
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 || n >= len(v) {
				return nil, fmt.Errorf("%w: %s", repository.ErrPropertyNotFound, xpath)
			}
			cur = v[n]
		case nil:
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: %s", repository.ErrPropertyNotFound, xpath)
		}
	}
	return cur, nil
}

// SetValue implements repository.Document. Missing complex properties on
// the path are created.
func (d *Doc) SetValue(xpath string, v any) error {
	segs := strings.Split(xpath, "/")
	var cur any = d.props
	for i, seg := range segs {
		last := i == len(segs)-1
		switch c := cur.(type) {
		case map[string]any:
			if last {
				if v == nil {
					delete(c, seg)
				} else {
					c[seg] = v
				}
				return nil
			}
			next, ok := c[seg]
			if !ok || next == nil {
				next = make(map[string]any)
				c[seg] = next
			}
			cur = next
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 || n >= len(c) {
				return fmt.Errorf("%w: %s", repository.ErrPropertyNotFound, xpath)
			}
			if last {
				c[n] = v
				return nil
			}
			cur = c[n]
		default:
			return fmt.Errorf("%w: %s", repository.ErrPropertyNotFound, xpath)
		}
	}
	return nil
}

// VisitBlobs implements repository.Document. Properties are visited in
// name order.
func (d *Doc) VisitBlobs(fn func(xpath string, b blob.Blob) (blob.Blob, error)) error {
	return visitMap(d.props, "", fn)
}

func visitMap(m map[string]any, prefix string, fn func(string, blob.Blob) (blob.Blob, error)) error {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		nv, err := visitValue(m[name], prefix+name, fn)
		if err != nil {
			return err
		}
		if nv != nil {
			m[name] = nv
		}
	}
	return nil
}

func visitValue(v any, xpath string, fn func(string, blob.Blob) (blob.Blob, error)) (any, error) {
	switch x := v.(type) {
	case blob.Blob:
		nb, err := fn(xpath, x)
		if err != nil || nb == nil {
			return nil, err
		}
		return nb, nil
	case map[string]any:
		return nil, visitMap(x, xpath+"/", fn)
	case []any:
		for i, item := range x {
			nv, err := visitValue(item, xpath+"/"+strconv.Itoa(i), fn)
			if err != nil {
				return nil, err
			}
			if nv != nil {
				x[i] = nv
			}
		}
	}
	return nil, nil
}

func (d *Doc) clone() *Doc {
	c := &Doc{
		id:       d.id,
		repo:     d.repo,
		typ:      d.typ,
		props:    cloneValue(d.props).(map[string]any),
		facets:   make(map[string]struct{}, len(d.facets)),
		retained: append([]string(nil), d.retained...),
		held:     make(map[string]bool, len(d.held)),
		record:   d.record,
	}
	for f := range d.facets {
		c.facets[f] = struct{}{}
	}
	for k, v := range d.held {
		c.held[k] = v
	}
	return c
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
